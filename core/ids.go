package core

import "github.com/google/uuid"

// NewID returns a random UUID string used for task, worker and correlation ids.
func NewID() string { return uuid.NewString() }

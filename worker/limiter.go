package worker

import (
	"fmt"
	"sync"

	"github.com/hupe1980/taskmesh/core"
)

// RoundLimiter enforces a maximum number of model rounds per task.
type RoundLimiter struct {
	max   int
	count int
	mu    sync.Mutex
}

// NewRoundLimiter creates a limiter allowing max rounds.
// If max <= 0, unlimited rounds are allowed.
func NewRoundLimiter(max int) *RoundLimiter {
	return &RoundLimiter{max: max}
}

// Next claims the next round. It returns an error wrapping
// core.ErrMaxRoundsReached once the budget is spent.
func (l *RoundLimiter) Next() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.max > 0 && l.count >= l.max {
		return fmt.Errorf("%w: %d rounds", core.ErrMaxRoundsReached, l.max)
	}
	l.count++

	return nil
}

// Count returns the number of rounds claimed so far.
func (l *RoundLimiter) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.count
}

// Remaining returns how many rounds are left, or -1 when unlimited.
func (l *RoundLimiter) Remaining() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.max <= 0 {
		return -1
	}

	return l.max - l.count
}

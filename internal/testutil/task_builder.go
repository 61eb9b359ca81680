package testutil

import (
	"time"

	"github.com/hupe1980/taskmesh/core"
)

// TaskBuilder provides a fluent helper for constructing tasks in tests.
// Example:
//
//	task := NewTaskBuilder("search").ID("t1").Timeout(time.Second).Param("q", "cobblestone").Build()
//
// Chain only the parts you need; sensible defaults are applied.
type TaskBuilder struct {
	taskType string
	opts     core.TaskOptions
}

// NewTaskBuilder creates a builder for a task of taskType.
func NewTaskBuilder(taskType string) *TaskBuilder {
	return &TaskBuilder{taskType: taskType, opts: core.TaskOptions{Params: map[string]any{}}}
}

// ID overrides the generated task id (chainable).
func (b *TaskBuilder) ID(id string) *TaskBuilder { b.opts.ID = id; return b }

// Requester sets the requester id (chainable).
func (b *TaskBuilder) Requester(id string) *TaskBuilder { b.opts.RequesterID = id; return b }

// Timeout sets the task timeout (chainable).
func (b *TaskBuilder) Timeout(d time.Duration) *TaskBuilder { b.opts.Timeout = d; return b }

// Param adds a parameter (chainable).
func (b *TaskBuilder) Param(key string, value any) *TaskBuilder {
	b.opts.Params[key] = value
	return b
}

// Callback attaches a push callback (chainable).
func (b *TaskBuilder) Callback(cb core.TaskCallback) *TaskBuilder { b.opts.Callback = cb; return b }

// Build creates the task.
func (b *TaskBuilder) Build() *core.Task {
	opts := b.opts
	return core.NewTask(b.taskType, func(o *core.TaskOptions) { *o = opts })
}

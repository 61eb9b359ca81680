package callback

import (
	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/logging"
)

// Funcs is a core.TaskCallback assembled from optional functions. Nil fields
// are skipped.
//
// Example:
//
//	cb := &callback.Funcs{
//	    Success: func(t *core.Task, r *core.Result) { log.Println(t.ID(), r.Success()) },
//	    Failure: func(t *core.Task, err error) { log.Println(t.ID(), err) },
//	}
type Funcs struct {
	Success  func(task *core.Task, result *core.Result)
	Failure  func(task *core.Task, err error)
	Timeout  func(task *core.Task)
	Cancel   func(task *core.Task)
	Progress func(task *core.Task, message string)
}

// OnSuccess calls Success if set.
func (f *Funcs) OnSuccess(task *core.Task, result *core.Result) {
	if f.Success != nil {
		f.Success(task, result)
	}
}

// OnFailure calls Failure if set.
func (f *Funcs) OnFailure(task *core.Task, err error) {
	if f.Failure != nil {
		f.Failure(task, err)
	}
}

// OnTimeout calls Timeout if set.
func (f *Funcs) OnTimeout(task *core.Task) {
	if f.Timeout != nil {
		f.Timeout(task)
	}
}

// OnCancel calls Cancel if set.
func (f *Funcs) OnCancel(task *core.Task) {
	if f.Cancel != nil {
		f.Cancel(task)
	}
}

// OnProgress calls Progress if set.
func (f *Funcs) OnProgress(task *core.Task, message string) {
	if f.Progress != nil {
		f.Progress(task, message)
	}
}

// LoggingCallback writes every outcome of a task to a logger. It is useful
// as a default callback for fire-and-forget submissions.
type LoggingCallback struct {
	logger logging.Logger
}

// NewLoggingCallback creates a LoggingCallback.
func NewLoggingCallback(logger logging.Logger) *LoggingCallback {
	return &LoggingCallback{logger: logging.OrNoOp(logger)}
}

// OnSuccess logs the result.
func (c *LoggingCallback) OnSuccess(task *core.Task, result *core.Result) {
	c.logger.Info("Task succeeded", "task_id", task.ID(), "task_type", task.Type(),
		"processing_time", result.ProcessingTime())
}

// OnFailure logs the error.
func (c *LoggingCallback) OnFailure(task *core.Task, err error) {
	c.logger.Warn("Task failed", "task_id", task.ID(), "task_type", task.Type(), "error", err)
}

// OnTimeout logs the timeout.
func (c *LoggingCallback) OnTimeout(task *core.Task) {
	c.logger.Warn("Task timed out", "task_id", task.ID(), "task_type", task.Type(), "timeout", task.Timeout())
}

// OnCancel logs the cancellation.
func (c *LoggingCallback) OnCancel(task *core.Task) {
	c.logger.Info("Task cancelled", "task_id", task.ID(), "task_type", task.Type())
}

// OnProgress logs the progress message.
func (c *LoggingCallback) OnProgress(task *core.Task, message string) {
	c.logger.Debug("Task progress", "task_id", task.ID(), "message", message)
}

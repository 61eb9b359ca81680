// Package runner implements the worker-loop consumer of the task engine.
//
// A Runner owns a fixed number of goroutines that block on the engine's
// queue, execute each task on a pooled sub-agent and report the outcome
// back: success completes the task, a max-rounds error finishes it with
// MAX_ROUNDS_REACHED and every other error goes through the engine's retry
// policy.
//
//	r := runner.New(e, func(o *runner.Options) { o.Workers = 8 })
//	r.Start(ctx)
//	defer r.Stop()
package runner

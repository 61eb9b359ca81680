// Package engine implements the integrated task system of taskmesh.
//
// The Engine is the composition root. It wires the priority queue, the
// lifecycle state machine, the callback bridge, the performance monitor and
// the sub-agent manager behind one submit/poll/complete/cancel surface that
// domain code consumes.
//
// # Architecture
//
//	┌─────────────────────────────────────────────────────────┐
//	│                     Domain code                         │
//	├─────────────────────────────────────────────────────────┤
//	│                        Engine                           │
//	│  ┌─────────────┐ ┌─────────────┐ ┌─────────────────┐    │
//	│  │ SubmitTask  │ │  TakeTask   │ │ Complete / Fail │    │
//	│  └─────────────┘ └─────────────┘ └─────────────────┘    │
//	├─────────────────────────────────────────────────────────┤
//	│  ┌─────────────┐ ┌─────────────┐ ┌─────────────────┐    │
//	│  │    queue    │ │  lifecycle  │ │    callback     │    │
//	│  └─────────────┘ └─────────────┘ └─────────────────┘    │
//	│  ┌─────────────┐ ┌─────────────────────────────────┐    │
//	│  │   monitor   │ │ subagent (pools, concurrency,   │    │
//	│  │             │ │ resources, errors)              │    │
//	│  └─────────────┘ └─────────────────────────────────┘    │
//	└─────────────────────────────────────────────────────────┘
//
// # Task flow
//
//  1. SubmitTask starts lifecycle tracking, registers the task's callback and
//     future, and enqueues the task as PENDING.
//  2. A consumer (see package runner) takes the task, which becomes
//     PROCESSING, moves it to EXECUTING and calls RouteTask.
//  3. On success the consumer calls CompleteTask; the future resolves with
//     the worker's result and the push callback receives OnSuccess.
//  4. On failure the consumer calls HandleTaskError. Retryable failures are
//     resubmitted after backoff with the same future; terminal failures fail
//     the task.
//  5. The queue's timeout sweep expires tasks that exceed their timeout in
//     any non-terminal status.
//
// # Usage
//
//	e := engine.New(func(o *engine.Options) {
//	    o.Config.MaxConcurrentWorkers = 16
//	    o.Logger = logging.NewDefaultSlogLogger()
//	})
//	defer e.Shutdown()
//
//	e.RegisterWorkerFactory("research", factory)
//
//	fut := e.SubmitTask(core.NewTask("research"), 1)
//	result, err := fut.Await(ctx)
//
// # Concurrency Model
//
// Every composed component has its own lock; no lock spans components. Push
// callbacks run on a bounded executor, so a slow callback cannot stall the
// queue. Across priority bands there is no aging: a continuous stream of
// urgent tasks can starve less urgent ones.
package engine

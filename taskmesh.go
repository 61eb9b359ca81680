// Package taskmesh provides a high-level façade over the integrated task
// system (engine.Engine) and its consumers (runner.Runner), enabling rapid
// construction of asynchronous sub-agent workloads. Most applications
// interact with this package by:
//  1. Creating a TaskMesh via New()
//  2. Registering worker factories (RegisterWorkerFactory) or model-backed
//     research workers (RegisterModelWorker)
//  3. Starting the consumers (Start) and submitting tasks asynchronously
//     (Submit) or synchronously (SubmitSync)
//
// All state is held in memory. Defaults are safe for local development and
// testing; production deployments typically tune engine.Config and supply a
// structured logger.
package taskmesh

import (
	"context"
	"fmt"
	"time"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/engine"
	"github.com/hupe1980/taskmesh/logging"
	"github.com/hupe1980/taskmesh/model"
	"github.com/hupe1980/taskmesh/monitor"
	"github.com/hupe1980/taskmesh/runner"
	"github.com/hupe1980/taskmesh/worker"
)

// Options configures the TaskMesh instance.
type Options struct {
	// Engine configuration (queue, callbacks, monitoring, pools, retries).
	EngineConfig engine.Config

	// Workers is the number of consumer goroutines taking tasks off the
	// queue. It bounds how many tasks are in flight, together with the
	// engine's concurrency ceilings.
	Workers int

	// PollTimeout bounds each blocking take of a consumer.
	PollTimeout time.Duration

	// Logger (defaults to NoOp logger if nil).
	Logger logging.Logger
}

// Statistics aggregates engine and consumer statistics.
type Statistics struct {
	System engine.SystemStatistics `json:"system"`
	Runner runner.Statistics       `json:"runner"`
}

// TaskMesh is the high-level façade aggregating the engine and its consumers.
type TaskMesh struct {
	opts   Options
	engine *engine.Engine
	runner *runner.Runner
}

// New creates a new TaskMesh. The engine accepts submissions immediately;
// tasks are processed once Start is called.
func New(optFns ...func(o *Options)) *TaskMesh {
	opts := Options{
		EngineConfig: engine.DefaultConfig,
		Workers:      4,
		PollTimeout:  500 * time.Millisecond,
		Logger:       logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	e := engine.New(func(o *engine.Options) {
		o.Config = opts.EngineConfig
		o.Logger = opts.Logger
	})

	r := runner.New(e, func(o *runner.Options) {
		o.Workers = opts.Workers
		o.PollTimeout = opts.PollTimeout
		o.Logger = opts.Logger
	})

	return &TaskMesh{opts: opts, engine: e, runner: r}
}

// Engine exposes the underlying integrated system for advanced use
// (listeners, routers, direct status updates).
func (m *TaskMesh) Engine() *engine.Engine { return m.engine }

// RegisterWorkerFactory registers the factory serving tasks of workerType.
func (m *TaskMesh) RegisterWorkerFactory(workerType string, f core.WorkerFactory) {
	m.engine.RegisterWorkerFactory(workerType, f)
}

// RegisterModelWorker registers pooled research workers backed by mdl.
// Every finished model round is reported as task progress.
func (m *TaskMesh) RegisterModelWorker(workerType string, mdl model.Model, optFns ...func(o *worker.Options)) {
	progress := func(o *worker.Options) {
		o.OnRound = func(task *core.Task, round, maxRounds int) {
			m.engine.UpdateTaskProgress(task.ID(), fmt.Sprintf("round %d/%d finished", round, maxRounds))
		}
	}
	m.engine.RegisterWorkerFactory(workerType, worker.NewFactory(workerType, mdl, append([]func(o *worker.Options){progress}, optFns...)...))
}

// Submit enqueues task at priority (lower is more urgent) and returns the
// future settled when the task reaches a terminal status.
func (m *TaskMesh) Submit(task *core.Task, priority int) *core.Future {
	return m.engine.SubmitTask(task, priority)
}

// SubmitSync submits task and waits for its outcome or ctx.
func (m *TaskMesh) SubmitSync(ctx context.Context, task *core.Task, priority int) (*core.Result, error) {
	return m.Submit(task, priority).Await(ctx)
}

// Cancel cancels a task that has not started executing.
func (m *TaskMesh) Cancel(taskID string) bool { return m.engine.CancelTask(taskID) }

// Start launches the consumers. It is a no-op when already started.
func (m *TaskMesh) Start(ctx context.Context) { m.runner.Start(ctx) }

// Shutdown stops the consumers and then the engine. Pending futures are
// cancelled.
func (m *TaskMesh) Shutdown() {
	m.runner.Stop()
	m.engine.Shutdown()
}

// Statistics returns a snapshot of engine and consumer statistics.
func (m *TaskMesh) Statistics() Statistics {
	return Statistics{
		System: m.engine.GetSystemStatistics(),
		Runner: m.runner.Statistics(),
	}
}

// PerformanceReport returns the monitor's current performance report.
func (m *TaskMesh) PerformanceReport() monitor.PerformanceReport {
	return m.engine.GetPerformanceReport()
}

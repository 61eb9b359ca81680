// Package worker provides LLM-backed sub-agents.
//
// A ModelWorker researches the task's "prompt" parameter over several rounds
// with a model.Model. Every round sends the running transcript; a reply that
// starts with the configured final prefix (default "FINAL:") completes the
// task, and exhausting "max_rounds" fails it with core.ErrMaxRoundsReached.
//
// Register a Factory with the sub-agent manager to pool ModelWorkers:
//
//	sys.RegisterWorkerFactory("research", worker.NewFactory("research", anthropic.NewModel()))
package worker

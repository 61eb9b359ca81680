// Package core provides the foundational domain types and interfaces shared
// by every taskmesh component:
//
//   - Task, TaskStatus and TaskInfo (units of work and their lifecycle states)
//   - Result (immutable execution outcome)
//   - Future (single-assignment async handle bridging callbacks and awaiters)
//   - Worker, WorkerFactory and ExecutionContext (the sub-agent contract)
//   - Sentinel and typed errors used for classification and retries
//
// The package keeps orchestration concerns (queueing, lifecycle rules,
// pooling, retries) out of scope, exposing small types that the queue,
// lifecycle, callback, monitor and subagent packages compose.
package core

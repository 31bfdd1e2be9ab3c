// Package task implements the background task engine: a lease-based queue
// store, a pool of worker slots that claim and execute registered handlers,
// a result/status store recording each task's state transitions, and the
// registry mapping task-type names to handlers and their retry policy.
//
// Delivery is at-least-once. A claimed task is held under a time-bounded
// lease; a worker that crashes or stalls lets the lease expire and the
// reaper makes the task claimable again. Handlers must therefore tolerate
// being executed more than once for the same task id.
//
// Retry and backoff decisions are made by the pure Decide function so the
// policy can be tested without running handlers.
package task

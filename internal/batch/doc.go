// Package batch implements jobmill's in-process batch job scheduler.
//
// # Overview
//
// Work is submitted as a Job: a named, ordered collection of independent
// Tasks sharing one concurrency budget. Each task carries a type string that
// resolves to a registered Processor, an opaque payload, a priority, and a
// retry policy (fixed delay, bounded attempts). The scheduler enforces two
// nested admission limits: a global cap on concurrently running jobs and a
// per-job cap on concurrently running tasks.
//
// # Lifecycle
//
// Jobs move through pending -> running -> completed|failed|canceled, with an
// optional paused detour. Lifecycle commands (StartJob, PauseJob, ResumeJob,
// CancelJob, DeleteJob) return false when the job is not in a valid source
// state; they never panic and never return errors for state misuse.
//
// A job leaves running only when every task is terminal. It becomes failed
// if at least one task failed permanently, completed otherwise. Canceling a
// job marks all pending and running tasks canceled and stops their retry
// timers; a processor call already in flight is not interrupted, and its
// late result is ignored.
//
// # Concurrency model
//
// All scheduler state is mutated inside a single mutex critical section, so
// every command and every task outcome is serialized against the others.
// Processors run on their own goroutines outside the lock; they interact
// with the scheduler only through the progress callback and their return
// value. A processor that never returns permanently occupies one task slot
// of its job: the scheduler deliberately provides no timeout enforcement.
//
// # Observation
//
// Lifecycle events (job.* and task.*) are published on an eventbus.Bus and
// full job-table snapshots are published to WatchJobs subscribers on every
// mutation. Reads (GetJob, GetJobs, JobSummary, Snapshot) return copies and
// never expose internal state.
package batch

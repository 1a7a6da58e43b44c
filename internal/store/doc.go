// Package store is the durable layer under the pipeline: the job table with
// its claim engine, bot scheduling state, and the pre-generated content
// buffer.
//
// The job store is the ONLY shared mutable resource between overlapping
// trigger invocations, so every coordination primitive lives here:
//   - ClaimJobs is the atomic boundary that keeps two concurrent workers
//     from executing the same job.
//   - FailJob owns the retry/backoff policy.
//   - ReclaimStuck recovers jobs whose worker died mid-execution.
//
// Timestamps are stored as Unix milliseconds.
package store

package models

// Outcome is the terminal classification of a job
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeTimedOut  Outcome = "timed_out"
	OutcomeCancelled Outcome = "cancelled"
)

// ErrorKind names why a job did not succeed
type ErrorKind string

const (
	KindNone               ErrorKind = ""
	KindWorkerNotFound     ErrorKind = "worker_not_found"
	KindSpawnFailed        ErrorKind = "spawn_failed"
	KindWorkerRuntimeError ErrorKind = "worker_runtime_error"
	KindWorkerTimedOut     ErrorKind = "worker_timed_out"
	KindJobCancelled       ErrorKind = "job_cancelled"
	KindArtifactMissing    ErrorKind = "artifact_missing"
	KindInternal           ErrorKind = "internal"
	KindJobInProgress      ErrorKind = "job_in_progress" // rejected before spawn
	KindInvalidRequest     ErrorKind = "invalid_request" // rejected before spawn
	KindRateLimited        ErrorKind = "rate_limited"    // rejected before spawn
)

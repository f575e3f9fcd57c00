package worker

import (
	"errors"
	"fmt"
)

// Sentinel errors for conditions callers branch on.
var (
	// ErrWorkerNotFound indicates the worker program or its entry point does not exist.
	ErrWorkerNotFound = errors.New("worker not found")

	// ErrSpawnFailed indicates the worker exists but could not be started.
	ErrSpawnFailed = errors.New("worker spawn failed")

	// ErrStreamDecode marks a non-fatal problem while framing worker output.
	ErrStreamDecode = errors.New("stream decode warning")
)

// WorkerNotFoundError reports which path could not be resolved.
type WorkerNotFoundError struct {
	Path string
	Err  error
}

func (e *WorkerNotFoundError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("worker not found: %s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("worker not found: %s", e.Path)
}

func (e *WorkerNotFoundError) Unwrap() error {
	return e.Err
}

// Is matches ErrWorkerNotFound.
func (e *WorkerNotFoundError) Is(target error) bool {
	return target == ErrWorkerNotFound
}

// SpawnError wraps an error returned while starting the worker process.
type SpawnError struct {
	Program string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to start %s: %v", e.Program, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// Is matches ErrSpawnFailed.
func (e *SpawnError) Is(target error) bool {
	return target == ErrSpawnFailed
}

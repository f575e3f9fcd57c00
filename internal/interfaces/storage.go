package interfaces

import (
	"context"
	"errors"

	"github.com/ternarybob/salas/internal/models"
)

// ErrJobNotFound is returned for an unknown job ID
var ErrJobNotFound = errors.New("job not found")

// ListOptions pages through job history, newest first
type ListOptions struct {
	Limit   int
	Offset  int
	Trigger models.Trigger // empty matches all
}

// JobStorage persists job records
type JobStorage interface {
	SaveJob(ctx context.Context, job *models.JobRecord) error
	GetJob(ctx context.Context, id string) (*models.JobRecord, error)
	ListJobs(ctx context.Context, opts *ListOptions) ([]*models.JobRecord, error)
	CountJobs(ctx context.Context) (int, error)
	DeleteJob(ctx context.Context, id string) error
	// PruneJobs deletes all but the newest keep jobs and returns their IDs
	PruneJobs(ctx context.Context, keep int) ([]string, error)
}

// JobLogStorage persists the log lines of each job in arrival order
type JobLogStorage interface {
	AppendLog(ctx context.Context, line models.LogLine) error
	// GetLogs returns up to limit lines with Seq > afterSeq (limit <= 0 means all)
	GetLogs(ctx context.Context, jobID string, afterSeq uint64, limit int) ([]models.LogLine, error)
	CountLogs(ctx context.Context, jobID string) (int, error)
	DeleteLogs(ctx context.Context, jobID string) error
}

// StorageManager owns the storage backends
type StorageManager interface {
	JobStorage() JobStorage
	JobLogStorage() JobLogStorage
	Close() error
}

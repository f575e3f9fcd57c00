package badger

import (
	"context"
	"errors"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/salas/internal/interfaces"
	"github.com/ternarybob/salas/internal/models"
)

// JobStorage implements the JobStorage interface for Badger
type JobStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewJobStorage creates a new JobStorage instance
func NewJobStorage(db *BadgerDB, logger arbor.ILogger) interfaces.JobStorage {
	return &JobStorage{
		db:     db,
		logger: logger,
	}
}

func (s *JobStorage) SaveJob(ctx context.Context, job *models.JobRecord) error {
	if job.ID == "" {
		return fmt.Errorf("job ID is required")
	}

	if err := s.db.Store().Upsert(job.ID, job); err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

func (s *JobStorage) GetJob(ctx context.Context, id string) (*models.JobRecord, error) {
	var job models.JobRecord
	if err := s.db.Store().Get(id, &job); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", interfaces.ErrJobNotFound, id)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

func (s *JobStorage) ListJobs(ctx context.Context, opts *interfaces.ListOptions) ([]*models.JobRecord, error) {
	query := badgerhold.Where("ID").Ne("")

	if opts != nil {
		if opts.Trigger != "" {
			query = query.And("Trigger").Eq(opts.Trigger)
		}
		if opts.Limit > 0 {
			query = query.Limit(opts.Limit)
		}
		if opts.Offset > 0 {
			query = query.Skip(opts.Offset)
		}
	}
	query = query.SortBy("CreatedAt").Reverse()

	var jobs []models.JobRecord
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	result := make([]*models.JobRecord, len(jobs))
	for i := range jobs {
		result[i] = &jobs[i]
	}
	return result, nil
}

func (s *JobStorage) CountJobs(ctx context.Context) (int, error) {
	count, err := s.db.Store().Count(&models.JobRecord{}, badgerhold.Where("ID").Ne(""))
	if err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return int(count), nil
}

func (s *JobStorage) DeleteJob(ctx context.Context, id string) error {
	if err := s.db.Store().Delete(id, &models.JobRecord{}); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return fmt.Errorf("%w: %s", interfaces.ErrJobNotFound, id)
		}
		return fmt.Errorf("failed to delete job: %w", err)
	}
	return nil
}

// PruneJobs keeps the newest keep jobs. Jobs that are still open are never
// removed.
func (s *JobStorage) PruneJobs(ctx context.Context, keep int) ([]string, error) {
	if keep <= 0 {
		return nil, nil
	}

	var old []models.JobRecord
	query := badgerhold.Where("ID").Ne("").SortBy("CreatedAt").Reverse().Skip(keep)
	if err := s.db.Store().Find(&old, query); err != nil {
		return nil, fmt.Errorf("failed to find old jobs: %w", err)
	}

	var removed []string
	for _, job := range old {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if job.State != models.JobStateClosed {
			continue
		}
		if err := s.db.Store().Delete(job.ID, &models.JobRecord{}); err != nil && !errors.Is(err, badgerhold.ErrNotFound) {
			return removed, fmt.Errorf("failed to delete job %s: %w", job.ID, err)
		}
		removed = append(removed, job.ID)
	}
	return removed, nil
}

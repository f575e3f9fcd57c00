package jobs

import (
	"context"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/salas/internal/interfaces"
	"github.com/ternarybob/salas/internal/models"
)

// History records jobs and their log lines in storage, keeping the newest
// maxJobs finished jobs
type History struct {
	jobs    interfaces.JobStorage
	logs    interfaces.JobLogStorage
	maxJobs int
	logger  arbor.ILogger
}

// NewHistory creates a History. maxJobs <= 0 disables pruning.
func NewHistory(storage interfaces.StorageManager, maxJobs int, logger arbor.ILogger) *History {
	return &History{
		jobs:    storage.JobStorage(),
		logs:    storage.JobLogStorage(),
		maxJobs: maxJobs,
		logger:  logger,
	}
}

// SaveJob stores the job record, pruning old jobs once it is closed
func (h *History) SaveJob(ctx context.Context, job *models.JobRecord) error {
	if err := h.jobs.SaveJob(ctx, job); err != nil {
		return err
	}

	if job.State == models.JobStateClosed && h.maxJobs > 0 {
		h.prune(ctx)
	}
	return nil
}

// AppendLine stores one log line
func (h *History) AppendLine(ctx context.Context, line models.LogLine) error {
	return h.logs.AppendLog(ctx, line)
}

func (h *History) prune(ctx context.Context) {
	removed, err := h.jobs.PruneJobs(ctx, h.maxJobs)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Failed to prune job history")
		return
	}

	for _, id := range removed {
		if err := h.logs.DeleteLogs(ctx, id); err != nil {
			h.logger.Warn().Err(err).Str("job_id", id).Msg("Failed to delete job logs")
		}
	}

	if len(removed) > 0 {
		h.logger.Debug().Int("removed", len(removed)).Int("kept", h.maxJobs).Msg("Pruned job history")
	}
}

// Package scheduler runs the worker on a cron schedule, with nobody watching.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/salas/internal/bridge"
	"github.com/ternarybob/salas/internal/common"
	"github.com/ternarybob/salas/internal/jobs"
	"github.com/ternarybob/salas/internal/models"
)

// Status reports the scheduler state
type Status struct {
	Enabled     bool       `json:"enabled"`
	Schedule    string     `json:"schedule,omitempty"`
	NextRun     *time.Time `json:"next_run,omitempty"`
	LastRun     *time.Time `json:"last_run,omitempty"`
	LastOutcome string     `json:"last_outcome,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
}

// Service triggers scheduled jobs through the job manager
type Service struct {
	manager *jobs.Manager
	period  *models.Period
	cron    *cron.Cron
	logger  arbor.ILogger

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	running     bool
	schedule    string
	entryID     cron.EntryID
	lastRun     *time.Time
	lastOutcome string
	lastError   string
}

// NewService creates a scheduler. period may be nil.
func NewService(manager *jobs.Manager, period *models.Period, logger arbor.ILogger) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		manager: manager,
		period:  period,
		cron:    cron.New(),
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start begins running the worker on schedule
func (s *Service) Start(schedule string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler already running")
	}
	if err := common.ValidateJobSchedule(schedule); err != nil {
		return err
	}

	id, err := s.cron.AddFunc(schedule, s.runScheduledJob)
	if err != nil {
		return fmt.Errorf("failed to add cron job: %w", err)
	}

	s.entryID = id
	s.schedule = schedule
	s.cron.Start()
	s.running = true

	s.logger.Info().
		Str("schedule", schedule).
		Str("next_run", s.cron.Entry(id).Next.Format(time.RFC3339)).
		Msg("Scheduler started")
	return nil
}

// Stop halts the scheduler, cancelling a scheduled job that is still running,
// and waits for it to finish or ctx to expire
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	s.cancel()
	done := s.cron.Stop()

	select {
	case <-done.Done():
		s.logger.Info().Msg("Scheduler stopped")
		return nil
	case <-ctx.Done():
		s.logger.Warn().Msg("Scheduled job did not stop in time")
		return ctx.Err()
	}
}

// Status returns the current scheduler state
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := Status{
		Enabled:     s.running,
		Schedule:    s.schedule,
		LastRun:     s.lastRun,
		LastOutcome: s.lastOutcome,
		LastError:   s.lastError,
	}
	if s.running {
		next := s.cron.Entry(s.entryID).Next
		if !next.IsZero() {
			status.NextRun = &next
		}
	}
	return status
}

// runScheduledJob runs the worker once, logging its output. A run that
// collides with another job is skipped, not queued.
func (s *Service) runScheduledJob() {
	defer common.RecoverGoroutine(s.logger, "scheduled job")

	now := time.Now()
	reservation, err := s.manager.Reserve(jobs.Request{Trigger: models.TriggerSchedule, Period: s.period})
	if err != nil {
		if errors.Is(err, jobs.ErrJobInProgress) {
			s.logger.Info().Msg("Scheduled run skipped: a job is already running")
		} else {
			s.logger.Warn().Err(err).Msg("Scheduled run rejected")
		}
		s.record(now, "", err.Error())
		return
	}

	logger := s.logger.WithCorrelationId(reservation.ID())
	logger.Info().Msg("Scheduled run starting")

	result := reservation.Run(s.ctx, bridge.NewLoggerSink(logger))

	errMsg := ""
	if !result.Success() {
		errMsg = result.Detail
	}
	s.record(now, string(result.Outcome), errMsg)
}

func (s *Service) record(at time.Time, outcome, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRun = &at
	s.lastOutcome = outcome
	s.lastError = errMsg
}

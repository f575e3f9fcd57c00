// Package jobs runs worker jobs: one Controller per job, coordinated by a
// Manager that allows a single job at a time.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"
	"golang.org/x/text/encoding"
	"golang.org/x/time/rate"

	"github.com/ternarybob/salas/internal/bridge"
	"github.com/ternarybob/salas/internal/common"
	"github.com/ternarybob/salas/internal/models"
	"github.com/ternarybob/salas/internal/worker"
)

var (
	// ErrJobInProgress is returned while another job holds the worker
	ErrJobInProgress = errors.New("a job is already running")
	// ErrRateLimited is returned when jobs are started too quickly
	ErrRateLimited = errors.New("jobs are being started too quickly")
	// ErrInvalidPeriod is returned for a missing or malformed year/semester
	ErrInvalidPeriod = errors.New("invalid period")
)

// Request asks for a new job
type Request struct {
	Trigger models.Trigger
	Period  *models.Period // nil runs the worker without period arguments
}

// Manager admits job requests and runs them one at a time
type Manager struct {
	config     *common.Config
	supervisor *worker.Supervisor
	artifacts  ArtifactVerifier
	recorder   Recorder
	encoding   encoding.Encoding
	limiter    *rate.Limiter
	validate   *validator.Validate
	logger     arbor.ILogger

	mu       sync.Mutex
	reserved *Reservation
}

// NewManager creates a Manager. artifacts and recorder may be nil.
func NewManager(config *common.Config, supervisor *worker.Supervisor, artifacts ArtifactVerifier, recorder Recorder, logger arbor.ILogger) (*Manager, error) {
	enc, err := common.LookupEncoding(config.Stream.Encoding)
	if err != nil {
		return nil, err
	}

	limit := rate.Inf
	if interval := config.StartInterval(); interval > 0 {
		limit = rate.Every(interval)
	}
	burst := max(config.Limits.StartBurst, 1)

	return &Manager{
		config:     config,
		supervisor: supervisor,
		artifacts:  artifacts,
		recorder:   recorder,
		encoding:   enc,
		limiter:    rate.NewLimiter(limit, burst),
		validate:   validator.New(),
		logger:     logger,
	}, nil
}

// Reserve admits req, claiming the worker until the returned reservation is
// run or released. It fails with ErrInvalidPeriod, ErrJobInProgress or
// ErrRateLimited.
func (m *Manager) Reserve(req Request) (*Reservation, error) {
	if req.Period == nil && m.config.Worker.RequirePeriod {
		return nil, fmt.Errorf("%w: year and semester are required", ErrInvalidPeriod)
	}
	if req.Period != nil {
		if err := m.validate.Struct(req.Period); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPeriod, err)
		}
	}

	cmd, err := m.buildCommand(req.Period)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.reserved != nil {
		return nil, ErrJobInProgress
	}
	if !m.limiter.Allow() {
		return nil, ErrRateLimited
	}

	r := &Reservation{
		manager: m,
		record: models.JobRecord{
			ID:        common.NewJobID(),
			Trigger:   req.Trigger,
			Period:    req.Period,
			CreatedAt: time.Now(),
		},
		cmd: cmd,
	}
	m.reserved = r

	m.logger.Debug().
		Str("job_id", r.record.ID).
		Str("trigger", string(req.Trigger)).
		Msg("Job reserved")

	return r, nil
}

// Active returns the running job, if any
func (m *Manager) Active() (models.JobRecord, bool) {
	m.mu.Lock()
	r := m.reserved
	m.mu.Unlock()

	if r == nil {
		return models.JobRecord{}, false
	}
	return r.snapshot(), true
}

// CancelActive cancels the running job, reporting whether there was one
func (m *Manager) CancelActive() bool {
	m.mu.Lock()
	r := m.reserved
	m.mu.Unlock()

	if r == nil {
		return false
	}
	r.cancel()
	return true
}

func (m *Manager) release(r *Reservation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reserved == r {
		m.reserved = nil
	}
}

// buildCommand assembles the worker invocation for period
func (m *Manager) buildCommand(period *models.Period) (worker.Command, error) {
	wc := m.config.Worker

	args := append([]string{}, wc.Args...)
	if wc.EntryPoint != "" {
		args = append(args, wc.EntryPoint)
	}
	if period != nil && len(wc.PeriodArgs) > 0 {
		extra, err := common.ExpandArgs(wc.PeriodArgs, period.Values())
		if err != nil {
			return worker.Command{}, fmt.Errorf("worker period arguments: %w", err)
		}
		args = append(args, extra...)
	}

	return worker.Command{
		Program:    wc.Program,
		EntryPoint: wc.EntryPoint,
		Args:       args,
		Env:        worker.BuildEnv(wc.InheritEnv, wc.Env),
		Dir:        wc.Dir,
		Timeout:    m.config.WorkerTimeout(),
		KillGrace:  m.config.KillGrace(),
	}, nil
}

func (m *Manager) controllerOptions() Options {
	return Options{
		Encoding:       m.encoding,
		MaxLineBytes:   m.config.Stream.MaxLineBytes,
		DrainTimeout:   m.config.DrainTimeout(),
		PingInterval:   m.config.PingInterval(),
		StartMessage:   m.config.Stream.StartMessage,
		SuccessMessage: m.config.Stream.SuccessMessage,
	}
}

// Encoder returns the wire encoder for subscriber sinks
func (m *Manager) Encoder() bridge.Encoder {
	return bridge.Encoder{StderrPrefix: m.config.Stream.StderrPrefix}
}

// Reservation is an admitted job that has not finished yet
type Reservation struct {
	manager *Manager
	record  models.JobRecord
	cmd     worker.Command

	mu          sync.Mutex
	controller  *Controller
	cancelFn    context.CancelFunc
	cancelled   bool
	ran         bool
	releaseOnce sync.Once
}

// ID returns the job ID
func (r *Reservation) ID() string {
	return r.record.ID
}

// Run executes the job, streaming its events to sink, and releases the
// reservation when the job is closed. The sink is closed on every path.
// Cancelling ctx cancels the job.
func (r *Reservation) Run(ctx context.Context, sink bridge.Sink) models.ResultEvent {
	defer r.Release()

	m := r.manager
	b := bridge.New(sink, m.logger).WithWriteWait(m.config.WriteTimeout())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.mu.Lock()
	if r.ran {
		r.mu.Unlock()
		b.Close()
		return models.ResultEvent{Outcome: models.OutcomeFailed, Kind: models.KindInternal, Detail: "job already ran"}
	}
	r.ran = true
	r.cancelFn = cancel
	if r.cancelled {
		cancel()
	}
	r.controller = NewController(r.record, r.cmd, m.supervisor, b, m.artifacts, m.recorder, m.controllerOptions(), m.logger)
	controller := r.controller
	r.mu.Unlock()

	return controller.Run(ctx)
}

// Release gives up the reservation without running it. Safe to call more
// than once and after Run.
func (r *Reservation) Release() {
	r.releaseOnce.Do(func() {
		r.manager.release(r)
	})
}

func (r *Reservation) cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled = true
	if r.cancelFn != nil {
		r.cancelFn()
	}
}

func (r *Reservation) snapshot() models.JobRecord {
	r.mu.Lock()
	c := r.controller
	r.mu.Unlock()

	if c == nil {
		rec := r.record
		rec.State = models.JobStateIdle
		rec.Command = r.cmd.Argv()
		return rec
	}
	return c.Snapshot()
}

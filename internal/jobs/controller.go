package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/encoding"

	"github.com/ternarybob/salas/internal/artifact"
	"github.com/ternarybob/salas/internal/bridge"
	"github.com/ternarybob/salas/internal/models"
	"github.com/ternarybob/salas/internal/worker"
)

// ErrInvalidTransition is returned when a lifecycle step is taken out of order
var ErrInvalidTransition = errors.New("invalid job state transition")

var transitions = map[models.JobState][]models.JobState{
	models.JobStateIdle:      {models.JobStateStarting},
	models.JobStateStarting:  {models.JobStateRunning, models.JobStateClosed},
	models.JobStateRunning:   {models.JobStateSucceeded, models.JobStateFailed, models.JobStateTimedOut, models.JobStateCancelled},
	models.JobStateSucceeded: {models.JobStateClosed},
	models.JobStateFailed:    {models.JobStateClosed},
	models.JobStateTimedOut:  {models.JobStateClosed},
	models.JobStateCancelled: {models.JobStateClosed},
}

// ArtifactVerifier confirms a successful run produced its document
type ArtifactVerifier interface {
	Verify(ctx context.Context, startedAt time.Time) (artifact.Check, error)
}

// Recorder persists job progress. Failures are logged, never fatal.
type Recorder interface {
	SaveJob(ctx context.Context, job *models.JobRecord) error
	AppendLine(ctx context.Context, line models.LogLine) error
}

// Options tune a Controller
type Options struct {
	Encoding       encoding.Encoding // worker output encoding (UTF-8 when nil)
	MaxLineBytes   int
	DrainTimeout   time.Duration // wait for output after exit before closing the pipes
	PingInterval   time.Duration // keepalive interval; zero disables
	StartMessage   string        // system line after a successful spawn
	SuccessMessage string        // system line before a successful result
}

// Controller runs one job: it launches the worker, streams its output to the
// bridge, decides the single terminal outcome and closes the bridge on every
// path.
type Controller struct {
	record     models.JobRecord
	cmd        worker.Command
	supervisor *worker.Supervisor
	bridge     *bridge.Bridge
	artifacts  ArtifactVerifier
	recorder   Recorder
	opts       Options
	logger     arbor.ILogger

	mu      sync.Mutex
	state   models.JobState
	visited []models.JobState

	slot     OutcomeSlot
	emitOnce sync.Once
	seq      atomic.Uint64
	stdout   atomic.Int64
	stderr   atomic.Int64
}

// NewController creates an idle Controller. artifacts and recorder may be nil.
func NewController(record models.JobRecord, cmd worker.Command, supervisor *worker.Supervisor, b *bridge.Bridge, artifacts ArtifactVerifier, recorder Recorder, opts Options, logger arbor.ILogger) *Controller {
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 2 * time.Second
	}
	record.State = models.JobStateIdle
	record.Command = cmd.Argv()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}

	return &Controller{
		record:     record,
		cmd:        cmd,
		supervisor: supervisor,
		bridge:     b,
		artifacts:  artifacts,
		recorder:   recorder,
		opts:       opts,
		logger:     logger.WithCorrelationId(record.ID),
		state:      models.JobStateIdle,
		visited:    []models.JobState{models.JobStateIdle},
	}
}

// ID returns the job ID
func (c *Controller) ID() string {
	return c.record.ID
}

// State returns the current lifecycle state
func (c *Controller) State() models.JobState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Visited returns the states entered so far, in order
func (c *Controller) Visited() []models.JobState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.JobState(nil), c.visited...)
}

// Snapshot returns a copy of the job record
func (c *Controller) Snapshot() models.JobRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec := c.record
	rec.State = c.state
	rec.StdoutLines = int(c.stdout.Load())
	rec.StderrLines = int(c.stderr.Load())
	return rec
}

// Result returns the terminal result, or nil while the job is undecided
func (c *Controller) Result() *models.ResultEvent {
	return c.slot.Load()
}

// Run executes the job and blocks until it is closed. Cancelling ctx (the
// subscriber went away) cancels the worker. Run is single-use: later calls
// return the recorded result without doing anything.
func (c *Controller) Run(ctx context.Context) (result models.ResultEvent) {
	if err := c.advance(models.JobStateStarting); err != nil {
		if r := c.slot.Load(); r != nil {
			return *r
		}
		return models.ResultEvent{Outcome: models.OutcomeFailed, Kind: models.KindInternal, Detail: err.Error()}
	}

	defer c.bridge.Close()
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Str("panic", fmt.Sprintf("%v", r)).Msg("Job controller panicked")
			c.slot.TrySet(models.ResultEvent{
				Outcome: models.OutcomeFailed,
				Kind:    models.KindInternal,
				Detail:  fmt.Sprintf("internal error: %v", r),
			})
			c.emitResult()
		}
		result = *c.slot.Load()
		c.close(result)
	}()

	c.mu.Lock()
	c.record.StartedAt = time.Now()
	c.mu.Unlock()
	c.save(ctx)

	proc, err := c.supervisor.Start(ctx, c.cmd)
	if err != nil {
		c.slot.TrySet(spawnFailure(err))
		c.emitResult()
		return
	}

	defer func() {
		proc.Cancel()
		proc.CloseStreams()
	}()

	c.mu.Lock()
	c.record.PID = proc.PID()
	c.mu.Unlock()
	if err := c.advance(models.JobStateRunning); err != nil {
		panic(err)
	}

	c.logger.Info().
		Int("pid", proc.PID()).
		Strs("command", c.record.Command).
		Msg("Job running")

	if c.opts.StartMessage != "" {
		c.publish(ctx, models.LogEvent{Text: c.opts.StartMessage, Source: models.SourceSystem, Time: time.Now()})
	}

	var readers errgroup.Group
	readers.Go(func() error { return c.pump(ctx, proc.Stdout(), models.SourceStdout) })
	readers.Go(func() error { return c.pump(ctx, proc.Stderr(), models.SourceStderr) })
	drained := make(chan error, 1)
	go func() { drained <- readers.Wait() }()

	stopPing := c.keepalive()

	select {
	case <-proc.Done():
	case <-ctx.Done():
		c.slot.TrySet(cancelled())
		proc.Cancel()
	}
	status := proc.Wait()

	c.drain(proc, drained)
	stopPing()

	c.slot.TrySet(c.classify(ctx, status))

	if r := c.slot.Load(); r.Success() && c.opts.SuccessMessage != "" {
		c.publish(ctx, models.LogEvent{Text: c.opts.SuccessMessage, Source: models.SourceSystem, Time: time.Now()})
	}
	c.emitResult()
	return
}

// drain waits for both readers, closing the pipes if a leftover descendant
// keeps them open past the drain timeout. A reader still stuck after a
// second timeout is writing to a subscriber that stopped reading: the bridge
// is closed and the readers are left to finish on their own.
func (c *Controller) drain(proc *worker.Process, drained <-chan error) {
	defer proc.CloseStreams()

	timer := time.NewTimer(c.opts.DrainTimeout)
	defer timer.Stop()

	var err error
	select {
	case err = <-drained:
	case <-timer.C:
		c.logger.Warn().
			Dur("drain_timeout", c.opts.DrainTimeout).
			Msg("Worker output still open after exit, closing streams")
		proc.CloseStreams()

		timer.Reset(c.opts.DrainTimeout)
		select {
		case err = <-drained:
		case <-timer.C:
			c.logger.Warn().
				Dur("drain_timeout", c.opts.DrainTimeout).
				Msg("Worker output readers stuck on the subscriber, closing bridge")
			c.bridge.Close()
			return
		}
	}

	if err != nil {
		c.logger.Warn().Err(err).Msg("Worker output stream failed")
	}
}

// pump reads one stream to the end, forwarding each line as it completes
func (c *Controller) pump(ctx context.Context, r io.Reader, source models.Source) error {
	re := worker.NewReassembler(c.opts.Encoding, c.opts.MaxLineBytes)
	re.OnWarning = func(err error) {
		c.logger.Warn().Err(err).Str("source", string(source)).Msg("Worker output decode warning")
	}

	err := worker.ReadLines(r, re, func(line string) {
		c.publish(ctx, models.LogEvent{Text: line, Source: source, Time: time.Now()})
	})
	if err != nil && !errors.Is(err, os.ErrClosed) {
		return fmt.Errorf("%s: %w", source, err)
	}
	return nil
}

// publish delivers a log line to the subscriber and the recorder
func (c *Controller) publish(ctx context.Context, ev models.LogEvent) {
	switch ev.Source {
	case models.SourceStdout:
		c.stdout.Add(1)
	case models.SourceStderr:
		c.stderr.Add(1)
	}

	c.bridge.Send(ev)

	if c.recorder != nil {
		line := models.LogLine{
			JobID:  c.record.ID,
			Seq:    c.seq.Add(1),
			Source: ev.Source,
			Text:   ev.Text,
			Time:   ev.Time,
		}
		if err := c.recorder.AppendLine(context.WithoutCancel(ctx), line); err != nil {
			c.logger.Debug().Err(err).Msg("Failed to record log line")
		}
	}
}

func (c *Controller) keepalive() (stop func()) {
	if c.opts.PingInterval <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Go(func() {
		ticker := time.NewTicker(c.opts.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				c.bridge.Ping()
			}
		}
	})

	return func() {
		close(done)
		wg.Wait()
	}
}

// classify turns the exit status into a result; exit code 0 still needs the artifact
func (c *Controller) classify(ctx context.Context, status worker.ExitStatus) models.ResultEvent {
	switch status.Reason {
	case worker.ReasonTimeout:
		return models.ResultEvent{
			Outcome: models.OutcomeTimedOut,
			Kind:    models.KindWorkerTimedOut,
			Detail:  fmt.Sprintf("worker exceeded the %s timeout", c.cmd.Timeout),
		}
	case worker.ReasonCancelled:
		return cancelled()
	}

	if status.Err != nil {
		return models.ResultEvent{
			Outcome: models.OutcomeFailed,
			Kind:    models.KindWorkerRuntimeError,
			Detail:  fmt.Sprintf("failed waiting for worker: %v", status.Err),
		}
	}

	if status.Signaled {
		return models.ResultEvent{
			Outcome: models.OutcomeFailed,
			Kind:    models.KindWorkerRuntimeError,
			Detail:  "worker was killed by a signal",
		}
	}

	if status.Code != 0 {
		code := status.Code
		return models.ResultEvent{
			Outcome:  models.OutcomeFailed,
			Kind:     models.KindWorkerRuntimeError,
			Detail:   fmt.Sprintf("worker exited with code %d", code),
			ExitCode: &code,
		}
	}

	code := 0
	if c.artifacts == nil {
		return models.ResultEvent{Outcome: models.OutcomeSucceeded, ExitCode: &code}
	}

	checkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	c.mu.Lock()
	startedAt := c.record.StartedAt
	c.mu.Unlock()

	check, err := c.artifacts.Verify(checkCtx, startedAt)
	if err != nil {
		return models.ResultEvent{
			Outcome:  models.OutcomeFailed,
			Kind:     models.KindInternal,
			Detail:   fmt.Sprintf("artifact check failed: %v", err),
			ExitCode: &code,
		}
	}
	if !check.OK {
		return models.ResultEvent{
			Outcome:  models.OutcomeFailed,
			Kind:     models.KindArtifactMissing,
			Detail:   check.Reason,
			ExitCode: &code,
		}
	}

	return models.ResultEvent{
		Outcome:  models.OutcomeSucceeded,
		Detail:   fmt.Sprintf("%s generated", check.Name),
		ExitCode: &code,
		Artifact: check.Name,
	}
}

// emitResult sends the slot's result; it happens at most once
func (c *Controller) emitResult() {
	c.emitOnce.Do(func() {
		r := c.slot.Load()
		if r == nil {
			return
		}
		c.bridge.Send(*r)
	})
}

// close moves the job to its terminal state and then to closed and records it
func (c *Controller) close(result models.ResultEvent) {
	if c.State() == models.JobStateRunning {
		if err := c.advance(models.StateForOutcome(result.Outcome)); err != nil {
			c.logger.Error().Err(err).Msg("Failed to record job outcome")
		}
	}
	if err := c.advance(models.JobStateClosed); err != nil {
		c.logger.Error().Err(err).Msg("Failed to close job")
	}

	c.mu.Lock()
	c.record.FinishedAt = time.Now()
	c.record.Outcome = result.Outcome
	c.record.Kind = result.Kind
	c.record.Detail = result.Detail
	c.record.ExitCode = result.ExitCode
	c.mu.Unlock()

	c.save(context.Background())

	rec := c.Snapshot()
	event := c.logger.Info()
	if !result.Success() {
		event = c.logger.Warn()
	}
	event.Str("outcome", string(result.Outcome)).
		Str("kind", string(result.Kind)).
		Int("stdout_lines", rec.StdoutLines).
		Int("stderr_lines", rec.StderrLines).
		Dur("duration", rec.Duration()).
		Msg("Job closed: " + result.Detail)
}

func (c *Controller) save(ctx context.Context) {
	if c.recorder == nil {
		return
	}
	rec := c.Snapshot()
	if err := c.recorder.SaveJob(context.WithoutCancel(ctx), &rec); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to record job")
	}
}

func (c *Controller) advance(to models.JobState) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, allowed := range transitions[c.state] {
		if allowed == to {
			c.state = to
			c.visited = append(c.visited, to)
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.state, to)
}

func cancelled() models.ResultEvent {
	return models.ResultEvent{
		Outcome: models.OutcomeCancelled,
		Kind:    models.KindJobCancelled,
		Detail:  "job cancelled",
	}
}

func spawnFailure(err error) models.ResultEvent {
	kind := models.KindSpawnFailed
	if errors.Is(err, worker.ErrWorkerNotFound) {
		kind = models.KindWorkerNotFound
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return cancelled()
	}
	return models.ResultEvent{
		Outcome: models.OutcomeFailed,
		Kind:    kind,
		Detail:  err.Error(),
	}
}

package jobs

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"go.uber.org/goleak"

	"github.com/ternarybob/salas/internal/artifact"
	"github.com/ternarybob/salas/internal/bridge"
	"github.com/ternarybob/salas/internal/models"
	"github.com/ternarybob/salas/internal/worker"
)

type recordingSink struct {
	mu      sync.Mutex
	events  []models.Event
	closed  int
	failAt  int // WriteEvent fails on this call (1-based); 0 never fails
	writes  int
	pings   int
	onWrite func(models.Event)
}

func (s *recordingSink) WriteEvent(ev models.Event) error {
	s.mu.Lock()
	s.writes++
	if s.failAt > 0 && s.writes >= s.failAt {
		s.mu.Unlock()
		return errors.New("broken pipe")
	}
	s.events = append(s.events, ev)
	hook := s.onWrite
	s.mu.Unlock()

	if hook != nil {
		hook(ev)
	}
	return nil
}

func (s *recordingSink) Ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pings++
	return nil
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *recordingSink) snapshot() []models.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Event(nil), s.events...)
}

func (s *recordingSink) lines(source models.Source) []string {
	var out []string
	for _, ev := range s.snapshot() {
		if l, ok := ev.(models.LogEvent); ok && l.Source == source {
			out = append(out, l.Text)
		}
	}
	return out
}

func (s *recordingSink) results() []models.ResultEvent {
	var out []models.ResultEvent
	for _, ev := range s.snapshot() {
		if r, ok := ev.(models.ResultEvent); ok {
			out = append(out, r)
		}
	}
	return out
}

// stalledSink blocks writes until it is closed, like a subscriber that
// stopped reading. With ignoreClose set, writes on matching events stay
// blocked until the test releases them.
type stalledSink struct {
	mu          sync.Mutex
	closed      int
	unblock     chan struct{}
	ignoreClose bool
	blocks      func(models.Event) bool // nil blocks every write
}

func newStalledSink(t *testing.T) *stalledSink {
	s := &stalledSink{unblock: make(chan struct{})}
	t.Cleanup(s.release)
	return s
}

func (s *stalledSink) WriteEvent(ev models.Event) error {
	if s.blocks != nil && !s.blocks(ev) {
		return nil
	}
	<-s.unblock
	return errors.New("write deadline exceeded")
}

func (s *stalledSink) Close() error {
	s.mu.Lock()
	s.closed++
	s.mu.Unlock()
	if !s.ignoreClose {
		s.release()
	}
	return nil
}

func (s *stalledSink) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.unblock:
	default:
		close(s.unblock)
	}
}

func (s *stalledSink) closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type stubVerifier struct {
	check artifact.Check
	err   error
}

func (v stubVerifier) Verify(ctx context.Context, startedAt time.Time) (artifact.Check, error) {
	return v.check, v.err
}

var artifactOK = stubVerifier{check: artifact.Check{Info: artifact.Info{Exists: true, Name: "Mapa_de_Salas.docx"}, OK: true}}

type memoryRecorder struct {
	mu    sync.Mutex
	saves []models.JobRecord
	lines []models.LogLine
}

func (r *memoryRecorder) SaveJob(ctx context.Context, job *models.JobRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saves = append(r.saves, *job)
	return nil
}

func (r *memoryRecorder) AppendLine(ctx context.Context, line models.LogLine) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, line)
	return nil
}

// created once so goleak checks see its goroutines as pre-existing
var sharedLogger = arbor.NewLogger()

func testLogger() arbor.ILogger {
	return sharedLogger
}

func shellCommand(t *testing.T, script string) worker.Command {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("sh not available: %v", err)
	}
	return worker.Command{
		Program:   sh,
		Args:      []string{"-c", script},
		Env:       []string{"PATH=" + os.Getenv("PATH")},
		KillGrace: 500 * time.Millisecond,
	}
}

func testOptions() Options {
	return Options{
		DrainTimeout:   500 * time.Millisecond,
		StartMessage:   "Starting worker...",
		SuccessMessage: "Worker finished successfully",
	}
}

func newTestController(cmd worker.Command, sink bridge.Sink, verifier ArtifactVerifier, recorder Recorder) *Controller {
	logger := testLogger()
	record := models.JobRecord{ID: "job_test", Trigger: models.TriggerCLI}
	return NewController(record, cmd, worker.NewSupervisor(logger), bridge.New(sink, logger), verifier, recorder, testOptions(), logger)
}

func TestController_Success(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	sink := &recordingSink{}
	c := newTestController(shellCommand(t, "echo 'Processing room A1'; echo 'Processing room B2'; echo 'warn' >&2; exit 0"), sink, artifactOK, nil)

	result := c.Run(context.Background())

	assert.Equal(t, models.OutcomeSucceeded, result.Outcome)
	assert.Equal(t, "Mapa_de_Salas.docx", result.Artifact)
	require.NotNil(t, result.ExitCode)
	assert.Equal(t, 0, *result.ExitCode)

	assert.Equal(t, []string{"Processing room A1", "Processing room B2"}, sink.lines(models.SourceStdout))
	assert.Equal(t, []string{"warn"}, sink.lines(models.SourceStderr))
	assert.Equal(t, []string{"Starting worker...", "Worker finished successfully"}, sink.lines(models.SourceSystem))

	events := sink.snapshot()
	require.NotEmpty(t, events)
	assert.IsType(t, models.ResultEvent{}, events[len(events)-1], "result must be the last event")
	assert.Len(t, sink.results(), 1)
	assert.Equal(t, 1, sink.closed)

	assert.Equal(t, []models.JobState{
		models.JobStateIdle,
		models.JobStateStarting,
		models.JobStateRunning,
		models.JobStateSucceeded,
		models.JobStateClosed,
	}, c.Visited())
}

func TestController_NonZeroExit(t *testing.T) {
	sink := &recordingSink{}
	c := newTestController(shellCommand(t, "echo 'Traceback: boom' >&2; exit 3"), sink, artifactOK, nil)

	result := c.Run(context.Background())

	assert.Equal(t, models.OutcomeFailed, result.Outcome)
	assert.Equal(t, models.KindWorkerRuntimeError, result.Kind)
	require.NotNil(t, result.ExitCode)
	assert.Equal(t, 3, *result.ExitCode)
	assert.Equal(t, []string{"Traceback: boom"}, sink.lines(models.SourceStderr))
	assert.Equal(t, []string{"Starting worker..."}, sink.lines(models.SourceSystem), "no success line after a failure")
	assert.Equal(t, models.JobStateFailed, c.Visited()[3])
}

func TestController_WorkerNotFound(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	sink := &recordingSink{}
	cmd := worker.Command{Program: "/nonexistent/python3", Args: []string{"-u", "script.py"}}
	c := newTestController(cmd, sink, artifactOK, nil)

	result := c.Run(context.Background())

	assert.Equal(t, models.OutcomeFailed, result.Outcome)
	assert.Equal(t, models.KindWorkerNotFound, result.Kind)

	events := sink.snapshot()
	require.Len(t, events, 1, "only the result is sent")
	assert.IsType(t, models.ResultEvent{}, events[0])
	assert.Equal(t, 1, sink.closed)

	assert.Equal(t, []models.JobState{
		models.JobStateIdle,
		models.JobStateStarting,
		models.JobStateClosed,
	}, c.Visited())
}

func TestController_MissingEntryPoint(t *testing.T) {
	cmd := shellCommand(t, "")
	cmd.EntryPoint = "app/scripts/missing.py"
	cmd.Dir = t.TempDir()
	cmd.Args = []string{cmd.EntryPoint}

	sink := &recordingSink{}
	result := newTestController(cmd, sink, artifactOK, nil).Run(context.Background())

	assert.Equal(t, models.KindWorkerNotFound, result.Kind)
	assert.Empty(t, sink.lines(models.SourceStdout))
}

func TestController_Timeout(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	cmd := shellCommand(t, "echo started; sleep 30")
	cmd.Timeout = 300 * time.Millisecond

	sink := &recordingSink{}
	c := newTestController(cmd, sink, artifactOK, nil)

	start := time.Now()
	result := c.Run(context.Background())

	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Equal(t, models.OutcomeTimedOut, result.Outcome)
	assert.Equal(t, models.KindWorkerTimedOut, result.Kind)
	assert.Equal(t, []string{"started"}, sink.lines(models.SourceStdout))
	assert.Len(t, sink.results(), 1)
	assert.False(t, worker.Alive(c.Snapshot().PID))
}

func TestController_CancelledBySubscriber(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := &recordingSink{}
	sink.onWrite = func(ev models.Event) {
		if l, ok := ev.(models.LogEvent); ok && l.Text == "ready" {
			cancel()
		}
	}

	c := newTestController(shellCommand(t, "echo ready; sleep 30"), sink, artifactOK, nil)
	result := c.Run(ctx)

	assert.Equal(t, models.OutcomeCancelled, result.Outcome)
	assert.Equal(t, models.KindJobCancelled, result.Kind)
	assert.False(t, worker.Alive(c.Snapshot().PID))
	assert.Equal(t, models.JobStateCancelled, c.Visited()[3])
}

func TestController_ArtifactMissing(t *testing.T) {
	verifier := stubVerifier{check: artifact.Check{OK: false, Reason: "artifact Mapa_de_Salas.docx was not produced"}}

	sink := &recordingSink{}
	result := newTestController(shellCommand(t, "echo done"), sink, verifier, nil).Run(context.Background())

	assert.Equal(t, models.OutcomeFailed, result.Outcome)
	assert.Equal(t, models.KindArtifactMissing, result.Kind)
	assert.Contains(t, result.Detail, "not produced")
	assert.Empty(t, result.Artifact)
	assert.Equal(t, []string{"Starting worker..."}, sink.lines(models.SourceSystem))
}

func TestController_ArtifactCheckError(t *testing.T) {
	verifier := stubVerifier{err: errors.New("permission denied")}

	result := newTestController(shellCommand(t, "true"), &recordingSink{}, verifier, nil).Run(context.Background())

	assert.Equal(t, models.OutcomeFailed, result.Outcome)
	assert.Equal(t, models.KindInternal, result.Kind)
}

func TestController_SubscriberGoneJobContinues(t *testing.T) {
	recorder := &memoryRecorder{}
	sink := &recordingSink{failAt: 2}

	c := newTestController(shellCommand(t, "echo one; echo two; echo three"), sink, artifactOK, recorder)
	result := c.Run(context.Background())

	assert.Equal(t, models.OutcomeSucceeded, result.Outcome)
	assert.Len(t, sink.snapshot(), 1, "nothing is written after the transport fails")
	assert.Equal(t, 1, sink.closed)

	rec := c.Snapshot()
	assert.Equal(t, 3, rec.StdoutLines)
}

func TestController_RunTwice(t *testing.T) {
	sink := &recordingSink{}
	c := newTestController(shellCommand(t, "exit 4"), sink, artifactOK, nil)

	first := c.Run(context.Background())
	second := c.Run(context.Background())

	assert.Equal(t, first.Outcome, second.Outcome)
	assert.Equal(t, first.Detail, second.Detail)
	assert.Len(t, sink.results(), 1)
}

func TestController_PreservesOrderWithinStream(t *testing.T) {
	script := `i=1; while [ $i -le 200 ]; do echo "out $i"; echo "err $i" >&2; i=$((i+1)); done`

	sink := &recordingSink{}
	result := newTestController(shellCommand(t, script), sink, artifactOK, nil).Run(context.Background())
	require.Equal(t, models.OutcomeSucceeded, result.Outcome)

	stdout := sink.lines(models.SourceStdout)
	stderr := sink.lines(models.SourceStderr)
	require.Len(t, stdout, 200)
	require.Len(t, stderr, 200)
	for i := range 200 {
		assert.Equal(t, "out "+strconv.Itoa(i+1), stdout[i])
		assert.Equal(t, "err "+strconv.Itoa(i+1), stderr[i])
	}
}

func TestController_RecordsHistory(t *testing.T) {
	recorder := &memoryRecorder{}
	c := newTestController(shellCommand(t, "echo a; echo b >&2"), &recordingSink{}, artifactOK, recorder)

	c.Run(context.Background())

	recorder.mu.Lock()
	defer recorder.mu.Unlock()

	require.NotEmpty(t, recorder.saves)
	final := recorder.saves[len(recorder.saves)-1]
	assert.Equal(t, models.JobStateClosed, final.State)
	assert.Equal(t, models.OutcomeSucceeded, final.Outcome)
	assert.False(t, final.FinishedAt.IsZero())

	// start line, a, b, success line
	require.Len(t, recorder.lines, 4)
	seen := map[uint64]bool{}
	for _, line := range recorder.lines {
		assert.Equal(t, "job_test", line.JobID)
		assert.False(t, seen[line.Seq], "sequence numbers are unique")
		seen[line.Seq] = true
	}
}

func TestController_KeepalivePings(t *testing.T) {
	cmd := shellCommand(t, "sleep 0.5")
	logger := testLogger()
	sink := &recordingSink{}

	opts := testOptions()
	opts.PingInterval = 50 * time.Millisecond

	c := NewController(models.JobRecord{ID: "job_ping"}, cmd, worker.NewSupervisor(logger), bridge.New(sink, logger), artifactOK, nil, opts, logger)
	c.Run(context.Background())

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Positive(t, sink.pings)
}

func TestController_StalledSubscriberDoesNotHangJob(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	cmd := shellCommand(t, "echo started; sleep 30")
	cmd.Timeout = 300 * time.Millisecond

	logger := testLogger()
	sink := newStalledSink(t)
	b := bridge.New(sink, logger).WithWriteWait(200 * time.Millisecond)
	c := NewController(models.JobRecord{ID: "job_stalled"}, cmd, worker.NewSupervisor(logger), b, artifactOK, nil, testOptions(), logger)

	start := time.Now()
	result := c.Run(context.Background())

	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, models.OutcomeTimedOut, result.Outcome)
	assert.True(t, b.Closed())
	assert.Equal(t, 1, sink.closes())
	assert.False(t, worker.Alive(c.Snapshot().PID))
	assert.Equal(t, models.JobStateClosed, c.State())
}

func TestController_DrainGivesUpOnStuckReader(t *testing.T) {
	logger := testLogger()
	sink := newStalledSink(t)
	sink.ignoreClose = true
	sink.blocks = func(ev models.Event) bool {
		l, ok := ev.(models.LogEvent)
		return ok && l.Source == models.SourceStdout
	}

	opts := testOptions()
	opts.StartMessage = ""
	b := bridge.New(sink, logger).WithWriteWait(200 * time.Millisecond)
	c := NewController(models.JobRecord{ID: "job_stuck"}, shellCommand(t, "echo stuck"), worker.NewSupervisor(logger), b, artifactOK, nil, opts, logger)

	done := make(chan models.ResultEvent, 1)
	go func() { done <- c.Run(context.Background()) }()

	select {
	case result := <-done:
		assert.Equal(t, models.OutcomeSucceeded, result.Outcome)
		assert.True(t, b.Closed())
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return while a reader was stuck on the subscriber")
	}
}

func TestController_ExitRacingCancel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	for i := range 50 {
		ctx, cancel := context.WithCancel(context.Background())
		sink := &recordingSink{}
		c := newTestController(shellCommand(t, "true"), sink, artifactOK, nil)

		delay := time.Duration(i%10) * time.Millisecond
		stopped := make(chan struct{})
		go func() {
			defer close(stopped)
			time.Sleep(delay)
			cancel()
		}()

		result := c.Run(ctx)
		<-stopped

		assert.Contains(t, []models.Outcome{models.OutcomeSucceeded, models.OutcomeCancelled}, result.Outcome, "iteration %d", i)
		if assert.Len(t, sink.results(), 1, "iteration %d", i) {
			assert.Equal(t, result.Outcome, sink.results()[0].Outcome, "iteration %d", i)
		}
		sink.mu.Lock()
		assert.Equal(t, 1, sink.closed, "iteration %d", i)
		sink.mu.Unlock()
		assert.Equal(t, models.JobStateClosed, c.State(), "iteration %d", i)
	}
}

func TestController_PanicReleasesWorker(t *testing.T) {
	sink := &recordingSink{}
	sink.onWrite = func(ev models.Event) {
		if l, ok := ev.(models.LogEvent); ok && l.Text == "Starting worker..." {
			panic("sink exploded")
		}
	}

	c := newTestController(shellCommand(t, "sleep 30"), sink, artifactOK, nil)
	result := c.Run(context.Background())

	assert.Equal(t, models.OutcomeFailed, result.Outcome)
	assert.Equal(t, models.KindInternal, result.Kind)
	assert.Contains(t, result.Detail, "sink exploded")
	assert.Len(t, sink.results(), 1)

	pid := c.Snapshot().PID
	require.Positive(t, pid)
	assert.Eventually(t, func() bool { return !worker.Alive(pid) }, 5*time.Second, 50*time.Millisecond)
}

func TestOutcomeSlot_FirstWriteWins(t *testing.T) {
	var slot OutcomeSlot
	assert.Nil(t, slot.Load())

	var wg sync.WaitGroup
	wins := make(chan models.Outcome, 3)
	for _, o := range []models.Outcome{models.OutcomeTimedOut, models.OutcomeCancelled, models.OutcomeFailed} {
		wg.Go(func() {
			if slot.TrySet(models.ResultEvent{Outcome: o}) {
				wins <- o
			}
		})
	}
	wg.Wait()
	close(wins)

	var winners []models.Outcome
	for o := range wins {
		winners = append(winners, o)
	}
	require.Len(t, winners, 1)
	assert.Equal(t, winners[0], slot.Load().Outcome)
}

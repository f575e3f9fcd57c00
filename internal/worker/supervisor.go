package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ternarybob/arbor"
)

// Reason records what ended a process. The first writer wins: the exit
// observer seals the slot with ReasonExited unless a timeout or
// cancellation got there first.
type Reason int32

const (
	ReasonNone Reason = iota
	ReasonExited
	ReasonTimeout
	ReasonCancelled
)

func (r Reason) String() string {
	switch r {
	case ReasonExited:
		return "exited"
	case ReasonTimeout:
		return "timeout"
	case ReasonCancelled:
		return "cancelled"
	default:
		return "none"
	}
}

// ExitStatus describes how the worker ended
type ExitStatus struct {
	Code     int // -1 when killed by a signal or not waitable
	Signaled bool
	Reason   Reason
	Err      error // wait failure other than a non-zero exit
}

// Supervisor launches worker processes
type Supervisor struct {
	logger arbor.ILogger
}

// NewSupervisor creates a Supervisor
func NewSupervisor(logger arbor.ILogger) *Supervisor {
	return &Supervisor{logger: logger}
}

// Start verifies the worker exists, then launches it with stdout and stderr
// wired to the returned Process. Missing program or entry point fails with a
// *WorkerNotFoundError before anything is spawned. Cancelling ctx cancels the
// process.
func (s *Supervisor) Start(ctx context.Context, cmd Command) (*Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	program, err := resolveProgram(cmd.Program)
	if err != nil {
		return nil, err
	}

	if cmd.EntryPoint != "" {
		path := cmd.entryPointPath()
		if _, err := os.Stat(path); err != nil {
			return nil, &WorkerNotFoundError{Path: path, Err: err}
		}
	}

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, &SpawnError{Program: program, Err: fmt.Errorf("stdout pipe: %w", err)}
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, &SpawnError{Program: program, Err: fmt.Errorf("stderr pipe: %w", err)}
	}

	c := exec.Command(program, cmd.Args...)
	c.Env = append([]string{}, cmd.Env...)
	c.Dir = cmd.Dir
	c.Stdout = stdoutW
	c.Stderr = stderrW
	c.SysProcAttr = sysProcAttr()

	startErr := c.Start()

	// The child holds its own copies of the write ends
	stdoutW.Close()
	stderrW.Close()

	if startErr != nil {
		stdoutR.Close()
		stderrR.Close()
		if errors.Is(startErr, fs.ErrNotExist) {
			return nil, &WorkerNotFoundError{Path: program, Err: startErr}
		}
		return nil, &SpawnError{Program: program, Err: startErr}
	}

	p := &Process{
		cmd:    c,
		pid:    c.Process.Pid,
		stdout: stdoutR,
		stderr: stderrR,
		grace:  cmd.killGrace(),
		logger: s.logger,
		done:   make(chan struct{}),
	}

	if cmd.Timeout > 0 {
		p.timer = time.AfterFunc(cmd.Timeout, func() {
			p.terminate(ReasonTimeout)
		})
	}
	p.stopCtx = context.AfterFunc(ctx, p.Cancel)

	go p.observe()

	s.logger.Debug().
		Int("pid", p.pid).
		Str("program", program).
		Strs("args", cmd.Args).
		Dur("timeout", cmd.Timeout).
		Msg("Worker started")

	return p, nil
}

// resolveProgram finds the executable, searching PATH for bare names
func resolveProgram(program string) (string, error) {
	if program == "" {
		return "", &WorkerNotFoundError{Path: program, Err: errors.New("no program configured")}
	}

	if !strings.ContainsRune(program, os.PathSeparator) && !strings.ContainsRune(program, '/') {
		path, err := exec.LookPath(program)
		if err != nil {
			return "", &WorkerNotFoundError{Path: program, Err: err}
		}
		return path, nil
	}

	info, err := os.Stat(program)
	if err != nil {
		return "", &WorkerNotFoundError{Path: program, Err: err}
	}
	if info.IsDir() {
		return "", &WorkerNotFoundError{Path: program, Err: errors.New("is a directory")}
	}
	return program, nil
}

// Process is a running worker. Its exit is observed exactly once; Done is
// closed after the status is recorded.
type Process struct {
	cmd    *exec.Cmd
	pid    int
	stdout *os.File
	stderr *os.File
	grace  time.Duration
	logger arbor.ILogger

	reason  atomic.Int32
	status  ExitStatus
	done    chan struct{}
	timer   *time.Timer
	stopCtx func() bool

	mu        sync.Mutex
	exited    bool // set before done is closed; no kill starts after it
	killers   sync.WaitGroup
	closeOnce sync.Once
}

// PID returns the worker's process id
func (p *Process) PID() int {
	return p.pid
}

// Stdout returns the worker's standard output stream
func (p *Process) Stdout() io.Reader {
	return p.stdout
}

// Stderr returns the worker's standard error stream
func (p *Process) Stderr() io.Reader {
	return p.stderr
}

// Done is closed once the worker has exited
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Reason returns what has ended (or is ending) the process so far
func (p *Process) Reason() Reason {
	return Reason(p.reason.Load())
}

// Wait blocks until the worker has exited and any kill escalation has finished
func (p *Process) Wait() ExitStatus {
	<-p.done
	p.killers.Wait()
	return p.status
}

// Cancel terminates the worker. Only the first call has an effect, and
// none once the worker has exited.
func (p *Process) Cancel() {
	p.terminate(ReasonCancelled)
}

// CloseStreams releases the read ends of stdout and stderr, unblocking
// readers. Safe to call more than once.
func (p *Process) CloseStreams() {
	p.closeOnce.Do(func() {
		p.stdout.Close()
		p.stderr.Close()
	})
}

func (p *Process) terminate(reason Reason) {
	if !p.reason.CompareAndSwap(int32(ReasonNone), int32(reason)) {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return
	}
	p.killers.Go(func() {
		p.kill(reason)
	})
}

// kill sends SIGTERM to the worker's group, escalating to SIGKILL once the
// grace period runs out. Children left behind by the leader are killed too.
func (p *Process) kill(reason Reason) {
	tree := descendants(p.pid)

	p.logger.Warn().
		Int("pid", p.pid).
		Str("reason", reason.String()).
		Int("descendants", len(tree)).
		Dur("grace", p.grace).
		Msg("Terminating worker")

	if err := terminateGroup(p.cmd.Process); err != nil {
		p.logger.Debug().Err(err).Int("pid", p.pid).Msg("Failed to signal worker group")
	}

	grace := time.NewTimer(p.grace)
	defer grace.Stop()

	select {
	case <-p.done:
	case <-grace.C:
		p.logger.Warn().Int("pid", p.pid).Msg("Worker ignored termination, killing")
	}

	if err := killGroup(p.cmd.Process); err != nil {
		p.logger.Debug().Err(err).Int("pid", p.pid).Msg("Failed to kill worker group")
	}
	if n := killStragglers(tree); n > 0 {
		p.logger.Debug().Int("pid", p.pid).Int("killed", n).Msg("Killed worker descendants")
	}
}

// observe is the single exit observer
func (p *Process) observe() {
	err := p.cmd.Wait()
	p.reason.CompareAndSwap(int32(ReasonNone), int32(ReasonExited))

	if p.timer != nil {
		p.timer.Stop()
	}
	p.stopCtx()

	status := ExitStatus{Reason: Reason(p.reason.Load())}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			status.Code = exitErr.ExitCode()
			status.Signaled = status.Code < 0
		} else {
			status.Code = -1
			status.Err = err
		}
	}

	p.status = status

	p.mu.Lock()
	p.exited = true
	p.mu.Unlock()
	close(p.done)
}

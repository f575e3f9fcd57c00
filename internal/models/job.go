package models

import (
	"fmt"
	"time"
)

// JobState is a step in the job lifecycle:
// idle -> starting -> running -> {succeeded, failed, timed_out, cancelled} -> closed.
// A spawn failure goes from starting straight to closed.
type JobState string

const (
	JobStateIdle      JobState = "idle"
	JobStateStarting  JobState = "starting"
	JobStateRunning   JobState = "running"
	JobStateSucceeded JobState = "succeeded"
	JobStateFailed    JobState = "failed"
	JobStateTimedOut  JobState = "timed_out"
	JobStateCancelled JobState = "cancelled"
	JobStateClosed    JobState = "closed"
)

// IsTerminal reports whether s is one of the outcome states
func (s JobState) IsTerminal() bool {
	switch s {
	case JobStateSucceeded, JobStateFailed, JobStateTimedOut, JobStateCancelled:
		return true
	}
	return false
}

// StateForOutcome maps an outcome onto its lifecycle state
func StateForOutcome(o Outcome) JobState {
	switch o {
	case OutcomeSucceeded:
		return JobStateSucceeded
	case OutcomeTimedOut:
		return JobStateTimedOut
	case OutcomeCancelled:
		return JobStateCancelled
	default:
		return JobStateFailed
	}
}

// Trigger names what started a job
type Trigger string

const (
	TriggerSSE       Trigger = "sse"
	TriggerWebSocket Trigger = "websocket"
	TriggerCLI       Trigger = "cli"
	TriggerSchedule  Trigger = "schedule"
)

// Period is the reporting period passed through to the worker
type Period struct {
	Year     int `json:"year" validate:"required,min=2000,max=2100"`
	Semester int `json:"semester" validate:"required,min=1,max=4"`
}

// String formats the period as "YEAR.SEMESTER"
func (p Period) String() string {
	return fmt.Sprintf("%d.%d", p.Year, p.Semester)
}

// Values returns the placeholders available to worker argument templates
func (p *Period) Values() map[string]string {
	if p == nil {
		return map[string]string{}
	}
	return map[string]string{
		"year":     fmt.Sprintf("%d", p.Year),
		"semester": fmt.Sprintf("%d", p.Semester),
		"period":   p.String(),
	}
}

// JobRecord is the persisted summary of one worker run
type JobRecord struct {
	ID          string    `json:"id"`
	Trigger     Trigger   `json:"trigger" badgerhold:"index"`
	Period      *Period   `json:"period,omitempty"`
	State       JobState  `json:"state" badgerhold:"index"`
	Outcome     Outcome   `json:"outcome,omitempty"`
	Kind        ErrorKind `json:"kind,omitempty"`
	Detail      string    `json:"detail,omitempty"`
	ExitCode    *int      `json:"exit_code,omitempty"`
	PID         int       `json:"pid,omitempty"`
	Command     []string  `json:"command,omitempty"`
	StdoutLines int       `json:"stdout_lines"`
	StderrLines int       `json:"stderr_lines"`
	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	FinishedAt  time.Time `json:"finished_at,omitempty"`
}

// Duration returns the run time of a finished job
func (j *JobRecord) Duration() time.Duration {
	if j.StartedAt.IsZero() || j.FinishedAt.IsZero() {
		return 0
	}
	return j.FinishedAt.Sub(j.StartedAt)
}

// LogLine is a persisted log event of a job, ordered by Seq
type LogLine struct {
	JobID  string    `json:"job_id"`
	Seq    uint64    `json:"seq"`
	Source Source    `json:"source"`
	Text   string    `json:"text"`
	Time   time.Time `json:"time"`
}

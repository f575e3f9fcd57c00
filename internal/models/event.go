package models

import "time"

// Source identifies where a log line came from
type Source string

const (
	SourceStdout Source = "stdout"
	SourceStderr Source = "stderr"
	SourceSystem Source = "system" // lines emitted by the service itself
)

// Event is a message delivered to a job subscriber: either a LogEvent or a ResultEvent.
type Event interface {
	isEvent()
}

// LogEvent carries one complete, trimmed line of worker output
type LogEvent struct {
	Text   string
	Source Source
	Time   time.Time
}

func (LogEvent) isEvent() {}

// ResultEvent is the terminal event of a job. At most one is delivered and
// nothing follows it.
type ResultEvent struct {
	Outcome  Outcome
	Kind     ErrorKind
	Detail   string
	ExitCode *int
	Artifact string // artifact name on success
}

func (ResultEvent) isEvent() {}

// Success reports whether the job succeeded
func (r ResultEvent) Success() bool {
	return r.Outcome == OutcomeSucceeded
}

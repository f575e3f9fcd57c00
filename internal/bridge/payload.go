package bridge

import (
	"fmt"

	"github.com/ternarybob/salas/internal/models"
)

// LogPayload is the wire form of a LogEvent
type LogPayload struct {
	Log    string `json:"log"`
	Source string `json:"source,omitempty"`
}

// ResultPayload is the wire form of the terminal ResultEvent
type ResultPayload struct {
	Success  bool   `json:"success"`
	Message  string `json:"message,omitempty"`
	Outcome  string `json:"outcome"`
	Error    string `json:"error,omitempty"`
	ExitCode *int   `json:"exitCode,omitempty"`
	Artifact string `json:"artifact,omitempty"`
}

// Encoder maps events to their wire payloads
type Encoder struct {
	StderrPrefix string // prepended to stderr lines
}

// Payload returns the JSON-ready payload for ev
func (e Encoder) Payload(ev models.Event) (any, error) {
	switch v := ev.(type) {
	case models.LogEvent:
		return LogPayload{Log: e.Text(v), Source: string(v.Source)}, nil
	case models.ResultEvent:
		return ResultPayload{
			Success:  v.Success(),
			Message:  v.Detail,
			Outcome:  string(v.Outcome),
			Error:    string(v.Kind),
			ExitCode: v.ExitCode,
			Artifact: v.Artifact,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported event type %T", ev)
	}
}

// Text renders a log line as the subscriber sees it
func (e Encoder) Text(ev models.LogEvent) string {
	if ev.Source == models.SourceStderr {
		return e.StderrPrefix + ev.Text
	}
	return ev.Text
}

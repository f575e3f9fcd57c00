package bridge

import (
	"fmt"
	"io"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/salas/internal/models"
)

// WriterSink prints events as plain text, one line per event
type WriterSink struct {
	w   io.Writer
	enc Encoder
}

// NewWriterSink creates a sink printing to w
func NewWriterSink(w io.Writer, enc Encoder) *WriterSink {
	return &WriterSink{w: w, enc: enc}
}

func (s *WriterSink) WriteEvent(ev models.Event) error {
	switch v := ev.(type) {
	case models.LogEvent:
		_, err := fmt.Fprintln(s.w, s.enc.Text(v))
		return err
	case models.ResultEvent:
		line := string(v.Outcome)
		if v.Detail != "" {
			line += ": " + v.Detail
		}
		if v.Artifact != "" {
			line += " (" + v.Artifact + ")"
		}
		_, err := fmt.Fprintln(s.w, line)
		return err
	default:
		return fmt.Errorf("unsupported event type %T", ev)
	}
}

func (s *WriterSink) Close() error {
	return nil
}

// LoggerSink forwards events to the service log, for runs nobody watches
type LoggerSink struct {
	logger arbor.ILogger
}

// NewLoggerSink creates a sink logging through logger
func NewLoggerSink(logger arbor.ILogger) *LoggerSink {
	return &LoggerSink{logger: logger}
}

func (s *LoggerSink) WriteEvent(ev models.Event) error {
	switch v := ev.(type) {
	case models.LogEvent:
		if v.Source == models.SourceStderr {
			s.logger.Warn().Str("source", string(v.Source)).Msg(v.Text)
		} else {
			s.logger.Info().Str("source", string(v.Source)).Msg(v.Text)
		}
	case models.ResultEvent:
		event := s.logger.Info()
		if !v.Success() {
			event = s.logger.Warn()
		}
		event.Str("outcome", string(v.Outcome)).
			Str("kind", string(v.Kind)).
			Str("artifact", v.Artifact).
			Msg("Job result: " + v.Detail)
	}
	return nil
}

func (s *LoggerSink) Close() error {
	return nil
}

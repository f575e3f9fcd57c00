package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/ternarybob/salas/internal/models"
)

const sseWriteWait = 10 * time.Second

// SSESink writes events as Server-Sent Events: one `data: <json>` frame per
// event, flushed immediately. Each write carries its own deadline.
type SSESink struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	enc     Encoder
	aborted atomic.Bool
}

// NewSSESink prepares w for streaming and sends the response headers.
// It fails when the writer cannot flush.
func NewSSESink(w http.ResponseWriter, enc Encoder) (*SSESink, error) {
	rc := http.NewResponseController(w)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// The stream outlives the server's write timeout
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return nil, fmt.Errorf("failed to clear write deadline: %w", err)
	}

	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		return nil, fmt.Errorf("streaming not supported: %w", err)
	}

	return &SSESink{w: w, rc: rc, enc: enc}, nil
}

func (s *SSESink) WriteEvent(ev models.Event) error {
	payload, err := s.enc.Payload(ev)
	if err != nil {
		return err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if err := s.deadline(time.Now().Add(sseWriteWait)); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	return s.rc.Flush()
}

// Ping writes an SSE comment, ignored by EventSource clients
func (s *SSESink) Ping() error {
	if err := s.deadline(time.Now().Add(sseWriteWait)); err != nil {
		return err
	}
	if _, err := fmt.Fprint(s.w, ": ping\n\n"); err != nil {
		return err
	}
	return s.rc.Flush()
}

// Abort fails a write blocked on a subscriber that stopped reading
func (s *SSESink) Abort() error {
	s.aborted.Store(true)
	return s.deadline(time.Now())
}

// Close clears the write deadline; the response ends when the handler
// returns
func (s *SSESink) Close() error {
	if s.aborted.Load() {
		return nil
	}
	return s.deadline(time.Time{})
}

func (s *SSESink) deadline(t time.Time) error {
	if err := s.rc.SetWriteDeadline(t); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}

package handlers

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/salas/internal/bridge"
	"github.com/ternarybob/salas/internal/jobs"
	"github.com/ternarybob/salas/internal/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local development
	},
}

// ExecuteHandler starts a worker job per subscription and streams it back
type ExecuteHandler struct {
	jobs   *jobs.Manager
	logger arbor.ILogger
}

// NewExecuteHandler creates a new ExecuteHandler
func NewExecuteHandler(manager *jobs.Manager, logger arbor.ILogger) *ExecuteHandler {
	return &ExecuteHandler{
		jobs:   manager,
		logger: logger,
	}
}

// StreamHandler handles GET /api/execute as a Server-Sent Events stream.
// Rejections (bad period, busy, throttled) are plain JSON errors sent
// before the stream starts; afterwards every outcome arrives as the final
// event. Closing the connection cancels the job.
func (h *ExecuteHandler) StreamHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	period, err := ParsePeriod(r.URL.Query())
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	reservation, err := h.jobs.Reserve(jobs.Request{Trigger: models.TriggerSSE, Period: period})
	if err != nil {
		h.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("Execute request rejected")
		WriteError(w, statusForReserveError(err), err.Error())
		return
	}

	sink, err := bridge.NewSSESink(w, h.jobs.Encoder())
	if err != nil {
		reservation.Release()
		h.logger.Error().Err(err).Msg("Failed to open event stream")
		WriteError(w, http.StatusInternalServerError, "Streaming not supported")
		return
	}

	h.logger.Info().
		Str("job_id", reservation.ID()).
		Str("remote", r.RemoteAddr).
		Msg("Execute stream opened")

	reservation.Run(r.Context(), sink)
}

// WebSocketHandler handles GET /ws/execute: the same job over a WebSocket.
// The client closing the socket cancels the job.
func (h *ExecuteHandler) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	period, periodErr := ParsePeriod(r.URL.Query())

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}
	sink := bridge.NewWebSocketSink(conn, h.jobs.Encoder())

	if periodErr != nil {
		h.reject(sink, models.KindInvalidRequest, periodErr)
		return
	}

	reservation, err := h.jobs.Reserve(jobs.Request{Trigger: models.TriggerWebSocket, Period: period})
	if err != nil {
		h.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("Execute request rejected")
		h.reject(sink, kindForReserveError(err), err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The reader only watches for the client going away; incoming messages are ignored
	var wg sync.WaitGroup
	wg.Go(func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	})

	h.logger.Info().
		Str("job_id", reservation.ID()).
		Str("remote", r.RemoteAddr).
		Msg("Execute WebSocket opened")

	reservation.Run(ctx, sink)
	wg.Wait()
}

// reject answers a WebSocket subscription with a failed result and closes it
func (h *ExecuteHandler) reject(sink *bridge.WebSocketSink, kind models.ErrorKind, err error) {
	b := bridge.New(sink, h.logger)
	defer b.Close()
	b.Send(models.ResultEvent{
		Outcome: models.OutcomeFailed,
		Kind:    kind,
		Detail:  err.Error(),
	})
}

func statusForReserveError(err error) int {
	switch {
	case errors.Is(err, jobs.ErrInvalidPeriod):
		return http.StatusBadRequest
	case errors.Is(err, jobs.ErrJobInProgress):
		return http.StatusConflict
	case errors.Is(err, jobs.ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func kindForReserveError(err error) models.ErrorKind {
	switch {
	case errors.Is(err, jobs.ErrJobInProgress):
		return models.KindJobInProgress
	case errors.Is(err, jobs.ErrRateLimited):
		return models.KindRateLimited
	case errors.Is(err, jobs.ErrInvalidPeriod):
		return models.KindInvalidRequest
	default:
		return models.KindInternal
	}
}

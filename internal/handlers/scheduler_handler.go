package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/salas/internal/services/scheduler"
)

// SchedulerHandler reports the cron trigger state
type SchedulerHandler struct {
	service *scheduler.Service // nil when the scheduler is disabled
	logger  arbor.ILogger
}

// NewSchedulerHandler creates a new SchedulerHandler
func NewSchedulerHandler(service *scheduler.Service, logger arbor.ILogger) *SchedulerHandler {
	return &SchedulerHandler{
		service: service,
		logger:  logger,
	}
}

// StatusHandler handles GET /api/scheduler
func (h *SchedulerHandler) StatusHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	if h.service == nil {
		WriteJSON(w, http.StatusOK, scheduler.Status{})
		return
	}
	WriteJSON(w, http.StatusOK, h.service.Status())
}

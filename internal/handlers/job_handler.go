package handlers

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/salas/internal/interfaces"
	"github.com/ternarybob/salas/internal/models"
)

const maxLogLines = 1000

// JobHandler serves the job history
type JobHandler struct {
	storage interfaces.StorageManager // nil when history is disabled
	logger  arbor.ILogger
}

// NewJobHandler creates a new JobHandler
func NewJobHandler(storage interfaces.StorageManager, logger arbor.ILogger) *JobHandler {
	return &JobHandler{
		storage: storage,
		logger:  logger,
	}
}

func (h *JobHandler) enabled(w http.ResponseWriter) bool {
	if h.storage == nil {
		WriteError(w, http.StatusNotFound, "Job history is disabled")
		return false
	}
	return true
}

// ListJobsHandler handles GET /api/jobs?page=&pageSize=&trigger=
func (h *JobHandler) ListJobsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") || !h.enabled(w) {
		return
	}

	page, pageSize := GetPaginationParams(r)
	opts := &interfaces.ListOptions{
		Limit:   pageSize,
		Offset:  page * pageSize,
		Trigger: models.Trigger(r.URL.Query().Get("trigger")),
	}

	jobs, err := h.storage.JobStorage().ListJobs(r.Context(), opts)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list jobs")
		WriteError(w, http.StatusInternalServerError, "Failed to list jobs")
		return
	}

	total, err := h.storage.JobStorage().CountJobs(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to count jobs")
		WriteError(w, http.StatusInternalServerError, "Failed to count jobs")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs": jobs,
		"pagination": PaginationResponse{
			Page:       page,
			PageSize:   pageSize,
			TotalItems: total,
			TotalPages: int(math.Ceil(float64(total) / float64(pageSize))),
		},
	})
}

// GetJobHandler handles GET /api/jobs/{id}
func (h *JobHandler) GetJobHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") || !h.enabled(w) {
		return
	}

	id := jobPathID(r.URL.Path)
	if id == "" {
		WriteError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	job, err := h.storage.JobStorage().GetJob(r.Context(), id)
	if errors.Is(err, interfaces.ErrJobNotFound) {
		WriteError(w, http.StatusNotFound, "Job not found")
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("job_id", id).Msg("Failed to get job")
		WriteError(w, http.StatusInternalServerError, "Failed to get job")
		return
	}

	WriteJSON(w, http.StatusOK, job)
}

// GetJobLogsHandler handles GET /api/jobs/{id}/logs?after=&limit=
func (h *JobHandler) GetJobLogsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") || !h.enabled(w) {
		return
	}

	id := jobPathID(r.URL.Path)
	if id == "" {
		WriteError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	if _, err := h.storage.JobStorage().GetJob(r.Context(), id); err != nil {
		if errors.Is(err, interfaces.ErrJobNotFound) {
			WriteError(w, http.StatusNotFound, "Job not found")
			return
		}
		h.logger.Error().Err(err).Str("job_id", id).Msg("Failed to get job")
		WriteError(w, http.StatusInternalServerError, "Failed to get job")
		return
	}

	var after uint64
	if v := r.URL.Query().Get("after"); v != "" {
		parsed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "Invalid after parameter")
			return
		}
		after = parsed
	}

	limit := maxLogLines
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 && parsed < maxLogLines {
			limit = parsed
		}
	}

	lines, err := h.storage.JobLogStorage().GetLogs(r.Context(), id, after, limit)
	if err != nil {
		h.logger.Error().Err(err).Str("job_id", id).Msg("Failed to get job logs")
		WriteError(w, http.StatusInternalServerError, "Failed to get job logs")
		return
	}
	if lines == nil {
		lines = []models.LogLine{}
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"job_id": id,
		"logs":   lines,
		"count":  len(lines),
	})
}

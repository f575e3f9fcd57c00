package handlers

import (
	"errors"
	"mime"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/salas/internal/artifact"
	"github.com/ternarybob/salas/internal/jobs"
	"github.com/ternarybob/salas/internal/models"
)

// ArtifactHandler reports on and serves the generated document
type ArtifactHandler struct {
	store  *artifact.Store
	jobs   *jobs.Manager
	logger arbor.ILogger
}

// NewArtifactHandler creates a new ArtifactHandler
func NewArtifactHandler(store *artifact.Store, manager *jobs.Manager, logger arbor.ILogger) *ArtifactHandler {
	return &ArtifactHandler{
		store:  store,
		jobs:   manager,
		logger: logger,
	}
}

// StatusResponse is the body of GET /api/status
type StatusResponse struct {
	artifact.Info
	Running    bool              `json:"running"`
	CurrentJob *models.JobRecord `json:"currentJob,omitempty"`
}

// StatusHandler handles GET /api/status
func (h *ArtifactHandler) StatusHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	info, err := h.store.Stat(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to stat artifact")
		WriteError(w, http.StatusInternalServerError, "Failed to read artifact status")
		return
	}

	resp := StatusResponse{Info: info}
	if job, ok := h.jobs.Active(); ok {
		resp.Running = true
		resp.CurrentJob = &job
	}

	WriteJSON(w, http.StatusOK, resp)
}

// DownloadHandler handles GET /api/download
func (h *ArtifactHandler) DownloadHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	f, info, contentType, err := h.store.Open(r.Context())
	if errors.Is(err, artifact.ErrNotFound) {
		WriteJSON(w, http.StatusNotFound, map[string]string{
			"error":   "Not Found",
			"message": "The document has not been generated yet",
		})
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to open artifact")
		WriteError(w, http.StatusInternalServerError, "Failed to open document")
		return
	}
	defer f.Close()

	var modified time.Time
	if info.LastModified != nil {
		modified = *info.LastModified
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": info.Name}))

	h.logger.Debug().
		Str("name", info.Name).
		Int64("size", info.Size).
		Str("remote", r.RemoteAddr).
		Msg("Serving artifact")

	http.ServeContent(w, r, info.Name, modified, f)
}

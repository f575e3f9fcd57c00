package server

import (
	"net/http"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// Job execution streams
	mux.HandleFunc("/api/execute", s.app.ExecuteHandler.StreamHandler) // GET - SSE
	mux.HandleFunc("/ws/execute", s.app.ExecuteHandler.WebSocketHandler)

	// Generated document
	mux.HandleFunc("/api/status", s.app.ArtifactHandler.StatusHandler)
	mux.HandleFunc("/api/download", s.app.ArtifactHandler.DownloadHandler)

	// Job history
	mux.HandleFunc("/api/jobs", s.app.JobHandler.ListJobsHandler)
	mux.HandleFunc("/api/jobs/", s.handleJobRoutes) // GET /{id}, GET /{id}/logs

	mux.HandleFunc("/api/scheduler", s.app.SchedulerHandler.StatusHandler)

	// System
	mux.HandleFunc("/api/health", s.app.APIHandler.HealthHandler)
	mux.HandleFunc("/api/version", s.app.APIHandler.VersionHandler)

	mux.HandleFunc("/", s.app.APIHandler.NotFoundHandler)

	return mux
}

// handleJobRoutes routes /api/jobs/{id} and /api/jobs/{id}/logs
func (s *Server) handleJobRoutes(w http.ResponseWriter, r *http.Request) {
	routes := []PathSuffixRouter{
		{Suffix: "/logs", Handler: s.app.JobHandler.GetJobLogsHandler},
	}
	if RouteByPathSuffix(w, r, "/api/jobs/", routes) {
		return
	}
	s.app.JobHandler.GetJobHandler(w, r)
}

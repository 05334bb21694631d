package server

import (
	"net/http"
	"strings"

	"github.com/ternarybob/strata/internal/handlers"
)

func (s *Server) setupRoutes() {
	// WebSocket event stream
	s.router.HandleFunc("/ws", s.app.WSHandler.HandleWebSocket)

	// System endpoints
	s.router.HandleFunc("/api/health", s.app.APIHandler.HealthHandler)
	s.router.HandleFunc("/api/version", s.app.APIHandler.VersionHandler)
	s.router.HandleFunc("/api/shutdown", s.shutdownHandler)

	// Job API; subpaths dispatch on method and trailing segment
	s.router.HandleFunc("/api/jobs/", s.jobsDispatcher)
}

// jobsDispatcher routes /api/jobs/ subpaths:
//
//	POST /api/jobs/{job_type}        submit a job
//	GET  /api/jobs/{job_id}          job record with task counts
//	GET  /api/jobs/{job_id}/tasks    task list, ?stage= and ?status= filters
//	POST /api/jobs/{job_id}/cancel   force the job to failed
func (s *Server) jobsDispatcher(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/jobs/"), "/")
	segments := strings.Split(path, "/")

	switch {
	case len(segments) == 1 && segments[0] != "":
		if r.Method == http.MethodPost {
			if !s.allowSubmit() {
				handlers.WriteError(w, http.StatusTooManyRequests, "submission rate limit exceeded")
				return
			}
			s.app.JobHandler.SubmitJobHandler(w, r)
			return
		}
		s.app.JobHandler.GetJobHandler(w, r)

	case len(segments) == 2 && segments[1] == "tasks":
		s.app.JobHandler.ListTasksHandler(w, r, segments[0])

	case len(segments) == 2 && segments[1] == "cancel":
		s.app.JobHandler.CancelJobHandler(w, r, segments[0])

	default:
		http.NotFound(w, r)
	}
}

// shutdownHandler signals the main loop to drain and exit. The response is
// written before the listener starts closing.
func (s *Server) shutdownHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		handlers.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.logger.Info().Msg("Shutdown requested via API")
	handlers.WriteJSON(w, http.StatusOK, map[string]string{"status": "shutting down"})
	s.requestShutdown()
}

func (s *Server) allowSubmit() bool {
	if s.submitLimiter == nil {
		return true
	}
	return s.submitLimiter.Allow()
}

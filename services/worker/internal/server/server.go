package server

import (
	"net/http"
	"strings"

	"exampilot/internal/util"
	"exampilot/services/worker/internal/app"
)

// Server exposes health and job status endpoints of the worker.
type Server struct {
	app *app.App
	mux *http.ServeMux
}

func New(a *app.App) *Server {
	s := &Server{app: a, mux: http.NewServeMux()}
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /readyz", s.handleReady)
	s.mux.HandleFunc("GET /jobs/{id}", s.handleJob)
	return s
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("worker", util.WithSecurityHeaders(s.mux)))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	util.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.app.Ready(r.Context()); err != nil {
		util.WriteError(w, http.StatusServiceUnavailable, "SYSTEM_NOT_READY", "database unavailable")
		return
	}
	util.WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	job, ok, err := s.app.Job(r.Context(), id)
	if err != nil {
		util.LoggerFromContext(r.Context()).Error("load job failed", "job_id", id, "err", err)
		util.WriteError(w, http.StatusInternalServerError, "SYSTEM_INTERNAL_ERROR", "internal error")
		return
	}
	if !ok {
		util.WriteError(w, http.StatusNotFound, "JOB_NOT_FOUND", "job not found")
		return
	}
	util.WriteJSON(w, http.StatusOK, job)
}

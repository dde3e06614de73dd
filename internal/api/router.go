package api

import (
	"net/http"
)

// registerAPIRoutes registers all API endpoints on the given mux
func registerAPIRoutes(mux *http.ServeMux, h *Handler) {
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /version", h.Version)
	mux.HandleFunc("GET /stats", h.Stats)

	// Job management
	mux.HandleFunc("GET /jobs", h.ListJobs)
	mux.HandleFunc("POST /jobs", h.CreateJob)
	mux.HandleFunc("GET /jobs/{id}", h.GetJob)
	mux.HandleFunc("DELETE /jobs/{id}", h.CancelJob)
	mux.HandleFunc("GET /jobs/{id}/artifact", h.Artifact)
	mux.HandleFunc("GET /jobs/{id}/events", h.JobEvents)
}

// NewRouter creates the HTTP handler with all API endpoints and middleware
func NewRouter(h *Handler) http.Handler {
	mux := http.NewServeMux()
	registerAPIRoutes(mux, h)

	return LoggingMiddleware(CORSMiddleware(h.cfg.AllowedOrigins, mux))
}

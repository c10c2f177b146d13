package api

import (
	"net/http"
)

// RegisterRoutes attaches every handler to mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/events/stream", s.HandleStreamSSE)
	mux.HandleFunc("GET /api/events/ws", s.HandleStreamWS)
	mux.HandleFunc("GET /api/state", s.HandleState)
	mux.HandleFunc("GET /api/stats", s.HandleStats)
	mux.HandleFunc("GET /health", s.HandleHealth)

	if s.proxy != nil {
		mux.HandleFunc("GET /upstream/_ready", s.HandleUpstreamReady)
		mux.Handle("/upstream/", s.proxy)
	}
}

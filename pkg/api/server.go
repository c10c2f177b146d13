package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/wolfwarden/wolfwarden/pkg/eventlog"
	"github.com/wolfwarden/wolfwarden/pkg/log"
	"github.com/wolfwarden/wolfwarden/pkg/projector"
	"github.com/wolfwarden/wolfwarden/pkg/realtime"
	"github.com/wolfwarden/wolfwarden/pkg/upstream"
)

var logger = log.ForService("api")

// Server exposes the streaming API, state/stats endpoints, and the upstream
// reverse proxy mount.
type Server struct {
	eventLog  *eventlog.Log
	store     *projector.Store
	hub       *realtime.Hub
	proxy     *upstream.Proxy
	auth      Authenticator
	heartbeat time.Duration
}

// NewServer assembles a server. proxy may be nil when the reverse proxy
// mount is disabled.
func NewServer(eventLog *eventlog.Log, store *projector.Store, hub *realtime.Hub, proxy *upstream.Proxy, auth Authenticator, heartbeat time.Duration) *Server {
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	return &Server{
		eventLog:  eventLog,
		store:     store,
		hub:       hub,
		proxy:     proxy,
		auth:      auth,
		heartbeat: heartbeat,
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Errorf("encoding JSON response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, error, message string) {
	s.writeJSON(w, status, ErrorResponse{Error: error, Message: message})
}

// CorsMiddleware allows browser clients on other origins to reach the API.
func CorsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Last-Event-ID, X-Warden-User")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

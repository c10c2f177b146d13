package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wolfwarden/wolfwarden/pkg/core"
)

// HandleState returns the materialized state visible to the caller.
func (s *Server) HandleState(w http.ResponseWriter, r *http.Request) {
	userID, err := s.auth.Authenticate(r)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "Unauthorized", err.Error())
		return
	}

	snapshot, err := s.store.SnapshotFor(r.Context(), userID)
	if err != nil {
		logger.Errorf("reading snapshot for %s: %v", userID, err)
		s.writeError(w, http.StatusInternalServerError, "StateUnavailable", "failed to read current state")
		return
	}

	s.writeJSON(w, http.StatusOK, snapshot)
}

// HandleStats returns log, projection, and subscriber counters.
func (s *Server) HandleStats(w http.ResponseWriter, r *http.Request) {
	logStats, err := s.eventLog.Stats(r.Context())
	if err != nil {
		logger.Errorf("reading log stats: %v", err)
		s.writeError(w, http.StatusInternalServerError, "StatsUnavailable", "failed to read log statistics")
		return
	}

	rows, err := s.store.CountRows(r.Context())
	if err != nil {
		logger.Errorf("counting state rows: %v", err)
		s.writeError(w, http.StatusInternalServerError, "StatsUnavailable", "failed to read state statistics")
		return
	}

	s.writeJSON(w, http.StatusOK, StatsResponse{
		Log:         logStats,
		State:       rows,
		Subscribers: s.hub.Size(),
	})
}

// HandleHealth reports liveness. Upstream reachability is advisory: the
// service stays healthy while the upstream host is down because queued
// state and the log remain servable.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	tail, err := s.eventLog.Tail(r.Context())
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "Unhealthy", "event log unreadable")
		return
	}

	resp := HealthResponse{Status: "ok", Tail: tail}
	if s.proxy != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.proxy.Ready(ctx); err != nil {
			resp.Upstream = "unreachable"
		} else {
			resp.Upstream = "ok"
		}
	}

	s.writeJSON(w, http.StatusOK, resp)
}

// HandleUpstreamReady probes the upstream socket and reports whether the
// host process is accepting connections. Served locally, never proxied.
func (s *Server) HandleUpstreamReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.proxy.Ready(ctx); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "UpstreamUnavailable", err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleStreamSSE serves snapshot, replay, and live deltas as a
// server-sent event stream. The replay cursor comes from the standard
// Last-Event-ID reconnect header or an explicit cursor query parameter.
func (s *Server) HandleStreamSSE(w http.ResponseWriter, r *http.Request) {
	userID, err := s.auth.Authenticate(r)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "Unauthorized", err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "StreamingUnsupported", "response writer does not support flushing")
		return
	}

	cursor, err := parseCursor(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "InvalidCursor", err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	logger.Debugf("SSE stream opened for user %s (cursor=%v)", userID, cursor)

	session := NewStreamSession(userID, cursor, s.eventLog, s.store, s.hub, s.heartbeat)
	writer := &sseFrameWriter{w: w, flusher: flusher}

	if err := session.Run(r.Context(), writer); err != nil {
		if errors.Is(err, core.ErrSubscriberDropped) {
			logger.Warnf("SSE stream for user %s dropped: slow consumer", userID)
			return
		}
		logger.Debugf("SSE stream for user %s ended: %v", userID, err)
		return
	}
	logger.Debugf("SSE stream closed for user %s", userID)
}

// upgrader relies on CorsMiddleware's policy for cross-origin access.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// HandleStreamWS serves the same frame sequence over a WebSocket, for
// clients that want bidirectional framing or cannot consume event streams.
func (s *Server) HandleStreamWS(w http.ResponseWriter, r *http.Request) {
	userID, err := s.auth.Authenticate(r)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "Unauthorized", err.Error())
		return
	}

	cursor, err := parseCursor(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "InvalidCursor", err.Error())
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Errorf("websocket upgrade for user %s: %v", userID, err)
		return
	}
	defer conn.Close()

	logger.Debugf("websocket stream opened for user %s (cursor=%v)", userID, cursor)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Read pump: the client sends nothing meaningful, but reads surface
	// close frames and dead connections.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	session := NewStreamSession(userID, cursor, s.eventLog, s.store, s.hub, s.heartbeat)
	writer := &wsFrameWriter{conn: conn}

	if err := session.Run(ctx, writer); err != nil {
		if errors.Is(err, core.ErrSubscriberDropped) {
			logger.Warnf("websocket stream for user %s dropped: slow consumer", userID)
			writer.writeClose(websocket.ClosePolicyViolation, "subscriber queue overflow")
			return
		}
		logger.Debugf("websocket stream for user %s ended: %v", userID, err)
		return
	}
	writer.writeClose(websocket.CloseNormalClosure, "")
	logger.Debugf("websocket stream closed for user %s", userID)
}

// parseCursor extracts the replay cursor. Last-Event-ID wins so EventSource
// reconnects resume transparently; nil means no replay was requested.
func parseCursor(r *http.Request) (*uint64, error) {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("cursor")
	}
	if raw == "" {
		return nil, nil
	}

	cursor, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("cursor %q is not a sequence number", raw)
	}
	return &cursor, nil
}

// sseFrameWriter renders frames as event-stream blocks. Event frames carry
// their sequence as the SSE id so browsers resend it on reconnect.
type sseFrameWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (sw *sseFrameWriter) WriteFrame(f Frame) error {
	if f.Type == FrameHeartbeat {
		// Comment lines keep intermediaries from timing out the
		// connection without growing client-side event buffers.
		if _, err := fmt.Fprint(sw.w, ": heartbeat\n\n"); err != nil {
			return err
		}
		sw.flusher.Flush()
		return nil
	}

	data, err := json.Marshal(f)
	if err != nil {
		return err
	}

	if f.Type == FrameEvent {
		if _, err := fmt.Fprintf(sw.w, "id: %d\n", f.Seq); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(sw.w, "event: %s\ndata: %s\n\n", f.Type, data); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}

// wsFrameWriter renders frames as JSON text messages. The mutex guards
// against the session loop and close path writing concurrently.
type wsFrameWriter struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (ww *wsFrameWriter) WriteFrame(f Frame) error {
	ww.mu.Lock()
	defer ww.mu.Unlock()
	return ww.conn.WriteJSON(f)
}

func (ww *wsFrameWriter) writeClose(code int, reason string) {
	ww.mu.Lock()
	defer ww.mu.Unlock()
	deadline := time.Now().Add(time.Second)
	_ = ww.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
}

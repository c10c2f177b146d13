package api

import (
	"bufio"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/wolfwarden/wolfwarden/pkg/core"
	"github.com/wolfwarden/wolfwarden/pkg/upstream"
)

func newTestServer(t *testing.T, f *testFixture) *httptest.Server {
	t.Helper()
	server := NewServer(f.eventLog, f.store, f.hub, nil, HeaderAuthenticator{}, time.Hour)
	mux := http.NewServeMux()
	server.RegisterRoutes(mux)
	ts := httptest.NewServer(CorsMiddleware(mux))
	t.Cleanup(ts.Close)
	return ts
}

func getAs(t *testing.T, ts *httptest.Server, path, user string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, ts.URL+path, nil)
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	if user != "" {
		req.Header.Set(DefaultUserHeader, user)
	}
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	return resp
}

func TestStateRequiresAuthentication(t *testing.T) {
	ts := newTestServer(t, newTestFixture(t))

	resp := getAs(t, ts, "/api/state", "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("Expected 401, got %d", resp.StatusCode)
	}

	var body ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Expected JSON error body: %v", err)
	}
	if body.Error != "Unauthorized" {
		t.Errorf("Expected Unauthorized error, got %q", body.Error)
	}
}

func TestStateReturnsUserScopedSnapshot(t *testing.T) {
	f := newTestFixture(t)
	f.ingest(t, core.KindClientConnected, "user-a", map[string]any{"client_id": "c-a"})
	f.ingest(t, core.KindClientConnected, "user-b", map[string]any{"client_id": "c-b"})
	ts := newTestServer(t, f)

	resp := getAs(t, ts, "/api/state", "user-a")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}

	var snap core.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("Failed to decode snapshot: %v", err)
	}
	if snap.Seq != 2 {
		t.Errorf("Expected watermark 2, got %d", snap.Seq)
	}
	if len(snap.Clients) != 1 || snap.Clients[0].ID != "c-a" {
		t.Errorf("Expected only user-a's client, got %+v", snap.Clients)
	}
}

func TestStatsEndpoint(t *testing.T) {
	f := newTestFixture(t)
	f.ingest(t, core.KindClientConnected, "user-a", map[string]any{"client_id": "c1"})
	f.ingest(t, core.KindSessionStarted, "user-a", map[string]any{"session_id": "s1"})
	ts := newTestServer(t, f)

	resp := getAs(t, ts, "/api/stats", "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}

	var stats StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("Failed to decode stats: %v", err)
	}
	if stats.Log.TotalEvents != 2 {
		t.Errorf("Expected 2 events, got %d", stats.Log.TotalEvents)
	}
	if stats.State["clients"] != 1 || stats.State["sessions"] != 1 {
		t.Errorf("Unexpected state counts: %+v", stats.State)
	}
}

func TestHealthEndpoint(t *testing.T) {
	f := newTestFixture(t)
	f.ingest(t, core.KindClientConnected, "user-a", map[string]any{"client_id": "c1"})
	ts := newTestServer(t, f)

	resp := getAs(t, ts, "/health", "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}

	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("Failed to decode health: %v", err)
	}
	if health.Status != "ok" {
		t.Errorf("Expected ok status, got %q", health.Status)
	}
	if health.Tail != 1 {
		t.Errorf("Expected tail 1, got %d", health.Tail)
	}
}

func TestUpstreamReadyEndpoint(t *testing.T) {
	f := newTestFixture(t)
	socketPath := filepath.Join(t.TempDir(), "wolf.sock")
	channel := upstream.NewChannel(upstream.ChannelConfig{
		SocketPath:     socketPath,
		ConnectTimeout: time.Second,
		RetryAttempts:  1,
	})
	proxy := upstream.NewProxy(channel, "/upstream")

	server := NewServer(f.eventLog, f.store, f.hub, proxy, HeaderAuthenticator{}, time.Hour)
	mux := http.NewServeMux()
	server.RegisterRoutes(mux)
	ts := httptest.NewServer(CorsMiddleware(mux))
	t.Cleanup(ts.Close)

	resp := getAs(t, ts, "/upstream/_ready", "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("Expected 503 before the socket exists, got %d", resp.StatusCode)
	}
	var body ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Expected JSON error body: %v", err)
	}
	if body.Error != "UpstreamUnavailable" {
		t.Errorf("Expected UpstreamUnavailable, got %q", body.Error)
	}

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("Failed to listen on socket: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	resp2 := getAs(t, ts, "/upstream/_ready", "")
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200 once the socket accepts, got %d", resp2.StatusCode)
	}
}

func TestStreamRejectsBadCursor(t *testing.T) {
	ts := newTestServer(t, newTestFixture(t))

	resp := getAs(t, ts, "/api/events/stream?cursor=banana", "user-a")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("Expected 400 for non-numeric cursor, got %d", resp.StatusCode)
	}
}

// readSSEBlock reads one event-stream block (up to the blank line) and
// returns the event name and data payload.
func readSSEBlock(t *testing.T, br *bufio.Reader) (event, data string) {
	t.Helper()
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			t.Fatalf("Failed to read stream: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		if line == "" {
			if event != "" || data != "" {
				return event, data
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		if v, ok := strings.CutPrefix(line, "event: "); ok {
			event = v
		}
		if v, ok := strings.CutPrefix(line, "data: "); ok {
			data = v
		}
	}
}

func TestStreamSSEDeliversSnapshotReplayAndLive(t *testing.T) {
	f := newTestFixture(t)
	f.ingest(t, core.KindClientConnected, "user-a", map[string]any{"client_id": "c1"})
	f.ingest(t, core.KindSessionStarted, "user-a", map[string]any{"session_id": "s1"})
	ts := newTestServer(t, f)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/events/stream?cursor=0", nil)
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	req.Header.Set(DefaultUserHeader, "user-a")

	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Expected text/event-stream, got %q", ct)
	}

	br := bufio.NewReader(resp.Body)

	event, data := readSSEBlock(t, br)
	if event != FrameSnapshot {
		t.Fatalf("Expected snapshot block first, got %q", event)
	}
	var snapFrame Frame
	if err := json.Unmarshal([]byte(data), &snapFrame); err != nil {
		t.Fatalf("Failed to decode snapshot frame: %v", err)
	}
	if snapFrame.Seq != 2 {
		t.Errorf("Expected snapshot watermark 2, got %d", snapFrame.Seq)
	}

	for wantSeq := uint64(1); wantSeq <= 2; wantSeq++ {
		event, data = readSSEBlock(t, br)
		if event != FrameEvent {
			t.Fatalf("Expected event block, got %q", event)
		}
		var frame Frame
		if err := json.Unmarshal([]byte(data), &frame); err != nil {
			t.Fatalf("Failed to decode event frame: %v", err)
		}
		if frame.Seq != wantSeq {
			t.Errorf("Expected replayed seq %d, got %d", wantSeq, frame.Seq)
		}
	}

	// Live delivery over the same connection.
	waitSubscribers(t, f.hub, 1)
	f.ingest(t, core.KindSessionEnded, "user-a", map[string]any{"session_id": "s1"})

	event, data = readSSEBlock(t, br)
	if event != FrameEvent {
		t.Fatalf("Expected live event block, got %q", event)
	}
	var live Frame
	if err := json.Unmarshal([]byte(data), &live); err != nil {
		t.Fatalf("Failed to decode live frame: %v", err)
	}
	if live.Seq != 3 {
		t.Errorf("Expected live seq 3, got %d", live.Seq)
	}
}

func TestStreamSSEHonorsLastEventIDHeader(t *testing.T) {
	f := newTestFixture(t)
	f.ingest(t, core.KindClientConnected, "user-a", map[string]any{"client_id": "c1"})
	f.ingest(t, core.KindClientDisconnected, "user-a", map[string]any{"client_id": "c1"})
	ts := newTestServer(t, f)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/events/stream", nil)
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	req.Header.Set(DefaultUserHeader, "user-a")
	req.Header.Set("Last-Event-ID", "1")

	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	br := bufio.NewReader(resp.Body)
	if event, _ := readSSEBlock(t, br); event != FrameSnapshot {
		t.Fatalf("Expected snapshot first, got %q", event)
	}

	event, data := readSSEBlock(t, br)
	if event != FrameEvent {
		t.Fatalf("Expected replayed event, got %q", event)
	}
	var frame Frame
	if err := json.Unmarshal([]byte(data), &frame); err != nil {
		t.Fatalf("Failed to decode frame: %v", err)
	}
	if frame.Seq != 2 {
		t.Errorf("Expected replay to resume after seq 1 at 2, got %d", frame.Seq)
	}
}

func dialWS(t *testing.T, ts *httptest.Server, path, user string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + path
	header := http.Header{}
	header.Set(DefaultUserHeader, user)

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		status := "no response"
		if resp != nil {
			status = resp.Status
		}
		t.Fatalf("Failed to dial websocket (%s): %v", status, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readWSFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("Failed to set deadline: %v", err)
	}
	var frame Frame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("Failed to read frame: %v", err)
	}
	return frame
}

func TestStreamWSDeliversSnapshotReplayAndLive(t *testing.T) {
	f := newTestFixture(t)
	f.ingest(t, core.KindClientConnected, "user-a", map[string]any{"client_id": "c1"})
	ts := newTestServer(t, f)

	conn := dialWS(t, ts, "/api/events/ws?cursor=0", "user-a")

	if frame := readWSFrame(t, conn); frame.Type != FrameSnapshot {
		t.Fatalf("Expected snapshot, got %s", frame.Type)
	}
	if frame := readWSFrame(t, conn); frame.Type != FrameEvent || frame.Seq != 1 {
		t.Fatalf("Expected replayed seq 1, got %s seq %d", frame.Type, frame.Seq)
	}

	waitSubscribers(t, f.hub, 1)
	f.ingest(t, core.KindClientDisconnected, "user-a", map[string]any{"client_id": "c1"})

	if frame := readWSFrame(t, conn); frame.Type != FrameEvent || frame.Seq != 2 {
		t.Fatalf("Expected live seq 2, got %s seq %d", frame.Type, frame.Seq)
	}
}

func TestStreamWSRequiresAuthentication(t *testing.T) {
	ts := newTestServer(t, newTestFixture(t))

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/events/ws"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("Expected dial to fail without identity")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("Expected 401 handshake response, got %+v", resp)
	}
}

func signTestToken(t *testing.T, secret []byte, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": subject,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString(secret)
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}
	return signed
}

func TestJWTAuthenticator(t *testing.T) {
	secret := []byte("test-secret")
	auth := JWTAuthenticator{Secret: secret}

	t.Run("valid bearer token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/state", nil)
		req.Header.Set("Authorization", "Bearer "+signTestToken(t, secret, "user-a"))

		user, err := auth.Authenticate(req)
		if err != nil {
			t.Fatalf("Authenticate failed: %v", err)
		}
		if user != "user-a" {
			t.Errorf("Expected user-a, got %q", user)
		}
	})

	t.Run("token in query for websocket clients", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/events/ws?token="+signTestToken(t, secret, "user-b"), nil)

		user, err := auth.Authenticate(req)
		if err != nil {
			t.Fatalf("Authenticate failed: %v", err)
		}
		if user != "user-b" {
			t.Errorf("Expected user-b, got %q", user)
		}
	})

	t.Run("wrong secret rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/state", nil)
		req.Header.Set("Authorization", "Bearer "+signTestToken(t, []byte("other"), "user-a"))

		if _, err := auth.Authenticate(req); err == nil {
			t.Fatal("Expected verification to fail with the wrong secret")
		}
	})

	t.Run("missing token rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/state", nil)
		if _, err := auth.Authenticate(req); err == nil {
			t.Fatal("Expected missing token to be rejected")
		}
	})

	t.Run("missing subject rejected", func(t *testing.T) {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"exp": time.Now().Add(time.Hour).Unix(),
		})
		signed, err := token.SignedString(secret)
		if err != nil {
			t.Fatalf("Failed to sign token: %v", err)
		}
		req := httptest.NewRequest(http.MethodGet, "/api/state", nil)
		req.Header.Set("Authorization", "Bearer "+signed)

		if _, err := auth.Authenticate(req); err == nil {
			t.Fatal("Expected token without subject to be rejected")
		}
	})
}

package ingest

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wolfwarden/wolfwarden/pkg/core"
	"github.com/wolfwarden/wolfwarden/pkg/eventlog"
	"github.com/wolfwarden/wolfwarden/pkg/projector"
	"github.com/wolfwarden/wolfwarden/pkg/realtime"
	"github.com/wolfwarden/wolfwarden/pkg/upstream"
)

func newTestPipeline(t *testing.T, retainRaw bool) (*Pipeline, *eventlog.Log, *projector.Store, *realtime.Hub) {
	t.Helper()
	dir := t.TempDir()

	eventLog, err := eventlog.Open(filepath.Join(dir, "events.db"))
	if err != nil {
		t.Fatalf("Failed to open event log: %v", err)
	}
	t.Cleanup(func() { _ = eventLog.Close() })

	store, err := projector.OpenStore(filepath.Join(dir, "state.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	hub := realtime.NewHub(16)
	t.Cleanup(hub.CloseAll)

	p := NewPipeline(nil, &Normalizer{RetainRaw: retainRaw}, eventLog, projector.New(store), hub, retainRaw)
	return p, eventLog, store, hub
}

func TestHandleRunsOrderedUnit(t *testing.T) {
	p, eventLog, store, hub := newTestPipeline(t, false)
	sub := hub.Subscribe("user-a")

	raw := []byte(`{"type":"client_connected","client_id":"c1","user_id":"user-a"}`)
	if err := p.handle(context.Background(), raw); err != nil {
		t.Fatalf("handle failed: %v", err)
	}

	// Appended.
	events, err := eventLog.ReadAfter(context.Background(), 0, 10)
	if err != nil {
		t.Fatalf("Failed to read log: %v", err)
	}
	if len(events) != 1 || events[0].Seq != 1 {
		t.Fatalf("Expected one event at seq 1, got %+v", events)
	}

	// Projected.
	snap, err := store.SnapshotFor(context.Background(), "user-a")
	if err != nil {
		t.Fatalf("Failed to read snapshot: %v", err)
	}
	if len(snap.Clients) != 1 || !snap.Clients[0].Connected() {
		t.Errorf("Expected a connected client in state, got %+v", snap.Clients)
	}

	// Published, with the log-assigned sequence.
	select {
	case evt := <-sub.Events():
		if evt.Seq != 1 {
			t.Errorf("Expected published seq 1, got %d", evt.Seq)
		}
	default:
		t.Error("Expected the event on the hub")
	}
}

func TestMalformedPayloadDroppedWithoutSequenceGap(t *testing.T) {
	p, eventLog, _, _ := newTestPipeline(t, false)

	payloads := [][]byte{
		[]byte(`{"type":"client_connected","client_id":"c1","user_id":"user-a"}`),
		[]byte(`not json at all`),
		[]byte(`{"type":"gpu_fan_speed","rpm":1200}`),
		[]byte(`{"type":"client_disconnected","client_id":"c1","user_id":"user-a"}`),
	}
	for _, raw := range payloads {
		if err := p.handle(context.Background(), raw); err != nil {
			t.Fatalf("handle failed on %s: %v", raw, err)
		}
	}

	events, err := eventLog.ReadAfter(context.Background(), 0, 10)
	if err != nil {
		t.Fatalf("Failed to read log: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("Expected 2 stored events, got %d", len(events))
	}
	if events[0].Seq != 1 || events[1].Seq != 2 {
		t.Errorf("Expected contiguous sequences 1,2, got %d,%d", events[0].Seq, events[1].Seq)
	}
}

// newStreamingPipeline wires a pipeline to a real upstream served over a
// Unix socket by handler.
func newStreamingPipeline(t *testing.T, handler http.Handler) (*Pipeline, *eventlog.Log) {
	t.Helper()
	dir := t.TempDir()

	eventLog, err := eventlog.Open(filepath.Join(dir, "events.db"))
	if err != nil {
		t.Fatalf("Failed to open event log: %v", err)
	}
	t.Cleanup(func() { _ = eventLog.Close() })

	store, err := projector.OpenStore(filepath.Join(dir, "state.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	hub := realtime.NewHub(16)
	t.Cleanup(hub.CloseAll)

	socketPath := filepath.Join(dir, "wolf.sock")
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("Failed to listen on %s: %v", socketPath, err)
	}
	srv := &http.Server{Handler: handler}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Close() })

	channel := upstream.NewChannel(upstream.ChannelConfig{
		SocketPath:     socketPath,
		ConnectTimeout: time.Second,
		ReadTimeout:    time.Second,
		RetryAttempts:  3,
		RetryBaseDelay: 10 * time.Millisecond,
		RetryMaxDelay:  100 * time.Millisecond,
	})
	reader := upstream.NewEventReader(channel, "/api/v1/events")

	return NewPipeline(reader, &Normalizer{}, eventLog, projector.New(store), hub, false), eventLog
}

// waitForTail polls the log until it reaches seq, so tests can observe
// ingestion progress without hooks into the pipeline.
func waitForTail(t *testing.T, eventLog *eventlog.Log, seq uint64, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		tail, err := eventLog.Tail(context.Background())
		if err != nil {
			t.Fatalf("Failed to read tail: %v", err)
		}
		if tail >= seq {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for log tail %d, have %d", seq, tail)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRunSurvivesOversizedUpstreamFrame(t *testing.T) {
	p, eventLog := newStreamingPipeline(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"type\":\"client_connected\",\"client_id\":\"c1\",\"user_id\":\"user-a\"}\n\n")
		fmt.Fprintf(w, "data: %s\n\n", strings.Repeat("x", 600*1024))
		fmt.Fprint(w, "data: {\"type\":\"client_disconnected\",\"client_id\":\"c1\",\"user_id\":\"user-a\"}\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	// Both well-formed events around the oversized frame must land.
	waitForTail(t, eventLog, 2, 2*time.Second)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Expected the pipeline to keep running, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Pipeline did not stop after cancellation")
	}
}

func TestRunReconnectsAfterBrokenStream(t *testing.T) {
	var requests atomic.Int64
	p, eventLog := newStreamingPipeline(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		if requests.Add(1) == 1 {
			// Truncated response: the client sees a mid-stream read
			// failure after the first event.
			w.Header().Set("Content-Length", "4096")
			fmt.Fprint(w, "data: {\"type\":\"client_connected\",\"client_id\":\"c1\",\"user_id\":\"user-a\"}\n\n")
			return
		}
		fmt.Fprint(w, "data: {\"type\":\"session_started\",\"session_id\":\"s1\",\"user_id\":\"user-a\"}\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	// The second event arrives only if the pipeline reopened the stream.
	waitForTail(t, eventLog, 2, 5*time.Second)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Expected the pipeline to reconnect, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Pipeline did not stop after cancellation")
	}
}

func TestUnknownPayloadStoredAsPassthroughWhenRetaining(t *testing.T) {
	p, eventLog, _, _ := newTestPipeline(t, true)

	raw := []byte(`{"type":"gpu_fan_speed","rpm":1200}`)
	if err := p.handle(context.Background(), raw); err != nil {
		t.Fatalf("handle failed: %v", err)
	}

	events, err := eventLog.ReadAfter(context.Background(), 0, 10)
	if err != nil {
		t.Fatalf("Failed to read log: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("Expected 1 passthrough event, got %d", len(events))
	}
	if events[0].Kind != core.KindPassthrough {
		t.Errorf("Expected passthrough kind, got %s", events[0].Kind)
	}
	if string(events[0].Raw) != string(raw) {
		t.Error("Expected passthrough to keep the original bytes")
	}
}

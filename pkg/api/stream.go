package api

import (
	"context"
	"errors"
	"time"

	"github.com/wolfwarden/wolfwarden/pkg/core"
	"github.com/wolfwarden/wolfwarden/pkg/eventlog"
	"github.com/wolfwarden/wolfwarden/pkg/projector"
	"github.com/wolfwarden/wolfwarden/pkg/realtime"
)

// replayPageSize bounds a single log read during replay.
const replayPageSize = 200

// Frame types emitted on a stream connection.
const (
	FrameSnapshot  = "snapshot"
	FrameEvent     = "event"
	FrameHeartbeat = "heartbeat"
	FrameNotice    = "notice"
)

// NoticeReplayUnavailable signals that the requested cursor precedes the
// retained log and the session degraded to snapshot-only delivery.
const NoticeReplayUnavailable = "replay_unavailable"

// Frame is one unit on the wire, transport-agnostic: the SSE handler
// renders it as an event-stream block, the WebSocket handler as a JSON
// message.
type Frame struct {
	Type     string         `json:"type"`
	Seq      uint64         `json:"seq,omitempty"`
	Snapshot *core.Snapshot `json:"snapshot,omitempty"`
	Event    *core.Event    `json:"event,omitempty"`
	Message  string         `json:"message,omitempty"`
}

// FrameWriter delivers frames to one client. Writers flush each frame; a
// write error closes the session.
type FrameWriter interface {
	WriteFrame(Frame) error
}

// session states
type sessionState int

const (
	stateConnecting sessionState = iota
	stateSnapshotSent
	stateReplaying
	stateLive
	stateClosed
)

// StreamSession is the per-connection state machine: snapshot, optional
// replay from a client cursor, then live deltas with heartbeats, in that
// order, with no duplicate and no gap at any boundary.
type StreamSession struct {
	userID    string
	cursor    *uint64
	eventLog  *eventlog.Log
	store     *projector.Store
	hub       *realtime.Hub
	heartbeat time.Duration

	state    sessionState
	lastSent uint64
}

// NewStreamSession prepares a session for an authenticated user. cursor is
// nil when the client did not request replay.
func NewStreamSession(userID string, cursor *uint64, eventLog *eventlog.Log, store *projector.Store, hub *realtime.Hub, heartbeat time.Duration) *StreamSession {
	return &StreamSession{
		userID:    userID,
		cursor:    cursor,
		eventLog:  eventLog,
		store:     store,
		hub:       hub,
		heartbeat: heartbeat,
		state:     stateConnecting,
	}
}

// Run drives the session until the client disconnects (ctx cancelled), a
// send fails, or the hub drops the subscriber. The subscriber registration
// is always released on exit.
func (s *StreamSession) Run(ctx context.Context, w FrameWriter) error {
	defer func() { s.state = stateClosed }()

	// Subscribe before the snapshot is captured so nothing published while
	// the snapshot, cursor resolution, or replay are in flight can be
	// missed; lastSent suppresses the duplicates this overlap can produce.
	sub := s.hub.Subscribe(s.userID)
	defer s.hub.Unsubscribe(sub)

	// Snapshot first on the wire: the client always has a consistent
	// baseline before any replayed or live event arrives.
	snapshot, err := s.store.SnapshotFor(ctx, s.userID)
	if err != nil {
		return err
	}
	if err := w.WriteFrame(Frame{Type: FrameSnapshot, Seq: snapshot.Seq, Snapshot: &snapshot}); err != nil {
		return err
	}
	s.state = stateSnapshotSent

	replayFrom, hasReplay, err := s.resolveCursor(ctx, w, snapshot.Seq)
	if err != nil {
		return err
	}
	s.lastSent = replayFrom

	if hasReplay {
		s.state = stateReplaying
		if err := s.replay(ctx, w, replayFrom); err != nil {
			return err
		}
	}

	s.state = stateLive
	return s.live(ctx, w, sub)
}

// resolveCursor decides where delivery resumes. Without a client cursor the
// session starts live at the snapshot watermark. A cursor below the
// retained log floor degrades to snapshot-only (resume at the snapshot
// watermark) after telling the client continuity was lost.
func (s *StreamSession) resolveCursor(ctx context.Context, w FrameWriter, snapshotSeq uint64) (uint64, bool, error) {
	if s.cursor == nil {
		return snapshotSeq, false, nil
	}

	err := s.eventLog.ValidateCursor(ctx, *s.cursor)
	switch {
	case errors.Is(err, core.ErrCursorTrimmed):
		logger.Warnf("user %s requested trimmed cursor %d, degrading to snapshot-only", s.userID, *s.cursor)
		if werr := w.WriteFrame(Frame{Type: FrameNotice, Message: NoticeReplayUnavailable}); werr != nil {
			return 0, false, werr
		}
		return snapshotSeq, false, nil
	case err != nil:
		return 0, false, err
	}

	// A cursor past the tail claims events that do not exist yet; clamp it
	// so live delivery is not suppressed.
	tail, err := s.eventLog.Tail(ctx)
	if err != nil {
		return 0, false, err
	}
	cursor := *s.cursor
	if cursor > tail {
		cursor = tail
	}
	return cursor, true, nil
}

// replay pages stored events strictly after the cursor up to the current
// tail, forwarding those visible to the user.
func (s *StreamSession) replay(ctx context.Context, w FrameWriter, cursor uint64) error {
	for {
		page, err := s.eventLog.ReadAfter(ctx, cursor, replayPageSize)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}
		for i := range page {
			evt := page[i]
			cursor = evt.Seq
			if !evt.VisibleTo(s.userID) {
				continue
			}
			if err := s.sendEvent(w, evt); err != nil {
				return err
			}
		}
	}
}

// live forwards hub deltas and heartbeats until disconnect. The heartbeat
// timer shares the select with event delivery, so it fires between sends
// even under event bursts.
func (s *StreamSession) live(ctx context.Context, w FrameWriter, sub *realtime.Subscriber) error {
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case evt, ok := <-sub.Events():
			if !ok {
				if sub.Dropped() {
					return core.ErrSubscriberDropped
				}
				return nil
			}
			// Events already delivered during replay overlap are skipped.
			if evt.Seq <= s.lastSent {
				continue
			}
			if err := s.sendEvent(w, evt); err != nil {
				return err
			}

		case <-ticker.C:
			if err := w.WriteFrame(Frame{Type: FrameHeartbeat}); err != nil {
				return err
			}
		}
	}
}

func (s *StreamSession) sendEvent(w FrameWriter, evt core.Event) error {
	if err := w.WriteFrame(Frame{Type: FrameEvent, Seq: evt.Seq, Event: &evt}); err != nil {
		return err
	}
	s.lastSent = evt.Seq
	return nil
}

package core

import (
	"encoding/json"
	"time"
)

// EventKind identifies one of the closed set of normalized event variants
// produced by the ingest pipeline. Unknown upstream payloads are either
// rejected at normalization time or, when raw retention is enabled, stored
// as KindPassthrough.
type EventKind string

const (
	KindClientConnected    EventKind = "client_connected"
	KindClientDisconnected EventKind = "client_disconnected"
	KindPairingRequested   EventKind = "pairing_requested"
	KindPairingCompleted   EventKind = "pairing_completed"
	KindSessionStarted     EventKind = "session_started"
	KindSessionEnded       EventKind = "session_ended"
	KindPassthrough        EventKind = "passthrough"
)

// Kinds lists every valid event kind, in a stable order.
func Kinds() []EventKind {
	return []EventKind{
		KindClientConnected,
		KindClientDisconnected,
		KindPairingRequested,
		KindPairingCompleted,
		KindSessionStarted,
		KindSessionEnded,
		KindPassthrough,
	}
}

// Valid reports whether k is a member of the closed kind set.
func (k EventKind) Valid() bool {
	switch k {
	case KindClientConnected, KindClientDisconnected,
		KindPairingRequested, KindPairingCompleted,
		KindSessionStarted, KindSessionEnded,
		KindPassthrough:
		return true
	}
	return false
}

// ScopeAll marks an event as visible to every subscriber regardless of user.
const ScopeAll = "*"

// Event is one immutable entry of the append-only log. Seq is assigned by
// the log at append time and is gap-free and strictly increasing; everything
// else is fixed at normalization time.
type Event struct {
	Seq        uint64          `json:"seq"`
	ID         string          `json:"id"`
	Kind       EventKind       `json:"kind"`
	UserScope  string          `json:"user_scope"`
	Payload    map[string]any  `json:"payload,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
	Raw        json.RawMessage `json:"raw,omitempty"`
}

// VisibleTo reports whether the event should be delivered to the given user.
func (e Event) VisibleTo(userID string) bool {
	return e.UserScope == ScopeAll || e.UserScope == userID
}

// PayloadString returns the named payload field as a string, or "" when the
// field is absent or not a string.
func (e Event) PayloadString(key string) string {
	if e.Payload == nil {
		return ""
	}
	s, _ := e.Payload[key].(string)
	return s
}

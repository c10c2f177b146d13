package core

import "time"

// Client is the materialized view of a Moonlight client known to the host.
// Derived purely from the ordered event log; never written directly.
type Client struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	ConnectedAt    time.Time  `json:"connected_at"`
	DisconnectedAt *time.Time `json:"disconnected_at,omitempty"`
}

// Connected reports whether the client is currently attached to the host.
func (c Client) Connected() bool { return c.DisconnectedAt == nil }

// Pairing tracks a client pairing exchange from request to completion.
type Pairing struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	ClientID    string     `json:"client_id,omitempty"`
	PIN         string     `json:"pin,omitempty"`
	RequestedAt time.Time  `json:"requested_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Pending reports whether the pairing still awaits completion.
func (p Pairing) Pending() bool { return p.CompletedAt == nil }

// Session is the materialized view of a streaming session on the host.
type Session struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	ClientID  string     `json:"client_id,omitempty"`
	AppID     string     `json:"app_id,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Active reports whether the session is still running.
func (s Session) Active() bool { return s.EndedAt == nil }

// Snapshot is the point-in-time state served to a stream client before any
// replay or live delivery. Seq is the log tail at capture time; replay after
// the snapshot starts strictly above it.
type Snapshot struct {
	Seq      uint64    `json:"seq"`
	Clients  []Client  `json:"clients"`
	Pairings []Pairing `json:"pairings"`
	Sessions []Session `json:"sessions"`
}

package api

import "github.com/wolfwarden/wolfwarden/pkg/eventlog"

// ErrorResponse is the JSON body of every non-2xx API response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// HealthResponse reports service liveness and, when the reverse proxy is
// mounted, upstream reachability.
type HealthResponse struct {
	Status   string `json:"status"`
	Tail     uint64 `json:"tail"`
	Upstream string `json:"upstream,omitempty"`
}

// StatsResponse aggregates log, projection, and fan-out counters.
type StatsResponse struct {
	Log         eventlog.Stats   `json:"log"`
	State       map[string]int64 `json:"state"`
	Subscribers int              `json:"subscribers"`
}

// Package ingest converts raw upstream payloads into normalized events and
// drives them through the ordered append/project/publish pipeline.
package ingest

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wolfwarden/wolfwarden/pkg/core"
)

// kindByUpstreamType is the closed mapping of host event-stream types to
// normalized kinds. Anything absent here is an unknown shape.
var kindByUpstreamType = map[string]core.EventKind{
	"client_connected":    core.KindClientConnected,
	"client_disconnected": core.KindClientDisconnected,
	"pair_requested":      core.KindPairingRequested,
	"pair_completed":      core.KindPairingCompleted,
	"session_started":     core.KindSessionStarted,
	"session_stopped":     core.KindSessionEnded,
	"session_ended":       core.KindSessionEnded,
}

// Normalizer maps raw upstream payloads to events. It is stateless and pure:
// the same payload always yields the same kind, scope, and payload fields
// (ids and timestamps are stamped at append time when absent).
type Normalizer struct {
	// RetainRaw controls whether the original payload bytes are kept on
	// the normalized event for storage.
	RetainRaw bool
}

// Normalize converts one raw payload. Unknown or malformed payloads return
// a *core.NormalizationError carrying the original bytes; the caller decides
// whether to drop, log, or persist them as passthrough events.
func (n *Normalizer) Normalize(raw []byte) (core.Event, error) {
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return core.Event{}, &core.NormalizationError{
			Raw:    raw,
			Reason: fmt.Sprintf("payload is not a JSON object: %v", err),
		}
	}

	upstreamType, _ := payload["type"].(string)
	if upstreamType == "" {
		return core.Event{}, &core.NormalizationError{
			Raw:    raw,
			Reason: "payload has no type field",
		}
	}

	kind, ok := kindByUpstreamType[upstreamType]
	if !ok {
		return core.Event{}, &core.NormalizationError{
			Raw:    raw,
			Reason: fmt.Sprintf("unknown upstream event type %q", upstreamType),
		}
	}

	delete(payload, "type")

	evt := core.Event{
		ID:         uuid.New().String(),
		Kind:       kind,
		UserScope:  scopeFromPayload(payload),
		Payload:    payload,
		OccurredAt: occurredAt(payload),
	}
	if n.RetainRaw {
		evt.Raw = raw
	}
	return evt, nil
}

// Passthrough wraps an unmapped payload as an opaque scope-all event, used
// when raw retention is enabled. The original bytes are always kept.
func (n *Normalizer) Passthrough(raw []byte) core.Event {
	return core.Event{
		ID:         uuid.New().String(),
		Kind:       core.KindPassthrough,
		UserScope:  core.ScopeAll,
		OccurredAt: time.Now().UTC(),
		Raw:        raw,
	}
}

// scopeFromPayload derives the visibility scope from the payload's user
// attribution. Host-level events that name no user are host-wide and get
// the scope-all fallback; that is the only case where "all" is assigned.
func scopeFromPayload(payload map[string]any) string {
	for _, key := range []string{"user_id", "profile_id"} {
		if v, ok := payload[key].(string); ok && v != "" {
			return v
		}
	}
	if client, ok := payload["client"].(map[string]any); ok {
		for _, key := range []string{"user_id", "profile_id"} {
			if v, ok := client[key].(string); ok && v != "" {
				return v
			}
		}
	}
	return core.ScopeAll
}

// occurredAt uses the upstream timestamp when parseable, else now. The
// normalization timestamp is informational; ordering comes from the log.
func occurredAt(payload map[string]any) time.Time {
	if v, ok := payload["timestamp"].(string); ok {
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return ts.UTC()
		}
	}
	return time.Now().UTC()
}

package core

import (
	"errors"
	"fmt"
)

// NormalizationError is returned when an upstream payload does not match any
// known event shape. The raw payload is retained so the caller can log it or
// persist it as a passthrough event.
type NormalizationError struct {
	Raw    []byte
	Reason string
}

func (e *NormalizationError) Error() string {
	return fmt.Sprintf("normalizing upstream payload: %s", e.Reason)
}

// ErrCursorTrimmed indicates a client supplied a replay cursor below the
// oldest retained log entry; continuity from that cursor cannot be guaranteed.
var ErrCursorTrimmed = errors.New("replay cursor precedes oldest retained event")

// ErrRetryExhausted indicates the retry budget for an upstream connection was
// spent without success. Wrapped errors carry the last attempt's failure.
var ErrRetryExhausted = errors.New("retry attempts exhausted")

// ErrStreamInterrupted indicates an established upstream stream broke
// mid-read (connection reset, truncated response). The stream should be
// reopened like a host restart; nothing about the pipeline itself failed.
var ErrStreamInterrupted = errors.New("upstream stream interrupted")

// ErrSubscriberDropped is observed by a subscriber whose outgoing queue
// overflowed and was force-unregistered from the hub.
var ErrSubscriberDropped = errors.New("subscriber dropped: outgoing queue full")

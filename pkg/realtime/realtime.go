// Package realtime provides the in-process publish/subscribe hub that fans
// out appended events to live stream sessions, keyed by user.
//
// Delivery is bounded per subscriber: each subscriber owns a buffered
// channel, and a subscriber whose buffer is full when an event arrives is
// dropped (its channel closed, its registration removed). A dropped client
// reconnects with its last cursor and catches up via replay, so ingestion
// throughput never depends on the slowest consumer.
package realtime

import (
	"sync"

	"github.com/wolfwarden/wolfwarden/pkg/core"
	"github.com/wolfwarden/wolfwarden/pkg/log"
)

var logger = log.ForService("hub")

// defaultBufferSize is used when the hub is constructed with a non-positive
// buffer size.
const defaultBufferSize = 64

// Subscriber is one live registration. Events() yields deltas until the
// channel is closed, either by Unsubscribe or by the hub dropping a
// saturated subscriber. Dropped() distinguishes the two after close.
type Subscriber struct {
	id     uint64
	userID string
	ch     chan core.Event

	mu      sync.Mutex
	closed  bool
	dropped bool
}

// Events returns the subscriber's delta channel.
func (s *Subscriber) Events() <-chan core.Event {
	return s.ch
}

// UserID returns the user this subscriber is registered under.
func (s *Subscriber) UserID() string {
	return s.userID
}

// Dropped reports whether the hub force-removed this subscriber because its
// queue overflowed. Only meaningful once Events() is closed.
func (s *Subscriber) Dropped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// close is idempotent; the first caller wins.
func (s *Subscriber) close(dropped bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.dropped = dropped
	close(s.ch)
}

// trySend enqueues without blocking. Returns false when the buffer is full
// or the subscriber is already closed.
func (s *Subscriber) trySend(evt core.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		// Racing an unsubscribe is a no-op, never an error.
		return true
	}
	select {
	case s.ch <- evt:
		return true
	default:
		return false
	}
}

// Hub is the concurrency-safe user-to-subscribers registry.
type Hub struct {
	mu      sync.RWMutex
	byUser  map[string]map[uint64]*Subscriber
	nextID  uint64
	bufSize int
}

// NewHub constructs a hub with the given per-subscriber buffer size.
func NewHub(bufSize int) *Hub {
	if bufSize <= 0 {
		bufSize = defaultBufferSize
	}
	return &Hub{
		byUser:  make(map[string]map[uint64]*Subscriber),
		bufSize: bufSize,
	}
}

// Subscribe registers a new subscriber for userID. Callers must eventually
// Unsubscribe it (or the hub will do so on overflow).
func (h *Hub) Subscribe(userID string) *Subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub := &Subscriber{
		id:     h.nextID,
		userID: userID,
		ch:     make(chan core.Event, h.bufSize),
	}
	h.nextID++

	set, ok := h.byUser[userID]
	if !ok {
		set = make(map[uint64]*Subscriber)
		h.byUser[userID] = set
	}
	set[sub.id] = sub
	return sub
}

// Unsubscribe removes the subscriber and closes its channel. Safe to call
// multiple times and safe to race an in-flight Publish.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}
	h.removeLocked(sub, false)
}

// Publish fans evt out to every subscriber of its scoped user, or to every
// subscriber when the event is scope-all. Never blocks: subscribers whose
// queue is full are dropped.
func (h *Hub) Publish(evt core.Event) {
	var overflowed []*Subscriber

	h.mu.RLock()
	if evt.UserScope == core.ScopeAll {
		for _, set := range h.byUser {
			for _, sub := range set {
				if !sub.trySend(evt) {
					overflowed = append(overflowed, sub)
				}
			}
		}
	} else {
		for _, sub := range h.byUser[evt.UserScope] {
			if !sub.trySend(evt) {
				overflowed = append(overflowed, sub)
			}
		}
	}
	h.mu.RUnlock()

	for _, sub := range overflowed {
		logger.Warnf("dropping subscriber for user %s: outgoing queue full", sub.userID)
		h.removeLocked(sub, true)
	}
}

// Size returns the number of active subscribers across all users.
func (h *Hub) Size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.byUser {
		n += len(set)
	}
	return n
}

// CloseAll closes every subscriber, e.g. on server shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	subs := make([]*Subscriber, 0)
	for _, set := range h.byUser {
		for _, sub := range set {
			subs = append(subs, sub)
		}
	}
	h.byUser = make(map[string]map[uint64]*Subscriber)
	h.mu.Unlock()

	for _, sub := range subs {
		sub.close(false)
	}
}

func (h *Hub) removeLocked(sub *Subscriber, dropped bool) {
	h.mu.Lock()
	if set, ok := h.byUser[sub.userID]; ok {
		delete(set, sub.id)
		if len(set) == 0 {
			delete(h.byUser, sub.userID)
		}
	}
	h.mu.Unlock()

	sub.close(dropped)
}

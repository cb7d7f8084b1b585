// Package notify implements the in-process notification fan-out hub.
//
// The hub tracks live SSE subscriber connections per user and pushes
// lightweight pointer events ("a new notification exists, refetch") to every
// open connection of each recipient. It is purely a transport optimization:
// the durable source of truth for "what notifications exist for me" is the
// recipient listing in the repo layer, so a client that never connects still
// sees everything via polling.
//
// Concurrency model:
//   - The registry is a mutex-guarded map of user id → set of subscribers.
//     A user may hold many simultaneous connections (tabs, devices).
//   - Publish is fire-and-forget: events are delivered with a non-blocking
//     channel send, so one slow or dead connection never delays the emit
//     path or the other connections. Dropped events are acceptable — the
//     client reconciles via the listing endpoints.
//   - Unsubscribing the last connection of a user removes the user's map
//     entry entirely, so the registry never grows unbounded with empty sets.
//
// The hub is process-local state. Running multiple instances requires a
// shared broker instead; that is a documented scaling limitation, not a bug.
package notify

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// Event kinds pushed over the stream. The payload is intentionally small:
// clients are expected to refetch their listing rather than trust the push.
const (
	KindConnected       = "sse:connected"
	KindNotificationNew = "notification:new"
)

// Event is the JSON payload written to subscriber connections.
type Event struct {
	// Kind discriminates the event type (sse:connected, notification:new).
	Kind string `json:"kind"`
	// NotificationID points at the new notification; zero for connect events.
	NotificationID uint `json:"notification_id,omitempty"`
}

// subscriberBuffer is the per-connection event buffer. Small on purpose: a
// client that cannot drain a handful of pointer events is better served by a
// refetch after reconnect than by unbounded queueing.
const subscriberBuffer = 8

// sseConnections gauges the number of currently open subscriber connections.
var sseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "sse_active_connections",
	Help: "Current number of open notification stream connections.",
})

func init() {
	prometheus.MustRegister(sseConnections)
}

// Subscriber is one open streaming connection for one user. Events arrive on
// C; the owning handler drains it until the transport closes, then calls
// Hub.Unsubscribe exactly once.
type Subscriber struct {
	// UserID identifies the connection owner.
	UserID string
	// C delivers events for this connection. It is closed by Unsubscribe.
	C chan Event
}

// Hub maintains the subscriber registry and fans events out to it.
// The zero value is not usable; construct with NewHub.
//
// This type is safe for concurrent use.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[*Subscriber]struct{}
}

// NewHub returns an empty hub ready for use.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*Subscriber]struct{})}
}

// Subscribe registers a new connection for userID and immediately queues the
// connectivity-confirmation event on it.
func (h *Hub) Subscribe(userID string) *Subscriber {
	s := &Subscriber{
		UserID: userID,
		C:      make(chan Event, subscriberBuffer),
	}

	h.mu.Lock()
	set, ok := h.subs[userID]
	if !ok {
		set = make(map[*Subscriber]struct{})
		h.subs[userID] = set
	}
	set[s] = struct{}{}
	h.mu.Unlock()

	sseConnections.Inc()

	// Buffered channel is empty at this point; the send cannot block.
	s.C <- Event{Kind: KindConnected}
	return s
}

// Unsubscribe removes exactly this connection from the registry and closes
// its channel. When it was the user's last connection, the user's entry is
// removed as well. Calling Unsubscribe for an unknown subscriber is a no-op.
func (h *Hub) Unsubscribe(s *Subscriber) {
	h.mu.Lock()
	set, ok := h.subs[s.UserID]
	if ok {
		if _, present := set[s]; present {
			delete(set, s)
			if len(set) == 0 {
				delete(h.subs, s.UserID)
			}
			close(s.C)
			sseConnections.Dec()
		}
	}
	h.mu.Unlock()
}

// Publish delivers an event to every open connection of userID, best effort.
// Connections whose buffer is full are skipped silently — delivery failures
// to one subscriber must never affect the others or the caller.
//
// The non-blocking sends happen under the registry lock so a concurrent
// Unsubscribe cannot close a channel mid-send; each send is a buffered
// channel write and never waits on the consumer.
func (h *Hub) Publish(userID string, ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for s := range h.subs[userID] {
		select {
		case s.C <- ev:
		default:
			log.Debug().
				Str("user_id", userID).
				Str("kind", ev.Kind).
				Msg("notify: subscriber buffer full, event dropped")
		}
	}
}

// Connections returns the number of open connections for userID. Intended
// for tests and introspection.
func (h *Hub) Connections(userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[userID])
}

// Close unsubscribes every connection, typically during server shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	var all []*Subscriber
	for _, set := range h.subs {
		for s := range set {
			all = append(all, s)
		}
	}
	h.mu.Unlock()

	for _, s := range all {
		h.Unsubscribe(s)
	}
}

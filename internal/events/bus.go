// Package events carries operational events from tool sessions to
// whoever is watching: the MQTT publisher, the serve command's logs, and
// tests. A nil *Bus accepts every call and does nothing, so components
// publish without guard checks.
package events

import (
	"sync"
	"time"
)

// Sources identify the publishing component.
const (
	// SourceProcess identifies the subprocess launcher.
	SourceProcess = "process"
	// SourceSession identifies a transport session.
	SourceSession = "session"
	// SourceClient identifies a tool client.
	SourceClient = "client"
	// SourceSupervisor identifies the health supervisor.
	SourceSupervisor = "supervisor"
)

// Kinds describe what happened.
const (
	// KindStarted and KindExited track tool server subprocesses.
	// Data: server, pid, error (exited only).
	KindStarted = "started"
	KindExited  = "exited"
	// KindConnected signals a completed handshake.
	// Data: server, session_id, protocol_version, server_name.
	KindConnected = "connected"
	// KindClosed signals the end of a session.
	// Data: server, session_id, error.
	KindClosed = "closed"
	// KindNotification signals a server-initiated notification.
	// Data: server, method.
	KindNotification = "notification"
	// KindServerRequest signals a server-initiated request.
	// Data: server, method, answered.
	KindServerRequest = "server_request"
	// KindAnomaly signals a late response for an abandoned request.
	// Data: server, request_id.
	KindAnomaly = "anomaly"
	// KindProtocolViolation signals a malformed frame or a response
	// for an id that was never issued.
	// Data: server, request_id, reason.
	KindProtocolViolation = "protocol_violation"
	// KindInvocation signals a completed tool invocation.
	// Data: server, tool, request_id, outcome, duration_ms.
	KindInvocation = "invocation"
	// KindCatalog signals a refreshed tool catalog.
	// Data: server, tools.
	KindCatalog = "catalog"
	// KindReady and KindDown track supervised server health.
	// Data: server, error (down only).
	KindReady = "ready"
	KindDown  = "down"
)

// Event is a single published occurrence.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus fans events out to subscribers. Delivery is non-blocking: a
// subscriber whose buffer is full misses the event.
type Bus struct {
	mu   sync.RWMutex
	subs map[<-chan Event]chan Event
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[<-chan Event]chan Event)}
}

// Publish delivers e to every subscriber. A zero Timestamp is set to
// now.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Emit is shorthand for publishing an event stamped now.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}

// Subscribe registers a subscriber with the given buffer size. Call
// Unsubscribe when done.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = ch
	return ch
}

// Unsubscribe removes the subscription and closes its channel. Unknown
// channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	send, ok := b.subs[ch]
	if !ok {
		return
	}
	delete(b.subs, ch)
	close(send)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

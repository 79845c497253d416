package activity

import (
	"sync"

	"pkt.systems/tether/schema"
)

// EnvelopeKind identifies the replicated payload.
type EnvelopeKind string

const (
	// EnvelopeBusy carries the busy and owner maps as one pair. The pair
	// always travels together so subscribers never observe a torn update.
	EnvelopeBusy EnvelopeKind = "busy"
	// EnvelopeLastSeen carries the last-seen map.
	EnvelopeLastSeen EnvelopeKind = "last_seen"
)

// Envelope is the typed message replicated between client instances.
type Envelope struct {
	Kind   EnvelopeKind              `json:"kind"`
	Origin schema.TabID              `json:"origin"`
	Busy   schema.ThreadBusyMap      `json:"busy,omitempty"`
	Owners schema.ThreadBusyOwnerMap `json:"owners,omitempty"`
	Seen   schema.ThreadLastSeenMap  `json:"seen,omitempty"`
}

// Transport replicates envelopes to other client instances. The store only
// needs publish plus inbound delivery; swapping the wire (loopback,
// websocket, IPC) never touches store call sites.
type Transport interface {
	Publish(Envelope) error
	Subscribe(fn func(Envelope)) (cancel func())
	Close() error
}

// Loopback is an in-process Transport. Envelopes are delivered synchronously
// to every subscriber, including ones registered by the publishing store;
// stores filter on Origin the same way browser tabs ignore their own
// storage events.
type Loopback struct {
	mu   sync.Mutex
	subs map[int]func(Envelope)
	next int
}

// NewLoopback constructs an in-process transport.
func NewLoopback() *Loopback {
	return &Loopback{subs: make(map[int]func(Envelope))}
}

// Publish delivers the envelope to all current subscribers.
func (l *Loopback) Publish(envelope Envelope) error {
	l.mu.Lock()
	subs := make([]func(Envelope), 0, len(l.subs))
	for _, fn := range l.subs {
		subs = append(subs, fn)
	}
	l.mu.Unlock()
	for _, fn := range subs {
		fn(envelope)
	}
	return nil
}

// Subscribe registers a delivery callback and returns its cancel func.
func (l *Loopback) Subscribe(fn func(Envelope)) func() {
	l.mu.Lock()
	id := l.next
	l.next++
	l.subs[id] = fn
	l.mu.Unlock()
	return func() {
		l.mu.Lock()
		delete(l.subs, id)
		l.mu.Unlock()
	}
}

// Close drops all subscribers.
func (l *Loopback) Close() error {
	l.mu.Lock()
	l.subs = make(map[int]func(Envelope))
	l.mu.Unlock()
	return nil
}

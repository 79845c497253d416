package activity

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"pkt.systems/pslog"
)

const wsWriteTimeout = 10 * time.Second

// WSTransport replicates envelopes through a websocket relay. Every
// connected instance receives every published envelope; the relay itself is
// a dumb fanout. Suitable when instances do not share a filesystem.
type WSTransport struct {
	mu      sync.Mutex
	conn    *websocket.Conn
	subs    map[int]func(Envelope)
	next    int
	closed  bool
	log     pslog.Logger
	readErr error
}

// DialWS connects to the relay at url and starts the read loop.
func DialWS(url string, logger pslog.Logger) (*WSTransport, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial activity relay: %w", err)
	}
	t := &WSTransport{
		conn: conn,
		subs: make(map[int]func(Envelope)),
		log:  logger,
	}
	go t.readLoop()
	return t, nil
}

// Publish sends the envelope to the relay.
func (t *WSTransport) Publish(envelope Envelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("activity relay closed")
	}
	if err := t.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return t.conn.WriteJSON(envelope)
}

// Subscribe registers a delivery callback and returns its cancel func.
func (t *WSTransport) Subscribe(fn func(Envelope)) func() {
	t.mu.Lock()
	id := t.next
	t.next++
	t.subs[id] = fn
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.subs, id)
		t.mu.Unlock()
	}
}

// Close shuts the connection down. Safe to call more than once.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	t.mu.Unlock()
	return conn.Close()
}

func (t *WSTransport) readLoop() {
	for {
		var envelope Envelope
		if err := t.conn.ReadJSON(&envelope); err != nil {
			t.mu.Lock()
			closed := t.closed
			t.readErr = err
			t.mu.Unlock()
			if !closed && t.log != nil {
				t.log.Warn("activity relay read failed", "err", err)
			}
			return
		}
		t.mu.Lock()
		subs := make([]func(Envelope), 0, len(t.subs))
		for _, fn := range t.subs {
			subs = append(subs, fn)
		}
		t.mu.Unlock()
		for _, fn := range subs {
			fn(envelope)
		}
	}
}

package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"pkt.systems/pslog"

	"pkt.systems/tether/core"
	"pkt.systems/tether/reconnect"
	"pkt.systems/tether/schema"
	"pkt.systems/tether/stabletail"
)

// consoleSink renders session events on a terminal. Because the tail
// reconciler guarantees the last assistant message only grows, printing is
// a matter of emitting the suffix beyond what was already written.
type consoleSink struct {
	out io.Writer
	log pslog.Logger

	mu       sync.Mutex
	tailKey  string
	printed  int
	statuses chan string
}

func newConsoleSink(out io.Writer, log pslog.Logger) *consoleSink {
	return &consoleSink{
		out:      out,
		log:      log,
		statuses: make(chan string, 16),
	}
}

func (c *consoleSink) OnMessages(_ schema.ThreadID, messages []schema.Message) {
	var last *schema.Message
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].IsAssistant() {
			last = &messages[i]
			break
		}
	}
	if last == nil {
		return
	}
	text := stabletail.ComparableText(*last)
	key := last.ID

	c.mu.Lock()
	defer c.mu.Unlock()
	if key != c.tailKey {
		if c.printed > 0 {
			fmt.Fprintln(c.out)
		}
		c.tailKey = key
		c.printed = 0
	}
	if len(text) > c.printed {
		fmt.Fprint(c.out, text[c.printed:])
		c.printed = len(text)
	}
}

func (c *consoleSink) OnNotice(n core.Notice) {
	switch n.Level {
	case core.NoticeError:
		c.log.Error(n.Title, "thread", n.ThreadID, "detail", n.Message)
	default:
		c.log.Warn(n.Title, "thread", n.ThreadID, "detail", n.Message)
	}
}

func (c *consoleSink) OnReconnectState(state reconnect.State) {
	if state.StatusText != "" {
		c.log.Info(strings.TrimSuffix(state.StatusText, "..."),
			"phase", string(state.Phase), "attempt", state.AttemptCount)
	}
}

func (c *consoleSink) OnThreadStatus(threadID schema.ThreadID, status string) {
	c.log.Debug("thread status", "thread", threadID, "status", status)
	select {
	case c.statuses <- status:
	default:
	}
}

// awaitSettled blocks until the thread reports a non-busy status.
func (c *consoleSink) awaitSettled(done <-chan struct{}) string {
	for {
		select {
		case <-done:
			return ""
		case status := <-c.statuses:
			if !schema.IsActiveThreadStatus(status) {
				return status
			}
		}
	}
}

// flushLine terminates the tail line if anything was printed.
func (c *consoleSink) flushLine() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.printed > 0 {
		fmt.Fprintln(c.out)
		c.printed = 0
	}
}

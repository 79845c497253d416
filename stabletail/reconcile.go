// Package stabletail patches tail-message regressions during
// stream-to-history handoff. When a live-streamed run hands off to persisted
// history the backend can briefly serve a shorter, stale version of the tail
// assistant message; showing it would make already-rendered text flicker
// backward.
package stabletail

import (
	"encoding/json"
	"fmt"
	"strings"

	"pkt.systems/pslog"

	"pkt.systems/tether/schema"
)

type tailSnapshot struct {
	contextKey     string
	messageKey     string
	comparableText string
	message        schema.Message
}

// Reconciler tracks the longest-seen tail assistant message per
// (thread, branch) context. Not safe for concurrent use; callers serialize
// on their own render loop.
type Reconciler struct {
	snapshot *tailSnapshot
	log      pslog.Logger
}

// New constructs a Reconciler. The logger may be nil.
func New(logger pslog.Logger) *Reconciler {
	return &Reconciler{log: logger}
}

// Reconcile returns the message list to display. If the tail assistant
// message is a strict prefix-shorter regression of the last snapshot, the
// snapshotted (longer) message is substituted; any other change refreshes
// the snapshot and passes through unchanged.
func (r *Reconciler) Reconcile(messages []schema.Message, threadID schema.ThreadID, branch schema.BranchID) []schema.Message {
	contextKey := buildContextKey(threadID, branch)
	if r.snapshot != nil && r.snapshot.contextKey != contextKey {
		// New conversation context invalidates history.
		r.snapshot = nil
	}

	tailIndex := -1
	for idx := len(messages) - 1; idx >= 0; idx-- {
		if messages[idx].IsAssistant() {
			tailIndex = idx
			break
		}
	}
	if tailIndex < 0 {
		return messages
	}

	tail := messages[tailIndex]
	messageKey := buildMessageKey(tail, tailIndex)
	incomingText := ComparableText(tail)

	snapshot := r.snapshot
	if snapshot == nil || snapshot.contextKey != contextKey || snapshot.messageKey != messageKey {
		// First sighting of this tail message is always trusted.
		r.snapshot = &tailSnapshot{
			contextKey:     contextKey,
			messageKey:     messageKey,
			comparableText: incomingText,
			message:        tail.Clone(),
		}
		return messages
	}

	if isPrefixRegression(snapshot.comparableText, incomingText) {
		if r.log != nil {
			r.log.Debug("patched tail regression",
				"message", messageKey,
				"previous_len", len(snapshot.comparableText),
				"incoming_len", len(incomingText))
		}
		patched := make([]schema.Message, len(messages))
		copy(patched, messages)
		patched[tailIndex] = snapshot.message
		return patched
	}

	if incomingText != snapshot.comparableText {
		r.snapshot = &tailSnapshot{
			contextKey:     contextKey,
			messageKey:     messageKey,
			comparableText: incomingText,
			message:        tail.Clone(),
		}
	}
	return messages
}

// Reset drops the current snapshot.
func (r *Reconciler) Reset() {
	r.snapshot = nil
}

func buildContextKey(threadID schema.ThreadID, branch schema.BranchID) string {
	thread := string(threadID)
	if thread == "" {
		thread = "no-thread"
	}
	return thread + "::" + string(branch)
}

func buildMessageKey(message schema.Message, index int) string {
	if message.ID != "" {
		return message.ID
	}
	return fmt.Sprintf("index:%d", index)
}

// ComparableText canonicalizes an assistant message body for prefix
// comparison: text-like blocks joined by newlines, non-text blocks falling
// back to their structural serialization.
func ComparableText(message schema.Message) string {
	if !message.IsAssistant() {
		return ""
	}
	if message.Text != "" {
		return message.Text
	}
	if len(message.Content) == 0 {
		return ""
	}

	fragments := make([]string, 0, len(message.Content))
	for _, block := range message.Content {
		if block.IsTextLike() && block.Text != "" {
			fragments = append(fragments, block.Text)
			continue
		}
		if block.Text != "" {
			fragments = append(fragments, block.Text)
			continue
		}
		if serialized := serializeBlock(block); serialized != "" {
			fragments = append(fragments, serialized)
		}
	}
	return strings.Join(fragments, "\n")
}

func serializeBlock(block schema.ContentBlock) string {
	if len(block.Raw) > 0 {
		return string(block.Raw)
	}
	data, err := json.Marshal(block)
	if err != nil {
		return ""
	}
	return string(data)
}

func isPrefixRegression(previous, incoming string) bool {
	return len(incoming) < len(previous) && strings.HasPrefix(previous, incoming)
}

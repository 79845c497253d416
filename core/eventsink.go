package core

import (
	"pkt.systems/tether/reconnect"
	"pkt.systems/tether/schema"
)

// NoticeLevel grades a user-facing notice.
type NoticeLevel string

const (
	NoticeInfo  NoticeLevel = "info"
	NoticeWarn  NoticeLevel = "warn"
	NoticeError NoticeLevel = "error"
)

// Notice is a one-shot user-facing message (a toast, in UI terms).
type Notice struct {
	Level    NoticeLevel
	Title    string
	Message  string
	ThreadID schema.ThreadID
}

// EventSink receives message, notice, and reconnect-state events from a
// session. Callbacks run on session goroutines and must not block.
type EventSink interface {
	OnMessages(threadID schema.ThreadID, messages []schema.Message)
	OnNotice(notice Notice)
	OnReconnectState(state reconnect.State)
	OnThreadStatus(threadID schema.ThreadID, status string)
}

type nopSink struct{}

func (nopSink) OnMessages(schema.ThreadID, []schema.Message) {}
func (nopSink) OnNotice(Notice)                              {}
func (nopSink) OnReconnectState(reconnect.State)             {}
func (nopSink) OnThreadStatus(schema.ThreadID, string)       {}

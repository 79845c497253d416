package schema

import "time"

// ReconnectReason says why a reconnect intent was created.
type ReconnectReason string

const (
	// ReconnectRecoverableDisconnect follows a live stream drop.
	ReconnectRecoverableDisconnect ReconnectReason = "recoverable_disconnect"
	// ReconnectStartupResume picks up a run found busy at startup.
	ReconnectStartupResume ReconnectReason = "startup_resume"
)

// ReconnectIntentMaxAge bounds how long an intent may trigger a reconnect.
// A stale intent observed after navigation must never start a loop.
const ReconnectIntentMaxAge = 12 * time.Second

// ReconnectIntent is a short-lived request for one thread to resume its
// stream now. Consumed at most once by the reconnect engine.
type ReconnectIntent struct {
	ID         string
	ThreadID   ThreadID
	Reason     ReconnectReason
	CreatedAt  time.Time
	ShowStatus bool
}

// Fresh reports whether the intent is still within its freshness window.
func (i ReconnectIntent) Fresh(now time.Time) bool {
	if i.ID == "" || i.ThreadID == "" {
		return false
	}
	age := now.Sub(i.CreatedAt)
	return age >= 0 && age <= ReconnectIntentMaxAge
}

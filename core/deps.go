package core

import (
	"context"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/tether/activity"
	"pkt.systems/tether/reconnect"
	"pkt.systems/tether/runapi"
	"pkt.systems/tether/schema"
)

// Backend is the run API surface the session needs. *runapi.Client
// implements it; tests substitute fakes.
type Backend interface {
	GetThread(ctx context.Context, threadID schema.ThreadID) (schema.Thread, error)
	CreateThread(ctx context.Context, metadata map[string]any) (schema.Thread, error)
	CreateRun(ctx context.Context, threadID schema.ThreadID, req runapi.CreateRunRequest) (schema.Run, error)
	CancelRun(ctx context.Context, threadID schema.ThreadID, runID schema.RunID) error
	ListRuns(ctx context.Context, threadID schema.ThreadID, status string, limit int) ([]schema.Run, error)
	JoinStream(ctx context.Context, threadID schema.ThreadID, runID schema.RunID) (*runapi.EventStream, error)
}

// SessionConfig tunes one session.
type SessionConfig struct {
	// Branch scopes tail reconciliation; empty means the default branch.
	Branch schema.BranchID
	// HealthPollInterval is how often a silent loading stream is probed.
	// Zero selects the default of 30 seconds.
	HealthPollInterval time.Duration
}

const defaultHealthPollInterval = 30 * time.Second

// SessionDeps captures the session's dependencies. Backend and Activity are
// required; the rest default sensibly.
type SessionDeps struct {
	Backend  Backend
	Activity *activity.Store
	Sink     EventSink
	// Waiter overrides the reconnect engine's waits. Nil uses real timers.
	Waiter reconnect.Waiter
	// Now is the clock; nil means time.Now.
	Now    func() time.Time
	Logger pslog.Logger
}

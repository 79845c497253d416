package schema

import "time"

// ThreadID identifies a conversation thread on the backend.
type ThreadID string

// RunID identifies a single agent execution against a thread.
type RunID string

// TabID identifies a client instance sharing activity state.
type TabID string

// BranchID identifies a message branch within a thread.
type BranchID string

// Thread status values reported by the backend. The set is open; only
// "busy" carries meaning for the client (a run is executing).
const (
	ThreadStatusBusy        = "busy"
	ThreadStatusIdle        = "idle"
	ThreadStatusInterrupted = "interrupted"
	ThreadStatusError       = "error"
)

// Run status values the client selects on. Anything else is terminal.
const (
	RunStatusRunning = "running"
	RunStatusPending = "pending"
)

// Run is the client view of a backend run. The client never mints run
// identity; it only discovers and rejoins existing runs.
type Run struct {
	RunID     RunID     `json:"run_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FreshTime returns the greater of the run's created/updated timestamps.
func (r Run) FreshTime() time.Time {
	if r.UpdatedAt.After(r.CreatedAt) {
		return r.UpdatedAt
	}
	return r.CreatedAt
}

// FreshestRun returns the run with the greatest created/updated timestamp.
func FreshestRun(runs []Run) (Run, bool) {
	if len(runs) == 0 {
		return Run{}, false
	}
	best := runs[0]
	for _, run := range runs[1:] {
		if run.FreshTime().After(best.FreshTime()) {
			best = run
		}
	}
	return best, true
}

// Thread is the client view of a backend thread.
type Thread struct {
	ThreadID  ThreadID       `json:"thread_id"`
	Status    string         `json:"status"`
	UpdatedAt time.Time      `json:"updated_at"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// IsActiveThreadStatus reports whether the server status means a run is
// currently executing against the thread.
func IsActiveThreadStatus(status string) bool {
	return status == ThreadStatusBusy
}

// ThreadBusyMap records which threads some client instance believes have an
// active run.
type ThreadBusyMap map[ThreadID]bool

// ThreadBusyOwnerMap records the tab that claimed each busy thread. At most
// one owner per thread; ownership is cooperative, last write wins.
type ThreadBusyOwnerMap map[ThreadID]TabID

// ThreadLastSeenMap records the last-seen updated-at timestamp per thread in
// unix milliseconds. Values only ever increase.
type ThreadLastSeenMap map[ThreadID]int64

// Clone returns a copy of the map so callers can mutate freely.
func (m ThreadBusyMap) Clone() ThreadBusyMap {
	out := make(ThreadBusyMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Clone returns a copy of the map so callers can mutate freely.
func (m ThreadBusyOwnerMap) Clone() ThreadBusyOwnerMap {
	out := make(ThreadBusyOwnerMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Clone returns a copy of the map so callers can mutate freely.
func (m ThreadLastSeenMap) Clone() ThreadLastSeenMap {
	out := make(ThreadLastSeenMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Package reconnect rejoins a dropped run stream. The engine watches one
// thread's busy/ownership/loading signals, resolves the active run, attaches
// to its stream, and retries failures with a two-regime backoff until the
// thread stops being eligible. At most one loop runs per engine; starting a
// new loop aborts the previous one, and every wait is cancellable at the
// next suspension point.
package reconnect

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/tether/schema"
)

// finalReconcileMaxAttempts bounds the post-loop reconciliation pass.
const finalReconcileMaxAttempts = 3

// Phase is the engine's current position in the reconnect loop.
type Phase string

const (
	PhaseIdle          Phase = "idle"
	PhaseResolvingRun  Phase = "resolving_run"
	PhaseJoiningStream Phase = "joining_stream"
	PhaseRetryWait     Phase = "retry_wait"
	PhasePassiveWait   Phase = "passive_wait"
)

// State is the engine's externally observable state. A fresh value is built
// per loop invocation and reset when the loop exits.
type State struct {
	Reconnecting bool
	Phase        Phase
	AttemptCount int
	StatusText   string
	ActiveRunID  schema.RunID
	Reason       schema.ReconnectReason
	ShowStatus   bool
}

// Snapshot carries the signals the engine gates on. The orchestration layer
// pushes a fresh snapshot whenever any of them change.
type Snapshot struct {
	ThreadID      schema.ThreadID
	ThreadStatus  string
	StreamLoading bool
	BusyElsewhere bool
	OwnedByTab    bool
}

// RunLister lists runs for a thread. Implemented by the backend client.
type RunLister interface {
	ListRuns(ctx context.Context, threadID schema.ThreadID, status string, limit int) ([]schema.Run, error)
}

// Joiner attaches to a run's live stream and consumes it. A nil return
// means the stream completed cleanly; errors are classified by the engine.
type Joiner interface {
	JoinStream(ctx context.Context, threadID schema.ThreadID, runID schema.RunID) error
}

// HintSource returns a previously stored run id for a thread, the fast path
// that skips a network round trip when this client started the run itself.
type HintSource interface {
	RunHint(threadID schema.ThreadID) (schema.RunID, bool)
}

// Deps wires the engine.
type Deps struct {
	Runs   RunLister
	Joiner Joiner
	Hints  HintSource
	Waiter Waiter
	// Now is the clock; nil means time.Now. Injected for tests.
	Now func() time.Time
	// OnState observes every state change. May be nil.
	OnState func(State)
	Log     pslog.Logger
}

// Engine is the auto-reconnect state machine for one chat view.
type Engine struct {
	mu      sync.Mutex
	runs    RunLister
	joiner  Joiner
	hints   HintSource
	waiter  Waiter
	now     func() time.Time
	onState func(State)
	log     pslog.Logger

	snap    Snapshot
	pending *schema.ReconnectIntent
	state   State
	cancel  context.CancelFunc
	loopGen int
}

// NewEngine constructs an engine.
func NewEngine(deps Deps) (*Engine, error) {
	if deps.Runs == nil {
		return nil, errors.New("run lister is required")
	}
	if deps.Joiner == nil {
		return nil, errors.New("stream joiner is required")
	}
	if deps.Waiter == nil {
		deps.Waiter = NewWakeWaiter()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Engine{
		runs:    deps.Runs,
		joiner:  deps.Joiner,
		hints:   deps.Hints,
		waiter:  deps.Waiter,
		now:     deps.Now,
		onState: deps.OnState,
		log:     deps.Log,
		state:   State{Phase: PhaseIdle},
	}, nil
}

// State returns the current reconnect state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Propose offers a reconnect intent. The intent is consumed by the next
// eligible loop start; a stale intent is discarded unread.
func (e *Engine) Propose(intent schema.ReconnectIntent) {
	e.mu.Lock()
	e.pending = &intent
	e.mu.Unlock()
	e.evaluate()
}

// Update pushes fresh signals. A thread switch or the thread turning busy in
// another unowned tab aborts any running loop outright. The thread merely
// leaving busy does not: the loop is woken so it can observe lost
// eligibility and fall through to the final reconciliation pass, which is
// how a run that finished while this client was disconnected gets replayed.
func (e *Engine) Update(snap Snapshot) {
	e.mu.Lock()
	previous := e.snap
	e.snap = snap
	running := e.cancel != nil
	threadChanged := previous.ThreadID != snap.ThreadID
	lostToOtherTab := snap.BusyElsewhere && !snap.OwnedByTab
	leftBusy := !schema.IsActiveThreadStatus(snap.ThreadStatus)
	clearVisible := snap.StreamLoading && e.state.Reconnecting
	e.mu.Unlock()

	if threadChanged || snap.ThreadID == "" || (running && lostToOtherTab) {
		e.Stop()
		if threadChanged && snap.ThreadID != "" {
			e.evaluate()
		}
		return
	}
	if running && (leftBusy || snap.StreamLoading) {
		if clearVisible {
			// The live stream took over; drop the banner right away, the
			// loop settles on its own.
			e.mu.Lock()
			e.state.Reconnecting = false
			e.state.Phase = PhaseIdle
			e.state.StatusText = ""
			state := e.state
			cb := e.onState
			e.mu.Unlock()
			if cb != nil {
				cb(state)
			}
		}
		if w, ok := e.waiter.(interface{ Wake() }); ok {
			w.Wake()
		}
		return
	}
	e.evaluate()
}

// Stop aborts any active loop and resets state to idle.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.loopGen++
	e.state = State{Phase: PhaseIdle}
	state := e.state
	cb := e.onState
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if cb != nil {
		cb(state)
	}
}

func eligible(snap Snapshot) bool {
	return snap.ThreadID != "" &&
		schema.IsActiveThreadStatus(snap.ThreadStatus) &&
		!snap.StreamLoading &&
		(!snap.BusyElsewhere || snap.OwnedByTab)
}

// finalEligible is the relaxed gate for the post-loop reconciliation pass:
// the thread may have left busy (the run finished while disconnected) but
// the view must be unchanged, quiet, and not owned elsewhere.
func finalEligible(snap Snapshot, threadID schema.ThreadID) bool {
	return snap.ThreadID == threadID &&
		!snap.StreamLoading &&
		(!snap.BusyElsewhere || snap.OwnedByTab)
}

func (e *Engine) evaluate() {
	e.mu.Lock()
	snap := e.snap
	if !eligible(snap) || e.cancel != nil || e.state.Reconnecting {
		e.mu.Unlock()
		return
	}
	intent := e.pending
	if intent == nil || intent.ThreadID != snap.ThreadID || !intent.Fresh(e.now()) {
		// Stale intents are discarded so they can never trigger later.
		if intent != nil && !intent.Fresh(e.now()) {
			e.pending = nil
		}
		e.mu.Unlock()
		return
	}
	e.pending = nil
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.loopGen++
	gen := e.loopGen
	consumed := *intent
	e.mu.Unlock()

	if e.log != nil {
		e.log.Debug("reconnect loop starting",
			"thread", snap.ThreadID, "reason", consumed.Reason, "intent", consumed.ID)
	}
	go e.runLoop(ctx, gen, snap.ThreadID, consumed)
}

func (e *Engine) runLoop(ctx context.Context, gen int, threadID schema.ThreadID, intent schema.ReconnectIntent) {
	startAt := e.now()
	attempt := 0
	joined := false

	for ctx.Err() == nil {
		e.mu.Lock()
		snap := e.snap
		e.mu.Unlock()
		if !eligible(snap) || snap.ThreadID != threadID {
			break
		}

		attempt++
		e.setLoopState(gen, State{
			Reconnecting: true,
			Phase:        PhaseResolvingRun,
			AttemptCount: attempt,
			StatusText:   statusText(intent, fmt.Sprintf("Reconnecting stream (attempt %d)...", attempt)),
			Reason:       intent.Reason,
			ShowStatus:   intent.ShowStatus,
		})

		runID, encountered := e.resolveRunID(ctx, threadID, false)
		if ctx.Err() != nil {
			e.exitLoop(gen)
			return
		}

		if runID != "" {
			e.setLoopState(gen, State{
				Reconnecting: true,
				Phase:        PhaseJoiningStream,
				AttemptCount: attempt,
				StatusText:   statusText(intent, fmt.Sprintf("Reconnecting stream (attempt %d)...", attempt)),
				ActiveRunID:  runID,
				Reason:       intent.Reason,
				ShowStatus:   intent.ShowStatus,
			})
			joinErr := e.joiner.JoinStream(ctx, threadID, runID)
			if ctx.Err() != nil {
				e.exitLoop(gen)
				return
			}
			if joinErr == nil {
				joined = true
				e.finishJoined(gen, runID, attempt)
				return
			}
			if errors.Is(joinErr, context.Canceled) {
				e.exitLoop(gen)
				return
			}
			encountered = joinErr
		}

		if encountered != nil {
			if schema.ClassifyError(encountered, false) == schema.FailureExpectedInterrupt {
				// The run paused or ended on purpose; a clean stop.
				e.exitLoop(gen)
				return
			}
			// Every other failure keeps retrying; the joiner has already
			// surfaced anything user-facing, and the loop ends when the
			// thread stops being eligible.
			if e.log != nil {
				e.log.Warn("rejoin attempt failed", "thread", threadID, "err", encountered)
			}
		}

		// "No run yet" retries exactly like a failure; giving up here would
		// strand a run the backend is still scheduling.
		elapsed := e.now().Sub(startAt)
		if elapsed < fastRetryWindow {
			delay := FastRetryDelay(attempt)
			seconds := int((delay + time.Second - 1) / time.Second)
			if seconds < 1 {
				seconds = 1
			}
			e.setLoopState(gen, State{
				Reconnecting: true,
				Phase:        PhaseRetryWait,
				AttemptCount: attempt,
				StatusText:   statusText(intent, fmt.Sprintf("Reconnecting in %ds...", seconds)),
				Reason:       intent.Reason,
				ShowStatus:   intent.ShowStatus,
			})
			if err := e.waiter.Wait(ctx, delay); err != nil {
				e.exitLoop(gen)
				return
			}
			continue
		}

		e.setLoopState(gen, State{
			Reconnecting: true,
			Phase:        PhasePassiveWait,
			AttemptCount: attempt,
			StatusText:   statusText(intent, "Waiting for connection to resume..."),
			Reason:       intent.Reason,
			ShowStatus:   intent.ShowStatus,
		})
		if err := e.waiter.WaitPassive(ctx); err != nil {
			e.exitLoop(gen)
			return
		}
	}

	if !joined && ctx.Err() == nil {
		e.finalReconcile(ctx, gen, threadID, intent, attempt)
		return
	}
	e.exitLoop(gen)
}

// finalReconcile makes a bounded last pass after the main loop gave up,
// adopting a run of any status that finished recently enough to replay.
func (e *Engine) finalReconcile(ctx context.Context, gen int, threadID schema.ThreadID, intent schema.ReconnectIntent, attempt int) {
	for i := 1; i <= finalReconcileMaxAttempts && ctx.Err() == nil; i++ {
		e.mu.Lock()
		snap := e.snap
		e.mu.Unlock()
		if !finalEligible(snap, threadID) {
			break
		}

		attempt++
		e.setLoopState(gen, State{
			Reconnecting: true,
			Phase:        PhaseResolvingRun,
			AttemptCount: attempt,
			StatusText:   statusText(intent, "Syncing final response..."),
			Reason:       intent.Reason,
			ShowStatus:   intent.ShowStatus,
		})

		runID, err := e.resolveRunID(ctx, threadID, true)
		if ctx.Err() != nil {
			break
		}
		if err != nil {
			if schema.ClassifyError(err, false) != schema.FailureRecoverableDisconnect {
				break
			}
		} else if runID == "" {
			// Nothing recent enough to replay.
			break
		} else {
			e.setLoopState(gen, State{
				Reconnecting: true,
				Phase:        PhaseJoiningStream,
				AttemptCount: attempt,
				StatusText:   statusText(intent, "Syncing final response..."),
				ActiveRunID:  runID,
				Reason:       intent.Reason,
				ShowStatus:   intent.ShowStatus,
			})
			joinErr := e.joiner.JoinStream(ctx, threadID, runID)
			if ctx.Err() != nil {
				break
			}
			if joinErr == nil {
				e.finishJoined(gen, runID, attempt)
				return
			}
			if errors.Is(joinErr, context.Canceled) {
				break
			}
			switch schema.ClassifyError(joinErr, false) {
			case schema.FailureExpectedInterrupt:
				e.exitLoop(gen)
				return
			case schema.FailureRecoverableDisconnect:
				// retry below
			default:
				e.exitLoop(gen)
				return
			}
		}

		if i < finalReconcileMaxAttempts {
			if err := e.waiter.Wait(ctx, FastRetryDelay(i)); err != nil {
				break
			}
		}
	}
	e.exitLoop(gen)
}

// finishJoined records a successful rejoin: the loop ends, the run id and
// attempt count stay visible for diagnostics.
func (e *Engine) finishJoined(gen int, runID schema.RunID, attempt int) {
	e.mu.Lock()
	if e.loopGen != gen {
		e.mu.Unlock()
		return
	}
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	e.state = State{
		Phase:        PhaseIdle,
		AttemptCount: attempt,
		ActiveRunID:  runID,
	}
	state := e.state
	cb := e.onState
	log := e.log
	e.mu.Unlock()
	if log != nil {
		log.Debug("reconnect joined", "run", runID, "attempts", attempt)
	}
	if cb != nil {
		cb(state)
	}
}

// exitLoop resets state when this loop still owns the engine. A stop must
// never leave ghost reconnecting state behind.
func (e *Engine) exitLoop(gen int) {
	e.mu.Lock()
	if e.loopGen != gen {
		e.mu.Unlock()
		return
	}
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	e.state = State{Phase: PhaseIdle}
	state := e.state
	cb := e.onState
	e.mu.Unlock()
	if cb != nil {
		cb(state)
	}
}

func (e *Engine) setLoopState(gen int, state State) {
	e.mu.Lock()
	if e.loopGen != gen {
		e.mu.Unlock()
		return
	}
	e.state = state
	cb := e.onState
	e.mu.Unlock()
	if cb != nil {
		cb(state)
	}
}

func statusText(intent schema.ReconnectIntent, text string) string {
	if !intent.ShowStatus {
		return ""
	}
	return text
}

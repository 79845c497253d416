// Package core orchestrates one chat view: it guards run submission against
// concurrent activity, claims and releases cross-tab run ownership, keeps
// the rendered message list stable through stream rejoins, and drives the
// auto-reconnect engine from live thread signals.
package core

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"pkt.systems/pslog"

	"pkt.systems/tether/activity"
	"pkt.systems/tether/internal/logx"
	"pkt.systems/tether/reconnect"
	"pkt.systems/tether/runapi"
	"pkt.systems/tether/schema"
	"pkt.systems/tether/stabletail"
)

// Session is the orchestration layer for a single chat view.
type Session struct {
	cfg      SessionConfig
	backend  Backend
	activity *activityFacade
	tail     *stabletail.Reconciler
	engine   *reconnect.Engine
	sink     EventSink
	log      pslog.Logger
	now      func() time.Time

	mu            sync.Mutex
	threadID      schema.ThreadID
	threadStatus  string
	messages      []schema.Message
	streamLoading bool
	activeRun     schema.RunID
	streamCancel  context.CancelFunc
	streamGen     int
	lastEventAt   time.Time
	notified      map[string]struct{}
	unsubBusy     func()
	healthCancel  context.CancelFunc
	closed        bool
}

// NewSession constructs a session. The health poller starts immediately and
// runs until Close.
func NewSession(cfg SessionConfig, deps SessionDeps) (*Session, error) {
	if deps.Backend == nil {
		return nil, fmt.Errorf("backend is required")
	}
	if deps.Activity == nil {
		return nil, fmt.Errorf("activity store is required")
	}
	if cfg.HealthPollInterval <= 0 {
		cfg.HealthPollInterval = defaultHealthPollInterval
	}
	sink := deps.Sink
	if sink == nil {
		sink = nopSink{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = logx.Ctx(context.Background())
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	s := &Session{
		cfg:      cfg,
		backend:  deps.Backend,
		activity: &activityFacade{store: deps.Activity},
		tail:     stabletail.New(logger),
		sink:     sink,
		log:      logger,
		now:      now,
		notified: make(map[string]struct{}),
	}

	engine, err := reconnect.NewEngine(reconnect.Deps{
		Runs:    deps.Backend,
		Joiner:  &engineJoiner{session: s},
		Hints:   deps.Activity,
		Waiter:  deps.Waiter,
		Now:     now,
		OnState: sink.OnReconnectState,
		Log:     logger,
	})
	if err != nil {
		return nil, err
	}
	s.engine = engine

	s.unsubBusy = deps.Activity.SubscribeBusy(func(activity.BusyState) {
		s.pushEngine()
	})
	deps.Activity.EnsureLastSeenBaseline()

	healthCtx, cancel := context.WithCancel(context.Background())
	s.healthCancel = cancel
	go s.healthLoop(healthCtx)

	return s, nil
}

// Close stops the session's background work. The activity store is shared
// and stays open.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cancelStream := s.streamCancel
	s.streamCancel = nil
	cancelHealth := s.healthCancel
	s.healthCancel = nil
	unsub := s.unsubBusy
	s.unsubBusy = nil
	s.mu.Unlock()

	if cancelStream != nil {
		cancelStream()
	}
	if cancelHealth != nil {
		cancelHealth()
	}
	if unsub != nil {
		unsub()
	}
	s.engine.Stop()
}

// ThreadID returns the thread this session is attached to.
func (s *Session) ThreadID() schema.ThreadID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.threadID
}

// Messages returns the current reconciled message list.
func (s *Session) Messages() []schema.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]schema.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// ReconnectState exposes the engine state for status surfaces.
func (s *Session) ReconnectState() reconnect.State {
	return s.engine.State()
}

// SwitchThread attaches the session to a thread. Any in-flight stream and
// reconnect loop for the previous thread stop. If the thread is found busy,
// a silent resume intent is proposed so a run started elsewhere (or before a
// reload) gets picked up without a banner.
func (s *Session) SwitchThread(ctx context.Context, threadID schema.ThreadID) error {
	if threadID == "" {
		return schema.ErrInvalidThread
	}
	log := logx.WithThreadTab(ctx, threadID, s.activity.store.TabID())

	s.stopStreamLocked()
	s.mu.Lock()
	s.threadID = threadID
	s.threadStatus = ""
	s.messages = nil
	s.lastEventAt = time.Time{}
	s.activeRun = ""
	s.mu.Unlock()
	s.tail.Reset()
	s.activity.store.MarkThreadSeen(threadID, s.nowMillis())
	s.pushEngine()

	thread, err := s.backend.GetThread(ctx, threadID)
	if err != nil {
		log.Warn("thread preflight failed", "err", err)
		return fmt.Errorf("switch thread: %w", err)
	}
	s.mu.Lock()
	s.threadStatus = thread.Status
	s.mu.Unlock()
	s.sink.OnThreadStatus(threadID, thread.Status)

	if label := schema.ThreadLabelFromMetadata(thread.Metadata); label != "" {
		log = log.With("label", label)
	}
	log.Debug("thread attached", "status", thread.Status)

	if schema.IsActiveThreadStatus(thread.Status) {
		s.proposeReconnect(threadID, schema.ReconnectStartupResume, false)
	}
	s.pushEngine()
	return nil
}

// NewThread creates a backend thread and attaches to it.
func (s *Session) NewThread(ctx context.Context, metadata map[string]any) (schema.ThreadID, error) {
	thread, err := s.backend.CreateThread(ctx, metadata)
	if err != nil {
		return "", fmt.Errorf("new thread: %w", err)
	}
	if err := s.SwitchThread(ctx, thread.ThreadID); err != nil {
		return thread.ThreadID, err
	}
	return thread.ThreadID, nil
}

// Submit sends a human message as a new run. Submission is refused while the
// thread already has an active run anywhere: locally, in another tab, or
// per a backend preflight.
func (s *Session) Submit(ctx context.Context, text string) (schema.RunID, error) {
	if strings.TrimSpace(text) == "" {
		return "", schema.ErrEmptyMessage
	}
	message := schema.Message{
		ID:   uuid.NewString(),
		Type: schema.MessageTypeHuman,
		Text: text,
	}
	return s.startRun(ctx, message)
}

// Regenerate re-submits the most recent human message.
func (s *Session) Regenerate(ctx context.Context) (schema.RunID, error) {
	s.mu.Lock()
	var last *schema.Message
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].Type == schema.MessageTypeHuman {
			m := s.messages[i].Clone()
			last = &m
			break
		}
	}
	s.mu.Unlock()
	if last == nil {
		return "", schema.ErrNoActiveRun
	}
	return s.startRun(ctx, *last)
}

func (s *Session) startRun(ctx context.Context, message schema.Message) (schema.RunID, error) {
	s.mu.Lock()
	threadID := s.threadID
	loading := s.streamLoading
	s.mu.Unlock()
	if threadID == "" {
		return "", schema.ErrInvalidThread
	}
	log := logx.WithThreadTab(ctx, threadID, s.activity.store.TabID())

	if loading {
		s.notice(Notice{Level: NoticeWarn, ThreadID: threadID,
			Title: "Run in progress", Message: "A response is still streaming for this thread."})
		return "", schema.ErrThreadBusy
	}
	if s.busyElsewhere(threadID) {
		s.notice(Notice{Level: NoticeWarn, ThreadID: threadID,
			Title: "Run in progress", Message: "This thread is already running in another tab."})
		return "", schema.ErrThreadBusy
	}

	// Local signals can lag; the backend has the last word.
	thread, err := s.backend.GetThread(ctx, threadID)
	if err != nil {
		log.Warn("submit preflight failed", "err", err)
		return "", fmt.Errorf("submit: %w", err)
	}
	if schema.IsActiveThreadStatus(thread.Status) {
		s.notice(Notice{Level: NoticeWarn, ThreadID: threadID,
			Title: "Run in progress", Message: "The backend reports an active run for this thread."})
		return "", schema.ErrThreadBusy
	}

	s.activity.claim(threadID)
	run, err := s.backend.CreateRun(ctx, threadID, runapi.CreateRunRequest{
		Messages: []schema.Message{message},
	})
	if err != nil {
		s.activity.release(threadID)
		if schema.ClassifyError(err, false) == schema.FailureConflict {
			s.notice(Notice{Level: NoticeWarn, ThreadID: threadID,
				Title: "Run in progress", Message: "A run is already in progress for this thread."})
			return "", fmt.Errorf("submit: %w", schema.ErrThreadBusy)
		}
		log.Warn("run create failed", "err", err)
		return "", fmt.Errorf("submit: %w", err)
	}

	s.activity.store.StoreRunHint(threadID, run.RunID)
	s.mu.Lock()
	s.threadStatus = schema.ThreadStatusBusy
	s.activeRun = run.RunID
	s.mu.Unlock()
	logx.WithRun(log, run.RunID).Info("run submitted")
	s.startStream(threadID, run.RunID)
	return run.RunID, nil
}

// Cancel aborts the active run: the local stream stops first so the UI
// settles immediately, then the backend cancel goes out best-effort, and
// finally the busy claim and run hint are dropped.
func (s *Session) Cancel(ctx context.Context) error {
	s.mu.Lock()
	threadID := s.threadID
	runID := s.activeRun
	s.mu.Unlock()
	if threadID == "" {
		return schema.ErrInvalidThread
	}
	if runID == "" {
		if hint, ok := s.activity.store.RunHint(threadID); ok {
			runID = hint
		}
	}

	s.stopStreamLocked()
	s.engine.Stop()

	if runID != "" {
		if err := s.backend.CancelRun(ctx, threadID, runID); err != nil {
			logx.WithThread(ctx, threadID).Warn("backend cancel failed", "run", runID, "err", err)
		}
	}
	s.activity.store.ClearRunHint(threadID)
	s.activity.release(threadID)

	s.mu.Lock()
	s.activeRun = ""
	s.threadStatus = schema.ThreadStatusIdle
	s.mu.Unlock()
	s.sink.OnThreadStatus(threadID, schema.ThreadStatusIdle)
	s.pushEngine()
	return nil
}

// busyElsewhere reports whether another tab holds the thread busy.
func (s *Session) busyElsewhere(threadID schema.ThreadID) bool {
	state := s.activity.store.BusyState()
	if !state.Busy[threadID] {
		return false
	}
	owner, ok := state.Owners[threadID]
	return !ok || owner != s.activity.store.TabID()
}

// pushEngine recomputes the reconnect snapshot from current signals.
func (s *Session) pushEngine() {
	s.mu.Lock()
	threadID := s.threadID
	status := s.threadStatus
	loading := s.streamLoading
	s.mu.Unlock()
	if threadID == "" {
		s.engine.Update(reconnect.Snapshot{})
		return
	}
	state := s.activity.store.BusyState()
	owner, hasOwner := state.Owners[threadID]
	s.engine.Update(reconnect.Snapshot{
		ThreadID:      threadID,
		ThreadStatus:  status,
		StreamLoading: loading,
		BusyElsewhere: state.Busy[threadID],
		OwnedByTab:    hasOwner && owner == s.activity.store.TabID(),
	})
}

func (s *Session) notice(n Notice) {
	s.sink.OnNotice(n)
}

// noticeFatalOnce emits a fatal-failure notice at most once per
// thread/name/message triple for the session's lifetime.
func (s *Session) noticeFatalOnce(threadID schema.ThreadID, failure schema.StreamFailure) {
	key := string(threadID) + "::" + failure.Key()
	s.mu.Lock()
	if _, seen := s.notified[key]; seen {
		s.mu.Unlock()
		return
	}
	s.notified[key] = struct{}{}
	s.mu.Unlock()
	message := failure.Message
	if message == "" {
		message = "The stream ended unexpectedly."
	}
	s.notice(Notice{Level: NoticeError, ThreadID: threadID, Title: "Stream failed", Message: message})
}

func (s *Session) nowMillis() int64 {
	return s.now().UnixMilli()
}

// activityFacade pairs the shared store with this session's claim/release
// convention so ownership always travels with the busy bit.
type activityFacade struct {
	store *activity.Store
}

func (f *activityFacade) claim(threadID schema.ThreadID) {
	f.store.MarkThreadBusy(threadID, true, f.store.TabID())
}

func (f *activityFacade) release(threadID schema.ThreadID) {
	f.store.MarkThreadBusy(threadID, false, "")
}

package core

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/tether/activity"
	"pkt.systems/tether/reconnect"
	"pkt.systems/tether/runapi"
	"pkt.systems/tether/schema"
)

type fakeBackend struct {
	mu          sync.Mutex
	getThread   func(threadID schema.ThreadID) (schema.Thread, error)
	createRun   func(threadID schema.ThreadID, req runapi.CreateRunRequest) (schema.Run, error)
	joinStream  func(call int, threadID schema.ThreadID, runID schema.RunID) (*runapi.EventStream, error)
	listRuns    func(status string) ([]schema.Run, error)
	createCalls int
	joinCalls   int
	cancelled   []schema.RunID
}

func (b *fakeBackend) GetThread(_ context.Context, threadID schema.ThreadID) (schema.Thread, error) {
	b.mu.Lock()
	fn := b.getThread
	b.mu.Unlock()
	if fn == nil {
		return schema.Thread{ThreadID: threadID, Status: schema.ThreadStatusIdle}, nil
	}
	return fn(threadID)
}

func (b *fakeBackend) CreateThread(context.Context, map[string]any) (schema.Thread, error) {
	return schema.Thread{ThreadID: "created", Status: schema.ThreadStatusIdle}, nil
}

func (b *fakeBackend) CreateRun(_ context.Context, threadID schema.ThreadID, req runapi.CreateRunRequest) (schema.Run, error) {
	b.mu.Lock()
	b.createCalls++
	fn := b.createRun
	b.mu.Unlock()
	if fn == nil {
		return schema.Run{RunID: "r1", Status: schema.RunStatusRunning, CreatedAt: time.Now()}, nil
	}
	return fn(threadID, req)
}

func (b *fakeBackend) CancelRun(_ context.Context, _ schema.ThreadID, runID schema.RunID) error {
	b.mu.Lock()
	b.cancelled = append(b.cancelled, runID)
	b.mu.Unlock()
	return nil
}

func (b *fakeBackend) ListRuns(_ context.Context, _ schema.ThreadID, status string, _ int) ([]schema.Run, error) {
	b.mu.Lock()
	fn := b.listRuns
	b.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(status)
}

func (b *fakeBackend) JoinStream(_ context.Context, threadID schema.ThreadID, runID schema.RunID) (*runapi.EventStream, error) {
	b.mu.Lock()
	b.joinCalls++
	call := b.joinCalls
	fn := b.joinStream
	b.mu.Unlock()
	if fn == nil {
		return nil, errors.New("no stream configured")
	}
	return fn(call, threadID, runID)
}

func (b *fakeBackend) creates() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.createCalls
}

func (b *fakeBackend) joins() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.joinCalls
}

func (b *fakeBackend) cancels() []schema.RunID {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]schema.RunID, len(b.cancelled))
	copy(out, b.cancelled)
	return out
}

type chanSink struct {
	messages chan []schema.Message
	notices  chan Notice
	statuses chan string
	states   chan reconnect.State
}

func newChanSink() *chanSink {
	return &chanSink{
		messages: make(chan []schema.Message, 64),
		notices:  make(chan Notice, 64),
		statuses: make(chan string, 64),
		states:   make(chan reconnect.State, 64),
	}
}

func (c *chanSink) OnMessages(_ schema.ThreadID, messages []schema.Message) {
	c.messages <- messages
}

func (c *chanSink) OnNotice(n Notice) {
	c.notices <- n
}

func (c *chanSink) OnReconnectState(s reconnect.State) {
	c.states <- s
}

func (c *chanSink) OnThreadStatus(_ schema.ThreadID, status string) {
	c.statuses <- status
}

func (c *chanSink) awaitStatus(t *testing.T, want string) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case got := <-c.statuses:
			if got == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for status %q", want)
		}
	}
}

func (c *chanSink) awaitNotice(t *testing.T) Notice {
	t.Helper()
	select {
	case n := <-c.notices:
		return n
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for notice")
		return Notice{}
	}
}

func sseBody(events ...string) io.ReadCloser {
	return io.NopCloser(strings.NewReader(strings.Join(events, "")))
}

func valuesEvent(text string) string {
	return "event: values\ndata: {\"messages\":[{\"id\":\"m1\",\"type\":\"ai\",\"text\":\"" + text + "\"}]}\n\n"
}

const endEvent = "event: end\ndata: {}\n\n"

func newTestSession(t *testing.T, backend *fakeBackend) (*Session, *activity.Store, *chanSink) {
	t.Helper()
	store := activity.NewStore(nil, nil, nil)
	sink := newChanSink()
	session, err := NewSession(SessionConfig{HealthPollInterval: time.Hour}, SessionDeps{
		Backend:  backend,
		Activity: store,
		Sink:     sink,
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(session.Close)
	return session, store, sink
}

func TestSubmitRunsAndReleasesOwnership(t *testing.T) {
	backend := &fakeBackend{
		joinStream: func(_ int, _ schema.ThreadID, runID schema.RunID) (*runapi.EventStream, error) {
			return runapi.NewEventStream(sseBody(valuesEvent("hello"), endEvent), runID), nil
		},
	}
	session, store, sink := newTestSession(t, backend)

	if err := session.SwitchThread(context.Background(), "t1"); err != nil {
		t.Fatalf("SwitchThread: %v", err)
	}
	runID, err := session.Submit(context.Background(), "hi there")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if runID != "r1" {
		t.Fatalf("unexpected run id %q", runID)
	}

	sink.awaitStatus(t, schema.ThreadStatusIdle)
	messages := session.Messages()
	if len(messages) != 1 || messages[0].Text != "hello" {
		t.Fatalf("unexpected messages: %+v", messages)
	}
	if state := store.BusyState(); state.Busy["t1"] {
		t.Fatalf("busy claim not released: %+v", state)
	}
	if _, ok := store.RunHint("t1"); ok {
		t.Fatalf("run hint not cleared after completion")
	}
	if seen := store.LastSeen(); seen["t1"] == 0 {
		t.Fatalf("thread was never marked seen")
	}
}

func TestSubmitRejectsEmptyMessage(t *testing.T) {
	session, _, _ := newTestSession(t, &fakeBackend{})
	if err := session.SwitchThread(context.Background(), "t1"); err != nil {
		t.Fatalf("SwitchThread: %v", err)
	}
	if _, err := session.Submit(context.Background(), "   "); !errors.Is(err, schema.ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}
}

func TestSubmitBlockedWhenBusyInAnotherTab(t *testing.T) {
	backend := &fakeBackend{}
	session, store, sink := newTestSession(t, backend)
	if err := session.SwitchThread(context.Background(), "t1"); err != nil {
		t.Fatalf("SwitchThread: %v", err)
	}
	store.MarkThreadBusy("t1", true, "some-other-tab")

	_, err := session.Submit(context.Background(), "hi")
	if !errors.Is(err, schema.ErrThreadBusy) {
		t.Fatalf("expected ErrThreadBusy, got %v", err)
	}
	if backend.creates() != 0 {
		t.Fatalf("run was created despite busy guard")
	}
	if n := sink.awaitNotice(t); n.Level != NoticeWarn {
		t.Fatalf("expected warn notice, got %+v", n)
	}
}

func TestSubmitBlockedByBackendPreflight(t *testing.T) {
	backend := &fakeBackend{
		getThread: func(threadID schema.ThreadID) (schema.Thread, error) {
			return schema.Thread{ThreadID: threadID, Status: schema.ThreadStatusBusy}, nil
		},
	}
	store := activity.NewStore(nil, nil, nil)
	sink := newChanSink()
	session, err := NewSession(SessionConfig{HealthPollInterval: time.Hour}, SessionDeps{
		Backend: backend, Activity: store, Sink: sink,
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(session.Close)

	// Attach without the startup-resume side effects mattering: no runs
	// exist, so the silent resume loop resolves nothing and retires.
	session.mu.Lock()
	session.threadID = "t1"
	session.mu.Unlock()

	if _, err := session.Submit(context.Background(), "hi"); !errors.Is(err, schema.ErrThreadBusy) {
		t.Fatalf("expected ErrThreadBusy from preflight, got %v", err)
	}
	if backend.creates() != 0 {
		t.Fatalf("run was created despite active backend status")
	}
	if state := store.BusyState(); state.Busy["t1"] {
		t.Fatalf("claim leaked from a refused submit")
	}
}

func TestConflictOnCreateReleasesClaim(t *testing.T) {
	backend := &fakeBackend{
		createRun: func(schema.ThreadID, runapi.CreateRunRequest) (schema.Run, error) {
			return schema.Run{}, errors.New("409 conflict: thread has an inflight run")
		},
	}
	session, store, sink := newTestSession(t, backend)
	if err := session.SwitchThread(context.Background(), "t1"); err != nil {
		t.Fatalf("SwitchThread: %v", err)
	}

	_, err := session.Submit(context.Background(), "hi")
	if !errors.Is(err, schema.ErrThreadBusy) {
		t.Fatalf("expected ErrThreadBusy on conflict, got %v", err)
	}
	if state := store.BusyState(); state.Busy["t1"] {
		t.Fatalf("claim not released after conflict: %+v", state)
	}
	if n := sink.awaitNotice(t); !strings.Contains(n.Message, "already in progress") {
		t.Fatalf("unexpected notice: %+v", n)
	}
}

func TestCancelStopsRunAndClearsState(t *testing.T) {
	reader, writer := io.Pipe()
	t.Cleanup(func() { _ = writer.Close() })
	backend := &fakeBackend{
		joinStream: func(_ int, _ schema.ThreadID, runID schema.RunID) (*runapi.EventStream, error) {
			return runapi.NewEventStream(reader, runID), nil
		},
	}
	session, store, sink := newTestSession(t, backend)
	if err := session.SwitchThread(context.Background(), "t1"); err != nil {
		t.Fatalf("SwitchThread: %v", err)
	}
	if _, err := session.Submit(context.Background(), "hi"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, ok := store.RunHint("t1"); !ok {
		t.Fatalf("run hint missing after submit")
	}

	if err := session.Cancel(context.Background()); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	sink.awaitStatus(t, schema.ThreadStatusIdle)
	if got := backend.cancels(); len(got) != 1 || got[0] != "r1" {
		t.Fatalf("expected backend cancel of r1, got %v", got)
	}
	if _, ok := store.RunHint("t1"); ok {
		t.Fatalf("run hint survived cancel")
	}
	if state := store.BusyState(); state.Busy["t1"] {
		t.Fatalf("busy claim survived cancel: %+v", state)
	}
}

func TestStartupResumeJoinsExistingRun(t *testing.T) {
	now := time.Now()
	backend := &fakeBackend{
		getThread: func(threadID schema.ThreadID) (schema.Thread, error) {
			return schema.Thread{ThreadID: threadID, Status: schema.ThreadStatusBusy}, nil
		},
		listRuns: func(status string) ([]schema.Run, error) {
			if status == schema.RunStatusRunning {
				return []schema.Run{{RunID: "r7", Status: schema.RunStatusRunning, CreatedAt: now}}, nil
			}
			return nil, nil
		},
		joinStream: func(_ int, _ schema.ThreadID, runID schema.RunID) (*runapi.EventStream, error) {
			if runID != "r7" {
				t.Errorf("resumed unexpected run %q", runID)
			}
			return runapi.NewEventStream(sseBody(valuesEvent("resumed"), endEvent), runID), nil
		},
	}
	session, _, sink := newTestSession(t, backend)

	if err := session.SwitchThread(context.Background(), "t1"); err != nil {
		t.Fatalf("SwitchThread: %v", err)
	}

	deadline := time.After(3 * time.Second)
	for {
		select {
		case messages := <-sink.messages:
			if len(messages) == 1 && messages[0].Text == "resumed" {
				return
			}
		case <-deadline:
			t.Fatalf("startup resume never delivered the run's messages")
		}
	}
}

func TestStartupResumeIsSilent(t *testing.T) {
	now := time.Now()
	backend := &fakeBackend{
		getThread: func(threadID schema.ThreadID) (schema.Thread, error) {
			return schema.Thread{ThreadID: threadID, Status: schema.ThreadStatusBusy}, nil
		},
		listRuns: func(status string) ([]schema.Run, error) {
			if status == schema.RunStatusRunning {
				return []schema.Run{{RunID: "r7", Status: schema.RunStatusRunning, CreatedAt: now}}, nil
			}
			return nil, nil
		},
		joinStream: func(_ int, _ schema.ThreadID, runID schema.RunID) (*runapi.EventStream, error) {
			return runapi.NewEventStream(sseBody(endEvent), runID), nil
		},
	}
	session, _, sink := newTestSession(t, backend)
	if err := session.SwitchThread(context.Background(), "t1"); err != nil {
		t.Fatalf("SwitchThread: %v", err)
	}

	sink.awaitStatus(t, schema.ThreadStatusIdle)
	for {
		select {
		case state := <-sink.states:
			if state.StatusText != "" {
				t.Fatalf("startup resume showed status text %q", state.StatusText)
			}
		default:
			return
		}
	}
}

func TestRegenerateRequiresHumanMessage(t *testing.T) {
	session, _, _ := newTestSession(t, &fakeBackend{})
	if err := session.SwitchThread(context.Background(), "t1"); err != nil {
		t.Fatalf("SwitchThread: %v", err)
	}
	if _, err := session.Regenerate(context.Background()); !errors.Is(err, schema.ErrNoActiveRun) {
		t.Fatalf("expected ErrNoActiveRun, got %v", err)
	}
}

func TestFatalNoticeDeduped(t *testing.T) {
	session, _, sink := newTestSession(t, &fakeBackend{})
	failure := schema.StreamFailure{Name: "Boom", Message: "unrecoverable"}

	session.noticeFatalOnce("t1", failure)
	session.noticeFatalOnce("t1", failure)
	session.noticeFatalOnce("t2", failure)

	var got []Notice
	timeout := time.After(time.Second)
drain:
	for {
		select {
		case n := <-sink.notices:
			got = append(got, n)
		case <-timeout:
			break drain
		default:
			break drain
		}
	}
	if len(got) != 2 {
		t.Fatalf("expected one notice per thread/failure pair, got %d: %+v", len(got), got)
	}
}

func TestFatalStreamFailureSurfacesOnce(t *testing.T) {
	calls := 0
	backend := &fakeBackend{
		joinStream: func(_ int, _ schema.ThreadID, runID schema.RunID) (*runapi.EventStream, error) {
			calls++
			body := sseBody("event: error\ndata: {\"error\":\"ValueError\",\"message\":\"model exploded\"}\n\n", endEvent)
			return runapi.NewEventStream(body, runID), nil
		},
	}
	session, store, sink := newTestSession(t, backend)
	if err := session.SwitchThread(context.Background(), "t1"); err != nil {
		t.Fatalf("SwitchThread: %v", err)
	}
	if _, err := session.Submit(context.Background(), "hi"); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	notice := sink.awaitNotice(t)
	if notice.Level != NoticeError || !strings.Contains(notice.Message, "model exploded") {
		t.Fatalf("unexpected fatal notice: %+v", notice)
	}
	sink.awaitStatus(t, schema.ThreadStatusIdle)
	if state := store.BusyState(); state.Busy["t1"] {
		t.Fatalf("busy claim survived fatal failure")
	}
}

func TestThreadSwitchResetsMessages(t *testing.T) {
	backend := &fakeBackend{
		joinStream: func(_ int, _ schema.ThreadID, runID schema.RunID) (*runapi.EventStream, error) {
			return runapi.NewEventStream(sseBody(valuesEvent("first"), endEvent), runID), nil
		},
	}
	session, _, sink := newTestSession(t, backend)
	if err := session.SwitchThread(context.Background(), "t1"); err != nil {
		t.Fatalf("SwitchThread: %v", err)
	}
	if _, err := session.Submit(context.Background(), "hi"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	sink.awaitStatus(t, schema.ThreadStatusIdle)

	if err := session.SwitchThread(context.Background(), "t2"); err != nil {
		t.Fatalf("SwitchThread t2: %v", err)
	}
	if messages := session.Messages(); len(messages) != 0 {
		t.Fatalf("messages survived a thread switch: %+v", messages)
	}
}

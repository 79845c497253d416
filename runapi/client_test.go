package runapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"pkt.systems/tether/schema"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := New(Config{BaseURL: server.URL, APIKey: "secret"}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return client
}

func TestListRuns(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/threads/t1/runs" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if got := r.URL.Query().Get("status"); got != "running" {
			t.Errorf("unexpected status filter %q", got)
		}
		if got := r.URL.Query().Get("limit"); got != "10" {
			t.Errorf("unexpected limit %q", got)
		}
		if got := r.Header.Get("x-api-key"); got != "secret" {
			t.Errorf("missing api key header, got %q", got)
		}
		_ = json.NewEncoder(w).Encode([]schema.Run{
			{RunID: "r1", Status: "running", CreatedAt: time.Now()},
		})
	}))

	runs, err := client.ListRuns(context.Background(), "t1", "running", 10)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].RunID != "r1" {
		t.Fatalf("unexpected runs: %+v", runs)
	}
}

func TestListRunsEmptyIsNotError(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("[]"))
	}))
	runs, err := client.ListRuns(context.Background(), "t1", "pending", 10)
	if err != nil {
		t.Fatalf("empty run list must not error: %v", err)
	}
	if len(runs) != 0 {
		t.Fatalf("expected empty list, got %+v", runs)
	}
}

func TestConflictErrorTextPreserved(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "thread has an inflight run", http.StatusConflict)
	}))
	_, err := client.CreateRun(context.Background(), "t1", CreateRunRequest{
		Messages: []schema.Message{{Type: schema.MessageTypeHuman, Text: "hi"}},
	})
	if err == nil {
		t.Fatalf("expected conflict error")
	}
	if got := schema.ClassifyError(err, false); got != schema.FailureConflict {
		t.Fatalf("conflict response classified as %q (%v)", got, err)
	}
}

func TestGetThread(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/threads/t1" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(schema.Thread{ThreadID: "t1", Status: "busy"})
	}))
	thread, err := client.GetThread(context.Background(), "t1")
	if err != nil {
		t.Fatalf("GetThread: %v", err)
	}
	if thread.Status != schema.ThreadStatusBusy {
		t.Fatalf("unexpected thread: %+v", thread)
	}
}

func TestCancelRun(t *testing.T) {
	var gotPath string
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	if err := client.CancelRun(context.Background(), "t1", "r1"); err != nil {
		t.Fatalf("CancelRun: %v", err)
	}
	if gotPath != "/threads/t1/runs/r1/cancel" {
		t.Fatalf("unexpected cancel path %q", gotPath)
	}
}

func TestJoinStreamEvents(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/threads/t1/runs/r1/stream" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		_, _ = w.Write([]byte(": keepalive\n\n"))
		_, _ = w.Write([]byte("event: values\ndata: {\"messages\":[{\"type\":\"ai\",\"text\":\"hello\"}]}\n\n"))
		flusher.Flush()
		_, _ = w.Write([]byte("event: end\ndata: {}\n\n"))
		flusher.Flush()
	}))

	stream, err := client.JoinStream(context.Background(), "t1", "r1")
	if err != nil {
		t.Fatalf("JoinStream: %v", err)
	}
	defer stream.Close()
	if stream.RunID() != "r1" {
		t.Fatalf("stream bound to %q, want r1", stream.RunID())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	event, err := stream.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if event.Event != StreamEventValues {
		t.Fatalf("expected values event, got %q", event.Event)
	}
	messages, err := event.Messages()
	if err != nil || len(messages) != 1 || messages[0].Text != "hello" {
		t.Fatalf("unexpected messages %+v err=%v", messages, err)
	}

	event, err = stream.Next(ctx)
	if err != nil || event.Event != StreamEventEnd {
		t.Fatalf("expected end event, got %+v err=%v", event, err)
	}

	if _, err = stream.Next(ctx); err != schema.ErrStreamClosed {
		t.Fatalf("expected ErrStreamClosed after end, got %v", err)
	}
}

func TestJoinStreamRejectedStatus(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "run not found", http.StatusNotFound)
	}))
	_, err := client.JoinStream(context.Background(), "t1", "r1")
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestNextHonorsContextCancel(t *testing.T) {
	release := make(chan struct{})
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		<-release
	}))
	t.Cleanup(func() { close(release) })

	stream, err := client.JoinStream(context.Background(), "t1", "r1")
	if err != nil {
		t.Fatalf("JoinStream: %v", err)
	}
	defer stream.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	if _, err := stream.Next(ctx); err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestErrorEventDecodesFailure(t *testing.T) {
	event := StreamEvent{
		Event: StreamEventError,
		Data:  json.RawMessage(`{"error":"HTTPError","message":"409 conflict"}`),
	}
	failure := event.Failure()
	if failure.Name != "HTTPError" || failure.Message != "409 conflict" {
		t.Fatalf("unexpected failure: %+v", failure)
	}
	if got := schema.Classify(failure, false); got != schema.FailureConflict {
		t.Fatalf("classified as %q", got)
	}
}

func TestCloseUnblocksAbandonedReader(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 200; i++ {
		b.WriteString("event: values\ndata: {\"messages\":[]}\n\n")
	}
	stream := NewEventStream(io.NopCloser(strings.NewReader(b.String())), "r1")

	// Let the reader fill the buffer and block on the next send.
	deadline := time.After(2 * time.Second)
	for len(stream.events) < cap(stream.events) {
		select {
		case <-deadline:
			t.Fatalf("event buffer never filled")
		case <-time.After(time.Millisecond):
		}
	}
	if err := stream.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// The reader must exit and close the channel even though nobody is
	// consuming events anymore.
	drainDeadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-stream.events:
			if !ok {
				return
			}
		case <-drainDeadline:
			t.Fatalf("reader still blocked after Close")
		}
	}
}

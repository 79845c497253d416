package runapi

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"pkt.systems/tether/schema"
)

// Stream event names the backend emits.
const (
	StreamEventValues    = "values"
	StreamEventError     = "error"
	StreamEventInterrupt = "interrupt"
	StreamEventEnd       = "end"
)

// StreamEvent is one server-sent event from a run stream.
type StreamEvent struct {
	Event string
	Data  json.RawMessage
}

// ValuesPayload is the decoded body of a "values" event: the full message
// list snapshot for the thread at that point in the run.
type ValuesPayload struct {
	Messages []schema.Message `json:"messages"`
}

// Messages decodes a values event body. Non-values events return nil.
func (e StreamEvent) Messages() ([]schema.Message, error) {
	if e.Event != StreamEventValues {
		return nil, nil
	}
	var payload ValuesPayload
	if err := json.Unmarshal(e.Data, &payload); err != nil {
		return nil, fmt.Errorf("decode values event: %w", err)
	}
	return payload.Messages, nil
}

// Failure decodes an error event body into a typed stream failure.
func (e StreamEvent) Failure() schema.StreamFailure {
	if e.Event != StreamEventError {
		return schema.StreamFailure{}
	}
	var decoded any
	if err := json.Unmarshal(e.Data, &decoded); err != nil {
		return schema.StreamFailure{Message: strings.TrimSpace(string(e.Data))}
	}
	return schema.DecodeFailure(decoded)
}

// EventStream is a live SSE connection to a run. A single reader goroutine
// pumps decoded events into a channel; Next blocks until the next event, the
// stream ends, or the context is canceled.
type EventStream struct {
	body      io.ReadCloser
	events    chan StreamEvent
	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
	runID     schema.RunID
}

// NewEventStream wraps an SSE body in an event stream. Normally built by
// JoinStream; exposed so replays and tests can feed recorded bodies.
func NewEventStream(body io.ReadCloser, runID schema.RunID) *EventStream {
	s := &EventStream{
		body:   body,
		events: make(chan StreamEvent, 64),
		done:   make(chan struct{}),
		runID:  runID,
	}
	go s.readLoop()
	return s
}

// RunID returns the run this stream is attached to.
func (s *EventStream) RunID() schema.RunID {
	return s.runID
}

// Next returns the next event. A cleanly ended stream surfaces
// schema.ErrStreamClosed; transport drops surface the raw read error.
func (s *EventStream) Next(ctx context.Context) (StreamEvent, error) {
	select {
	case <-ctx.Done():
		return StreamEvent{}, ctx.Err()
	case event, ok := <-s.events:
		if ok {
			return event, nil
		}
		s.errMu.Lock()
		err := s.err
		s.errMu.Unlock()
		if err != nil {
			return StreamEvent{}, err
		}
		return StreamEvent{}, schema.ErrStreamClosed
	}
}

// Close terminates the connection. Pending Next calls unblock, and a reader
// blocked on a full event buffer exits.
func (s *EventStream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return s.body.Close()
}

func (s *EventStream) readLoop() {
	defer close(s.events)
	reader := bufio.NewReader(s.body)
	var event StreamEvent
	var data []string
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				s.errMu.Lock()
				s.err = err
				s.errMu.Unlock()
			}
			return
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if event.Event == "" && len(data) == 0 {
				continue
			}
			event.Data = json.RawMessage(strings.Join(data, "\n"))
			select {
			case s.events <- event:
			case <-s.done:
				return
			}
			event = StreamEvent{}
			data = nil
		case strings.HasPrefix(line, "event:"):
			event.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		case strings.HasPrefix(line, ":"):
			// Comment / keepalive.
		}
	}
}

// JoinStream attaches to the live event feed of an existing run. The
// returned stream stays open until the run finishes, the context is
// canceled, or the transport drops.
func (c *Client) JoinStream(ctx context.Context, threadID schema.ThreadID, runID schema.RunID) (*EventStream, error) {
	if threadID == "" {
		return nil, schema.ErrInvalidThread
	}
	if runID == "" {
		return nil, schema.ErrInvalidRun
	}
	endpoint := c.endpoint("threads", string(threadID), "runs", string(runID), "stream")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}
	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, fmt.Errorf("join stream: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, fmt.Errorf("join stream: %w", statusError(resp))
	}
	if c.log != nil {
		c.log.Debug("stream joined", "thread", threadID, "run", runID)
	}
	return NewEventStream(resp.Body, runID), nil
}

package core

import (
	"context"
	"errors"
	"fmt"

	"pkt.systems/pslog"

	"pkt.systems/tether/internal/logx"
	"pkt.systems/tether/runapi"
	"pkt.systems/tether/schema"
)

// streamResult is what one stream consumption ended with. A zero failure
// with a nil err is a clean completion.
type streamResult struct {
	failure      schema.StreamFailure
	hasInterrupt bool
	err          error
}

// startStream attaches to a run's live stream in the background. Any
// previous stream for this session stops first.
func (s *Session) startStream(threadID schema.ThreadID, runID schema.RunID) {
	s.mu.Lock()
	if cancel := s.streamCancel; cancel != nil {
		cancel()
	}
	tab := s.activity.store.TabID()
	log := s.log.With("thread", threadID, "tab", tab)
	base := logx.ContextWithThreadLogger(context.Background(), log, threadID)
	base = logx.ContextWithTab(base, tab)
	ctx, cancel := context.WithCancel(base)
	s.streamCancel = cancel
	s.streamGen++
	gen := s.streamGen
	s.streamLoading = true
	s.lastEventAt = s.now()
	s.mu.Unlock()
	s.pushEngine()
	go s.streamRun(ctx, gen, threadID, runID)
}

// stopStreamLocked cancels the active stream, if any, and drops the loading
// flag. Safe to call with no stream running.
func (s *Session) stopStreamLocked() {
	s.mu.Lock()
	cancel := s.streamCancel
	s.streamCancel = nil
	s.streamGen++
	s.streamLoading = false
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Session) streamRun(ctx context.Context, gen int, threadID schema.ThreadID, runID schema.RunID) {
	log := logx.WithRun(logx.WithThreadTab(ctx, threadID, s.activity.store.TabID()), runID)

	stream, err := s.backend.JoinStream(ctx, threadID, runID)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.handleStreamOutcome(gen, threadID, streamResult{err: err}, log)
		return
	}
	result := s.consumeEvents(ctx, threadID, stream)
	stream.Close()
	if ctx.Err() != nil {
		return
	}
	s.handleStreamOutcome(gen, threadID, result, log)
}

// consumeEvents drains a stream, feeding values through tail reconciliation
// and marking the thread seen as activity arrives. Returns when the stream
// ends or the context is canceled.
func (s *Session) consumeEvents(ctx context.Context, threadID schema.ThreadID, stream *runapi.EventStream) streamResult {
	var result streamResult
	for {
		event, err := stream.Next(ctx)
		if err != nil {
			if errors.Is(err, schema.ErrStreamClosed) {
				return result
			}
			result.err = err
			return result
		}
		switch event.Event {
		case runapi.StreamEventValues:
			messages, err := event.Messages()
			if err != nil {
				s.log.Debug("undecodable values event", "thread", threadID, "err", err)
				continue
			}
			s.applyValues(threadID, messages)
		case runapi.StreamEventInterrupt:
			result.hasInterrupt = true
		case runapi.StreamEventError:
			result.failure = event.Failure()
		case runapi.StreamEventEnd:
			return result
		}
	}
}

// applyValues runs one values snapshot through tail reconciliation and
// publishes the result. Snapshots for a thread the session has already left
// are dropped.
func (s *Session) applyValues(threadID schema.ThreadID, messages []schema.Message) {
	reconciled := s.tail.Reconcile(messages, threadID, s.cfg.Branch)
	s.mu.Lock()
	if s.threadID != threadID {
		s.mu.Unlock()
		return
	}
	s.messages = reconciled
	s.lastEventAt = s.now()
	s.mu.Unlock()
	s.activity.store.MarkThreadSeen(threadID, s.nowMillis())
	s.sink.OnMessages(threadID, reconciled)
}

// handleStreamOutcome routes a finished local stream by failure class.
func (s *Session) handleStreamOutcome(gen int, threadID schema.ThreadID, result streamResult, log pslog.Logger) {
	failure := result.failure
	if result.err != nil {
		failure = schema.FailureFromError(result.err)
	}
	if failure.IsZero() {
		log.Debug("stream completed")
		s.settleAfterStream(gen, threadID, result.hasInterrupt)
		return
	}

	switch schema.Classify(failure, result.hasInterrupt) {
	case schema.FailureBenignReact185:
		log.Debug("benign stream failure ignored", "failure", failure.Key())
		s.settleAfterStream(gen, threadID, result.hasInterrupt)
	case schema.FailureExpectedInterrupt:
		log.Debug("stream interrupted", "failure", failure.Key())
		s.settleAfterStream(gen, threadID, true)
	case schema.FailureConflict:
		log.Warn("stream conflict", "failure", failure.Key())
		s.notice(Notice{Level: NoticeWarn, ThreadID: threadID,
			Title: "Run in progress", Message: "A run is already in progress for this thread."})
		s.settleAfterStream(gen, threadID, result.hasInterrupt)
	case schema.FailureRecoverableDisconnect:
		log.Warn("stream dropped, scheduling reconnect", "failure", failure.Key())
		s.mu.Lock()
		if gen == s.streamGen {
			s.streamLoading = false
			s.streamCancel = nil
		}
		s.mu.Unlock()
		s.pushEngine()
		s.proposeReconnect(threadID, schema.ReconnectRecoverableDisconnect, true)
	default:
		log.Warn("stream failed", "failure", failure.Key())
		s.noticeFatalOnce(threadID, failure)
		s.settleAfterStream(gen, threadID, result.hasInterrupt)
	}
}

// settleAfterStream finalizes a terminal stream: ownership and the run hint
// are dropped, status moves to idle or interrupted, the engine sees the new
// signals.
func (s *Session) settleAfterStream(gen int, threadID schema.ThreadID, interrupted bool) {
	status := schema.ThreadStatusIdle
	if interrupted {
		status = schema.ThreadStatusInterrupted
	}
	s.mu.Lock()
	if gen != 0 && gen != s.streamGen {
		s.mu.Unlock()
		return
	}
	s.streamLoading = false
	s.streamCancel = nil
	s.activeRun = ""
	if s.threadID == threadID {
		s.threadStatus = status
	}
	s.mu.Unlock()

	s.activity.store.ClearRunHint(threadID)
	s.releaseIfHeld(threadID)
	s.sink.OnThreadStatus(threadID, status)
	s.pushEngine()
}

// releaseIfHeld drops the busy claim when this tab owns it, or when the
// entry is unowned and this session just observed the run finish.
func (s *Session) releaseIfHeld(threadID schema.ThreadID) {
	state := s.activity.store.BusyState()
	if !state.Busy[threadID] {
		return
	}
	owner, ok := state.Owners[threadID]
	if !ok || owner == s.activity.store.TabID() {
		s.activity.release(threadID)
	}
}

func (s *Session) proposeReconnect(threadID schema.ThreadID, reason schema.ReconnectReason, visible bool) {
	s.engine.Propose(schema.ReconnectIntent{
		ID:         newIntentID(),
		ThreadID:   threadID,
		Reason:     reason,
		CreatedAt:  s.now(),
		ShowStatus: visible,
	})
}

// engineJoiner adapts the session's stream consumption to the reconnect
// engine: it blocks while the rejoined stream is live and maps the outcome
// to an error the engine can classify from its text alone.
type engineJoiner struct {
	session *Session
}

func (j *engineJoiner) JoinStream(ctx context.Context, threadID schema.ThreadID, runID schema.RunID) error {
	s := j.session
	stream, err := s.backend.JoinStream(ctx, threadID, runID)
	if err != nil {
		return err
	}
	defer stream.Close()

	result := s.consumeEvents(ctx, threadID, stream)
	if result.err != nil {
		return result.err
	}
	if result.failure.IsZero() {
		s.settleAfterStream(0, threadID, result.hasInterrupt)
		return nil
	}

	switch schema.Classify(result.failure, result.hasInterrupt) {
	case schema.FailureBenignReact185:
		s.settleAfterStream(0, threadID, result.hasInterrupt)
		return nil
	case schema.FailureConflict:
		s.notice(Notice{Level: NoticeWarn, ThreadID: threadID,
			Title: "Run in progress", Message: "A run is already in progress for this thread."})
	case schema.FailureFatal:
		s.noticeFatalOnce(threadID, result.failure)
		s.settleAfterStream(0, threadID, result.hasInterrupt)
	case schema.FailureExpectedInterrupt:
		s.settleAfterStream(0, threadID, true)
	}
	return failureError(result.failure)
}

// failureError preserves the failure text so downstream classification of
// the returned error lands on the same class.
func failureError(failure schema.StreamFailure) error {
	if failure.Name == "" {
		return errors.New(failure.Message)
	}
	return fmt.Errorf("%s: %s", failure.Name, failure.Message)
}

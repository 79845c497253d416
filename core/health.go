package core

import (
	"context"
	"time"

	"pkt.systems/tether/reconnect"
	"pkt.systems/tether/schema"
)

// healthLoop probes the backend while a stream is loading but silent. A
// stream can die without an error reaching the client (proxy timeouts,
// suspended laptops); when a full poll interval passes with no observed
// event, the thread is refetched and the session resynced from its status.
func (s *Session) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HealthPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkStreamHealth(ctx)
		}
	}
}

func (s *Session) checkStreamHealth(ctx context.Context) {
	s.mu.Lock()
	threadID := s.threadID
	loading := s.streamLoading
	stalled := loading && s.now().Sub(s.lastEventAt) >= s.cfg.HealthPollInterval
	gen := s.streamGen
	s.mu.Unlock()
	if threadID == "" || !stalled {
		return
	}

	pollCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	thread, err := s.backend.GetThread(pollCtx, threadID)
	cancel()
	if err != nil {
		// Poll failures are expected while offline; the reconnect path
		// handles actual stream drops.
		s.log.Debug("stream health poll failed", "thread", threadID, "err", err)
		return
	}

	s.mu.Lock()
	current := s.threadID == threadID && s.streamGen == gen && s.streamLoading
	s.mu.Unlock()
	if !current {
		return
	}

	s.log.Warn("stream silent past health interval", "thread", threadID, "status", thread.Status)
	s.sink.OnThreadStatus(threadID, thread.Status)

	if schema.IsActiveThreadStatus(thread.Status) {
		// The run is alive but our stream is not. Drop the dead stream and
		// let the reconnect engine resolve and rejoin it.
		s.stopStreamLocked()
		s.mu.Lock()
		s.threadStatus = thread.Status
		s.mu.Unlock()
		s.pushEngine()
		s.proposeReconnect(threadID, schema.ReconnectRecoverableDisconnect, true)
		return
	}

	// The run finished while the stream hung; replay its final snapshot
	// silently and settle.
	s.stopStreamLocked()
	s.mu.Lock()
	s.threadStatus = thread.Status
	s.mu.Unlock()
	s.pushEngine()
	go s.replayFinishedRun(threadID)
}

// replayFinishedRun makes one silent attempt to sync the final response of
// a run that completed while the live stream was dead.
func (s *Session) replayFinishedRun(threadID schema.ThreadID) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	runID, err := reconnect.ResolveRun(ctx, s.backend, s.activity.store, threadID, true, s.now)
	if err != nil || runID == "" {
		if err != nil {
			s.log.Debug("final sync resolution failed", "thread", threadID, "err", err)
		}
		s.settleAfterStream(0, threadID, false)
		return
	}
	stream, err := s.backend.JoinStream(ctx, threadID, runID)
	if err != nil {
		s.log.Debug("final sync join failed", "thread", threadID, "run", runID, "err", err)
		s.settleAfterStream(0, threadID, false)
		return
	}
	result := s.consumeEvents(ctx, threadID, stream)
	stream.Close()
	s.settleAfterStream(0, threadID, result.hasInterrupt)
}

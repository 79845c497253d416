package logx

import (
	"context"

	"pkt.systems/pslog"

	"pkt.systems/tether/schema"
)

type contextKey int

const (
	threadKey contextKey = iota
	tabKey
)

// Ctx returns the logger bound to the provided context.
func Ctx(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx)
}

// WithThread annotates the logger with the thread id if present.
func WithThread(ctx context.Context, threadID schema.ThreadID) pslog.Logger {
	log := pslog.Ctx(ctx)
	if threadID != "" {
		if current, ok := ctx.Value(threadKey).(schema.ThreadID); ok && current == threadID {
			return log
		}
		log = log.With("thread", threadID)
	}
	return log
}

// WithThreadTab annotates the logger with thread and tab identifiers.
func WithThreadTab(ctx context.Context, threadID schema.ThreadID, tabID schema.TabID) pslog.Logger {
	log := WithThread(ctx, threadID)
	if tabID != "" {
		if current, ok := ctx.Value(tabKey).(schema.TabID); ok && current == tabID {
			return log
		}
		log = log.With("tab", tabID)
	}
	return log
}

// WithRun annotates the logger with a run id when available.
func WithRun(log pslog.Logger, runID schema.RunID) pslog.Logger {
	if runID != "" {
		log = log.With("run", runID)
	}
	return log
}

// ContextWithThread stores the thread marker on the context for log de-duplication.
func ContextWithThread(ctx context.Context, threadID schema.ThreadID) context.Context {
	if ctx == nil || threadID == "" {
		return ctx
	}
	return context.WithValue(ctx, threadKey, threadID)
}

// ContextWithTab stores the tab marker on the context for log de-duplication.
func ContextWithTab(ctx context.Context, tabID schema.TabID) context.Context {
	if ctx == nil || tabID == "" {
		return ctx
	}
	return context.WithValue(ctx, tabKey, tabID)
}

// ContextWithThreadLogger attaches the logger and thread marker to the context.
func ContextWithThreadLogger(ctx context.Context, log pslog.Logger, threadID schema.ThreadID) context.Context {
	ctx = pslog.ContextWithLogger(ctx, log)
	return ContextWithThread(ctx, threadID)
}

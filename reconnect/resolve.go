package reconnect

import (
	"context"
	"time"

	"pkt.systems/tether/schema"
)

const (
	runListLimit = 10
	// terminalRunMaxAge bounds final-reconciliation adoption of a run in
	// any status: older than this and the run is not worth replaying.
	terminalRunMaxAge = 10 * time.Minute
)

// ResolveRun finds the run to rejoin for a thread. Resolution order: stored
// hint, freshest running, freshest pending, and with finalPass the freshest
// run of any status inside the terminal freshness window. A lookup error
// propagates (first encountered wins) only when no candidate was found; an
// empty result is "no candidate", not an error. hints and now may be nil.
func ResolveRun(ctx context.Context, runs RunLister, hints HintSource, threadID schema.ThreadID, finalPass bool, now func() time.Time) (schema.RunID, error) {
	if hints != nil {
		if hint, ok := hints.RunHint(threadID); ok && hint != "" {
			return hint, nil
		}
	}
	if now == nil {
		now = time.Now
	}

	var firstErr error

	running, err := runs.ListRuns(ctx, threadID, schema.RunStatusRunning, runListLimit)
	if err != nil {
		firstErr = err
	} else if run, ok := schema.FreshestRun(running); ok && run.RunID != "" {
		return run.RunID, nil
	}

	pending, err := runs.ListRuns(ctx, threadID, schema.RunStatusPending, runListLimit)
	if err != nil {
		if firstErr == nil {
			firstErr = err
		}
	} else if run, ok := schema.FreshestRun(pending); ok && run.RunID != "" {
		return run.RunID, nil
	}

	if finalPass {
		all, err := runs.ListRuns(ctx, threadID, "", runListLimit)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
		} else if run, ok := schema.FreshestRun(all); ok && run.RunID != "" {
			if now().Sub(run.FreshTime()) <= terminalRunMaxAge {
				return run.RunID, nil
			}
		}
	}

	if firstErr != nil {
		return "", firstErr
	}
	return "", nil
}

func (e *Engine) resolveRunID(ctx context.Context, threadID schema.ThreadID, finalPass bool) (schema.RunID, error) {
	return ResolveRun(ctx, e.runs, e.hints, threadID, finalPass, e.now)
}

package schema

import "errors"

var (
	// ErrInvalidThread indicates an empty or malformed thread id.
	ErrInvalidThread = errors.New("invalid thread")
	// ErrInvalidRun indicates an empty or malformed run id.
	ErrInvalidRun = errors.New("invalid run")
	// ErrThreadBusy indicates the thread already has an active run.
	ErrThreadBusy = errors.New("thread already has an active run")
	// ErrEmptyMessage indicates the submitted message was empty.
	ErrEmptyMessage = errors.New("empty message")
	// ErrNoActiveRun indicates no running or pending run could be resolved.
	ErrNoActiveRun = errors.New("no active run")
	// ErrStreamClosed indicates the event stream ended.
	ErrStreamClosed = errors.New("stream closed")
)

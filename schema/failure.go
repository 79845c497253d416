package schema

import "strings"

// FailureClass buckets a stream failure for retry/suppress decisions. The
// classifier is the single chokepoint: everything downstream switches on the
// class, never on the raw error.
type FailureClass string

const (
	// FailureBenignReact185 is the known benign React hydration error
	// emitted by the embedding UI. Swallowed, never shown to the user.
	FailureBenignReact185 FailureClass = "benign_react_185"
	// FailureConflict means the backend rejected a second concurrent run.
	FailureConflict FailureClass = "conflict"
	// FailureExpectedInterrupt means the run paused or ended on purpose
	// (breakpoint, graph interrupt, cancellation). Not an error.
	FailureExpectedInterrupt FailureClass = "expected_interrupt_or_breakpoint"
	// FailureRecoverableDisconnect means the transport dropped and a
	// reconnect attempt is worthwhile.
	FailureRecoverableDisconnect FailureClass = "recoverable_disconnect"
	// FailureFatal is everything else. Surfaced once, never retried
	// automatically.
	FailureFatal FailureClass = "fatal"
)

// StreamFailure is the typed form of whatever the transport threw. Decoded
// once at the boundary; the classifier operates only on this.
type StreamFailure struct {
	Name    string
	Message string
}

// IsZero reports whether no failure details were captured.
func (f StreamFailure) IsZero() bool {
	return f.Name == "" && f.Message == ""
}

// Key returns a stable signature used to de-duplicate user notices.
func (f StreamFailure) Key() string {
	return f.Name + "::" + f.Message
}

// FailureFromError decodes a Go error into a StreamFailure.
func FailureFromError(err error) StreamFailure {
	if err == nil {
		return StreamFailure{}
	}
	return StreamFailure{Message: strings.TrimSpace(err.Error())}
}

// DecodeFailure normalizes an arbitrary decoded payload into a
// StreamFailure. Handles plain strings, Go errors, and JSON objects carrying
// name/error/message fields in any combination.
func DecodeFailure(value any) StreamFailure {
	switch v := value.(type) {
	case nil:
		return StreamFailure{}
	case StreamFailure:
		return v
	case string:
		return StreamFailure{Message: strings.TrimSpace(v)}
	case error:
		return FailureFromError(v)
	case map[string]any:
		failure := StreamFailure{
			Name:    readStringField(v["name"]),
			Message: readStringField(v["message"]),
		}
		if failure.Name == "" {
			failure.Name = readStringField(v["error"])
		}
		return failure
	default:
		return StreamFailure{}
	}
}

func readStringField(value any) string {
	s, ok := value.(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(s)
}

// Classify maps a stream failure to its class. First match wins; the order
// (benign, conflict, interrupt, disconnect, fatal) is load-bearing because
// the vocabularies overlap. hasInterrupt forces the interrupt class when the
// stream carried an interrupt marker regardless of the error text.
func Classify(failure StreamFailure, hasInterrupt bool) FailureClass {
	text := strings.ToLower(failure.Name + " " + failure.Message)

	if isBenignReact185(text) {
		return FailureBenignReact185
	}
	if isConflict(text) {
		return FailureConflict
	}
	if hasInterrupt || isExpectedInterrupt(text) {
		return FailureExpectedInterrupt
	}
	if isRecoverableDisconnect(text) {
		return FailureRecoverableDisconnect
	}
	return FailureFatal
}

// ClassifyError is a convenience wrapper for Go-error boundaries.
func ClassifyError(err error, hasInterrupt bool) FailureClass {
	return Classify(FailureFromError(err), hasInterrupt)
}

func isBenignReact185(text string) bool {
	return strings.Contains(text, "minified react error #185") ||
		strings.Contains(text, "/errors/185")
}

func isConflict(text string) bool {
	return strings.Contains(text, "409") ||
		strings.Contains(text, "conflict") ||
		strings.Contains(text, "busy") ||
		strings.Contains(text, "inflight")
}

func isExpectedInterrupt(text string) bool {
	for _, marker := range []string{
		"human breakpoint",
		"breakpoint",
		"graphinterrupt",
		"nodeinterrupt",
		"cancellederror",
		"cancelederror",
		"cancelled",
		"canceled",
		"aborterror",
		"aborted",
	} {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

func isRecoverableDisconnect(text string) bool {
	for _, marker := range []string{
		"failed to fetch",
		"networkerror",
		"network error",
		"network request failed",
		"load failed",
		"internet disconnected",
		"err_internet_disconnected",
		"err_network_changed",
		"addressunreachable",
		"connection reset",
		"connection was reset",
		"connection was lost",
		"connection refused",
		"broken pipe",
		"unexpected eof",
		"timed out",
		"timeout",
	} {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

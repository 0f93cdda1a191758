// Package errkind classifies errors into the four kinds spec.md §5's
// per-stage error policy table dispatches on, generalizing the teacher's
// isTransientError/isFatalError pair into a single Classify entrypoint
// shared by the container client, queue, and stage workers.
package errkind

import (
	"context"
	"errors"
	"strings"
)

// Kind is one of the four error classes stage workers branch on.
type Kind int

const (
	// TransientExternal is a retryable failure of an external dependency
	// (network blip, 5xx, 429, connection reset). Retried with backoff.
	TransientExternal Kind = iota
	// PermanentExternal is a non-retryable rejection by an external
	// dependency (4xx other than 429, malformed response). Sent to the DLQ.
	PermanentExternal
	// Invariant is a bug in our own code or data (bad job payload, missing
	// coordinator state). Sent to the DLQ and logged at error level.
	Invariant
	// Deadline means the plan's processing deadline alarm already fired;
	// the job is not retried.
	Deadline
)

func (k Kind) String() string {
	switch k {
	case TransientExternal:
		return "transient_external"
	case PermanentExternal:
		return "permanent_external"
	case Invariant:
		return "invariant"
	case Deadline:
		return "deadline"
	default:
		return "unknown"
	}
}

// HTTPStatus implementers carry the status code of a failed upstream call
// (container client responses implement this).
type HTTPStatus interface {
	StatusCode() int
}

// Invariant-tagging error: wrap with AsInvariant to force classification
// regardless of message content.
type invariantError struct{ err error }

func (e *invariantError) Error() string { return e.err.Error() }
func (e *invariantError) Unwrap() error { return e.err }

// AsInvariant wraps err so Classify always reports Invariant for it,
// bypassing message sniffing — use at the point a caller detects a
// broken precondition (missing state, nil dependency).
func AsInvariant(err error) error {
	if err == nil {
		return nil
	}
	return &invariantError{err: err}
}

// Classify assigns err to one of the four kinds. deadlineExceeded reports
// whether the owning plan's alarm has already fired; callers pass the
// coordinator's live view so a deadline always wins over any other kind.
func Classify(err error, deadlineExceeded bool) Kind {
	if err == nil {
		return Invariant
	}
	if deadlineExceeded {
		return Deadline
	}

	var inv *invariantError
	if errors.As(err, &inv) {
		return Invariant
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return TransientExternal
	}

	var withStatus HTTPStatus
	if errors.As(err, &withStatus) {
		code := withStatus.StatusCode()
		switch {
		case code >= 500 && code < 600:
			return TransientExternal
		case code == 429:
			return TransientExternal
		case code >= 400 && code < 500:
			return PermanentExternal
		}
	}

	msg := strings.ToLower(err.Error())
	for _, s := range []string{"connection refused", "connection reset", "timeout", "network", "eof"} {
		if strings.Contains(msg, s) {
			return TransientExternal
		}
	}
	for _, s := range []string{"invalid request", "validation failed", "bad request", "malformed", "unsupported content"} {
		if strings.Contains(msg, s) {
			return PermanentExternal
		}
	}

	// Unrecognized errors default to transient: retry a bounded number of
	// times before the queue's own retry-exhaustion moves it to the DLQ.
	return TransientExternal
}

// Retryable reports whether a job producing this kind should be requeued
// with backoff rather than sent straight to the dead-letter stream.
func Retryable(k Kind) bool {
	return k == TransientExternal
}

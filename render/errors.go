// Package render implements the replay render pipeline: job admission and
// registry, the worker-pool dispatcher driving the external renderer, and
// result delivery back to the requesting chat channel.
package render

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies pipeline failures so callers can decide between retrying,
// rejecting, and reporting. Only RemoteUnavailable is retryable.
type Kind int

const (
	KindUnknown Kind = iota
	// KindNotFound indicates a beatmap or replay that does not exist.
	KindNotFound
	// KindInvalidFormat indicates an unparsable or corrupt asset.
	KindInvalidFormat
	// KindTooLarge indicates an archive exceeding the configured ceiling.
	KindTooLarge
	// KindRemoteUnavailable indicates a transient network/service failure.
	KindRemoteUnavailable
	// KindTimeout indicates the renderer exceeded its wall-clock budget.
	KindTimeout
	// KindRenderError indicates the renderer exited non-zero or produced no artifact.
	KindRenderError
	// KindOverloaded indicates the submission was rejected at the queue ceiling.
	KindOverloaded
	// KindCancelled indicates the job was cancelled by the requester or shutdown.
	KindCancelled
	// KindInvalidTransition indicates a state machine violation (programming fault).
	KindInvalidTransition
	// KindDeliveryFailed indicates delivery retries were exhausted.
	KindDeliveryFailed
)

// String returns a stable machine-readable name for the kind.
func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindInvalidFormat:
		return "invalid_format"
	case KindTooLarge:
		return "too_large"
	case KindRemoteUnavailable:
		return "remote_unavailable"
	case KindTimeout:
		return "timeout"
	case KindRenderError:
		return "render_error"
	case KindOverloaded:
		return "overloaded"
	case KindCancelled:
		return "cancelled"
	case KindInvalidTransition:
		return "invalid_transition"
	case KindDeliveryFailed:
		return "delivery_failed"
	default:
		return "unknown"
	}
}

// Retryable reports whether an operation failing with this kind may be retried.
func (k Kind) Retryable() bool { return k == KindRemoteUnavailable }

// Error is the pipeline error type: a kind, the failing operation, and an
// optional wrapped cause. Detail is bounded before it ever reaches a user.
type Error struct {
	Kind   Kind
	Op     string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	b.WriteString(": ")
	b.WriteString(e.Kind.String())
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// E builds an *Error from a kind, operation, and optional cause.
func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Ef builds an *Error with a formatted detail message.
func Ef(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Detail: fmt.Sprintf(format, args...)}
}

// KindOf extracts the Kind from err, mapping context errors to their
// pipeline equivalents. Unrecognized errors report KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}

// maxDiagnostic bounds the slice of internal diagnostics that may leak into
// a user-visible message or a stored error column.
const maxDiagnostic = 300

// Truncate bounds s to at most n bytes, marking the cut.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…(truncated)"
}

// UserMessage derives a concise, cause-specific message safe to show in chat.
// Internal diagnostics are logged elsewhere, never shown verbatim beyond a
// bounded summary for renderer failures.
func UserMessage(err error) string {
	switch KindOf(err) {
	case KindNotFound:
		return "couldn't find that beatmap or replay"
	case KindInvalidFormat:
		return "that replay or skin file looks corrupt, sorry"
	case KindTooLarge:
		return "that file is too large to process"
	case KindRemoteUnavailable:
		return "osu! servers aren't responding right now, try again later"
	case KindTimeout:
		return "the render took too long and was aborted"
	case KindRenderError:
		var re *Error
		if errors.As(err, &re) && re.Detail != "" {
			return "rendering failed: " + Truncate(re.Detail, maxDiagnostic)
		}
		return "rendering failed"
	case KindOverloaded:
		return "the render queue is full, try again in a few minutes"
	case KindCancelled:
		return "render cancelled"
	case KindDeliveryFailed:
		return "the render finished but couldn't be delivered"
	default:
		// InvalidTransition and unknown faults surface generically.
		return "something went wrong, please try again"
	}
}

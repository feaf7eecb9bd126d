// Package rferrors defines the error taxonomy shared by every RestFlow
// component: a small set of kinds, a typed Error carrying one of them, and
// sentinel values for the conditions components need to detect with
// errors.Is instead of inspecting a message string.
package rferrors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for routing and retry decisions. Components
// never invent their own ad-hoc error categories; every error that crosses
// a package boundary carries one of these.
type Kind string

const (
	// Transport covers network/HTTP failures and timeouts. Retryable.
	Transport Kind = "transport"
	// Protocol covers malformed LLM responses and invalid tool arguments.
	// Not retryable; the iteration fails and the caller is informed.
	Protocol Kind = "protocol"
	// Policy covers security-gate blocks and pending approvals.
	Policy Kind = "policy"
	// Resource covers exceeded budgets: iterations, tool calls, wall
	// clock, depth. Terminal for the run.
	Resource Kind = "resource"
	// NotFound covers missing agents, tasks, tools, or secrets.
	NotFound Kind = "not_found"
	// Conflict covers optimistic-concurrency violations and externally
	// modified files. The caller should refresh and retry.
	Conflict Kind = "conflict"
	// Internal covers bugs. Logged with full context; terminal.
	Internal Kind = "internal"
)

// Error is the structured error type every component returns across its
// public contract. Details carries machine-readable context (e.g. a tool
// name or a file path) for callers that want to act on it without parsing
// Message.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, rferrors.Resource)-style matching is NOT
// supported directly (Kind is not an error); use HasKind instead. Is is
// implemented so that two *Error values with the same Kind and Message
// compare equal under errors.Is, which is useful in tests.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == other.Kind && e.Message == other.Message
}

// New builds an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error of the given kind wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithDetails attaches machine-readable details and returns the receiver
// for chaining at the call site.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// HasKind reports whether err (or any error it wraps) is an *Error of the
// given kind.
func HasKind(err error, kind Kind) bool {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of err, defaulting to Internal when err is not
// a *Error (or wraps one).
func KindOf(err error) Kind {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	if err == nil {
		return ""
	}
	return Internal
}

// Sentinel errors for conditions callers must detect precisely rather than
// by kind alone.
var (
	// ErrExternalModification is returned by filesystem tools when a
	// write target was modified outside of the tracked read/write pair.
	ErrExternalModification = errors.New("file modified externally since last read")
	// ErrStuck names the stuck-detection condition (same tool+args
	// repeated beyond the threshold). The execution engine does not
	// return it; it reports a stuck run through Result.Error.
	ErrStuck = errors.New("agent stuck: repeated identical tool call")
	// ErrMaxIterations names an exhausted iteration budget. The execution
	// engine does not return it; it reports the condition through
	// Result.Error.
	ErrMaxIterations = errors.New("max iterations exceeded")
	// ErrCancelled is returned when a cancellation token fires.
	ErrCancelled = errors.New("execution cancelled")
	// ErrApprovalRequired names a tool action that needs an approval
	// record that does not yet exist or is still pending. The tool
	// registry does not return it; it reports approval-required actions
	// as a Policy-kind error carrying the approval id.
	ErrApprovalRequired = errors.New("tool action requires approval")
	// ErrDecryptionFailed is returned when a secret's ciphertext fails
	// authentication; it must never be silently recovered from.
	ErrDecryptionFailed = errors.New("secret decryption failed")
)

// IsExternalModification reports whether err is, or wraps,
// ErrExternalModification.
func IsExternalModification(err error) bool { return errors.Is(err, ErrExternalModification) }

// IsStuck reports whether err is, or wraps, ErrStuck.
func IsStuck(err error) bool { return errors.Is(err, ErrStuck) }

// IsCancelled reports whether err is, or wraps, ErrCancelled.
func IsCancelled(err error) bool { return errors.Is(err, ErrCancelled) }

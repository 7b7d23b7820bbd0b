// Package coreerr defines the single error taxonomy every BMC and engine in
// the coordination substrate returns through. Frontends (out of scope here)
// map Kind to HTTP status / CLI exit code / MCP error code.
package coreerr

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an Error for dispatch at a frontend boundary.
type Kind int

const (
	// KindNotFound means an entity-scoped lookup found nothing.
	KindNotFound Kind = iota
	// KindInvalidInput means a validation failure on caller-supplied data.
	KindInvalidInput
	// KindAuthError means an authentication/authorization failure.
	KindAuthError
	// KindConflict means a reservation overlap, held build slot, or
	// duplicate unique key.
	KindConflict
	// KindLockTimeout means the archive lock was contended past its
	// timeout.
	KindLockTimeout
	// KindLockCorrupt means the archive lock's owner sidecar could not be
	// parsed.
	KindLockCorrupt
	// KindStorageError wraps a SQL, filesystem, or git failure.
	KindStorageError
	// KindPolicyDenied means the Contact Policy Engine rejected a send.
	KindPolicyDenied
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindInvalidInput:
		return "invalid_input"
	case KindAuthError:
		return "auth_error"
	case KindConflict:
		return "conflict"
	case KindLockTimeout:
		return "lock_timeout"
	case KindLockCorrupt:
		return "lock_corrupt"
	case KindStorageError:
		return "storage_error"
	case KindPolicyDenied:
		return "policy_denied"
	default:
		return "unknown"
	}
}

// Error is the single error type every core operation returns.
type Error struct {
	Kind    Kind
	Msg     string
	Context map[string]any
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, coreerr.NotFound) match any *Error of that Kind
// regardless of message, by comparing against a kind-only sentinel built
// with New(kind, "").
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New builds an *Error with no wrapped cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf builds an *Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a Kind and message to an underlying error, preserving it
// for errors.Unwrap/errors.As.
func Wrap(kind Kind, cause error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

// WithContext returns a copy of e with structured context merged in.
func (e *Error) WithContext(kv map[string]any) *Error {
	c := make(map[string]any, len(e.Context)+len(kv))
	for k, v := range e.Context {
		c[k] = v
	}
	for k, v := range kv {
		c[k] = v
	}
	return &Error{Kind: e.Kind, Msg: e.Msg, Cause: e.Cause, Context: c}
}

// KindOf returns the Kind of err if it is (or wraps) a *Error, and false
// otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

var (
	// NotFound is a sentinel usable with errors.Is(err, coreerr.NotFound).
	NotFound = New(KindNotFound, "")
	// Conflict is a sentinel usable with errors.Is(err, coreerr.Conflict).
	Conflict = New(KindConflict, "")
	// PolicyDenied is a sentinel usable with errors.Is.
	PolicyDenied = New(KindPolicyDenied, "")
)

// actorKey is the context key under which the acting id is stored.
type actorKey struct{}

// WithActor returns a context carrying the acting agent/user id for audit
// attribution. 0 means system/root.
func WithActor(ctx context.Context, actor int64) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// Actor returns the acting id stored on ctx, or 0 (system/root) if none was
// set.
func Actor(ctx context.Context) int64 {
	v, _ := ctx.Value(actorKey{}).(int64)
	return v
}

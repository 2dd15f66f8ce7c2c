// Package perrors defines the typed error taxonomy the registry and its
// collaborators use to distinguish failure kinds, wrapping underlying
// errors with fmt.Errorf("...: %w", err) rather than returning bare
// strings.
package perrors

import (
	"errors"
	"fmt"
)

// Kind is one of the closed set of error categories the core can return.
type Kind string

const (
	KindConfig              Kind = "config"
	KindResource             Kind = "resource"
	KindSpawn                Kind = "spawn"
	KindLifecycle            Kind = "lifecycle"
	KindHealth               Kind = "health"
	KindPolicy               Kind = "policy"
	KindNotFound             Kind = "not_found"
	KindConfirmationRequired Kind = "confirmation_required"
)

// Sentinel errors identifying a specific condition within a Kind. Callers
// use errors.Is against these, or inspect Kind via errors.As on *Error.
var (
	ErrDuplicateName        = errors.New("duplicate descriptor name")
	ErrInvalidConfig        = errors.New("invalid descriptor config")
	ErrPortConflict         = errors.New("requested port already assigned")
	ErrInsufficientPorts    = errors.New("auto range cannot cover requested instance count")
	ErrSpawnFailed          = errors.New("failed to spawn child process")
	ErrTimeout              = errors.New("operation exceeded its wait budget")
	ErrStopFailed           = errors.New("failed to stop descriptor")
	ErrForcedKillRequired   = errors.New("kill_timeout elapsed, forced kill required")
	ErrExitObservationLost  = errors.New("exit of child process could not be observed")
	ErrUnhealthy            = errors.New("descriptor failed consecutive health probes")
	ErrMaxRestartsExceeded  = errors.New("consecutive_restart_count exceeded max_restarts")
	ErrNotFound             = errors.New("no descriptor matches the given identifier")
	ErrConfirmationRequired = errors.New("bulk operation requires force=true")
)

// Error wraps an underlying cause with the taxonomy Kind and, for
// per-descriptor operations, the descriptor name the error applies to.
type Error struct {
	Kind string
	Name string
	Err  error
}

func (e *Error) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Name, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a typed Error for the given kind, optional descriptor name,
// and underlying sentinel/cause.
func New(kind Kind, name string, err error) *Error {
	return &Error{Kind: string(kind), Name: name, Err: err}
}

// Wrap attaches additional context to err while keeping it matchable via
// errors.Is against the original sentinel.
func Wrap(kind Kind, name string, err error, context string) *Error {
	return &Error{Kind: string(kind), Name: name, Err: fmt.Errorf("%s: %w", context, err)}
}

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error; ok is false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return Kind(e.Kind), true
	}
	return "", false
}

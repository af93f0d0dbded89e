package uwb

import "errors"

// Sentinel errors for the session manager's error taxonomy. Every operation
// that can fail surfaces one of these (possibly wrapped with additional
// context via fmt.Errorf("...: %w", err)) so callers can branch with
// errors.Is rather than string matching.
var (
	// ErrSessionDuplicate indicates two open sessions share a SessionHandle
	// or SessionId.
	ErrSessionDuplicate = errors.New("duplicate session handle or session id")

	// ErrMaxSessionsReached indicates admission failed after an eviction
	// attempt (or no eviction was attempted because the protocol does not
	// support preemption).
	ErrMaxSessionsReached = errors.New("max sessions reached for protocol")

	// ErrBadParameters indicates a protocol precondition was violated, e.g.
	// hybrid-session configuration requested on the wrong device type.
	ErrBadParameters = errors.New("bad session parameters")

	// ErrInvalidSessionState indicates the requested operation is not valid
	// in the session's current state, e.g. start while already Active.
	ErrInvalidSessionState = errors.New("invalid session state for operation")

	// ErrTimeout indicates a UCI step did not receive its matching
	// notification within the configured window.
	ErrTimeout = errors.New("timed out waiting for uwbs notification")

	// ErrSystemPolicy indicates policy-driven termination: a background-app
	// timer or error-streak timer fired. Admission eviction is reported as
	// max-sessions-reached instead.
	ErrSystemPolicy = errors.New("terminated by system policy")

	// ErrLocalAPI indicates the client itself invoked stop or close.
	ErrLocalAPI = errors.New("terminated by local api call")

	// ErrLostConnection indicates a controlee was removed because its
	// error-streak timer fired.
	ErrLostConnection = errors.New("lost connection to controlee")

	// ErrRejected indicates a redundant state-change request. Start on a
	// session that is already Active reports ErrInvalidSessionState.
	ErrRejected = errors.New("redundant state change request")

	// ErrSessionNotFound indicates a lookup by SessionHandle or SessionId
	// found no matching session.
	ErrSessionNotFound = errors.New("session not found")

	// ErrUnknownChip indicates an operation referenced a chip id the
	// registry has no configured capacity policy for.
	ErrUnknownChip = errors.New("unknown chip id")
)

// NativeFailure wraps a non-OK status byte returned by the native UWBS
// driver. It carries the raw status so callers can report it verbatim in
// a NativeFailure(status_u8) client callback.
type NativeFailure struct {
	Operation string
	Status    uint8
}

func (e *NativeFailure) Error() string {
	return "native layer returned non-ok status for " + e.Operation
}

// Is allows errors.Is(err, ErrNativeFailure) style matching against the
// sentinel below regardless of the carried status/operation.
func (e *NativeFailure) Is(target error) bool {
	return target == ErrNativeFailure //nolint:errorlint // intentional sentinel identity check
}

// ErrNativeFailure is the sentinel identity used with errors.Is against any
// *NativeFailure value.
var ErrNativeFailure = errors.New("native layer failure")

package router

import "errors"

var (
	// ErrNoEligibleBackend is returned when no backend satisfies the
	// statement's routing target. The session remains usable.
	ErrNoEligibleBackend = errors.New("no eligible backend for statement")

	// ErrBackendDown is returned when the chosen backend could not be
	// connected or the write to it failed.
	ErrBackendDown = errors.New("backend connection is down")

	// ErrHistoryDisabled is returned when a reconnection would require a
	// session command replay but history buffering has been disabled.
	ErrHistoryDisabled = errors.New("session command history is disabled")

	// ErrWriteToReadOnly is returned in error_on_write mode when a write
	// arrives and no master is available. The session stays alive in
	// read-only degraded mode.
	ErrWriteToReadOnly = errors.New("no master available, session is in read-only mode")

	// ErrMasterLost is returned in fail_instantly mode when the master is
	// required but unavailable. The session must be terminated.
	ErrMasterLost = errors.New("master connection is lost")
)

// IsFatal reports whether a routing error requires the session to be
// closed rather than surfaced as a per-statement failure.
func IsFatal(err error) bool {
	return errors.Is(err, ErrMasterLost)
}

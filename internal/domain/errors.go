package domain

import "errors"

// Sentinel errors the Link Resolver and Segmented Fetcher classify failures
// into. Workers never propagate raw errors to callers — they test against
// these with errors.Is and drive a state transition.
var (
	// ErrAuthRequired means the upstream session/credential is invalid and
	// the caller must re-authenticate. Recovered locally by rotating to
	// another credential; surfaced only once every credential has failed.
	ErrAuthRequired = errors.New("flasharr: upstream authentication required")

	// ErrQuotaExceeded means the current credential is rate-limited or out
	// of allowance. Treated as transient with a longer base backoff.
	ErrQuotaExceeded = errors.New("flasharr: upstream quota exceeded")

	// ErrNotFound means the upstream asset is gone. Permanent.
	ErrNotFound = errors.New("flasharr: upstream asset not found")

	// ErrSizeMismatch means a resumed transfer's server-reported size
	// differs from the stored value. Permanent — never silently corrupt.
	ErrSizeMismatch = errors.New("flasharr: size mismatch on resume")

	// ErrNetworkTransient covers timeouts, 5xx, and connection resets.
	// Retried with exponential backoff up to retry_max_attempts.
	ErrNetworkTransient = errors.New("flasharr: transient network error")

	// ErrDiskFull is classified permanent by default.
	ErrDiskFull = errors.New("flasharr: destination disk full")

	// ErrCancelled and ErrPaused are not errors in the user-facing sense —
	// they are lifecycle signals the Fetcher returns to the worker.
	ErrCancelled = errors.New("flasharr: transfer cancelled")
	ErrPaused    = errors.New("flasharr: transfer paused")

	// ErrProviderBusy means every credential's connection semaphore is
	// currently saturated; the caller should retry shortly. Grounded on
	// gonzb's internal/domain/errors.go ErrProviderBusy.
	ErrProviderBusy = errors.New("flasharr: all upstream credentials busy")

	// ErrInvalidTransition is returned when an Orchestrator caller requests
	// a transition not present in the state transition table.
	ErrInvalidTransition = errors.New("flasharr: invalid state transition")

	// ErrTaskNotFound is returned by unified lookup when a task id is
	// unknown to both the Task Manager and the Store.
	ErrTaskNotFound = errors.New("flasharr: task not found")
)

// Classify maps a generic transfer error onto one of the above sentinels so
// callers that only have an `error` (e.g. from net/http) can still drive the
// right state transition. Errors already matching a sentinel pass through.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	for _, sentinel := range []error{
		ErrAuthRequired, ErrQuotaExceeded, ErrNotFound, ErrSizeMismatch,
		ErrNetworkTransient, ErrDiskFull, ErrCancelled, ErrPaused, ErrProviderBusy,
	} {
		if errors.Is(err, sentinel) {
			return sentinel
		}
	}
	return ErrNetworkTransient
}

// IsTransient reports whether an error should be retried with backoff
// rather than failing the task permanently. DiskFull is classified
// permanent by default; only a caller that has its own probe of free disk
// space before a transfer starts may treat it as ephemeral, which it does
// explicitly rather than through this helper.
func IsTransient(err error) bool {
	switch Classify(err) {
	case ErrQuotaExceeded, ErrNetworkTransient, ErrProviderBusy:
		return true
	default:
		return false
	}
}

// IsPermanent reports whether an error should fail the task outright.
func IsPermanent(err error) bool {
	switch Classify(err) {
	case ErrNotFound, ErrSizeMismatch, ErrDiskFull:
		return true
	default:
		return false
	}
}

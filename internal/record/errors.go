package record

import "errors"

// The closed error set surfaced by the engine. Callers only ever observe
// ErrNotFound or one of the transient kinds; the rest stay internal to the
// router and shard manager.
var (
	// ErrNotFound reports an absent key. It is an expected outcome for
	// callers, not a failure.
	ErrNotFound = errors.New("record not found")

	// ErrCapacityExceeded reports a full shard. It triggers split candidacy
	// inside the router and is never surfaced to callers.
	ErrCapacityExceeded = errors.New("shard capacity exceeded")

	// ErrStaleEpoch rejects a primary assignment whose epoch is not strictly
	// greater than the shard's current epoch.
	ErrStaleEpoch = errors.New("stale epoch")

	// ErrNoPrimaryAvailable reports that the shard's primary is down or
	// unset. Writes are never redirected to a secondary.
	ErrNoPrimaryAvailable = errors.New("no primary available")

	// ErrUnavailable reports dispatch failure after the retry budget is
	// spent. Transient and retryable by the caller.
	ErrUnavailable = errors.New("unavailable")

	// ErrPoolExhausted reports that no connection could be leased within the
	// pool wait timeout. Transient and retryable.
	ErrPoolExhausted = errors.New("connection pool exhausted")

	// ErrDeadlineExceeded reports that the request's time budget, including
	// retries, ran out.
	ErrDeadlineExceeded = errors.New("deadline exceeded")
)

// Stable string codes used on the wire. The HTTP layers map sentinel errors
// to codes and back so that a remote caller sees the same taxonomy as an
// in-process one.
const (
	CodeNotFound           = "not_found"
	CodeCapacityExceeded   = "capacity_exceeded"
	CodeStaleEpoch         = "stale_epoch"
	CodeNoPrimaryAvailable = "no_primary_available"
	CodeUnavailable        = "unavailable"
	CodePoolExhausted      = "pool_exhausted"
	CodeDeadlineExceeded   = "deadline_exceeded"
	CodeInternal           = "internal"
)

// CodeOf maps an error to its wire code. Unrecognized errors map to
// CodeInternal.
func CodeOf(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrCapacityExceeded):
		return CodeCapacityExceeded
	case errors.Is(err, ErrStaleEpoch):
		return CodeStaleEpoch
	case errors.Is(err, ErrNoPrimaryAvailable):
		return CodeNoPrimaryAvailable
	case errors.Is(err, ErrPoolExhausted):
		return CodePoolExhausted
	case errors.Is(err, ErrDeadlineExceeded):
		return CodeDeadlineExceeded
	case errors.Is(err, ErrUnavailable):
		return CodeUnavailable
	default:
		return CodeInternal
	}
}

// FromCode reconstructs the sentinel for a wire code. Unknown codes come
// back as ErrUnavailable so remote failures stay inside the taxonomy.
func FromCode(code string) error {
	switch code {
	case CodeNotFound:
		return ErrNotFound
	case CodeCapacityExceeded:
		return ErrCapacityExceeded
	case CodeStaleEpoch:
		return ErrStaleEpoch
	case CodeNoPrimaryAvailable:
		return ErrNoPrimaryAvailable
	case CodePoolExhausted:
		return ErrPoolExhausted
	case CodeDeadlineExceeded:
		return ErrDeadlineExceeded
	default:
		return ErrUnavailable
	}
}

// IsRetryable reports whether the error is one of the transient kinds a
// caller may safely retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable) ||
		errors.Is(err, ErrPoolExhausted) ||
		errors.Is(err, ErrDeadlineExceeded)
}

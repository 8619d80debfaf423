package domain

import "errors"

// Validation errors: bad caller input, never retried.
var (
	ErrInvalidDeadline = errors.New("invalid deadline: must be in the future")
	ErrInvalidQuestion = errors.New("invalid question: must not be empty")
	ErrInvalidAmount   = errors.New("invalid amount: must be positive with at most 18 decimals")
	ErrInvalidIdentity = errors.New("invalid identity")
)

// State-conflict errors: the transition is illegal in the current phase.
var (
	ErrMarketNotFound    = errors.New("market not found")
	ErrMarketNotOpen     = errors.New("market is not open for betting")
	ErrNotYetExpired     = errors.New("market has not reached its deadline")
	ErrAlreadyResolved   = errors.New("market already resolved")
	ErrMarketNotResolved = errors.New("market not resolved")
	ErrNotEligible       = errors.New("no winning position to claim")
	ErrAlreadyClaimed    = errors.New("winnings already claimed")
)

// ErrUnauthorized deliberately says nothing about which check failed.
var ErrUnauthorized = errors.New("not permitted")

// ErrStorageUnavailable is returned only when both backends failed.
var ErrStorageUnavailable = errors.New("storage unavailable")

// ErrRecordConflict is returned by a backend that refuses a mutation because
// its own copy of the record disagrees.
var ErrRecordConflict = errors.New("record conflict")

// ErrorKind groups errors by how a caller should react.
type ErrorKind string

const (
	KindNone          ErrorKind = ""
	KindValidation    ErrorKind = "validation"
	KindState         ErrorKind = "state_conflict"
	KindAuthorization ErrorKind = "authorization"
	KindAvailability  ErrorKind = "availability"
	KindInternal      ErrorKind = "internal"
)

// KindOf classifies err, following wrapped errors.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrInvalidDeadline), errors.Is(err, ErrInvalidQuestion),
		errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidIdentity):
		return KindValidation
	case errors.Is(err, ErrMarketNotFound), errors.Is(err, ErrMarketNotOpen),
		errors.Is(err, ErrNotYetExpired), errors.Is(err, ErrAlreadyResolved),
		errors.Is(err, ErrMarketNotResolved), errors.Is(err, ErrNotEligible),
		errors.Is(err, ErrAlreadyClaimed), errors.Is(err, ErrRecordConflict):
		return KindState
	case errors.Is(err, ErrUnauthorized):
		return KindAuthorization
	case errors.Is(err, ErrStorageUnavailable):
		return KindAvailability
	default:
		return KindInternal
	}
}

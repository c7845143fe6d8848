package domain

import "errors"

var (
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrConflict          = errors.New("conflict")
	ErrDelivery          = errors.New("delivery failed")
)

// Kind classifies an error for transport mapping.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindNotFound          Kind = "not_found"
	KindInvalidTransition Kind = "invalid_state_transition"
	KindConflict          Kind = "conflict"
	KindDelivery          Kind = "delivery_failure"
	KindInternal          Kind = "internal"
)

// KindOf reports which domain kind err belongs to. Anything that does not wrap one of
// the sentinels (storage outages, driver errors) is KindInternal.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrInvalidTransition):
		return KindInvalidTransition
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrDelivery):
		return KindDelivery
	default:
		return KindInternal
	}
}

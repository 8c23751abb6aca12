package models

import "errors"

var (
	ErrAuthentication    = errors.New("authentication failed")
	ErrAuthorization     = errors.New("not authorized")
	ErrRateLimited       = errors.New("rate limit exceeded")
	ErrValidation        = errors.New("invalid payload")
	ErrNotFound          = errors.New("not found")
	ErrBrokerUnavailable = errors.New("broker unavailable")
	ErrCacheUnavailable  = errors.New("cache unavailable")
	ErrPersistence       = errors.New("persistence failure")
)

// IsActionError reports whether err rejects a single action for good.
// Such errors are reported to the client and never retried.
func IsActionError(err error) bool {
	return errors.Is(err, ErrAuthorization) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrAuthentication)
}

// PublicMessage is the text of err that may be shown to a client. Action
// errors keep their full message, wrapping detail included, since it names
// what the client got wrong. Persistence failures become the bare sentinel
// and anything else "internal error".
func PublicMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case IsActionError(err):
		return err.Error()
	case errors.Is(err, ErrPersistence):
		return ErrPersistence.Error()
	default:
		return "internal error"
	}
}

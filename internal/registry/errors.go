package registry

import "errors"

var (
	ErrUnauthorized       = errors.New("caller is not authorized for this operation")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrAlreadyExists      = errors.New("item already exists")
	ErrNotFound           = errors.New("not found")
	ErrInvalidState       = errors.New("invalid item status for this operation")
	ErrTooEarly           = errors.New("confirmation delay has not elapsed")
	ErrExpired            = errors.New("confirmation period has elapsed")
	ErrTokenAlreadyUsed   = errors.New("claim token already used")
	ErrNotStarted         = errors.New("confirmation window not started")
	ErrForbidden          = errors.New("operation forbidden while item is held outside the admin")
	ErrPreconditionFailed = errors.New("precondition failed")
)

// Code returns a stable, machine-readable code for err.
func Code(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, ErrAlreadyExists):
		return "already_exists"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrTooEarly):
		return "too_early"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrTokenAlreadyUsed):
		return "token_already_used"
	case errors.Is(err, ErrNotStarted):
		return "not_started"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrPreconditionFailed):
		return "precondition_failed"
	}
	return "internal_error"
}

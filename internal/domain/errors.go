package domain

import "errors"

var (
	ErrNotFound   = errors.New("not found")
	ErrForbidden  = errors.New("forbidden")
	ErrValidation = errors.New("validation failed")
	// ErrConflict is returned by repositories when a uniqueness constraint
	// rejects a write.
	ErrConflict = errors.New("conflict")
	// ErrChannel marks a transient live-channel failure (connection drop,
	// reconnect in progress).
	ErrChannel = errors.New("channel unavailable")
)

// ErrorCode maps an error onto the short code sent to live-channel clients.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrChannel):
		return "channel"
	default:
		return "internal"
	}
}

package rest

import "errors"

// Error taxonomy for the durable path. The pipeline routes on these:
// network failures go to the offline queue, auth failures are never
// retried, validation failures are final.
var (
	// ErrNetworkUnavailable means the device has no connectivity at all.
	// Raised by callers that consult the connectivity monitor, not by the
	// client itself.
	ErrNetworkUnavailable = errors.New("network unavailable")

	// ErrServerUnreachable means connectivity exists but the server did
	// not respond usefully.
	ErrServerUnreachable = errors.New("server unreachable")

	// ErrAuthExpired means the bearer token was rejected. Do not retry
	// the same call.
	ErrAuthExpired = errors.New("authentication expired")

	// ErrPermissionDenied means the caller is not a participant of the
	// target conversation.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrNotFound means the conversation or message does not exist.
	ErrNotFound = errors.New("not found")
)

// ValidationError is a final, non-retriable rejection of the request.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return "validation: " + e.Message }

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Retriable reports whether the durable path may retry or queue the
// operation. Auth, permission, not-found and validation failures are
// final.
func Retriable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrAuthExpired),
		errors.Is(err, ErrPermissionDenied),
		errors.Is(err, ErrNotFound),
		IsValidation(err):
		return false
	default:
		return true
	}
}

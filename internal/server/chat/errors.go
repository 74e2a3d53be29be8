package chat

import "errors"

// ErrPermissionDenied is returned when the acting user is not a
// participant of the target conversation, or is not allowed to perform
// the mutation (e.g. deleting someone else's message).
var ErrPermissionDenied = errors.New("permission denied")

// ErrNotFound is returned when the target conversation or message does
// not exist.
var ErrNotFound = errors.New("not found")

// ValidationError reports a rejected request (empty text, missing
// recipient). It is final and non-retriable.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "validation: " + e.Reason }

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

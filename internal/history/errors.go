package history

import "errors"

var (
	// ErrNotFound indicates the requested session does not exist.
	ErrNotFound = errors.New("session not found")

	// ErrMissingID indicates a session without an ID.
	ErrMissingID = errors.New("session id is required")
)

package pmhq

import "errors"

// Domain errors for the backend API client.
var (
	// ErrCallFailed indicates the HTTP call itself failed or returned an error result.
	ErrCallFailed = errors.New("pmhq call failed")

	// ErrBadResponse indicates a response that could not be decoded.
	ErrBadResponse = errors.New("pmhq response malformed")

	// ErrNotLoggedIn indicates no account is logged in yet.
	ErrNotLoggedIn = errors.New("pmhq account not logged in")
)

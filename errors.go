package headspa

import "errors"

// Precondition failures. They are returned before any network call and the
// engine state is left untouched.
var (
	ErrNotAuthenticated = errors.New("headspa: no authenticated user")
	ErrNoChannel        = errors.New("headspa: realtime channel is not connected")
	ErrNoConversation   = errors.New("headspa: no conversation selected")
	ErrWrongRole        = errors.New("headspa: operation not allowed for this role")
	ErrEmptyContent     = errors.New("headspa: message content is empty")
	ErrInvalidPayload   = errors.New("headspa: invalid payload")
)

// IsPrecondition reports whether err is one of the precondition failures.
func IsPrecondition(err error) bool {
	switch {
	case errors.Is(err, ErrNotAuthenticated),
		errors.Is(err, ErrNoChannel),
		errors.Is(err, ErrNoConversation),
		errors.Is(err, ErrWrongRole),
		errors.Is(err, ErrEmptyContent),
		errors.Is(err, ErrInvalidPayload):
		return true
	}
	return false
}

package session

import "errors"

// ErrForbidden names the refusal of a command that requires a role the
// session's user does not hold. The dispatcher reports that case in its
// reply text and does not return this error.
var ErrForbidden = errors.New("session: forbidden")

// ErrNotAuthenticated names the refusal of a command that requires a
// logged-in user. The dispatcher reports that case in its reply text and
// does not return this error.
var ErrNotAuthenticated = errors.New("session: not authenticated")

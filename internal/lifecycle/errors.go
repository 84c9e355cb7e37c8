package lifecycle

import "errors"

// ErrSessionNotClosed is returned by Reopen when the session is not in
// the manually closed state.
var ErrSessionNotClosed = errors.New("session is not closed")

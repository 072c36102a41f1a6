package storage

import "errors"

// ErrLocked is returned when a post is appended to a locked thread.
var ErrLocked = errors.New("storage: locked")

package upload

import (
	"errors"

	"github.com/scribeline/go-uploadkit/upload/network"
)

// ErrInvalidState is returned when an operation is invoked against a
// session in an incompatible state, e.g. Upload on a cancelled session.
// A programming error; never retried.
var ErrInvalidState = errors.New("operation is not allowed in the session's current state")

// ErrSessionNotFound is returned when the session ID is not present in
// the session store.
var ErrSessionNotFound = errors.New("session not found")

// ErrInitializationFailed is returned when the server rejects session
// creation (invalid size, quota). Fatal; not retried automatically.
var ErrInitializationFailed = errors.New("upload session initialization failed")

// ErrSessionExpired mirrors network.ErrSessionExpired: the server no
// longer recognizes the session. The caller must initialize a new session
// from scratch; expired sessions are never silently re-created.
var ErrSessionExpired = network.ErrSessionExpired

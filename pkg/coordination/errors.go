package coordination

import "errors"

var (
	// ErrConnection is a transport failure opening or using a session.
	ErrConnection = errors.New("coordination: connection failure")
	// ErrSessionExpired means the session and its ephemeral nodes are gone.
	ErrSessionExpired = errors.New("coordination: session expired")
	ErrNodeExists     = errors.New("coordination: node already exists")
	ErrNoNode         = errors.New("coordination: node does not exist")
	ErrNotEmpty       = errors.New("coordination: node has children")
	// ErrNoLeaderAvailable is returned when no endpoint yields a live leader.
	// Callers may retry later.
	ErrNoLeaderAvailable = errors.New("coordination: no leader available")
	// ErrInterrupted is returned when a blocking wait is cancelled locally.
	ErrInterrupted = errors.New("coordination: interrupted")
	ErrClosed      = errors.New("coordination: session closed")
)

// IsTransient reports whether err is a transport or session level failure
// that the connection layer recovers from on its own.
func IsTransient(err error) bool {
	return errors.Is(err, ErrConnection) ||
		errors.Is(err, ErrSessionExpired) ||
		errors.Is(err, ErrClosed) ||
		errors.Is(err, ErrInterrupted)
}

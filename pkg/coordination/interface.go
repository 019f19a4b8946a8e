package coordination

import (
	"context"
	"time"
)

// CreateMode selects the lifetime and naming of a created node.
type CreateMode int

const (
	Persistent CreateMode = iota
	Ephemeral
	PersistentSequential
	EphemeralSequential
)

// IsEphemeral reports whether nodes created with this mode die with their session.
func (m CreateMode) IsEphemeral() bool {
	return m == Ephemeral || m == EphemeralSequential
}

// IsSequential reports whether the service appends a sequence suffix.
func (m CreateMode) IsSequential() bool {
	return m == PersistentSequential || m == EphemeralSequential
}

// EventType identifies what a watch or session event is about.
type EventType int

const (
	EventSession EventType = iota
	EventNodeCreated
	EventNodeDeleted
	EventNodeDataChanged
	EventNodeChildrenChanged
	// EventNotWatching is delivered when a watch is dropped without firing
	// (session closed or expired).
	EventNotWatching
)

func (t EventType) String() string {
	switch t {
	case EventSession:
		return "session"
	case EventNodeCreated:
		return "node-created"
	case EventNodeDeleted:
		return "node-deleted"
	case EventNodeDataChanged:
		return "node-data-changed"
	case EventNodeChildrenChanged:
		return "node-children-changed"
	case EventNotWatching:
		return "not-watching"
	default:
		return "unknown"
	}
}

// SessionState is the connectivity of a session as reported by session events.
type SessionState int

const (
	StateUnknown SessionState = iota
	StateConnected
	StateDisconnected
	StateExpired
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateExpired:
		return "expired"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is delivered on session event channels and on one-shot watch channels.
type Event struct {
	Type  EventType
	State SessionState
	Path  string
	Err   error
}

// Stat carries node metadata.
type Stat struct {
	Version     int64
	NumChildren int
}

// Session is a live connection to one coordination endpoint.
//
// Watch channels returned by the *W methods deliver at most one event and
// are then closed.
type Session interface {
	// Endpoint returns the address this session was opened against.
	Endpoint() string

	// Create creates a node and returns its final path (with the sequence
	// suffix for sequential modes). The parent must exist.
	Create(ctx context.Context, path string, data []byte, mode CreateMode) (string, error)

	// Get reads a node's payload.
	Get(ctx context.Context, path string) ([]byte, *Stat, error)

	// GetW reads a node's payload and watches it for data change or deletion.
	GetW(ctx context.Context, path string) ([]byte, *Stat, <-chan Event, error)

	// Set replaces a node's payload unconditionally.
	Set(ctx context.Context, path string, data []byte) error

	// Delete removes a childless node.
	Delete(ctx context.Context, path string) error

	// Children lists the names of a node's direct children.
	Children(ctx context.Context, path string) ([]string, error)

	// ChildrenW lists children and watches for a child being added or removed.
	ChildrenW(ctx context.Context, path string) ([]string, <-chan Event, error)

	// Exists reports whether a node exists.
	Exists(ctx context.Context, path string) (bool, error)

	// ExistsW reports existence and watches for creation, change or deletion.
	ExistsW(ctx context.Context, path string) (bool, <-chan Event, error)

	// Close ends the session; its ephemeral nodes are removed.
	Close() error
}

// Dialer opens sessions against a single endpoint.
type Dialer interface {
	// Dial opens a session. The returned channel carries session events
	// (connected, disconnected, expired) and is closed when the session ends.
	Dial(ctx context.Context, endpoint string, timeout time.Duration) (Session, <-chan Event, error)
}

// SessionProvider hands out the process's current live session.
type SessionProvider interface {
	Session() Session
}

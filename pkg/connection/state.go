package connection

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/atomic"

	"chathub/pkg/coordination"
)

// State is the connection state of one instance: the configured endpoints,
// the round-robin cursor and the live session.
type State struct {
	instance  string
	endpoints []string
	cursor    *atomic.Uint64

	mu         sync.RWMutex
	session    coordination.Session
	endpoint   string
	generation uint64
	connected  bool
}

// Snapshot is a copy of State for reporting.
type Snapshot struct {
	Instance   string   `json:"instance"`
	Endpoints  []string `json:"endpoints"`
	Endpoint   string   `json:"endpoint"`
	Generation uint64   `json:"generation"`
	Connected  bool     `json:"connected"`
}

// NewState returns a State with a fresh instance id and the cursor on the
// first endpoint.
func NewState(endpoints []string) *State {
	return &State{
		instance:  uuid.NewString(),
		endpoints: append([]string(nil), endpoints...),
		cursor:    atomic.NewUint64(0),
	}
}

func (s *State) InstanceID() string { return s.instance }

func (s *State) Endpoints() []string { return append([]string(nil), s.endpoints...) }

// Session returns the live session, or nil before the first connect.
func (s *State) Session() coordination.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session
}

func (s *State) Endpoint() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.endpoint
}

// Generation counts installed sessions; it changes exactly when the
// session does.
func (s *State) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

func (s *State) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		Instance:   s.instance,
		Endpoints:  append([]string(nil), s.endpoints...),
		Endpoint:   s.endpoint,
		Generation: s.generation,
		Connected:  s.connected,
	}
}

// next returns endpoints[cursor % N] and advances the cursor.
func (s *State) next() string {
	i := s.cursor.Inc() - 1
	return s.endpoints[i%uint64(len(s.endpoints))]
}

func (s *State) install(session coordination.Session, endpoint string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = session
	s.endpoint = endpoint
	s.generation++
	s.connected = true
	return s.generation
}

func (s *State) setConnected(connected bool) {
	s.mu.Lock()
	s.connected = connected
	s.mu.Unlock()
}

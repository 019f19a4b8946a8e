// Package watch keeps one-shot coordination watches alive as persistent
// subscriptions. After every fire, and after every rearm, a subscription
// reinstalls its watch, reads the current value and compares it with the
// last one it saw; the handler only runs when they differ.
package watch

import (
	"bytes"
	"context"
	"sort"
	"sync"

	goset "github.com/deckarep/golang-set/v2"
	"go.uber.org/atomic"

	"chathub/pkg/coordination"
)

// Kind selects what a subscription observes.
type Kind int

const (
	// Data observes a node's payload.
	Data Kind = iota
	// Children observes a node's child names.
	Children
)

func (k Kind) String() string {
	if k == Children {
		return "children"
	}
	return "data"
}

// Snapshot is what a subscription last observed.
type Snapshot struct {
	Data     []byte
	Version  int64
	Children []string
}

// Change is handed to a Handler when the snapshot moved.
type Change struct {
	Path     string
	Kind     Kind
	Previous Snapshot
	Current  Snapshot
	// Added and Removed are sorted child names; only set for Children.
	Added   []string
	Removed []string
}

// Handler reacts to a change. It runs on the registry worker.
type Handler func(ctx context.Context, change Change)

// Subscription is the persistent interest in one (path, kind).
type Subscription struct {
	path    string
	kind    Kind
	handler Handler

	mu      sync.Mutex
	last    *Snapshot
	pending coordination.Session

	cancelled *atomic.Bool
	failures  *atomic.Int32
}

func newSubscription(path string, kind Kind, handler Handler) *Subscription {
	return &Subscription{
		path:      path,
		kind:      kind,
		handler:   handler,
		cancelled: atomic.NewBool(false),
		failures:  atomic.NewInt32(0),
	}
}

func (s *Subscription) Path() string { return s.path }

func (s *Subscription) Kind() Kind { return s.kind }

// Last returns the last observed snapshot and whether there is one.
func (s *Subscription) Last() (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return Snapshot{}, false
	}
	return *s.last, true
}

// needsWatch reports whether session has no outstanding watch for s.
func (s *Subscription) needsWatch(session coordination.Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending != session
}

func (s *Subscription) armed(session coordination.Session) {
	s.mu.Lock()
	s.pending = session
	s.mu.Unlock()
}

// fired clears the outstanding watch if it belongs to session.
func (s *Subscription) fired(session coordination.Session) {
	s.mu.Lock()
	if s.pending == session {
		s.pending = nil
	}
	s.mu.Unlock()
}

// read takes a snapshot, placing a watch when watch is true.
func (s *Subscription) read(ctx context.Context, session coordination.Session, watch bool) (Snapshot, <-chan coordination.Event, error) {
	switch s.kind {
	case Children:
		var (
			names []string
			ch    <-chan coordination.Event
			err   error
		)
		if watch {
			names, ch, err = session.ChildrenW(ctx, s.path)
		} else {
			names, err = session.Children(ctx, s.path)
		}
		if err != nil {
			return Snapshot{}, nil, err
		}
		sorted := append([]string(nil), names...)
		sort.Strings(sorted)
		return Snapshot{Children: sorted}, ch, nil
	default:
		var (
			data []byte
			stat *coordination.Stat
			ch   <-chan coordination.Event
			err  error
		)
		if watch {
			data, stat, ch, err = session.GetW(ctx, s.path)
		} else {
			data, stat, err = session.Get(ctx, s.path)
		}
		if err != nil {
			return Snapshot{}, nil, err
		}
		return Snapshot{Data: data, Version: stat.Version}, ch, nil
	}
}

// update records current and returns the change against the previous
// snapshot. The first snapshot is a baseline and yields no change.
func (s *Subscription) update(current Snapshot) (Change, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.last
	s.last = &current
	if prev == nil {
		return Change{}, false
	}

	change := Change{Path: s.path, Kind: s.kind, Previous: *prev, Current: current}
	switch s.kind {
	case Children:
		before := goset.NewSet[string](prev.Children...)
		after := goset.NewSet[string](current.Children...)
		if before.Equal(after) {
			return Change{}, false
		}
		change.Added = sortedSlice(after.Difference(before))
		change.Removed = sortedSlice(before.Difference(after))
	default:
		if prev.Version == current.Version && bytes.Equal(prev.Data, current.Data) {
			return Change{}, false
		}
	}
	return change, true
}

func sortedSlice(set goset.Set[string]) []string {
	out := set.ToSlice()
	sort.Strings(out)
	return out
}

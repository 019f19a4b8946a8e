package memory

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	"chathub/pkg/coordination"
)

// Session is one client session against a Cluster endpoint.
type Session struct {
	cluster   *Cluster
	id        int64
	endpoint  string
	events    chan coordination.Event
	connected bool
	closed    bool
	endState  coordination.SessionState
}

var _ coordination.Session = (*Session)(nil)

// ID returns the server-assigned session id.
func (s *Session) ID() int64 { return s.id }

// Endpoint implements coordination.Session.
func (s *Session) Endpoint() string { return s.endpoint }

// emit must be called with the cluster lock held.
func (s *Session) emit(state coordination.SessionState) {
	select {
	case s.events <- coordination.Event{Type: coordination.EventSession, State: state}:
	default:
	}
}

// usable must be called with the cluster lock held.
func (s *Session) usable(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", coordination.ErrInterrupted, err)
	}
	if s.closed {
		if s.endState == coordination.StateExpired {
			return coordination.ErrSessionExpired
		}
		return coordination.ErrClosed
	}
	if !s.connected || s.cluster.down[s.endpoint] {
		return fmt.Errorf("%w: endpoint %s unreachable", coordination.ErrConnection, s.endpoint)
	}
	return nil
}

func validPath(p string) error {
	if p == "" || p[0] != '/' || (len(p) > 1 && strings.HasSuffix(p, "/")) || strings.Contains(p, "//") {
		return fmt.Errorf("coordination: invalid path %q", p)
	}
	return nil
}

// Create implements coordination.Session.
func (s *Session) Create(ctx context.Context, p string, data []byte, mode coordination.CreateMode) (string, error) {
	if err := validPath(p); err != nil {
		return "", err
	}
	if p == "/" {
		return "", coordination.ErrNodeExists
	}
	c := s.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := s.usable(ctx); err != nil {
		return "", err
	}

	parentPath, name := path.Split(p)
	parentPath = clean(parentPath)
	parent := c.lookup(parentPath)
	if parent == nil {
		return "", fmt.Errorf("%w: parent of %s", coordination.ErrNoNode, p)
	}
	if mode.IsSequential() {
		name = fmt.Sprintf("%s%010d", name, parent.nextSeq)
		parent.nextSeq++
	}
	if _, ok := parent.children[name]; ok {
		return "", fmt.Errorf("%w: %s", coordination.ErrNodeExists, p)
	}

	var owner int64
	if mode.IsEphemeral() {
		owner = s.id
	}
	parent.children[name] = newNode(append([]byte(nil), data...), owner)

	created := join(parentPath, name)
	c.fire(c.dataWatches, created, coordination.EventNodeCreated)
	c.fire(c.childWatches, parentPath, coordination.EventNodeChildrenChanged)
	return created, nil
}

// Get implements coordination.Session.
func (s *Session) Get(ctx context.Context, p string) ([]byte, *coordination.Stat, error) {
	data, stat, _, err := s.get(ctx, p, false)
	return data, stat, err
}

// GetW implements coordination.Session.
func (s *Session) GetW(ctx context.Context, p string) ([]byte, *coordination.Stat, <-chan coordination.Event, error) {
	return s.get(ctx, p, true)
}

func (s *Session) get(ctx context.Context, p string, watch bool) ([]byte, *coordination.Stat, <-chan coordination.Event, error) {
	c := s.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := s.usable(ctx); err != nil {
		return nil, nil, nil, err
	}
	n := c.lookup(p)
	if n == nil {
		return nil, nil, nil, fmt.Errorf("%w: %s", coordination.ErrNoNode, p)
	}
	var ch <-chan coordination.Event
	if watch {
		ch = c.watch(c.dataWatches, s, p)
	}
	return append([]byte(nil), n.data...), &coordination.Stat{Version: n.version, NumChildren: len(n.children)}, ch, nil
}

// Set implements coordination.Session.
func (s *Session) Set(ctx context.Context, p string, data []byte) error {
	c := s.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := s.usable(ctx); err != nil {
		return err
	}
	n := c.lookup(p)
	if n == nil {
		return fmt.Errorf("%w: %s", coordination.ErrNoNode, p)
	}
	n.data = append([]byte(nil), data...)
	n.version++
	c.fire(c.dataWatches, p, coordination.EventNodeDataChanged)
	return nil
}

// Delete implements coordination.Session.
func (s *Session) Delete(ctx context.Context, p string) error {
	if p == "/" {
		return fmt.Errorf("coordination: cannot delete root")
	}
	c := s.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := s.usable(ctx); err != nil {
		return err
	}
	n := c.lookup(p)
	if n == nil {
		return fmt.Errorf("%w: %s", coordination.ErrNoNode, p)
	}
	if len(n.children) > 0 {
		return fmt.Errorf("%w: %s", coordination.ErrNotEmpty, p)
	}
	c.remove(p)
	return nil
}

// Children implements coordination.Session.
func (s *Session) Children(ctx context.Context, p string) ([]string, error) {
	names, _, err := s.children(ctx, p, false)
	return names, err
}

// ChildrenW implements coordination.Session.
func (s *Session) ChildrenW(ctx context.Context, p string) ([]string, <-chan coordination.Event, error) {
	return s.children(ctx, p, true)
}

func (s *Session) children(ctx context.Context, p string, watch bool) ([]string, <-chan coordination.Event, error) {
	c := s.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := s.usable(ctx); err != nil {
		return nil, nil, err
	}
	n := c.lookup(p)
	if n == nil {
		return nil, nil, fmt.Errorf("%w: %s", coordination.ErrNoNode, p)
	}
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	// reverse order: callers must sort
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	var ch <-chan coordination.Event
	if watch {
		ch = c.watch(c.childWatches, s, p)
	}
	return names, ch, nil
}

// Exists implements coordination.Session.
func (s *Session) Exists(ctx context.Context, p string) (bool, error) {
	ok, _, err := s.exists(ctx, p, false)
	return ok, err
}

// ExistsW implements coordination.Session.
func (s *Session) ExistsW(ctx context.Context, p string) (bool, <-chan coordination.Event, error) {
	return s.exists(ctx, p, true)
}

func (s *Session) exists(ctx context.Context, p string, watch bool) (bool, <-chan coordination.Event, error) {
	c := s.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := s.usable(ctx); err != nil {
		return false, nil, err
	}
	var ch <-chan coordination.Event
	if watch {
		ch = c.watch(c.dataWatches, s, p)
	}
	return c.lookup(p) != nil, ch, nil
}

// Close implements coordination.Session.
func (s *Session) Close() error {
	c := s.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endSession(s, coordination.StateClosed)
	return nil
}

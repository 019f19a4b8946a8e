// Package memory implements an in-process coordination service: one shared
// node tree reachable through any number of named endpoints, with sessions,
// ephemeral and sequential nodes and one-shot watches.
//
// It backs local development runs (CHATHUB_BACKEND=memory) and the test
// suites, which use its fault controls to expire sessions, drop
// connections and take endpoints down.
package memory

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"chathub/pkg/coordination"
)

const eventBuffer = 64

type node struct {
	data     []byte
	version  int64
	owner    int64
	nextSeq  int64
	children map[string]*node
}

func newNode(data []byte, owner int64) *node {
	return &node{data: data, owner: owner, children: map[string]*node{}}
}

type watcher struct {
	session *Session
	ch      chan coordination.Event
}

// Cluster is the shared state behind every endpoint.
type Cluster struct {
	mu           sync.Mutex
	root         *node
	down         map[string]bool
	sessions     map[int64]*Session
	nextID       int64
	dataWatches  map[string][]*watcher
	childWatches map[string][]*watcher
}

var _ coordination.Dialer = (*Cluster)(nil)

// NewCluster returns an empty tree with only the root node.
func NewCluster() *Cluster {
	return &Cluster{
		root:         newNode(nil, 0),
		down:         map[string]bool{},
		sessions:     map[int64]*Session{},
		dataWatches:  map[string][]*watcher{},
		childWatches: map[string][]*watcher{},
	}
}

// Dial implements coordination.Dialer. The timeout is accepted for
// interface compatibility; sessions only expire through Expire.
func (c *Cluster) Dial(ctx context.Context, endpoint string, _ time.Duration) (coordination.Session, <-chan coordination.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", coordination.ErrInterrupted, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.down[endpoint] {
		return nil, nil, fmt.Errorf("%w: endpoint %s unreachable", coordination.ErrConnection, endpoint)
	}

	c.nextID++
	s := &Session{
		cluster:   c,
		id:        c.nextID,
		endpoint:  endpoint,
		events:    make(chan coordination.Event, eventBuffer),
		connected: true,
	}
	c.sessions[s.id] = s
	s.emit(coordination.StateConnected)
	return s, s.events, nil
}

// SetDown marks an endpoint unreachable (or reachable again). Sessions
// opened through it observe a disconnect, and a reconnect when it returns.
func (c *Cluster) SetDown(endpoint string, down bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.down[endpoint] = down
	for _, s := range c.sessions {
		if s.endpoint != endpoint {
			continue
		}
		s.connected = !down
		if down {
			s.emit(coordination.StateDisconnected)
		} else {
			s.emit(coordination.StateConnected)
		}
	}
}

// Blip simulates a transient connectivity loss: the session is reported
// disconnected and then connected again, keeping its ephemeral nodes.
func (c *Cluster) Blip(s coordination.Session) {
	ms, ok := s.(*Session)
	if !ok {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if ms.closed {
		return
	}
	ms.emit(coordination.StateDisconnected)
	ms.emit(coordination.StateConnected)
}

// Expire ends a session as the server would after its timeout: ephemeral
// nodes are removed, pending watches are dropped and an expired event is
// delivered.
func (c *Cluster) Expire(s coordination.Session) {
	ms, ok := s.(*Session)
	if !ok {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endSession(ms, coordination.StateExpired)
}

// SessionCount returns the number of live sessions, optionally filtered by endpoint.
func (c *Cluster) SessionCount(endpoint string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, s := range c.sessions {
		if endpoint == "" || s.endpoint == endpoint {
			n++
		}
	}
	return n
}

// endSession must be called with c.mu held.
func (c *Cluster) endSession(s *Session, state coordination.SessionState) {
	if s.closed {
		return
	}
	s.closed = true
	s.endState = state
	delete(c.sessions, s.id)

	for _, p := range c.ephemeralsOf(s.id) {
		c.remove(p)
	}
	c.dropWatches(s)

	s.emit(state)
	close(s.events)
}

func (c *Cluster) ephemeralsOf(owner int64) []string {
	var out []string
	var walk func(p string, n *node)
	walk = func(p string, n *node) {
		for name, child := range n.children {
			cp := join(p, name)
			if child.owner == owner {
				out = append(out, cp)
			}
			walk(cp, child)
		}
	}
	walk("/", c.root)
	// deepest first
	sort.Slice(out, func(i, j int) bool { return len(out[i]) > len(out[j]) })
	return out
}

func (c *Cluster) dropWatches(s *Session) {
	for _, set := range []map[string][]*watcher{c.dataWatches, c.childWatches} {
		for p, ws := range set {
			kept := ws[:0]
			for _, w := range ws {
				if w.session == s {
					w.ch <- coordination.Event{Type: coordination.EventNotWatching, Path: p, Err: coordination.ErrClosed}
					close(w.ch)
					continue
				}
				kept = append(kept, w)
			}
			if len(kept) == 0 {
				delete(set, p)
			} else {
				set[p] = kept
			}
		}
	}
}

func (c *Cluster) lookup(p string) *node {
	if p == "/" {
		return c.root
	}
	n := c.root
	for _, part := range strings.Split(strings.TrimPrefix(p, "/"), "/") {
		next, ok := n.children[part]
		if !ok {
			return nil
		}
		n = next
	}
	return n
}

func (c *Cluster) fire(set map[string][]*watcher, p string, t coordination.EventType) {
	for _, w := range set[p] {
		w.ch <- coordination.Event{Type: t, Path: p}
		close(w.ch)
	}
	delete(set, p)
}

func (c *Cluster) watch(set map[string][]*watcher, s *Session, p string) <-chan coordination.Event {
	ch := make(chan coordination.Event, 1)
	set[p] = append(set[p], &watcher{session: s, ch: ch})
	return ch
}

func (c *Cluster) remove(p string) {
	parentPath, name := path.Split(p)
	parentPath = clean(parentPath)
	parent := c.lookup(parentPath)
	if parent == nil {
		return
	}
	if _, ok := parent.children[name]; !ok {
		return
	}
	delete(parent.children, name)
	c.fire(c.dataWatches, p, coordination.EventNodeDeleted)
	c.fire(c.childWatches, p, coordination.EventNodeDeleted)
	c.fire(c.childWatches, parentPath, coordination.EventNodeChildrenChanged)
}

func join(parent, name string) string {
	if parent == "/" {
		return "/" + name
	}
	return parent + "/" + name
}

func clean(p string) string {
	if p == "" || p == "/" {
		return "/"
	}
	return strings.TrimSuffix(p, "/")
}

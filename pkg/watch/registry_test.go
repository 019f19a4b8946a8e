package watch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"chathub/pkg/coordination"
	"chathub/pkg/coordination/memory"
)

type provider struct{ s coordination.Session }

func (p provider) Session() coordination.Session { return p.s }

type collector struct {
	mu      sync.Mutex
	changes []Change
}

func (c *collector) handle(_ context.Context, ch Change) {
	c.mu.Lock()
	c.changes = append(c.changes, ch)
	c.mu.Unlock()
}

func (c *collector) all() []Change {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Change(nil), c.changes...)
}

type env struct {
	cluster  *memory.Cluster
	session  coordination.Session
	writer   coordination.Session
	registry *Registry
}

func setup(t *testing.T) *env {
	t.Helper()
	t.Cleanup(func() { goleak.VerifyNone(t) })

	cluster := memory.NewCluster()
	s, _, err := cluster.Dial(context.Background(), "e1", time.Second)
	require.NoError(t, err)
	w, _, err := cluster.Dial(context.Background(), "e2", time.Second)
	require.NoError(t, err)

	r := NewRegistry(provider{s})
	r.Start()
	t.Cleanup(func() {
		r.Close()
		_ = s.Close()
		_ = w.Close()
	})
	return &env{cluster: cluster, session: s, writer: w, registry: r}
}

func (e *env) create(t *testing.T, path, data string) {
	t.Helper()
	_, err := e.writer.Create(context.Background(), path, []byte(data), coordination.Persistent)
	require.NoError(t, err)
}

func TestDataSubscriptionDispatchesOnlyChanges(t *testing.T) {
	e := setup(t)
	e.create(t, "/state", "offline")

	c := &collector{}
	sub := e.registry.Subscribe("/state", Data, c.handle)
	require.Eventually(t, func() bool { _, ok := sub.Last(); return ok }, time.Second, time.Millisecond)
	assert.Empty(t, c.all(), "baseline must not dispatch")

	require.NoError(t, e.writer.Set(context.Background(), "/state", []byte("online")))
	require.Eventually(t, func() bool { return len(c.all()) == 1 }, time.Second, time.Millisecond)

	ch := c.all()[0]
	assert.Equal(t, "/state", ch.Path)
	assert.Equal(t, "offline", string(ch.Previous.Data))
	assert.Equal(t, "online", string(ch.Current.Data))

	// reinstalled: the next change is seen too
	require.NoError(t, e.writer.Set(context.Background(), "/state", []byte("offline")))
	require.Eventually(t, func() bool { return len(c.all()) == 2 }, time.Second, time.Millisecond)
}

func TestChildrenSubscriptionReportsAddedAndRemoved(t *testing.T) {
	e := setup(t)
	e.create(t, "/rooms", "")
	e.create(t, "/rooms/a", "")

	c := &collector{}
	sub := e.registry.Subscribe("/rooms", Children, c.handle)
	require.Eventually(t, func() bool { _, ok := sub.Last(); return ok }, time.Second, time.Millisecond)

	e.create(t, "/rooms/b", "")
	require.Eventually(t, func() bool { return len(c.all()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"b"}, c.all()[0].Added)
	assert.Empty(t, c.all()[0].Removed)

	require.NoError(t, e.writer.Delete(context.Background(), "/rooms/a"))
	require.Eventually(t, func() bool { return len(c.all()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"a"}, c.all()[1].Removed)
	assert.Equal(t, []string{"b"}, c.all()[1].Current.Children)
}

func TestRearmAfterReconnectEmitsOnlyRealChanges(t *testing.T) {
	e := setup(t)
	e.create(t, "/rooms", "")

	c := &collector{}
	sub := e.registry.Subscribe("/rooms", Children, c.handle)
	require.Eventually(t, func() bool { _, ok := sub.Last(); return ok }, time.Second, time.Millisecond)

	// nothing changed: rearm is silent
	e.registry.RearmAll()
	e.registry.RearmAll()
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, c.all())

	// a change lands while this session is cut off
	e.cluster.SetDown("e1", true)
	e.create(t, "/rooms/x", "")
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, c.all())

	e.cluster.SetDown("e1", false)
	e.registry.RearmAll()
	require.Eventually(t, func() bool { return len(c.all()) == 1 }, time.Second, time.Millisecond)

	// and is reported once, not again on the next rearm
	e.registry.RearmAll()
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, c.all(), 1)
}

// flakySession fails the first reads of a children watch.
type flakySession struct {
	coordination.Session
	mu    sync.Mutex
	fails int
}

func (f *flakySession) ChildrenW(ctx context.Context, path string) ([]string, <-chan coordination.Event, error) {
	f.mu.Lock()
	if f.fails > 0 {
		f.fails--
		f.mu.Unlock()
		return nil, nil, coordination.ErrConnection
	}
	f.mu.Unlock()
	return f.Session.ChildrenW(ctx, path)
}

func TestFailedReadIsRetried(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	ctx := context.Background()
	cluster := memory.NewCluster()
	s, _, err := cluster.Dial(ctx, "e1", time.Second)
	require.NoError(t, err)
	defer s.Close()
	_, err = s.Create(ctx, "/rooms", nil, coordination.Persistent)
	require.NoError(t, err)
	_, err = s.Create(ctx, "/rooms/a", nil, coordination.Persistent)
	require.NoError(t, err)

	r := NewRegistry(provider{&flakySession{Session: s, fails: 2}}, WithRetryDelay(5*time.Millisecond))
	r.Start()
	defer r.Close()

	c := &collector{}
	r.SubscribeFrom("/rooms", Children, Snapshot{}, c.handle)
	require.Eventually(t, func() bool { return len(c.all()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"a"}, c.all()[0].Added)

	// the watch is armed again after the retry
	_, err = s.Create(ctx, "/rooms/b", nil, coordination.Persistent)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(c.all()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"b"}, c.all()[1].Added)
	assert.True(t, r.Subscribed("/rooms", Children))
}

func TestMissingNodeIsDroppedSilently(t *testing.T) {
	e := setup(t)
	e.create(t, "/users", "")
	e.create(t, "/users/bob", "")

	c := &collector{}
	e.registry.Subscribe("/users/bob", Data, c.handle)
	e.registry.Subscribe("/users/ghost", Data, c.handle)
	require.Eventually(t, func() bool { return e.registry.Len() == 1 }, time.Second, time.Millisecond)
	assert.True(t, e.registry.Subscribed("/users/bob", Data))

	require.NoError(t, e.writer.Delete(context.Background(), "/users/bob"))
	require.Eventually(t, func() bool { return e.registry.Len() == 0 }, time.Second, time.Millisecond)
	assert.Empty(t, c.all())
}

func TestSubscribeFromBaselineReportsExistingChildren(t *testing.T) {
	e := setup(t)
	e.create(t, "/msgs", "")
	e.create(t, "/msgs/m1", "")

	c := &collector{}
	e.registry.SubscribeFrom("/msgs", Children, Snapshot{}, c.handle)
	require.Eventually(t, func() bool { return len(c.all()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"m1"}, c.all()[0].Added)
}

func TestUnsubscribeStopsDispatch(t *testing.T) {
	e := setup(t)
	e.create(t, "/n", "a")

	c := &collector{}
	sub := e.registry.Subscribe("/n", Data, c.handle)
	require.Eventually(t, func() bool { _, ok := sub.Last(); return ok }, time.Second, time.Millisecond)

	e.registry.Unsubscribe("/n", Data)
	require.NoError(t, e.writer.Set(context.Background(), "/n", []byte("b")))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, c.all())
	assert.Equal(t, 0, e.registry.Len())
	assert.Empty(t, e.registry.Paths())
}

func TestUpdateDiff(t *testing.T) {
	sub := newSubscription("/n", Data, nil)
	_, changed := sub.update(Snapshot{Data: []byte("a"), Version: 0})
	assert.False(t, changed)
	_, changed = sub.update(Snapshot{Data: []byte("a"), Version: 0})
	assert.False(t, changed)
	_, changed = sub.update(Snapshot{Data: []byte("a"), Version: 1})
	assert.True(t, changed)

	kids := newSubscription("/c", Children, nil)
	kids.update(Snapshot{Children: []string{"a", "b"}})
	_, changed = kids.update(Snapshot{Children: []string{"b", "a"}})
	assert.False(t, changed)
	ch, changed := kids.update(Snapshot{Children: []string{"b", "c"}})
	assert.True(t, changed)
	assert.Equal(t, []string{"c"}, ch.Added)
	assert.Equal(t, []string{"a"}, ch.Removed)
}

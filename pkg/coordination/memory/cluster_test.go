package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chathub/pkg/coordination"
)

func dial(t *testing.T, c *Cluster, endpoint string) (coordination.Session, <-chan coordination.Event) {
	t.Helper()
	s, events, err := c.Dial(context.Background(), endpoint, 0)
	require.NoError(t, err)
	ev := <-events
	require.Equal(t, coordination.StateConnected, ev.State)
	return s, events
}

func TestSequentialNamesArePaddedAndIncreasing(t *testing.T) {
	ctx := context.Background()
	c := NewCluster()
	s, _ := dial(t, c, "e1")

	_, err := s.Create(ctx, "/q", nil, coordination.Persistent)
	require.NoError(t, err)

	first, err := s.Create(ctx, "/q/item_", nil, coordination.PersistentSequential)
	require.NoError(t, err)
	second, err := s.Create(ctx, "/q/item_", nil, coordination.PersistentSequential)
	require.NoError(t, err)

	assert.Equal(t, "/q/item_0000000000", first)
	assert.Equal(t, "/q/item_0000000001", second)
}

func TestCreateRequiresParent(t *testing.T) {
	c := NewCluster()
	s, _ := dial(t, c, "e1")

	_, err := s.Create(context.Background(), "/a/b", nil, coordination.Persistent)
	assert.ErrorIs(t, err, coordination.ErrNoNode)
}

func TestDeleteRejectsNodeWithChildren(t *testing.T) {
	ctx := context.Background()
	c := NewCluster()
	s, _ := dial(t, c, "e1")

	_, err := s.Create(ctx, "/a", nil, coordination.Persistent)
	require.NoError(t, err)
	_, err = s.Create(ctx, "/a/b", nil, coordination.Persistent)
	require.NoError(t, err)

	assert.ErrorIs(t, s.Delete(ctx, "/a"), coordination.ErrNotEmpty)
	require.NoError(t, s.Delete(ctx, "/a/b"))
	require.NoError(t, s.Delete(ctx, "/a"))
}

func TestEphemeralNodesDieWithSession(t *testing.T) {
	ctx := context.Background()
	c := NewCluster()
	owner, events := dial(t, c, "e1")
	observer, _ := dial(t, c, "e2")

	_, err := owner.Create(ctx, "/lobby", nil, coordination.Persistent)
	require.NoError(t, err)
	_, err = owner.Create(ctx, "/lobby/alice", nil, coordination.Ephemeral)
	require.NoError(t, err)

	ok, watch, err := observer.ExistsW(ctx, "/lobby/alice")
	require.NoError(t, err)
	require.True(t, ok)

	c.Expire(owner)

	ev := <-watch
	assert.Equal(t, coordination.EventNodeDeleted, ev.Type)
	ok, err = observer.Exists(ctx, "/lobby/alice")
	require.NoError(t, err)
	assert.False(t, ok)

	last := coordination.Event{}
	for ev := range events {
		last = ev
	}
	assert.Equal(t, coordination.StateExpired, last.State)

	_, err = owner.Children(ctx, "/lobby")
	assert.ErrorIs(t, err, coordination.ErrSessionExpired)
}

func TestWatchFiresOnce(t *testing.T) {
	ctx := context.Background()
	c := NewCluster()
	s, _ := dial(t, c, "e1")

	_, err := s.Create(ctx, "/n", []byte("a"), coordination.Persistent)
	require.NoError(t, err)

	_, stat, watch, err := s.GetW(ctx, "/n")
	require.NoError(t, err)
	assert.Equal(t, int64(0), stat.Version)

	require.NoError(t, s.Set(ctx, "/n", []byte("b")))
	require.NoError(t, s.Set(ctx, "/n", []byte("c")))

	ev, ok := <-watch
	require.True(t, ok)
	assert.Equal(t, coordination.EventNodeDataChanged, ev.Type)
	_, ok = <-watch
	assert.False(t, ok)

	data, stat, err := s.Get(ctx, "/n")
	require.NoError(t, err)
	assert.Equal(t, "c", string(data))
	assert.Equal(t, int64(2), stat.Version)
}

func TestDownEndpointRejectsDialAndOperations(t *testing.T) {
	ctx := context.Background()
	c := NewCluster()
	s, events := dial(t, c, "e2")

	c.SetDown("e2", true)
	ev := <-events
	assert.Equal(t, coordination.StateDisconnected, ev.State)

	_, err := s.Children(ctx, "/")
	assert.ErrorIs(t, err, coordination.ErrConnection)

	_, _, err = c.Dial(ctx, "e2", 0)
	assert.ErrorIs(t, err, coordination.ErrConnection)

	c.SetDown("e2", false)
	ev = <-events
	assert.Equal(t, coordination.StateConnected, ev.State)
	_, err = s.Children(ctx, "/")
	assert.NoError(t, err)
}

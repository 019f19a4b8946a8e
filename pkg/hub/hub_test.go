package hub

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"chathub/pkg/coordination"
	"chathub/pkg/coordination/memory"
	"chathub/pkg/delegate"
	"chathub/pkg/failover"
	"chathub/pkg/namespace"
	"chathub/pkg/watch"
)

type staticSession struct{ s coordination.Session }

func (p staticSession) Session() coordination.Session { return p.s }

type leaderFlag bool

func (f leaderFlag) IsLeader() bool { return bool(f) }

type sink struct {
	mu         sync.Mutex
	presence   int
	membership map[string]int
	messages   map[string][]namespace.Message
}

func newSink() *sink {
	return &sink{membership: map[string]int{}, messages: map[string][]namespace.Message{}}
}

func (s *sink) OnPresenceChanged() {
	s.mu.Lock()
	s.presence++
	s.mu.Unlock()
}

func (s *sink) OnRoomMembershipChanged(room string) {
	s.mu.Lock()
	s.membership[room]++
	s.mu.Unlock()
}

func (s *sink) OnNewMessage(room string, m namespace.Message) {
	s.mu.Lock()
	s.messages[room] = append(s.messages[room], m)
	s.mu.Unlock()
}

func (s *sink) presenceEvents() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.presence
}

func (s *sink) membershipEvents(room string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.membership[room]
}

func (s *sink) contents(room string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.messages[room]))
	for _, m := range s.messages[room] {
		out = append(out, m.Content)
	}
	return out
}

type instance struct {
	session coordination.Session
	hub     *Hub
	sink    *sink
}

// newInstance builds a hub on its own session to endpoint. Every instance
// acts as leader so writes stay local.
func newInstance(t *testing.T, cluster *memory.Cluster, endpoint string) *instance {
	t.Helper()
	s, _, err := cluster.Dial(context.Background(), endpoint, time.Second)
	require.NoError(t, err)

	provider := staticSession{s}
	registry := watch.NewRegistry(provider)
	registry.Start()
	d := delegate.New(provider, leaderFlag(true), cluster, failover.New([]string{"e1", "e2", "e3"}))
	snk := newSink()
	h := New(provider, d, registry, snk)

	t.Cleanup(func() {
		registry.Close()
		_ = s.Close()
	})
	return &instance{session: s, hub: h, sink: snk}
}

func setup(t *testing.T) (*memory.Cluster, *instance) {
	t.Helper()
	t.Cleanup(func() { goleak.VerifyNone(t) })
	cluster := memory.NewCluster()
	return cluster, newInstance(t, cluster, "e1")
}

func TestCreateUserTwiceFails(t *testing.T) {
	ctx := context.Background()
	_, in := setup(t)

	require.NoError(t, in.hub.CreateUser(ctx, "bob"))
	err := in.hub.CreateUser(ctx, "bob")
	assert.ErrorIs(t, err, ErrUserExists)
	assert.ErrorIs(t, err, coordination.ErrNodeExists)

	users, err := in.hub.ListUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, users)

	kids, err := in.session.Children(ctx, namespace.UserPath("bob"))
	require.NoError(t, err)
	assert.Equal(t, []string{"state"}, kids)

	data, _, err := in.session.Get(ctx, namespace.UserStatePath("bob"))
	require.NoError(t, err)
	assert.Equal(t, "offline", string(data))
}

func TestInvalidNamesAreRejected(t *testing.T) {
	ctx := context.Background()
	_, in := setup(t)

	for _, name := range []string{"", ".", "..", "a/b"} {
		assert.ErrorIs(t, in.hub.CreateUser(ctx, name), namespace.ErrInvalidName, name)
	}
	_, err := in.hub.CreateRoom(ctx, "", nil)
	assert.ErrorIs(t, err, namespace.ErrInvalidName)
}

func TestPresence(t *testing.T) {
	ctx := context.Background()
	_, in := setup(t)

	require.NoError(t, in.hub.CreateUser(ctx, "alice"))
	require.NoError(t, in.hub.CreateUser(ctx, "bob"))
	require.NoError(t, in.hub.SetPresence(ctx, "alice", namespace.Online))

	online, err := in.hub.ListUsersByPresence(ctx, namespace.Online)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, online)

	offline, err := in.hub.ListUsersByPresence(ctx, namespace.Offline)
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, offline)

	assert.ErrorIs(t, in.hub.SetPresence(ctx, "alice", "away"), ErrInvalidPresence)
	assert.ErrorIs(t, in.hub.SetPresence(ctx, "ghost", namespace.Online), ErrUserNotFound)
	_, err = in.hub.ListUsersByPresence(ctx, "busy")
	assert.ErrorIs(t, err, ErrInvalidPresence)
}

func TestUserWithoutStateIsAnIntegrityError(t *testing.T) {
	ctx := context.Background()
	_, in := setup(t)

	require.NoError(t, in.hub.CreateUser(ctx, "alice"))
	_, err := in.session.Create(ctx, namespace.UserPath("broken"), nil, coordination.Persistent)
	require.NoError(t, err)

	_, err = in.hub.ListUsersByPresence(ctx, namespace.Online)
	assert.ErrorIs(t, err, namespace.ErrIntegrity)
	assert.ErrorIs(t, in.hub.SetPresence(ctx, "broken", namespace.Online), namespace.ErrIntegrity)
}

func TestDeleteUserRemovesSubtree(t *testing.T) {
	ctx := context.Background()
	_, in := setup(t)

	require.NoError(t, in.hub.CreateUser(ctx, "alice"))
	require.NoError(t, in.hub.DeleteUser(ctx, "alice"))

	ok, err := in.hub.UserExists(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.ErrorIs(t, in.hub.DeleteUser(ctx, "alice"), ErrUserNotFound)

	// the name is free again
	require.NoError(t, in.hub.CreateUser(ctx, "alice"))
}

func TestMessagesKeepSequenceOrderUnderConcurrentWrites(t *testing.T) {
	ctx := context.Background()
	_, in := setup(t)

	for _, u := range []string{"alice", "bob"} {
		require.NoError(t, in.hub.CreateUser(ctx, u))
	}
	_, err := in.hub.CreateRoom(ctx, "lobby", nil)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		_, err := in.hub.CreateRoom(ctx, fmt.Sprintf("side-%d", i), nil)
		require.NoError(t, err)
	}
	require.NoError(t, in.hub.Watch(ctx))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(room string) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				_, err := in.hub.AppendMessage(ctx, room, fmt.Sprintf("noise-%d", j), "bob", time.Now())
				assert.NoError(t, err)
			}
		}(fmt.Sprintf("side-%d", i))
	}

	var ids []string
	for _, content := range []string{"m1", "m2", "m3"} {
		m, err := in.hub.AppendMessage(ctx, "lobby", content, "alice", time.Now())
		require.NoError(t, err)
		assert.Equal(t, "lobby", m.Room)
		ids = append(ids, m.ID)
	}
	wg.Wait()

	msgs, err := in.hub.ListMessages(ctx, "lobby")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	for i, want := range []string{"m1", "m2", "m3"} {
		assert.Equal(t, want, msgs[i].Content)
		assert.Equal(t, ids[i], msgs[i].ID)
		assert.Equal(t, "alice", msgs[i].Sender)
	}

	require.Eventually(t, func() bool { return len(in.sink.contents("lobby")) == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"m1", "m2", "m3"}, in.sink.contents("lobby"))
}

func TestAppendMessageToMissingRoom(t *testing.T) {
	ctx := context.Background()
	_, in := setup(t)

	_, err := in.hub.AppendMessage(ctx, "nowhere", "hi", "alice", time.Now())
	assert.ErrorIs(t, err, ErrRoomNotFound)
	_, err = in.hub.ListMessages(ctx, "nowhere")
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestMembershipVanishesWithOwningSession(t *testing.T) {
	ctx := context.Background()
	cluster, observer := setup(t)
	alice := newInstance(t, cluster, "e2")

	require.NoError(t, observer.hub.CreateUser(ctx, "alice"))
	_, err := observer.hub.CreateRoom(ctx, "lobby", nil)
	require.NoError(t, err)
	require.NoError(t, observer.hub.Watch(ctx))

	require.NoError(t, alice.hub.JoinRoom(ctx, "lobby", "alice"))
	members, err := observer.hub.RoomMembers(ctx, "lobby")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, members)
	require.Eventually(t, func() bool { return observer.sink.membershipEvents("lobby") == 1 }, time.Second, 5*time.Millisecond)

	// no LeaveRoom: the session just goes away
	cluster.Expire(alice.session)

	members, err = observer.hub.RoomMembers(ctx, "lobby")
	require.NoError(t, err)
	assert.Empty(t, members)
	require.Eventually(t, func() bool { return observer.sink.membershipEvents("lobby") == 2 }, time.Second, 5*time.Millisecond)
}

func TestChangesRightAfterWatchAreReported(t *testing.T) {
	ctx := context.Background()
	_, in := setup(t)

	require.NoError(t, in.hub.CreateUser(ctx, "alice"))
	_, err := in.hub.CreateRoom(ctx, "lobby", nil)
	require.NoError(t, err)
	require.NoError(t, in.hub.Watch(ctx))

	// no pause: the registry may not have read anything yet
	require.NoError(t, in.hub.JoinRoom(ctx, "lobby", "alice"))
	_, err = in.hub.AppendMessage(ctx, "lobby", "hi", "alice", time.Now())
	require.NoError(t, err)
	require.NoError(t, in.hub.SetPresence(ctx, "alice", namespace.Online))

	require.Eventually(t, func() bool {
		return in.sink.membershipEvents("lobby") == 1 &&
			len(in.sink.contents("lobby")) == 1 &&
			in.sink.presenceEvents() == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"hi"}, in.sink.contents("lobby"))
}

func TestJoinAndLeave(t *testing.T) {
	ctx := context.Background()
	_, in := setup(t)

	require.NoError(t, in.hub.CreateUser(ctx, "alice"))
	_, err := in.hub.CreateRoom(ctx, "lobby", nil)
	require.NoError(t, err)

	assert.ErrorIs(t, in.hub.JoinRoom(ctx, "nowhere", "alice"), ErrRoomNotFound)
	assert.ErrorIs(t, in.hub.JoinRoom(ctx, "lobby", "ghost"), ErrUserNotFound)

	require.NoError(t, in.hub.JoinRoom(ctx, "lobby", "alice"))
	assert.ErrorIs(t, in.hub.JoinRoom(ctx, "lobby", "alice"), ErrAlreadyMember)

	require.NoError(t, in.hub.LeaveRoom(ctx, "lobby", "alice"))
	assert.ErrorIs(t, in.hub.LeaveRoom(ctx, "lobby", "alice"), ErrNotMember)
	assert.ErrorIs(t, in.hub.LeaveRoom(ctx, "nowhere", "alice"), ErrRoomNotFound)
}

func TestCreateRoom(t *testing.T) {
	ctx := context.Background()
	_, in := setup(t)

	for _, u := range []string{"alice", "bob"} {
		require.NoError(t, in.hub.CreateUser(ctx, u))
	}

	name, err := in.hub.CreateRoom(ctx, "lobby", []string{"alice", "bob"})
	require.NoError(t, err)
	assert.Equal(t, "lobby", name)
	members, err := in.hub.RoomMembers(ctx, "lobby")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, members)

	_, err = in.hub.CreateRoom(ctx, "lobby", nil)
	assert.ErrorIs(t, err, ErrRoomExists)

	// unknown members do not undo the room
	name, err = in.hub.CreateRoom(ctx, "den", []string{"alice", "ghost"})
	assert.Equal(t, "den", name)
	assert.ErrorIs(t, err, ErrUserNotFound)
	members, err = in.hub.RoomMembers(ctx, "den")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, members)
}

func TestGeneratedRoomNames(t *testing.T) {
	ctx := context.Background()
	_, in := setup(t)
	require.NoError(t, in.hub.CreateUser(ctx, "alice"))
	// shares the prefix but is not one of alice's numbered chats
	_, err := in.hub.CreateRoom(ctx, "alice's chatter", nil)
	require.NoError(t, err)

	first, err := in.hub.CreateRoom(ctx, "", []string{"alice"})
	require.NoError(t, err)
	assert.Equal(t, "alice's chat", first)

	second, err := in.hub.CreateRoom(ctx, "", []string{"alice"})
	require.NoError(t, err)
	assert.Equal(t, "alice's chat #2", second)

	third, err := in.hub.GenerateRoomName(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice's chat #3", third)
}

func TestListRoomsForUser(t *testing.T) {
	ctx := context.Background()
	_, in := setup(t)

	for _, u := range []string{"alice", "bob"} {
		require.NoError(t, in.hub.CreateUser(ctx, u))
	}
	for _, r := range []string{"a", "b", "c"} {
		_, err := in.hub.CreateRoom(ctx, r, nil)
		require.NoError(t, err)
	}
	require.NoError(t, in.hub.JoinRoom(ctx, "a", "alice"))
	require.NoError(t, in.hub.JoinRoom(ctx, "c", "alice"))
	require.NoError(t, in.hub.JoinRoom(ctx, "b", "bob"))

	rooms, err := in.hub.ListRoomsForUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, rooms)

	all, err := in.hub.ListRooms(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, all)
}

func TestWatchReportsPresenceOfNewUsers(t *testing.T) {
	ctx := context.Background()
	_, in := setup(t)
	require.NoError(t, in.hub.Watch(ctx))

	require.NoError(t, in.hub.CreateUser(ctx, "carol"))
	require.Eventually(t, func() bool { return in.sink.presenceEvents() >= 1 }, time.Second, 5*time.Millisecond)

	// the state subscription follows the new user
	require.Eventually(t, func() bool {
		return in.hub.registry.Subscribed(namespace.UserStatePath("carol"), watch.Data)
	}, time.Second, 5*time.Millisecond)
	before := in.sink.presenceEvents()
	require.NoError(t, in.hub.SetPresence(ctx, "carol", namespace.Online))
	require.Eventually(t, func() bool { return in.sink.presenceEvents() > before }, time.Second, 5*time.Millisecond)
}

func TestWatchFollowsRoomsCreatedLater(t *testing.T) {
	ctx := context.Background()
	_, in := setup(t)
	require.NoError(t, in.hub.CreateUser(ctx, "alice"))
	require.NoError(t, in.hub.Watch(ctx))

	_, err := in.hub.CreateRoom(ctx, "fresh", []string{"alice"})
	require.NoError(t, err)
	_, err = in.hub.AppendMessage(ctx, "fresh", "first", "alice", time.Now())
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(in.sink.contents("fresh")) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"first"}, in.sink.contents("fresh"))
	require.Eventually(t, func() bool { return in.sink.membershipEvents("fresh") >= 1 }, time.Second, 5*time.Millisecond)
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	_, in := setup(t)

	require.NoError(t, in.hub.CreateUser(ctx, "alice"))
	_, err := in.hub.CreateRoom(ctx, "lobby", []string{"alice"})
	require.NoError(t, err)

	require.NoError(t, in.hub.Reset(ctx))

	users, err := in.hub.ListUsers(ctx)
	require.NoError(t, err)
	assert.Empty(t, users)
	rooms, err := in.hub.ListRooms(ctx)
	require.NoError(t, err)
	assert.Empty(t, rooms)

	ok, err := in.session.Exists(ctx, namespace.ElectionRoot)
	require.NoError(t, err)
	assert.True(t, ok)
}

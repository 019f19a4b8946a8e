package etcd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"

	"chathub/pkg/coordination"
)

func testSession() *Session {
	return &Session{tree: "/chathub" + treePrefix, seq: "/chathub" + seqPrefix}
}

func put(key string, created, modified int64) *clientv3.Event {
	return &clientv3.Event{
		Type: mvccpb.PUT,
		Kv:   &mvccpb.KeyValue{Key: []byte(key), CreateRevision: created, ModRevision: modified},
	}
}

func del(key string) *clientv3.Event {
	return &clientv3.Event{Type: mvccpb.DELETE, Kv: &mvccpb.KeyValue{Key: []byte(key)}}
}

func TestKeyLayout(t *testing.T) {
	s := testSession()

	assert.Equal(t, "/chathub/tree/", s.key("/"))
	assert.Equal(t, "/chathub/tree/rooms/lobby", s.key("/rooms/lobby"))
	assert.Equal(t, "/chathub/tree/", s.childPrefix("/"))
	assert.Equal(t, "/chathub/tree/rooms/", s.childPrefix("/rooms"))
	assert.Equal(t, "/rooms/lobby", s.pathOf("/chathub/tree/rooms/lobby"))

	assert.Equal(t, "/", parentOf("/rooms"))
	assert.Equal(t, "/rooms", parentOf("/rooms/lobby"))
	assert.Equal(t, "/rooms/lobby/messages", parentOf("/rooms/lobby/messages/message_"))
}

func TestNodeFilter(t *testing.T) {
	s := testSession()
	f := s.nodeFilter("/users/alice/state")

	typ, ok := f(put("/chathub/tree/users/alice/state", 5, 5))
	assert.True(t, ok)
	assert.Equal(t, coordination.EventNodeCreated, typ)

	typ, ok = f(put("/chathub/tree/users/alice/state", 5, 9))
	assert.True(t, ok)
	assert.Equal(t, coordination.EventNodeDataChanged, typ)

	typ, ok = f(del("/chathub/tree/users/alice/state"))
	assert.True(t, ok)
	assert.Equal(t, coordination.EventNodeDeleted, typ)

	_, ok = f(put("/chathub/tree/users/alice/state2", 7, 7))
	assert.False(t, ok)
}

func TestChildFilterOnlyDirectChildren(t *testing.T) {
	s := testSession()
	f := s.childFilter("/rooms")

	typ, ok := f(put("/chathub/tree/rooms/lobby", 3, 3))
	assert.True(t, ok)
	assert.Equal(t, coordination.EventNodeChildrenChanged, typ)

	typ, ok = f(del("/chathub/tree/rooms/lobby"))
	assert.True(t, ok)
	assert.Equal(t, coordination.EventNodeChildrenChanged, typ)

	typ, ok = f(del("/chathub/tree/rooms"))
	assert.True(t, ok)
	assert.Equal(t, coordination.EventNodeDeleted, typ)

	// grandchildren, data updates and sibling prefixes are ignored
	_, ok = f(put("/chathub/tree/rooms/lobby/members/bob", 4, 4))
	assert.False(t, ok)
	_, ok = f(put("/chathub/tree/rooms/lobby", 3, 8))
	assert.False(t, ok)
	_, ok = f(put("/chathub/tree/roomsx", 2, 2))
	assert.False(t, ok)
}

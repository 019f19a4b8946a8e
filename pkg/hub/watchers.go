package hub

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"chathub/pkg/coordination"
	"chathub/pkg/namespace"
	"chathub/pkg/watch"
)

const (
	stateChild    = "state"
	membersChild  = "members"
	messagesChild = "messages"
)

// Watch installs the hub's subscriptions. The current state of users and
// rooms is read here and handed to the registry as the baseline, so every
// change made after Watch returns is reported. Anything created later is
// reported from its first child on. Calling Watch again is harmless.
func (h *Hub) Watch(ctx context.Context) error {
	if err := h.ensureNamespace(ctx); err != nil {
		return err
	}
	c, err := h.client()
	if err != nil {
		return err
	}
	users, err := h.ListUsers(ctx)
	if err != nil {
		return err
	}
	rooms, err := h.ListRooms(ctx)
	if err != nil {
		return err
	}

	for _, u := range users {
		if err := h.watchExistingUser(ctx, c, u); err != nil {
			return err
		}
	}
	for _, r := range rooms {
		if err := h.watchExistingRoom(ctx, c, r); err != nil {
			return err
		}
	}
	h.registry.SubscribeFrom(namespace.UsersRoot, watch.Children, watch.Snapshot{Children: users}, h.onUsers)
	h.registry.SubscribeFrom(namespace.RoomsRoot, watch.Children, watch.Snapshot{Children: rooms}, h.onRooms)

	h.watching.Store(true)
	h.logger.Info("watching namespace", zap.Int("users", len(users)), zap.Int("rooms", len(rooms)))
	return nil
}

func (h *Hub) watchExistingUser(ctx context.Context, c *namespace.Client, user string) error {
	children, err := c.ChildrenSorted(ctx, namespace.UserPath(user))
	if errors.Is(err, coordination.ErrNoNode) {
		return nil
	}
	if err != nil {
		return err
	}
	data, stat, err := c.Session().Get(ctx, namespace.UserStatePath(user))
	switch {
	case errors.Is(err, coordination.ErrNoNode):
		// state not written yet; the user node's children bring it in
		children = nil
	case err != nil:
		return err
	default:
		h.registry.SubscribeFrom(namespace.UserStatePath(user), watch.Data,
			watch.Snapshot{Data: data, Version: stat.Version}, h.onPresence)
	}
	h.watchUser(user, children)
	return nil
}

func (h *Hub) watchExistingRoom(ctx context.Context, c *namespace.Client, room string) error {
	var present []string
	for _, child := range []string{membersChild, messagesChild} {
		p := namespace.RoomPath(room) + "/" + child
		names, err := c.ChildrenSorted(ctx, p)
		if errors.Is(err, coordination.ErrNoNode) {
			continue
		}
		if err != nil {
			return err
		}
		present = append(present, child)
		h.registry.SubscribeFrom(p, watch.Children, watch.Snapshot{Children: names}, h.roomHandler(room, child))
	}
	h.watchRoom(room, present)
	return nil
}

// A user's state node is created after the user node, so the user node's
// children are watched and the state subscription follows. A new state
// node holds the initial presence at version zero.
func (h *Hub) watchUser(user string, children []string) {
	h.registry.SubscribeFrom(namespace.UserPath(user), watch.Children, watch.Snapshot{Children: children}, func(_ context.Context, ch watch.Change) {
		for _, child := range ch.Added {
			if child == stateChild {
				h.registry.SubscribeFrom(namespace.UserStatePath(user), watch.Data,
					watch.Snapshot{Data: []byte(namespace.Offline)}, h.onPresence)
			}
		}
	})
}

// watchRoom follows a room's containers as they appear, each from its
// empty state.
func (h *Hub) watchRoom(room string, present []string) {
	h.registry.SubscribeFrom(namespace.RoomPath(room), watch.Children, watch.Snapshot{Children: present}, func(_ context.Context, ch watch.Change) {
		for _, child := range ch.Added {
			if handler := h.roomHandler(room, child); handler != nil {
				h.registry.SubscribeFrom(namespace.RoomPath(room)+"/"+child, watch.Children, watch.Snapshot{}, handler)
			}
		}
	})
}

func (h *Hub) roomHandler(room, child string) watch.Handler {
	switch child {
	case membersChild:
		return h.onMembers(room)
	case messagesChild:
		return h.onMessages(room)
	}
	return nil
}

func (h *Hub) onUsers(_ context.Context, ch watch.Change) {
	for _, u := range ch.Added {
		h.watchUser(u, nil)
	}
	for _, u := range ch.Removed {
		h.registry.Unsubscribe(namespace.UserPath(u), watch.Children)
		h.registry.Unsubscribe(namespace.UserStatePath(u), watch.Data)
	}
	h.sink.OnPresenceChanged()
}

func (h *Hub) onPresence(_ context.Context, _ watch.Change) {
	h.sink.OnPresenceChanged()
}

// Rooms created after Watch are followed from their empty state, so the
// first joins and messages are not folded into a baseline.
func (h *Hub) onRooms(_ context.Context, ch watch.Change) {
	for _, r := range ch.Added {
		h.watchRoom(r, nil)
	}
}

func (h *Hub) onMembers(room string) watch.Handler {
	return func(_ context.Context, _ watch.Change) {
		h.sink.OnRoomMembershipChanged(room)
	}
}

// onMessages emits every message added since the last snapshot, in
// sequence order.
func (h *Hub) onMessages(room string) watch.Handler {
	return func(ctx context.Context, ch watch.Change) {
		if len(ch.Added) == 0 {
			return
		}
		c, err := h.client()
		if err != nil {
			h.logger.Debug("no session for message read", zap.String("room", room), zap.Error(err))
			return
		}
		added := append([]string(nil), ch.Added...)
		namespace.SortBySequence(added, namespace.MessagePrefix)
		for _, name := range added {
			m, err := c.ReadMessage(ctx, room, name)
			switch {
			case errors.Is(err, coordination.ErrNoNode):
				continue
			case err != nil:
				h.logger.Warn("reading new message failed",
					zap.String("room", room),
					zap.String("message", name),
					zap.Error(err),
				)
				continue
			}
			h.sink.OnNewMessage(room, m)
		}
	}
}

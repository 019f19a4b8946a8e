// Package hub is the chat domain on top of the coordination namespace:
// users, presence, rooms, membership and messages. Reads use the
// instance's own session; every mutation goes through the write
// delegator.
package hub

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	goset "github.com/deckarep/golang-set/v2"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"chathub/pkg/coordination"
	"chathub/pkg/delegate"
	"chathub/pkg/namespace"
	"chathub/pkg/notify"
	"chathub/pkg/watch"
)

// Writer applies a namespace write; *delegate.Delegator in production.
type Writer interface {
	Do(ctx context.Context, w delegate.Write) error
}

// Hub implements the domain operations and raises notifications for
// changes observed through the watch registry.
type Hub struct {
	local    coordination.SessionProvider
	writer   Writer
	registry *watch.Registry
	sink     notify.Sink
	logger   *zap.Logger

	parallelism int
	ensured     *atomic.Bool
	watching    *atomic.Bool
}

// Option configures a Hub.
type Option func(*Hub)

func WithLogger(logger *zap.Logger) Option {
	return func(h *Hub) { h.logger = logger }
}

// WithParallelism bounds the concurrent reads of list operations.
func WithParallelism(n int) Option {
	return func(h *Hub) { h.parallelism = n }
}

// New returns a Hub. registry must be started by the caller.
func New(local coordination.SessionProvider, writer Writer, registry *watch.Registry, sink notify.Sink, opts ...Option) *Hub {
	h := &Hub{
		local:       local,
		writer:      writer,
		registry:    registry,
		sink:        sink,
		logger:      zap.NewNop(),
		parallelism: 8,
		ensured:     atomic.NewBool(false),
		watching:    atomic.NewBool(false),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With(zap.String("component", "hub"))
	return h
}

func (h *Hub) session() (coordination.Session, error) {
	s := h.local.Session()
	if s == nil {
		return nil, fmt.Errorf("%w: no session", coordination.ErrConnection)
	}
	return s, nil
}

func (h *Hub) client() (*namespace.Client, error) {
	s, err := h.session()
	if err != nil {
		return nil, err
	}
	return namespace.NewClient(s), nil
}

// ensureNamespace creates the top-level containers once per process.
func (h *Hub) ensureNamespace(ctx context.Context) error {
	if h.ensured.Load() {
		return nil
	}
	err := h.writer.Do(ctx, delegate.Write{
		Name: "ensure_namespace",
		Apply: func(ctx context.Context, s coordination.Session) error {
			return namespace.NewClient(s).EnsureContainers(ctx, namespace.Containers()...)
		},
	})
	if err != nil {
		return err
	}
	h.ensured.Store(true)
	return nil
}

func (h *Hub) write(ctx context.Context, name string, bound bool, apply func(context.Context, *namespace.Client) error) error {
	if err := h.ensureNamespace(ctx); err != nil {
		return err
	}
	return h.writer.Do(ctx, delegate.Write{
		Name:         name,
		SessionBound: bound,
		Apply: func(ctx context.Context, s coordination.Session) error {
			return apply(ctx, namespace.NewClient(s))
		},
	})
}

// CreateUser registers name with presence offline.
func (h *Hub) CreateUser(ctx context.Context, name string) error {
	if err := namespace.ValidateName(name); err != nil {
		return err
	}
	return h.write(ctx, "create_user", false, func(ctx context.Context, c *namespace.Client) error {
		if _, err := c.CreateEntity(ctx, namespace.UserPath(name), nil, coordination.Persistent); err != nil {
			if errors.Is(err, coordination.ErrNodeExists) {
				return fmt.Errorf("%w: %s: %w", ErrUserExists, name, err)
			}
			return err
		}
		if _, err := c.CreateEntity(ctx, namespace.UserStatePath(name), []byte(namespace.Offline), coordination.Persistent); err != nil {
			if rerr := c.DeleteRecursive(ctx, namespace.UserPath(name)); rerr != nil {
				err = multierr.Append(err, rerr)
			}
			return err
		}
		return nil
	})
}

// SetPresence replaces the presence of an existing user.
func (h *Hub) SetPresence(ctx context.Context, name string, presence namespace.Presence) error {
	if !presence.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidPresence, presence)
	}
	if err := namespace.ValidateName(name); err != nil {
		return err
	}
	return h.write(ctx, "set_presence", false, func(ctx context.Context, c *namespace.Client) error {
		err := c.Write(ctx, namespace.UserStatePath(name), []byte(presence))
		if !errors.Is(err, coordination.ErrNoNode) {
			return err
		}
		ok, xerr := c.Exists(ctx, namespace.UserPath(name))
		switch {
		case xerr != nil:
			return xerr
		case ok:
			return fmt.Errorf("%w: user %s has no state", namespace.ErrIntegrity, name)
		default:
			return fmt.Errorf("%w: %s", ErrUserNotFound, name)
		}
	})
}

// DeleteUser removes the user and its state.
func (h *Hub) DeleteUser(ctx context.Context, name string) error {
	if err := namespace.ValidateName(name); err != nil {
		return err
	}
	return h.write(ctx, "delete_user", false, func(ctx context.Context, c *namespace.Client) error {
		ok, err := c.Exists(ctx, namespace.UserPath(name))
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrUserNotFound, name)
		}
		return c.DeleteRecursive(ctx, namespace.UserPath(name))
	})
}

// CreateRoom creates room and joins every member with this instance's
// session. An empty name is generated from the first member. The room
// name is returned even when some joins failed; their errors are
// combined.
func (h *Hub) CreateRoom(ctx context.Context, name string, members []string) (string, error) {
	if name == "" {
		if len(members) == 0 {
			return "", fmt.Errorf("%w: room needs a name or a creator", namespace.ErrInvalidName)
		}
		generated, err := h.GenerateRoomName(ctx, members[0])
		if err != nil {
			return "", err
		}
		name = generated
	}
	if err := namespace.ValidateName(name); err != nil {
		return "", err
	}
	for _, m := range members {
		if err := namespace.ValidateName(m); err != nil {
			return "", err
		}
	}

	err := h.write(ctx, "create_room", false, func(ctx context.Context, c *namespace.Client) error {
		if _, err := c.CreateEntity(ctx, namespace.RoomPath(name), nil, coordination.Persistent); err != nil {
			if errors.Is(err, coordination.ErrNodeExists) {
				return fmt.Errorf("%w: %s: %w", ErrRoomExists, name, err)
			}
			return err
		}
		return c.EnsureContainers(ctx, namespace.MembersPath(name), namespace.MessagesPath(name))
	})
	if err != nil {
		return "", err
	}

	var errs error
	for _, m := range members {
		if err := h.JoinRoom(ctx, name, m); err != nil && !errors.Is(err, ErrAlreadyMember) {
			errs = multierr.Append(errs, err)
		}
	}
	return name, errs
}

// JoinRoom adds user to room. The membership belongs to this instance's
// session and disappears with it.
func (h *Hub) JoinRoom(ctx context.Context, room, user string) error {
	if err := validateNames(room, user); err != nil {
		return err
	}
	return h.write(ctx, "join_room", true, func(ctx context.Context, c *namespace.Client) error {
		if err := requireEntity(ctx, c, namespace.RoomPath(room), ErrRoomNotFound, room); err != nil {
			return err
		}
		if err := requireEntity(ctx, c, namespace.UserPath(user), ErrUserNotFound, user); err != nil {
			return err
		}
		if _, err := c.CreateEntity(ctx, namespace.MemberPath(room, user), nil, coordination.Ephemeral); err != nil {
			if errors.Is(err, coordination.ErrNodeExists) {
				return fmt.Errorf("%w: %s in %s", ErrAlreadyMember, user, room)
			}
			return err
		}
		return nil
	})
}

// LeaveRoom removes user from room.
func (h *Hub) LeaveRoom(ctx context.Context, room, user string) error {
	if err := validateNames(room, user); err != nil {
		return err
	}
	return h.write(ctx, "leave_room", false, func(ctx context.Context, c *namespace.Client) error {
		err := c.Session().Delete(ctx, namespace.MemberPath(room, user))
		if !errors.Is(err, coordination.ErrNoNode) {
			return err
		}
		if err := requireEntity(ctx, c, namespace.RoomPath(room), ErrRoomNotFound, room); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s in %s", ErrNotMember, user, room)
	})
}

// AppendMessage stores a message in room and returns it with the id the
// service assigned.
func (h *Hub) AppendMessage(ctx context.Context, room, content, sender string, createdAt time.Time) (namespace.Message, error) {
	if err := validateNames(room, sender); err != nil {
		return namespace.Message{}, err
	}
	m := namespace.Message{Content: content, Room: room, Sender: sender, CreatedAt: createdAt}
	data, err := namespace.EncodeMessage(m)
	if err != nil {
		return namespace.Message{}, err
	}

	err = h.write(ctx, "append_message", false, func(ctx context.Context, c *namespace.Client) error {
		if err := requireEntity(ctx, c, namespace.RoomPath(room), ErrRoomNotFound, room); err != nil {
			return err
		}
		created, err := c.CreateEntity(ctx, namespace.MessagePath(room), data, coordination.PersistentSequential)
		if err != nil {
			if errors.Is(err, coordination.ErrNoNode) {
				return fmt.Errorf("%w: %s has no messages node", namespace.ErrIntegrity, room)
			}
			return err
		}
		m.ID = path.Base(created)
		return nil
	})
	if err != nil {
		return namespace.Message{}, err
	}
	return m, nil
}

// ListMessages returns the messages of room in sequence order.
func (h *Hub) ListMessages(ctx context.Context, room string) ([]namespace.Message, error) {
	if err := namespace.ValidateName(room); err != nil {
		return nil, err
	}
	c, err := h.client()
	if err != nil {
		return nil, err
	}
	msgs, err := c.ReadMessages(ctx, room)
	if errors.Is(err, coordination.ErrNoNode) {
		return nil, fmt.Errorf("%w: %s", ErrRoomNotFound, room)
	}
	return msgs, err
}

// ListRooms returns every room name, sorted.
func (h *Hub) ListRooms(ctx context.Context) ([]string, error) {
	return h.listRoot(ctx, namespace.RoomsRoot)
}

// ListUsers returns every user name, sorted.
func (h *Hub) ListUsers(ctx context.Context) ([]string, error) {
	return h.listRoot(ctx, namespace.UsersRoot)
}

func (h *Hub) listRoot(ctx context.Context, root string) ([]string, error) {
	c, err := h.client()
	if err != nil {
		return nil, err
	}
	names, err := c.ChildrenSorted(ctx, root)
	if errors.Is(err, coordination.ErrNoNode) {
		return []string{}, nil
	}
	return names, err
}

// UserExists reports whether name is registered.
func (h *Hub) UserExists(ctx context.Context, name string) (bool, error) {
	if err := namespace.ValidateName(name); err != nil {
		return false, err
	}
	c, err := h.client()
	if err != nil {
		return false, err
	}
	return c.Exists(ctx, namespace.UserPath(name))
}

// RoomMembers returns the current members of room, sorted.
func (h *Hub) RoomMembers(ctx context.Context, room string) ([]string, error) {
	if err := namespace.ValidateName(room); err != nil {
		return nil, err
	}
	c, err := h.client()
	if err != nil {
		return nil, err
	}
	members, err := c.ChildrenSorted(ctx, namespace.MembersPath(room))
	if errors.Is(err, coordination.ErrNoNode) {
		return nil, fmt.Errorf("%w: %s", ErrRoomNotFound, room)
	}
	return members, err
}

// ListRoomsForUser returns the rooms user is currently a member of.
func (h *Hub) ListRoomsForUser(ctx context.Context, user string) ([]string, error) {
	if err := namespace.ValidateName(user); err != nil {
		return nil, err
	}
	c, err := h.client()
	if err != nil {
		return nil, err
	}
	rooms, err := h.ListRooms(ctx)
	if err != nil {
		return nil, err
	}

	member := make([]bool, len(rooms))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.parallelism)
	for i, room := range rooms {
		i, room := i, room
		g.Go(func() error {
			ok, err := c.Exists(gctx, namespace.MemberPath(room, user))
			if err != nil {
				return err
			}
			member[i] = ok
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]string, 0, len(rooms))
	for i, room := range rooms {
		if member[i] {
			out = append(out, room)
		}
	}
	return out, nil
}

// ListUsersByPresence returns the users whose state equals presence.
func (h *Hub) ListUsersByPresence(ctx context.Context, presence namespace.Presence) ([]string, error) {
	if !presence.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPresence, presence)
	}
	c, err := h.client()
	if err != nil {
		return nil, err
	}
	users, err := h.ListUsers(ctx)
	if err != nil {
		return nil, err
	}

	match := make([]bool, len(users))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.parallelism)
	for i, user := range users {
		i, user := i, user
		g.Go(func() error {
			data, err := c.Read(gctx, namespace.UserStatePath(user))
			if errors.Is(err, coordination.ErrNoNode) {
				// deleted meanwhile, or broken
				ok, xerr := c.Exists(gctx, namespace.UserPath(user))
				if xerr != nil {
					return xerr
				}
				if ok {
					return fmt.Errorf("%w: user %s has no state", namespace.ErrIntegrity, user)
				}
				return nil
			}
			if err != nil {
				return err
			}
			match[i] = namespace.Presence(data) == presence
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]string, 0, len(users))
	for i, user := range users {
		if match[i] {
			out = append(out, user)
		}
	}
	return out, nil
}

// GenerateRoomName returns "<creator>'s chat", or "<creator>'s chat #N"
// when rooms with that prefix already exist.
func (h *Hub) GenerateRoomName(ctx context.Context, creator string) (string, error) {
	if err := namespace.ValidateName(creator); err != nil {
		return "", err
	}
	rooms, err := h.ListRooms(ctx)
	if err != nil {
		return "", err
	}
	prefix := creator + "'s chat"
	existing := goset.NewSet[string](rooms...)
	count := 0
	for _, r := range rooms {
		if r == prefix || strings.HasPrefix(r, prefix+" #") {
			count++
		}
	}
	name := prefix
	if count > 0 {
		name = fmt.Sprintf("%s #%d", prefix, count+1)
	}
	for n := count + 2; existing.Contains(name); n++ {
		name = fmt.Sprintf("%s #%d", prefix, n)
	}
	return name, nil
}

// Reset deletes every user and room and recreates the empty containers.
// Subscriptions are reinstalled when the hub is watching.
func (h *Hub) Reset(ctx context.Context) error {
	err := h.writer.Do(ctx, delegate.Write{
		Name: "reset",
		Apply: func(ctx context.Context, s coordination.Session) error {
			c := namespace.NewClient(s)
			for _, root := range []string{namespace.UsersRoot, namespace.RoomsRoot} {
				if err := c.DeleteRecursive(ctx, root); err != nil {
					return err
				}
			}
			return c.EnsureContainers(ctx, namespace.Containers()...)
		},
	})
	if err != nil {
		return err
	}
	h.ensured.Store(true)
	h.logger.Info("namespace reset")
	if h.watching.Load() {
		return h.Watch(ctx)
	}
	return nil
}

func validateNames(names ...string) error {
	for _, n := range names {
		if err := namespace.ValidateName(n); err != nil {
			return err
		}
	}
	return nil
}

func requireEntity(ctx context.Context, c *namespace.Client, p string, missing error, name string) error {
	ok, err := c.Exists(ctx, p)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", missing, name)
	}
	return nil
}

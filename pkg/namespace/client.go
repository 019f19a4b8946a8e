package namespace

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"chathub/pkg/coordination"
)

// Client applies namespace conventions on top of one session.
type Client struct {
	session coordination.Session
}

// NewClient wraps session.
func NewClient(session coordination.Session) *Client {
	return &Client{session: session}
}

// Session returns the wrapped session.
func (c *Client) Session() coordination.Session { return c.session }

// EnsureContainer creates a persistent node if it is missing. A concurrent
// creator winning the race counts as success.
func (c *Client) EnsureContainer(ctx context.Context, path string) error {
	ok, err := c.session.Exists(ctx, path)
	if err != nil {
		return fmt.Errorf("ensure %s: %w", path, err)
	}
	if ok {
		return nil
	}
	if _, err := c.session.Create(ctx, path, nil, coordination.Persistent); err != nil && !errors.Is(err, coordination.ErrNodeExists) {
		return fmt.Errorf("ensure %s: %w", path, err)
	}
	return nil
}

// EnsureContainers calls EnsureContainer for each path in order.
func (c *Client) EnsureContainers(ctx context.Context, paths ...string) error {
	for _, p := range paths {
		if err := c.EnsureContainer(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// CreateEntity creates a node that must not exist yet and returns its
// final path (which differs from path for sequential modes).
func (c *Client) CreateEntity(ctx context.Context, path string, data []byte, mode coordination.CreateMode) (string, error) {
	if !mode.IsSequential() {
		ok, err := c.session.Exists(ctx, path)
		if err != nil {
			return "", fmt.Errorf("create %s: %w", path, err)
		}
		if ok {
			return "", fmt.Errorf("create %s: %w", path, coordination.ErrNodeExists)
		}
	}
	created, err := c.session.Create(ctx, path, data, mode)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", path, err)
	}
	return created, nil
}

// DeleteRecursive removes path and everything below it, deepest first.
// Nodes that vanish concurrently are ignored.
func (c *Client) DeleteRecursive(ctx context.Context, path string) error {
	children, err := c.session.Children(ctx, path)
	if errors.Is(err, coordination.ErrNoNode) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	for _, child := range children {
		if err := c.DeleteRecursive(ctx, Join(path, child)); err != nil {
			return err
		}
	}
	if err := c.session.Delete(ctx, path); err != nil && !errors.Is(err, coordination.ErrNoNode) {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	return nil
}

// ChildrenSorted lists child names alphabetically.
func (c *Client) ChildrenSorted(ctx context.Context, path string) ([]string, error) {
	names, err := c.session.Children(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", path, err)
	}
	sort.Strings(names)
	return names, nil
}

// ChildrenBySequence lists sequential child names in assignment order.
func (c *Client) ChildrenBySequence(ctx context.Context, path, prefix string) ([]string, error) {
	names, err := c.session.Children(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", path, err)
	}
	SortBySequence(names, prefix)
	return names, nil
}

// Read returns the payload of path.
func (c *Client) Read(ctx context.Context, path string) ([]byte, error) {
	data, _, err := c.session.Get(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

// Write replaces the payload of an existing node.
func (c *Client) Write(ctx context.Context, path string, data []byte) error {
	if err := c.session.Set(ctx, path, data); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// Exists reports whether path is present.
func (c *Client) Exists(ctx context.Context, path string) (bool, error) {
	ok, err := c.session.Exists(ctx, path)
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", path, err)
	}
	return ok, nil
}

// ReadMessages decodes every message of room in sequence order.
func (c *Client) ReadMessages(ctx context.Context, room string) ([]Message, error) {
	names, err := c.ChildrenBySequence(ctx, MessagesPath(room), MessagePrefix)
	if err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(names))
	for _, name := range names {
		m, err := c.ReadMessage(ctx, room, name)
		if errors.Is(err, coordination.ErrNoNode) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// ReadMessage decodes one message node.
func (c *Client) ReadMessage(ctx context.Context, room, name string) (Message, error) {
	data, err := c.Read(ctx, Join(MessagesPath(room), name))
	if err != nil {
		return Message{}, err
	}
	return DecodeMessage(name, data)
}

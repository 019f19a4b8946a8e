// Package zookeeper adapts github.com/go-zookeeper/zk to coordination.Session.
package zookeeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-zookeeper/zk"
	"go.uber.org/zap"

	"chathub/pkg/coordination"
)

// Dialer opens one ZooKeeper connection per endpoint.
type Dialer struct {
	logger *zap.Logger
}

var _ coordination.Dialer = (*Dialer)(nil)

// NewDialer returns a Dialer that routes the client library's own logging
// through the given logger at debug level.
func NewDialer(logger *zap.Logger) *Dialer {
	return &Dialer{logger: logger.With(zap.String("component", "zookeeper"))}
}

// zkLogger satisfies zk.Logger.
type zkLogger struct {
	sugar *zap.SugaredLogger
}

func (l zkLogger) Printf(format string, args ...interface{}) {
	l.sugar.Debugf(format, args...)
}

// Dial connects to a single server and waits until a session is
// established, the timeout passes or ctx ends.
func (d *Dialer) Dial(ctx context.Context, endpoint string, timeout time.Duration) (coordination.Session, <-chan coordination.Event, error) {
	conn, raw, err := zk.Connect([]string{endpoint}, timeout, zk.WithLogger(zkLogger{sugar: d.logger.Sugar()}))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s: %v", coordination.ErrConnection, endpoint, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

wait:
	for {
		select {
		case ev, ok := <-raw:
			if !ok {
				return nil, nil, fmt.Errorf("%w: %s: event stream closed", coordination.ErrConnection, endpoint)
			}
			if ev.State == zk.StateHasSession {
				break wait
			}
			if ev.State == zk.StateAuthFailed {
				conn.Close()
				return nil, nil, fmt.Errorf("%w: %s: authentication failed", coordination.ErrConnection, endpoint)
			}
		case <-timer.C:
			conn.Close()
			return nil, nil, fmt.Errorf("%w: %s: no session within %s", coordination.ErrConnection, endpoint, timeout)
		case <-ctx.Done():
			conn.Close()
			return nil, nil, fmt.Errorf("%w: %v", coordination.ErrInterrupted, ctx.Err())
		}
	}

	events := make(chan coordination.Event, 16)
	events <- coordination.Event{Type: coordination.EventSession, State: coordination.StateConnected}
	go forward(raw, events)

	d.logger.Debug("session established",
		zap.String("endpoint", endpoint),
		zap.Int64("session_id", conn.SessionID()))

	return &Session{conn: conn, endpoint: endpoint}, events, nil
}

// forward translates session events until the library closes its channel.
func forward(raw <-chan zk.Event, out chan<- coordination.Event) {
	defer close(out)
	for ev := range raw {
		if ev.Type != zk.EventSession {
			continue
		}
		var state coordination.SessionState
		switch ev.State {
		case zk.StateHasSession:
			state = coordination.StateConnected
		case zk.StateDisconnected:
			state = coordination.StateDisconnected
		case zk.StateExpired:
			state = coordination.StateExpired
		default:
			continue
		}
		out <- coordination.Event{Type: coordination.EventSession, State: state, Err: ev.Err}
	}
}

// Session wraps a *zk.Conn.
type Session struct {
	conn     *zk.Conn
	endpoint string
}

var _ coordination.Session = (*Session)(nil)

var acl = zk.WorldACL(zk.PermAll)

// Endpoint implements coordination.Session.
func (s *Session) Endpoint() string { return s.endpoint }

// Create implements coordination.Session.
func (s *Session) Create(ctx context.Context, path string, data []byte, mode coordination.CreateMode) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", interrupted(err)
	}
	var flags int32
	if mode.IsEphemeral() {
		flags |= zk.FlagEphemeral
	}
	if mode.IsSequential() {
		flags |= zk.FlagSequence
	}
	created, err := s.conn.Create(path, data, flags, acl)
	if err != nil {
		return "", translate(path, err)
	}
	return created, nil
}

// Get implements coordination.Session.
func (s *Session) Get(ctx context.Context, path string) ([]byte, *coordination.Stat, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, interrupted(err)
	}
	data, stat, err := s.conn.Get(path)
	if err != nil {
		return nil, nil, translate(path, err)
	}
	return data, toStat(stat), nil
}

// GetW implements coordination.Session.
func (s *Session) GetW(ctx context.Context, path string) ([]byte, *coordination.Stat, <-chan coordination.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, nil, interrupted(err)
	}
	data, stat, ch, err := s.conn.GetW(path)
	if err != nil {
		return nil, nil, nil, translate(path, err)
	}
	return data, toStat(stat), watch(ch), nil
}

// Set implements coordination.Session.
func (s *Session) Set(ctx context.Context, path string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return interrupted(err)
	}
	if _, err := s.conn.Set(path, data, -1); err != nil {
		return translate(path, err)
	}
	return nil
}

// Delete implements coordination.Session.
func (s *Session) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return interrupted(err)
	}
	return translate(path, s.conn.Delete(path, -1))
}

// Children implements coordination.Session.
func (s *Session) Children(ctx context.Context, path string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, interrupted(err)
	}
	names, _, err := s.conn.Children(path)
	if err != nil {
		return nil, translate(path, err)
	}
	return names, nil
}

// ChildrenW implements coordination.Session.
func (s *Session) ChildrenW(ctx context.Context, path string) ([]string, <-chan coordination.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, interrupted(err)
	}
	names, _, ch, err := s.conn.ChildrenW(path)
	if err != nil {
		return nil, nil, translate(path, err)
	}
	return names, watch(ch), nil
}

// Exists implements coordination.Session.
func (s *Session) Exists(ctx context.Context, path string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, interrupted(err)
	}
	ok, _, err := s.conn.Exists(path)
	if err != nil {
		return false, translate(path, err)
	}
	return ok, nil
}

// ExistsW implements coordination.Session.
func (s *Session) ExistsW(ctx context.Context, path string) (bool, <-chan coordination.Event, error) {
	if err := ctx.Err(); err != nil {
		return false, nil, interrupted(err)
	}
	ok, _, ch, err := s.conn.ExistsW(path)
	if err != nil {
		return false, nil, translate(path, err)
	}
	return ok, watch(ch), nil
}

// Close implements coordination.Session.
func (s *Session) Close() error {
	s.conn.Close()
	return nil
}

func toStat(stat *zk.Stat) *coordination.Stat {
	if stat == nil {
		return &coordination.Stat{}
	}
	return &coordination.Stat{Version: int64(stat.Version), NumChildren: int(stat.NumChildren)}
}

// watch converts a library watch channel, which delivers exactly one event.
func watch(in <-chan zk.Event) <-chan coordination.Event {
	out := make(chan coordination.Event, 1)
	go func() {
		defer close(out)
		ev, ok := <-in
		if !ok {
			return
		}
		out <- coordination.Event{Type: eventType(ev.Type), Path: ev.Path, Err: ev.Err}
	}()
	return out
}

func eventType(t zk.EventType) coordination.EventType {
	switch t {
	case zk.EventNodeCreated:
		return coordination.EventNodeCreated
	case zk.EventNodeDeleted:
		return coordination.EventNodeDeleted
	case zk.EventNodeDataChanged:
		return coordination.EventNodeDataChanged
	case zk.EventNodeChildrenChanged:
		return coordination.EventNodeChildrenChanged
	case zk.EventNotWatching:
		return coordination.EventNotWatching
	default:
		return coordination.EventSession
	}
}

func interrupted(err error) error {
	return fmt.Errorf("%w: %v", coordination.ErrInterrupted, err)
}

// translate maps library errors onto the coordination taxonomy.
func translate(path string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, zk.ErrNodeExists):
		return fmt.Errorf("%w: %s", coordination.ErrNodeExists, path)
	case errors.Is(err, zk.ErrNoNode):
		return fmt.Errorf("%w: %s", coordination.ErrNoNode, path)
	case errors.Is(err, zk.ErrNotEmpty):
		return fmt.Errorf("%w: %s", coordination.ErrNotEmpty, path)
	case errors.Is(err, zk.ErrSessionExpired):
		return fmt.Errorf("%w: %s", coordination.ErrSessionExpired, path)
	case errors.Is(err, zk.ErrClosing):
		return fmt.Errorf("%w: %s", coordination.ErrClosed, path)
	case errors.Is(err, zk.ErrConnectionClosed), errors.Is(err, zk.ErrNoServer):
		return fmt.Errorf("%w: %s: %v", coordination.ErrConnection, path, err)
	default:
		return fmt.Errorf("zookeeper %s: %w", path, err)
	}
}

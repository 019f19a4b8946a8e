// Package etcd presents an etcd cluster as a hierarchical coordination
// service.
//
// Nodes are keys under a tree prefix. A session is a lease kept alive by
// the client: ephemeral nodes are written with that lease and vanish when
// it expires or is revoked. Sequential names come from a per-parent
// counter key advanced in the same transaction as the create. Watches are
// one-shot: the first matching event is delivered and the etcd watch is
// cancelled.
package etcd

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"chathub/pkg/coordination"
)

const (
	treePrefix = "/tree"
	seqPrefix  = "/seq"
	maxCASTry  = 16
)

// Dialer opens an etcd client and lease per endpoint.
type Dialer struct {
	logger *zap.Logger
	prefix string
}

var _ coordination.Dialer = (*Dialer)(nil)

// NewDialer returns a Dialer storing its tree under prefix (e.g. "/chathub").
func NewDialer(logger *zap.Logger, prefix string) *Dialer {
	return &Dialer{
		logger: logger.With(zap.String("component", "etcd")),
		prefix: strings.TrimSuffix(prefix, "/"),
	}
}

// Dial implements coordination.Dialer.
func (d *Dialer) Dial(ctx context.Context, endpoint string, timeout time.Duration) (coordination.Session, <-chan coordination.Event, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   []string{endpoint},
		DialTimeout: timeout,
		Context:     context.Background(),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("%w: failed to connect to etcd %s: %v", coordination.ErrConnection, endpoint, err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ttl := int64(timeout / time.Second)
	if ttl < 1 {
		ttl = 1
	}
	lease, err := cli.Grant(dialCtx, ttl)
	if err != nil {
		return nil, nil, multierr.Append(
			fmt.Errorf("%w: failed to grant lease on %s: %v", coordination.ErrConnection, endpoint, err),
			cli.Close())
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	ka, err := cli.KeepAlive(sessCtx, lease.ID)
	if err != nil {
		sessCancel()
		return nil, nil, multierr.Append(
			fmt.Errorf("%w: failed to start keep-alive on %s: %v", coordination.ErrConnection, endpoint, err),
			cli.Close())
	}

	s := &Session{
		client:   cli,
		endpoint: endpoint,
		lease:    lease.ID,
		ctx:      sessCtx,
		cancel:   sessCancel,
		closed:   atomic.NewBool(false),
		expired:  atomic.NewBool(false),
		tree:     d.prefix + treePrefix,
		seq:      d.prefix + seqPrefix,
		logger:   d.logger.With(zap.String("endpoint", endpoint)),
	}

	events := make(chan coordination.Event, 4)
	events <- coordination.Event{Type: coordination.EventSession, State: coordination.StateConnected}
	go s.monitor(ka, events)

	return s, events, nil
}

// Session is a lease-backed session on one etcd endpoint.
type Session struct {
	client   *clientv3.Client
	endpoint string
	lease    clientv3.LeaseID
	ctx      context.Context
	cancel   context.CancelFunc
	closed   *atomic.Bool
	expired  *atomic.Bool
	tree     string
	seq      string
	logger   *zap.Logger
}

var _ coordination.Session = (*Session)(nil)

// monitor drains keep-alive responses; the channel closing while the
// session is open means the lease is gone.
func (s *Session) monitor(ka <-chan *clientv3.LeaseKeepAliveResponse, events chan<- coordination.Event) {
	defer close(events)
	for range ka {
	}
	if s.closed.Load() {
		events <- coordination.Event{Type: coordination.EventSession, State: coordination.StateClosed}
		return
	}
	s.expired.Store(true)
	s.logger.Warn("lease lost", zap.Int64("lease", int64(s.lease)))
	events <- coordination.Event{Type: coordination.EventSession, State: coordination.StateExpired}
}

// Endpoint implements coordination.Session.
func (s *Session) Endpoint() string { return s.endpoint }

func (s *Session) key(p string) string {
	if p == "/" {
		return s.tree + "/"
	}
	return s.tree + p
}

func (s *Session) childPrefix(p string) string {
	if p == "/" {
		return s.tree + "/"
	}
	return s.tree + p + "/"
}

func (s *Session) pathOf(key string) string {
	return strings.TrimPrefix(key, s.tree)
}

func parentOf(p string) string {
	i := strings.LastIndex(p, "/")
	if i <= 0 {
		return "/"
	}
	return p[:i]
}

func (s *Session) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", coordination.ErrInterrupted, err)
	}
	if s.expired.Load() {
		return coordination.ErrSessionExpired
	}
	if s.closed.Load() {
		return coordination.ErrClosed
	}
	return nil
}

func (s *Session) fail(ctx context.Context, op, p string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %s %s: %v", coordination.ErrInterrupted, op, p, err)
	}
	if s.expired.Load() {
		return fmt.Errorf("%w: %s %s", coordination.ErrSessionExpired, op, p)
	}
	return fmt.Errorf("%w: %s %s: %v", coordination.ErrConnection, op, p, err)
}

// Create implements coordination.Session.
func (s *Session) Create(ctx context.Context, p string, data []byte, mode coordination.CreateMode) (string, error) {
	if err := s.check(ctx); err != nil {
		return "", err
	}

	var putOpts []clientv3.OpOption
	if mode.IsEphemeral() {
		putOpts = append(putOpts, clientv3.WithLease(s.lease))
	}

	parent := parentOf(p)
	for attempt := 0; attempt < maxCASTry; attempt++ {
		name := p
		cmps := []clientv3.Cmp{}
		thens := []clientv3.Op{}

		if mode.IsSequential() {
			counterKey := s.seq + parent
			resp, err := s.client.Get(ctx, counterKey)
			if err != nil {
				return "", s.fail(ctx, "create", p, err)
			}
			var next, rev int64
			if len(resp.Kvs) > 0 {
				next, _ = strconv.ParseInt(string(resp.Kvs[0].Value), 10, 64)
				rev = resp.Kvs[0].ModRevision
			}
			name = fmt.Sprintf("%s%010d", p, next)
			cmps = append(cmps, clientv3.Compare(clientv3.ModRevision(counterKey), "=", rev))
			thens = append(thens, clientv3.OpPut(counterKey, strconv.FormatInt(next+1, 10)))
		}

		key := s.key(name)
		cmps = append(cmps, clientv3.Compare(clientv3.CreateRevision(key), "=", 0))
		if parent != "/" {
			cmps = append(cmps, clientv3.Compare(clientv3.CreateRevision(s.key(parent)), ">", 0))
		}
		thens = append(thens, clientv3.OpPut(key, string(data), putOpts...))

		resp, err := s.client.Txn(ctx).
			If(cmps...).
			Then(thens...).
			Else(clientv3.OpGet(s.key(parent)), clientv3.OpGet(key)).
			Commit()
		if err != nil {
			return "", s.fail(ctx, "create", p, err)
		}
		if resp.Succeeded {
			return name, nil
		}

		parentResp := resp.Responses[0].GetResponseRange()
		nodeResp := resp.Responses[1].GetResponseRange()
		if parent != "/" && len(parentResp.Kvs) == 0 {
			return "", fmt.Errorf("%w: parent of %s", coordination.ErrNoNode, p)
		}
		if !mode.IsSequential() && len(nodeResp.Kvs) > 0 {
			return "", fmt.Errorf("%w: %s", coordination.ErrNodeExists, p)
		}
		// lost the counter race
	}
	return "", fmt.Errorf("%w: create %s: sequence contention", coordination.ErrConnection, p)
}

// Get implements coordination.Session.
func (s *Session) Get(ctx context.Context, p string) ([]byte, *coordination.Stat, error) {
	data, stat, _, err := s.get(ctx, p)
	return data, stat, err
}

func (s *Session) get(ctx context.Context, p string) ([]byte, *coordination.Stat, int64, error) {
	if err := s.check(ctx); err != nil {
		return nil, nil, 0, err
	}
	resp, err := s.client.Txn(ctx).Then(
		clientv3.OpGet(s.key(p)),
		clientv3.OpGet(s.childPrefix(p), clientv3.WithPrefix(), clientv3.WithCountOnly()),
	).Commit()
	if err != nil {
		return nil, nil, 0, s.fail(ctx, "get", p, err)
	}
	node := resp.Responses[0].GetResponseRange()
	if len(node.Kvs) == 0 && p != "/" {
		return nil, nil, 0, fmt.Errorf("%w: %s", coordination.ErrNoNode, p)
	}
	stat := &coordination.Stat{NumChildren: int(resp.Responses[1].GetResponseRange().Count)}
	var data []byte
	if len(node.Kvs) > 0 {
		data = node.Kvs[0].Value
		stat.Version = node.Kvs[0].Version - 1
	}
	return data, stat, resp.Header.Revision, nil
}

// GetW implements coordination.Session.
func (s *Session) GetW(ctx context.Context, p string) ([]byte, *coordination.Stat, <-chan coordination.Event, error) {
	data, stat, rev, err := s.get(ctx, p)
	if err != nil {
		return nil, nil, nil, err
	}
	return data, stat, s.watchOnce(s.key(p), rev, false, s.nodeFilter(p)), nil
}

// Set implements coordination.Session.
func (s *Session) Set(ctx context.Context, p string, data []byte) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	key := s.key(p)
	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), ">", 0)).
		Then(clientv3.OpPut(key, string(data), clientv3.WithIgnoreLease())).
		Commit()
	if err != nil {
		return s.fail(ctx, "set", p, err)
	}
	if !resp.Succeeded {
		return fmt.Errorf("%w: %s", coordination.ErrNoNode, p)
	}
	return nil
}

// Delete implements coordination.Session.
func (s *Session) Delete(ctx context.Context, p string) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	count, err := s.client.Get(ctx, s.childPrefix(p), clientv3.WithPrefix(), clientv3.WithCountOnly())
	if err != nil {
		return s.fail(ctx, "delete", p, err)
	}
	if count.Count > 0 {
		return fmt.Errorf("%w: %s", coordination.ErrNotEmpty, p)
	}
	key := s.key(p)
	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), ">", 0)).
		Then(clientv3.OpDelete(key)).
		Commit()
	if err != nil {
		return s.fail(ctx, "delete", p, err)
	}
	if !resp.Succeeded {
		return fmt.Errorf("%w: %s", coordination.ErrNoNode, p)
	}
	return nil
}

// Children implements coordination.Session.
func (s *Session) Children(ctx context.Context, p string) ([]string, error) {
	names, _, err := s.children(ctx, p)
	return names, err
}

func (s *Session) children(ctx context.Context, p string) ([]string, int64, error) {
	if err := s.check(ctx); err != nil {
		return nil, 0, err
	}
	prefix := s.childPrefix(p)
	listing := clientv3.OpGet(prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())

	var (
		resp *clientv3.TxnResponse
		err  error
	)
	if p == "/" {
		resp, err = s.client.Txn(ctx).Then(listing).Commit()
	} else {
		resp, err = s.client.Txn(ctx).
			If(clientv3.Compare(clientv3.CreateRevision(s.key(p)), ">", 0)).
			Then(listing).
			Commit()
	}
	if err != nil {
		return nil, 0, s.fail(ctx, "children", p, err)
	}
	if !resp.Succeeded {
		return nil, 0, fmt.Errorf("%w: %s", coordination.ErrNoNode, p)
	}

	var names []string
	for _, kv := range resp.Responses[0].GetResponseRange().Kvs {
		rest := strings.TrimPrefix(string(kv.Key), prefix)
		if rest != "" && !strings.Contains(rest, "/") {
			names = append(names, rest)
		}
	}
	return names, resp.Header.Revision, nil
}

// ChildrenW implements coordination.Session.
func (s *Session) ChildrenW(ctx context.Context, p string) ([]string, <-chan coordination.Event, error) {
	names, rev, err := s.children(ctx, p)
	if err != nil {
		return nil, nil, err
	}
	return names, s.watchOnce(s.key(p), rev, true, s.childFilter(p)), nil
}

// Exists implements coordination.Session.
func (s *Session) Exists(ctx context.Context, p string) (bool, error) {
	ok, _, err := s.exists(ctx, p)
	return ok, err
}

func (s *Session) exists(ctx context.Context, p string) (bool, int64, error) {
	if err := s.check(ctx); err != nil {
		return false, 0, err
	}
	if p == "/" {
		return true, 0, nil
	}
	resp, err := s.client.Get(ctx, s.key(p), clientv3.WithCountOnly())
	if err != nil {
		return false, 0, s.fail(ctx, "exists", p, err)
	}
	return resp.Count > 0, resp.Header.Revision, nil
}

// ExistsW implements coordination.Session.
func (s *Session) ExistsW(ctx context.Context, p string) (bool, <-chan coordination.Event, error) {
	ok, rev, err := s.exists(ctx, p)
	if err != nil {
		return false, nil, err
	}
	return ok, s.watchOnce(s.key(p), rev, false, s.nodeFilter(p)), nil
}

type eventFilter func(ev *clientv3.Event) (coordination.EventType, bool)

func (s *Session) nodeFilter(p string) eventFilter {
	key := s.key(p)
	return func(ev *clientv3.Event) (coordination.EventType, bool) {
		if string(ev.Kv.Key) != key {
			return 0, false
		}
		switch {
		case ev.Type == clientv3.EventTypeDelete:
			return coordination.EventNodeDeleted, true
		case ev.IsCreate():
			return coordination.EventNodeCreated, true
		default:
			return coordination.EventNodeDataChanged, true
		}
	}
}

func (s *Session) childFilter(p string) eventFilter {
	key := s.key(p)
	prefix := s.childPrefix(p)
	return func(ev *clientv3.Event) (coordination.EventType, bool) {
		k := string(ev.Kv.Key)
		if k == key && ev.Type == clientv3.EventTypeDelete {
			return coordination.EventNodeDeleted, true
		}
		rest := strings.TrimPrefix(k, prefix)
		if rest == k || rest == "" || strings.Contains(rest, "/") {
			return 0, false
		}
		if ev.Type == clientv3.EventTypeDelete || ev.IsCreate() {
			return coordination.EventNodeChildrenChanged, true
		}
		return 0, false
	}
}

// watchOnce delivers the first event accepted by filter after rev.
func (s *Session) watchOnce(key string, rev int64, prefix bool, filter eventFilter) <-chan coordination.Event {
	out := make(chan coordination.Event, 1)
	wctx, cancel := context.WithCancel(s.ctx)

	opts := []clientv3.OpOption{clientv3.WithRev(rev + 1)}
	if prefix {
		opts = append(opts, clientv3.WithPrefix())
	}
	wch := s.client.Watch(clientv3.WithRequireLeader(wctx), key, opts...)

	go func() {
		defer close(out)
		defer cancel()
		for resp := range wch {
			if resp.Canceled || resp.Err() != nil {
				break
			}
			for _, ev := range resp.Events {
				if t, ok := filter(ev); ok {
					out <- coordination.Event{Type: t, Path: s.pathOf(string(ev.Kv.Key))}
					return
				}
			}
		}
		out <- coordination.Event{Type: coordination.EventNotWatching, Path: s.pathOf(key), Err: coordination.ErrClosed}
	}()
	return out
}

// Close revokes the lease, removing this session's ephemeral nodes.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// An error here is tolerated: the lease expires on its own
	_, rerr := s.client.Revoke(ctx, s.lease)
	if rerr != nil {
		s.logger.Debug("lease revoke failed", zap.Error(rerr))
	}
	s.cancel()
	return s.client.Close()
}

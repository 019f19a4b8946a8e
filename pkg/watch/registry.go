package watch

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/Workiva/go-datastructures/queue"
	"go.uber.org/zap"

	"chathub/pkg/coordination"
	"chathub/pkg/metrics"
)

type subKey struct {
	path string
	kind Kind
}

// Registry owns every subscription of the process and processes them on
// a single worker goroutine. Watch fires and rearms only enqueue.
type Registry struct {
	provider   coordination.SessionProvider
	logger     *zap.Logger
	timeout    time.Duration
	retryDelay time.Duration

	mu   sync.Mutex
	subs map[subKey]*Subscription

	queue  *queue.Queue
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// Option configures a Registry.
type Option func(*Registry)

func WithLogger(logger *zap.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// WithTimeout bounds each read and handler run.
func WithTimeout(d time.Duration) Option {
	return func(r *Registry) { r.timeout = d }
}

// WithRetryDelay sets the first pause before a failed read is retried.
// The pause doubles with every further failure of the same subscription.
func WithRetryDelay(d time.Duration) Option {
	return func(r *Registry) { r.retryDelay = d }
}

// NewRegistry returns an idle Registry reading through provider's session.
func NewRegistry(provider coordination.SessionProvider, opts ...Option) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		provider:   provider,
		logger:     zap.NewNop(),
		timeout:    10 * time.Second,
		retryDelay: 200 * time.Millisecond,
		subs:       map[subKey]*Subscription{},
		queue:      queue.New(64),
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(zap.String("component", "watch"))
	return r
}

// Start launches the worker.
func (r *Registry) Start() {
	r.once.Do(func() {
		r.wg.Add(1)
		go r.worker()
	})
}

// Close stops the worker and every pending watch wait.
func (r *Registry) Close() {
	r.cancel()
	r.queue.Dispose()
	r.wg.Wait()
}

// Subscribe registers interest in (path, kind). Subscribing twice returns
// the existing subscription.
func (r *Registry) Subscribe(path string, kind Kind, handler Handler) *Subscription {
	return r.subscribe(path, kind, handler, nil)
}

// SubscribeFrom is Subscribe with a known starting point: the first read
// is diffed against baseline instead of becoming the baseline. Used for
// nodes that were empty when created.
func (r *Registry) SubscribeFrom(path string, kind Kind, baseline Snapshot, handler Handler) *Subscription {
	return r.subscribe(path, kind, handler, &baseline)
}

func (r *Registry) subscribe(path string, kind Kind, handler Handler, baseline *Snapshot) *Subscription {
	key := subKey{path: path, kind: kind}
	r.mu.Lock()
	if sub, ok := r.subs[key]; ok {
		r.mu.Unlock()
		return sub
	}
	sub := newSubscription(path, kind, handler)
	sub.last = baseline
	r.subs[key] = sub
	metrics.Subscriptions.Inc()
	r.mu.Unlock()

	r.schedule(sub)
	return sub
}

// Unsubscribe drops interest in (path, kind). A pending watch is left to
// fire into nothing.
func (r *Registry) Unsubscribe(path string, kind Kind) {
	key := subKey{path: path, kind: kind}
	r.mu.Lock()
	sub, ok := r.subs[key]
	if ok {
		delete(r.subs, key)
		metrics.Subscriptions.Dec()
	}
	r.mu.Unlock()
	if ok {
		sub.cancelled.Store(true)
	}
}

// RearmAll reinstalls every subscription. Called at startup and after
// every reconnect or new session.
func (r *Registry) RearmAll() {
	metrics.WatchRearms.Inc()
	for _, sub := range r.snapshot() {
		r.schedule(sub)
	}
}

// Subscribed reports whether (path, kind) is live.
func (r *Registry) Subscribed(path string, kind Kind) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.subs[subKey{path: path, kind: kind}]
	return ok
}

// Paths lists subscribed paths, sorted, with kind suffixes.
func (r *Registry) Paths() []string {
	r.mu.Lock()
	out := make([]string, 0, len(r.subs))
	for key := range r.subs {
		out = append(out, key.path+" ("+key.kind.String()+")")
	}
	r.mu.Unlock()
	sort.Strings(out)
	return out
}

// Len returns the number of live subscriptions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

func (r *Registry) snapshot() []*Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].path < out[j].path })
	return out
}

func (r *Registry) schedule(sub *Subscription) {
	if err := r.queue.Put(sub); err != nil {
		r.logger.Debug("registry closed, dropping schedule", zap.String("path", sub.path))
	}
}

func (r *Registry) worker() {
	defer r.wg.Done()
	for {
		items, err := r.queue.Get(1)
		if err != nil {
			return
		}
		for _, item := range items {
			if r.ctx.Err() != nil {
				return
			}
			r.process(item.(*Subscription))
		}
	}
}

// process runs one cycle for sub: reinstall, snapshot, diff, dispatch.
func (r *Registry) process(sub *Subscription) {
	if sub.cancelled.Load() {
		return
	}
	session := r.provider.Session()
	if session == nil {
		return
	}

	ctx, cancel := context.WithTimeout(r.ctx, r.timeout)
	defer cancel()

	arm := sub.needsWatch(session)
	snap, watch, err := sub.read(ctx, session, arm)
	switch {
	case errors.Is(err, coordination.ErrNoNode):
		r.drop(sub)
		return
	case err != nil:
		r.retryLater(sub, err)
		return
	}
	sub.failures.Store(0)

	if arm {
		sub.armed(session)
		r.wg.Add(1)
		go r.await(sub, session, watch)
	}

	change, changed := sub.update(snap)
	if !changed || sub.cancelled.Load() {
		return
	}
	metrics.WatchDispatches.WithLabelValues(sub.kind.String()).Inc()
	sub.handler(ctx, change)
}

func (r *Registry) await(sub *Subscription, session coordination.Session, watch <-chan coordination.Event) {
	defer r.wg.Done()
	select {
	case <-r.ctx.Done():
		return
	case ev, ok := <-watch:
		sub.fired(session)
		if !ok || ev.Type == coordination.EventNotWatching {
			return
		}
		metrics.WatchFires.WithLabelValues(sub.kind.String()).Inc()
		if !sub.cancelled.Load() {
			r.schedule(sub)
		}
	}
}

// retryLater reschedules sub after a failed read. Without it the path
// would stay unwatched until the next rearm.
func (r *Registry) retryLater(sub *Subscription, err error) {
	n := sub.failures.Inc()
	delay := r.retryDelay << min(n-1, 5)
	r.logger.Debug("subscription read failed, retrying",
		zap.String("path", sub.path),
		zap.Duration("delay", delay),
		zap.Error(err),
	)
	time.AfterFunc(delay, func() {
		if r.ctx.Err() != nil || sub.cancelled.Load() {
			return
		}
		r.schedule(sub)
	})
}

func (r *Registry) drop(sub *Subscription) {
	key := subKey{path: sub.path, kind: sub.kind}
	r.mu.Lock()
	if cur, ok := r.subs[key]; ok && cur == sub {
		delete(r.subs, key)
		metrics.Subscriptions.Dec()
	}
	r.mu.Unlock()
	sub.cancelled.Store(true)
	r.logger.Debug("dropped subscription for missing node", zap.String("path", sub.path), zap.Stringer("kind", sub.kind))
}

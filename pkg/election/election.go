// Package election implements leader election over ephemeral sequential
// candidate nodes: the smallest live candidate leads, every other
// candidate watches its immediate predecessor.
package election

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"chathub/pkg/coordination"
	"chathub/pkg/metrics"
	"chathub/pkg/namespace"
)

// State of the election state machine.
type State int

const (
	Unregistered State = iota
	Candidate
	Waiting
	Leader
	Follower
)

func (s State) String() string {
	switch s {
	case Unregistered:
		return "unregistered"
	case Candidate:
		return "candidate"
	case Waiting:
		return "waiting"
	case Leader:
		return "leader"
	case Follower:
		return "follower"
	default:
		return "unknown"
	}
}

// Election runs one instance's candidacy.
type Election struct {
	provider   coordination.SessionProvider
	logger     *zap.Logger
	maxChecks  int
	retryDelay time.Duration

	mu        sync.Mutex
	state     State
	candidate string
	session   coordination.Session
	changed   chan struct{}

	// candidacy dropped by Restart, deleted before registering again
	stale        string
	staleSession coordination.Session

	leader *atomic.Bool
	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// Option configures an Election.
type Option func(*Election)

func WithLogger(logger *zap.Logger) Option {
	return func(e *Election) { e.logger = logger }
}

// WithMaxChecks bounds how many lookups one wake-up may run.
func WithMaxChecks(n int) Option {
	return func(e *Election) { e.maxChecks = n }
}

// WithRetryDelay sets the pause before retrying after a failed namespace call.
func WithRetryDelay(d time.Duration) Option {
	return func(e *Election) { e.retryDelay = d }
}

// New returns an Election in the Unregistered state. Call Start to run it.
func New(provider coordination.SessionProvider, opts ...Option) *Election {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Election{
		provider:   provider,
		logger:     zap.NewNop(),
		maxChecks:  16,
		retryDelay: 200 * time.Millisecond,
		state:      Unregistered,
		changed:    make(chan struct{}),
		leader:     atomic.NewBool(false),
		wake:       make(chan struct{}, 1),
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(zap.String("component", "election"))
	return e
}

// Start launches the worker and schedules the first registration.
func (e *Election) Start() {
	e.once.Do(func() {
		e.wg.Add(1)
		go e.worker()
		e.signal()
	})
}

// Close stops the worker. The candidacy is left to the session.
func (e *Election) Close() {
	e.cancel()
	e.wg.Wait()
}

// Restart drops the current candidacy and registers again. It is called
// whenever a new session starts and by an operator rejoin. A candidacy
// still held by the live session is deleted by the worker before the new
// one is created, so it cannot outrank its replacement.
func (e *Election) Restart() {
	e.mu.Lock()
	if e.candidate != "" {
		e.stale, e.staleSession = e.candidate, e.session
	}
	e.candidate = ""
	e.session = nil
	e.setState(Unregistered)
	e.mu.Unlock()
	e.signal()
}

// Resign deletes the candidacy and stops participating until Restart.
func (e *Election) Resign(ctx context.Context) error {
	e.mu.Lock()
	candidate, session := e.candidate, e.session
	e.candidate = ""
	e.setState(Follower)
	e.mu.Unlock()

	if candidate == "" || session == nil {
		return nil
	}
	err := session.Delete(ctx, candidate)
	if err != nil && !errors.Is(err, coordination.ErrNoNode) {
		return fmt.Errorf("resign %s: %w", candidate, err)
	}
	e.logger.Info("resigned", zap.String("candidate", candidate))
	return nil
}

// IsLeader reports whether this instance currently leads.
func (e *Election) IsLeader() bool { return e.leader.Load() }

func (e *Election) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Candidate returns the full path of the current candidacy, if any.
func (e *Election) Candidate() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.candidate
}

// Leader returns the path of the smallest live candidate as seen by the
// current session.
func (e *Election) Leader(ctx context.Context) (string, error) {
	session := e.provider.Session()
	if session == nil {
		return "", fmt.Errorf("%w: no session", coordination.ErrConnection)
	}
	return Smallest(ctx, session)
}

// WaitOutcome blocks until the machine settles in Leader, Waiting or
// Follower.
func (e *Election) WaitOutcome(ctx context.Context) (State, error) {
	for {
		e.mu.Lock()
		st, ch := e.state, e.changed
		e.mu.Unlock()

		switch st {
		case Leader, Waiting, Follower:
			return st, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return st, fmt.Errorf("%w: %v", coordination.ErrInterrupted, ctx.Err())
		}
	}
}

// Smallest returns the path of the lowest-sequence candidate visible
// through session, or ErrNoLeaderAvailable when there is none.
func Smallest(ctx context.Context, session coordination.Session) (string, error) {
	names, err := candidates(ctx, session)
	if err != nil {
		return "", err
	}
	if len(names) == 0 {
		return "", coordination.ErrNoLeaderAvailable
	}
	return namespace.Join(namespace.ElectionRoot, names[0]), nil
}

func candidates(ctx context.Context, session coordination.Session) ([]string, error) {
	names, err := namespace.NewClient(session).ChildrenBySequence(ctx, namespace.ElectionRoot, namespace.CandidatePrefix)
	if errors.Is(err, coordination.ErrNoNode) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := names[:0]
	for _, n := range names {
		if strings.HasPrefix(n, namespace.CandidatePrefix) {
			out = append(out, n)
		}
	}
	return out, nil
}

// setState must be called with e.mu held.
func (e *Election) setState(s State) {
	if e.state == s {
		return
	}
	e.state = s
	e.leader.Store(s == Leader)
	metrics.ElectionTransitions.WithLabelValues(s.String()).Inc()
	metrics.RecordLeadership(s == Leader)
	close(e.changed)
	e.changed = make(chan struct{})
}

func (e *Election) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Election) worker() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-e.wake:
		}

		settled := false
		for i := 0; i < e.maxChecks && !settled; i++ {
			if e.ctx.Err() != nil {
				return
			}
			settled = !e.step()
		}
		if !settled {
			e.logger.Warn("election did not settle, rescheduling", zap.Int("checks", e.maxChecks))
			e.signal()
		}
	}
}

// step runs one transition and reports whether another should follow
// immediately.
func (e *Election) step() bool {
	session := e.provider.Session()
	if session == nil {
		return false
	}

	e.mu.Lock()
	st, candidate, owner := e.state, e.candidate, e.session
	if st != Unregistered && st != Follower && owner != session {
		e.candidate = ""
		e.session = nil
		e.setState(Unregistered)
		st = Unregistered
	}
	e.mu.Unlock()

	switch st {
	case Follower:
		return false
	case Unregistered:
		return e.register(session)
	default:
		return e.check(session, candidate)
	}
}

func (e *Election) register(session coordination.Session) bool {
	ctx, cancel := context.WithTimeout(e.ctx, 10*time.Second)
	defer cancel()

	if err := e.dropStale(ctx, session); err != nil {
		e.retryLater("delete previous candidacy", err)
		return false
	}

	client := namespace.NewClient(session)
	if err := client.EnsureContainer(ctx, namespace.ElectionRoot); err != nil {
		e.retryLater("ensure election container", err)
		return false
	}
	created, err := session.Create(ctx, namespace.CandidatePath(), nil, coordination.EphemeralSequential)
	if err != nil {
		e.retryLater("create candidacy", err)
		return false
	}

	e.mu.Lock()
	if e.state != Unregistered || e.provider.Session() != session {
		// Restart or Resign raced with the create; the orphan dies with its session
		e.mu.Unlock()
		_ = session.Delete(ctx, created)
		return e.State() == Unregistered
	}
	e.candidate = created
	e.session = session
	e.setState(Candidate)
	e.mu.Unlock()

	e.logger.Info("registered candidacy", zap.String("candidate", created), zap.String("endpoint", session.Endpoint()))
	return true
}

// dropStale deletes the candidacy left behind by Restart when it belongs to
// session. Candidacies of older sessions die with them.
func (e *Election) dropStale(ctx context.Context, session coordination.Session) error {
	e.mu.Lock()
	stale, owner := e.stale, e.staleSession
	e.mu.Unlock()
	if stale == "" {
		return nil
	}
	if owner == session {
		err := session.Delete(ctx, stale)
		if err != nil && !errors.Is(err, coordination.ErrNoNode) {
			return err
		}
		e.logger.Info("deleted previous candidacy", zap.String("candidate", stale))
	}
	e.mu.Lock()
	if e.stale == stale {
		e.stale, e.staleSession = "", nil
	}
	e.mu.Unlock()
	return nil
}

func (e *Election) check(session coordination.Session, candidate string) bool {
	ctx, cancel := context.WithTimeout(e.ctx, 10*time.Second)
	defer cancel()

	names, err := candidates(ctx, session)
	if err != nil {
		e.retryLater("list candidates", err)
		return false
	}

	own := strings.TrimPrefix(candidate, namespace.ElectionRoot+"/")
	pos := -1
	for i, n := range names {
		if n == own {
			pos = i
			break
		}
	}

	if pos < 0 {
		e.logger.Warn("candidacy vanished, re-registering", zap.String("candidate", candidate))
		e.transition(candidate, Unregistered)
		return true
	}

	// the leader watches its own node so a lost candidacy is noticed
	watched := candidate
	next := Leader
	if pos > 0 {
		watched = namespace.Join(namespace.ElectionRoot, names[pos-1])
		next = Waiting
	}

	ok, watch, err := session.ExistsW(ctx, watched)
	if err != nil {
		e.retryLater("watch "+watched, err)
		return false
	}
	if !ok {
		// gone before the watch was placed
		return true
	}

	if !e.transition(candidate, next) {
		return true
	}
	if next == Leader {
		e.logger.Info("elected leader", zap.String("candidate", candidate))
	} else {
		e.logger.Debug("waiting for predecessor", zap.String("candidate", candidate), zap.String("predecessor", watched))
	}

	e.wg.Add(1)
	go e.await(watch)
	return false
}

// transition moves to next only if candidate is still the current candidacy.
func (e *Election) transition(candidate string, next State) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.candidate != candidate || e.state == Follower || e.state == Unregistered {
		return false
	}
	if next == Unregistered {
		e.candidate = ""
		e.session = nil
	}
	e.setState(next)
	return true
}

func (e *Election) await(watch <-chan coordination.Event) {
	defer e.wg.Done()
	select {
	case ev, ok := <-watch:
		if ok {
			metrics.WatchFires.WithLabelValues("election").Inc()
			e.logger.Debug("election watch fired", zap.Stringer("type", ev.Type), zap.String("path", ev.Path))
		}
		e.signal()
	case <-e.ctx.Done():
	}
}

func (e *Election) retryLater(op string, err error) {
	e.logger.Warn("election step failed", zap.String("op", op), zap.Error(err))
	if e.ctx.Err() != nil {
		return
	}
	time.AfterFunc(e.retryDelay, e.signal)
}

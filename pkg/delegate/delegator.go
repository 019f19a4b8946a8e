// Package delegate routes namespace writes to a session that can see a
// live leader.
package delegate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"chathub/pkg/coordination"
	"chathub/pkg/election"
	"chathub/pkg/failover"
	"chathub/pkg/metrics"
	tracing "chathub/pkg/observability"
)

// Routes reported in metrics and spans.
const (
	RouteLocal     = "local"
	RouteBound     = "bound"
	RouteDelegated = "delegated"
)

// Write is one mutation of the namespace.
type Write struct {
	Name string
	// SessionBound writes create nodes owned by the applying session and
	// must run on the instance's own session.
	SessionBound bool
	Apply        func(ctx context.Context, s coordination.Session) error
}

// LeaderChecker reports local leadership.
type LeaderChecker interface {
	IsLeader() bool
}

// Delegator applies writes on the leader's session or delegates them.
type Delegator struct {
	local   coordination.SessionProvider
	leader  LeaderChecker
	dialer  coordination.Dialer
	iter    *failover.Iterator
	timeout time.Duration
	tracer  trace.Tracer
	logger  *zap.Logger
}

// Option configures a Delegator.
type Option func(*Delegator)

func WithLogger(logger *zap.Logger) Option {
	return func(d *Delegator) { d.logger = logger }
}

// WithDialTimeout sets the timeout of temporary sessions.
func WithDialTimeout(timeout time.Duration) Option {
	return func(d *Delegator) { d.timeout = timeout }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(d *Delegator) { d.tracer = tracer }
}

// New returns a Delegator. iter orders the endpoints tried when this
// instance is not the leader.
func New(local coordination.SessionProvider, leader LeaderChecker, dialer coordination.Dialer, iter *failover.Iterator, opts ...Option) *Delegator {
	d := &Delegator{
		local:   local,
		leader:  leader,
		dialer:  dialer,
		iter:    iter,
		timeout: 5 * time.Second,
		tracer:  tracing.Tracer(),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With(zap.String("component", "delegate"))
	return d
}

// Do applies w. When no endpoint shows a live leader the error wraps
// coordination.ErrNoLeaderAvailable; callers may retry later.
func (d *Delegator) Do(ctx context.Context, w Write) error {
	start := time.Now()
	route := RouteDelegated
	switch {
	case d.leader.IsLeader():
		route = RouteLocal
	case w.SessionBound:
		route = RouteBound
	}

	ctx, span := d.tracer.Start(ctx, "delegate."+w.Name,
		trace.WithAttributes(tracing.AttrWrite.String(w.Name), tracing.AttrRoute.String(route)))
	defer span.End()

	var err error
	switch route {
	case RouteLocal:
		err = d.applyLocal(ctx, w)
		if err != nil && coordination.IsTransient(err) {
			// leadership is only a hint; the local session may be cut off
			if w.SessionBound {
				err = d.unbound(w, err)
				break
			}
			d.logger.Warn("local session unusable, delegating",
				zap.String("write", w.Name), zap.Error(err))
			tracing.AddEvent(ctx, "local apply failed, delegating")
			route = RouteDelegated
			span.SetAttributes(tracing.AttrRoute.String(route))
			err = d.delegate(ctx, span, w)
		}
	case RouteBound:
		if _, err = d.iter.First(ctx, d.probe); err == nil {
			if err = d.applyLocal(ctx, w); err != nil && coordination.IsTransient(err) {
				err = d.unbound(w, err)
			}
		}
	default:
		err = d.delegate(ctx, span, w)
	}

	if errors.Is(err, failover.ErrExhausted) {
		err = fmt.Errorf("%w: %s: %v", coordination.ErrNoLeaderAvailable, w.Name, err)
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"
		if errors.Is(err, coordination.ErrNoLeaderAvailable) {
			outcome = "no_leader"
		}
		tracing.SetError(ctx, err)
		d.logger.Debug("write failed", zap.String("write", w.Name), zap.String("route", route), zap.Error(err))
	}
	metrics.RecordWrite(w.Name, route, outcome, time.Since(start).Seconds())
	return err
}

func (d *Delegator) delegate(ctx context.Context, span trace.Span, w Write) error {
	endpoint, err := d.iter.First(ctx, func(ctx context.Context, endpoint string) error {
		return d.attempt(ctx, endpoint, w)
	})
	if err == nil {
		span.SetAttributes(tracing.AttrEndpoint.String(endpoint))
	}
	return err
}

// unbound reports a session-bound write whose own session is unusable.
// It cannot move to another session, so the caller retries once the
// connection manager has recovered.
func (d *Delegator) unbound(w Write, err error) error {
	return fmt.Errorf("%w: %s: local session: %v", coordination.ErrNoLeaderAvailable, w.Name, err)
}

func (d *Delegator) applyLocal(ctx context.Context, w Write) error {
	s := d.local.Session()
	if s == nil {
		return fmt.Errorf("%w: no local session", coordination.ErrConnection)
	}
	return w.Apply(ctx, s)
}

// attempt runs w on a temporary session to endpoint after checking that
// a leader is visible there.
func (d *Delegator) attempt(ctx context.Context, endpoint string, w Write) error {
	return d.withTemporarySession(ctx, endpoint, func(ctx context.Context, s coordination.Session) error {
		if _, err := election.Smallest(ctx, s); err != nil {
			return err
		}
		return w.Apply(ctx, s)
	})
}

// probe only checks that endpoint sees a leader.
func (d *Delegator) probe(ctx context.Context, endpoint string) error {
	return d.withTemporarySession(ctx, endpoint, func(ctx context.Context, s coordination.Session) error {
		_, err := election.Smallest(ctx, s)
		return err
	})
}

func (d *Delegator) withTemporarySession(ctx context.Context, endpoint string, fn func(context.Context, coordination.Session) error) error {
	ctx, span := d.tracer.Start(ctx, "delegate.attempt",
		trace.WithAttributes(tracing.AttrEndpoint.String(endpoint)))
	defer span.End()

	s, events, err := d.dialer.Dial(ctx, endpoint, d.timeout)
	if err != nil {
		tracing.SetError(ctx, err)
		return err
	}
	go func() {
		for range events {
		}
	}()
	defer func() {
		if cerr := s.Close(); cerr != nil {
			d.logger.Debug("closing temporary session failed", zap.String("endpoint", endpoint), zap.Error(cerr))
		}
	}()

	if err := fn(ctx, s); err != nil {
		tracing.SetError(ctx, err)
		return err
	}
	return nil
}

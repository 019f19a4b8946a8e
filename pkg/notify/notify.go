// Package notify carries domain events raised by the hub's watchers to the
// outside world. Watch handlers call a Sink; the Dispatcher queues the
// event and delivers it to every Publisher on its own goroutine, so a slow
// publisher never stalls the watch registry.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/Workiva/go-datastructures/queue"
	"go.uber.org/zap"

	"chathub/pkg/metrics"
	"chathub/pkg/namespace"
)

// Kind names a domain event.
type Kind string

const (
	KindPresenceChanged   Kind = "presence_changed"
	KindMembershipChanged Kind = "membership_changed"
	KindNewMessage        Kind = "new_message"
)

// Sink receives domain events. Every observed change is reported at least
// once; a rearm may repeat one.
type Sink interface {
	OnPresenceChanged()
	OnRoomMembershipChanged(room string)
	OnNewMessage(room string, message namespace.Message)
}

// Event is the published form of a Sink call.
type Event struct {
	Kind     Kind               `json:"kind"`
	Room     string             `json:"room,omitempty"`
	Message  *namespace.Message `json:"message,omitempty"`
	Instance string             `json:"instance,omitempty"`
	At       time.Time          `json:"at"`
}

// Publisher delivers events to one destination.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, event Event) error
}

// Dispatcher is an asynchronous Sink fanning out to publishers.
type Dispatcher struct {
	publishers []Publisher
	instance   string
	timeout    time.Duration
	logger     *zap.Logger

	queue *queue.Queue
	wg    sync.WaitGroup
	once  sync.Once
	stop  sync.Once
}

var _ Sink = (*Dispatcher)(nil)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

func WithLogger(logger *zap.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithInstance stamps every event with the emitting instance id.
func WithInstance(id string) Option {
	return func(d *Dispatcher) { d.instance = id }
}

// WithTimeout bounds a single Publish call.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) { d.timeout = timeout }
}

// NewDispatcher returns an idle dispatcher for publishers.
func NewDispatcher(publishers []Publisher, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		publishers: publishers,
		timeout:    3 * time.Second,
		logger:     zap.NewNop(),
		queue:      queue.New(64),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With(zap.String("component", "notify"))
	return d
}

// Start launches the delivery goroutine.
func (d *Dispatcher) Start() {
	d.once.Do(func() {
		d.wg.Add(1)
		go d.worker()
	})
}

// Close stops accepting events and delivers whatever is still queued.
func (d *Dispatcher) Close() {
	d.stop.Do(func() {
		rest := d.queue.Dispose()
		d.wg.Wait()
		for _, item := range rest {
			metrics.NotifyQueueDepth.Dec()
			d.deliver(item.(Event))
		}
	})
}

func (d *Dispatcher) OnPresenceChanged() {
	d.enqueue(Event{Kind: KindPresenceChanged})
}

func (d *Dispatcher) OnRoomMembershipChanged(room string) {
	d.enqueue(Event{Kind: KindMembershipChanged, Room: room})
}

func (d *Dispatcher) OnNewMessage(room string, message namespace.Message) {
	m := message
	d.enqueue(Event{Kind: KindNewMessage, Room: room, Message: &m})
}

func (d *Dispatcher) enqueue(event Event) {
	event.Instance = d.instance
	event.At = time.Now().UTC()
	if err := d.queue.Put(event); err != nil {
		d.logger.Warn("dispatcher closed, dropping event", zap.String("event", string(event.Kind)), zap.String("room", event.Room))
		return
	}
	metrics.NotifyQueueDepth.Inc()
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		items, err := d.queue.Get(1)
		if err != nil {
			return
		}
		for _, item := range items {
			metrics.NotifyQueueDepth.Dec()
			d.deliver(item.(Event))
		}
	}
}

func (d *Dispatcher) deliver(event Event) {
	for _, p := range d.publishers {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		err := p.Publish(ctx, event)
		cancel()
		if err != nil {
			d.logger.Warn("publish failed",
				zap.String("sink", p.Name()),
				zap.String("event", string(event.Kind)),
				zap.Error(err),
			)
			continue
		}
		metrics.Notifications.WithLabelValues(string(event.Kind), p.Name()).Inc()
	}
}

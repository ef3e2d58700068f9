package journal

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smartylighting/lightbus/internal/infrastructure/mqtt"
)

// DefaultQueueSize is the number of events buffered before new ones are dropped.
const DefaultQueueSize = 1024

// writeTimeout bounds a single insert from the background writer.
const writeTimeout = 5 * time.Second

// Observer writes mqtt runtime events to a Repository.
//
// Only events worth keeping are journaled: every state change, rejected
// subscriptions, unrouted messages, handler and publish failures, and
// reconnect attempts. Successful publishes are ignored.
type Observer struct {
	repo   Repository
	logger mqtt.Logger
	now    func() time.Time

	queue   chan Event
	done    chan struct{}
	stopped chan struct{}

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
	written atomic.Uint64
}

// ObserverOption configures an Observer.
type ObserverOption func(*Observer)

// WithQueueSize overrides DefaultQueueSize.
func WithQueueSize(n int) ObserverOption {
	return func(o *Observer) {
		if n > 0 {
			o.queue = make(chan Event, n)
		}
	}
}

// WithLogger sets the logger used for write failures.
func WithLogger(l mqtt.Logger) ObserverOption {
	return func(o *Observer) {
		if l != nil {
			o.logger = l
		}
	}
}

// NewObserver starts the background writer. Call Close to stop it.
func NewObserver(repo Repository, opts ...ObserverOption) *Observer {
	o := &Observer{
		repo:    repo,
		logger:  nopLogger{},
		now:     time.Now,
		queue:   make(chan Event, DefaultQueueSize),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	go o.run()
	return o
}

func (o *Observer) StateChanged(from, to mqtt.State) {
	o.enqueue(Event{
		Kind:   KindStateChange,
		Detail: fmt.Sprintf("%s -> %s", from, to),
	})
}

func (o *Observer) Subscribed(results []mqtt.SubscribeResult) {
	for _, r := range results {
		if r.OK() {
			continue
		}
		o.enqueue(Event{
			Kind:    KindSubscribeRejected,
			Topic:   r.Filter,
			Binding: r.Binding,
			Detail:  r.Err.Error(),
		})
	}
}

func (o *Observer) Unrouted(msg mqtt.Message) {
	o.enqueue(Event{
		Kind:   KindUnrouted,
		Topic:  msg.Topic,
		Detail: fmt.Sprintf("%d bytes qos %d", len(msg.Payload), msg.QoS),
	})
}

func (o *Observer) HandlerFailed(err *mqtt.HandlerError) {
	o.enqueue(Event{
		Kind:    KindHandlerFailed,
		Topic:   err.Topic,
		Binding: err.Binding,
		Detail:  err.Err.Error(),
	})
}

func (o *Observer) Published(outcome mqtt.PublishOutcome, err error) {
	if err == nil {
		return
	}
	o.enqueue(Event{
		Kind:   KindPublishFailed,
		Topic:  outcome.Topic,
		Detail: err.Error(),
	})
}

func (o *Observer) ReconnectAttempt(attempt int, delay time.Duration, err error) {
	detail := fmt.Sprintf("attempt %d after %s", attempt, delay)
	if err != nil {
		detail += ": " + err.Error()
	}
	o.enqueue(Event{Kind: KindReconnectAttempt, Detail: detail})
}

// enqueue never blocks. Events are stamped here so the journal reflects
// when they happened, not when they were written.
func (o *Observer) enqueue(e Event) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		o.dropped.Add(1)
		return
	}

	e.OccurredAt = o.now()
	select {
	case o.queue <- e:
	default:
		o.dropped.Add(1)
	}
}

func (o *Observer) run() {
	defer close(o.stopped)
	for {
		select {
		case e := <-o.queue:
			o.write(e)
		case <-o.done:
			// Drain whatever was queued before Close.
			for {
				select {
				case e := <-o.queue:
					o.write(e)
				default:
					return
				}
			}
		}
	}
}

func (o *Observer) write(e Event) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := o.repo.Record(ctx, &e); err != nil {
		o.logger.Warn("journal write failed", "kind", string(e.Kind), "error", err)
		return
	}
	o.written.Add(1)
}

// Dropped returns how many events were discarded because the queue was
// full or the observer was closed.
func (o *Observer) Dropped() uint64 {
	return o.dropped.Load()
}

// Written returns how many events reached the repository.
func (o *Observer) Written() uint64 {
	return o.written.Load()
}

// Close stops accepting events and waits for the queue to drain, or for
// ctx to expire. It is safe to call more than once.
func (o *Observer) Close(ctx context.Context) error {
	o.mu.Lock()
	if !o.closed {
		o.closed = true
		close(o.done)
	}
	o.mu.Unlock()

	select {
	case <-o.stopped:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("draining journal: %w", ctx.Err())
	}
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

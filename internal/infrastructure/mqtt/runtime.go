package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// RuntimeConfig is everything the runtime needs to reach the broker.
type RuntimeConfig struct {
	Endpoint       Endpoint
	Connection     ConnectionConfig
	Reconnect      ReconnectPolicy
	HandlerTimeout time.Duration
	// StatusTopic enables the LWT and online/offline announcements when set.
	StatusTopic string
	// RateLimit throttles outbound messages per second. Zero disables it.
	RateLimit float64
	RateBurst int
	TLSConfig *tls.Config
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*Runtime)

// WithRuntimeLogger sets the logger shared by every component.
func WithRuntimeLogger(l Logger) RuntimeOption {
	return func(r *Runtime) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithRuntimeObserver adds an observer. It may be given more than once.
func WithRuntimeObserver(o Observer) RuntimeOption {
	return func(r *Runtime) {
		if o != nil {
			r.observers = append(r.observers, o)
		}
	}
}

// Runtime ties one ConnectionManager, one TopicRouter and one
// PublishGateway together for a fixed set of bindings.
type Runtime struct {
	bindings *SubscriptionSet
	conn     *ConnectionManager
	router   *TopicRouter
	gateway  *PublishGateway

	logger    Logger
	observers MultiObserver
	counters  *counters

	// startMu serialises Start; Shutdown never waits for it, so an Open in
	// progress is aborted by the connection's Close.
	startMu    sync.Mutex
	started    atomic.Bool
	stopped    atomic.Bool
	resultsMu  sync.Mutex
	subResults []SubscribeResult

	stopOnce    sync.Once
	shutdownErr error
}

// NewRuntime builds the runtime and registers every inbound binding with
// the router. Nothing touches the network until Start.
func NewRuntime(cfg RuntimeConfig, bindings *SubscriptionSet, opts ...RuntimeOption) (*Runtime, error) {
	if bindings == nil {
		return nil, errors.New("mqtt: runtime needs a subscription set")
	}

	r := &Runtime{
		bindings: bindings,
		logger:   nopLogger{},
		counters: &counters{},
	}
	for _, opt := range opts {
		opt(r)
	}
	observer := append(MultiObserver{r.counters}, r.observers...)

	r.conn = NewConnectionManager(cfg.Endpoint, cfg.Connection,
		WithReconnectPolicy(cfg.Reconnect),
		WithStatusTopic(cfg.StatusTopic),
		WithTLSConfig(cfg.TLSConfig),
		WithLogger(r.logger),
		WithObserver(observer),
	)

	r.router = NewTopicRouter(
		WithHandlerTimeout(cfg.HandlerTimeout),
		WithRouterLogger(r.logger),
		WithRouterObserver(observer),
	)
	for _, b := range bindings.Inbound() {
		if err := r.router.Register(b.Name, b.Filter, b.Handler); err != nil {
			return nil, err
		}
	}

	r.gateway = NewPublishGateway(r.conn,
		WithRateLimit(cfg.RateLimit, cfg.RateBurst),
		WithGatewayLogger(r.logger),
		WithGatewayObserver(observer),
	)

	r.conn.SetMessageHandler(func(ctx context.Context, msg Message) {
		r.counters.received.Add(1)
		r.router.Dispatch(ctx, msg)
	})

	return r, nil
}

// Start opens the connection and subscribes every inbound binding.
//
// A failed open is returned and the runtime stays stopped. Bindings the
// broker rejects are logged and reported through the observers and
// SubscribeResults; they do not fail Start.
func (r *Runtime) Start(ctx context.Context) error {
	r.startMu.Lock()
	defer r.startMu.Unlock()

	if r.stopped.Load() {
		return ErrConnectionClosed
	}
	if r.started.Load() {
		return nil
	}

	if err := r.conn.Open(ctx); err != nil {
		return err
	}

	results, err := r.conn.Subscribe(ctx, r.bindings.Inbound())
	r.resultsMu.Lock()
	r.subResults = results
	r.resultsMu.Unlock()
	if err != nil {
		r.logger.Warn("MQTT runtime started with failed subscriptions", "error", err)
	}

	r.started.Store(true)
	r.logger.Info("MQTT runtime started",
		"broker", r.conn.Endpoint().Address(),
		"inbound", len(r.bindings.Inbound()),
		"outbound", len(r.bindings.Outbound()),
	)
	return nil
}

// Publish sends one message through the gateway.
func (r *Runtime) Publish(ctx context.Context, req PublishRequest) (PublishOutcome, error) {
	return r.gateway.Publish(ctx, req)
}

// PublishBinding publishes payload on the named outbound binding, filling
// its {param} placeholders from params. QoS, Async and Retained come from
// the binding.
func (r *Runtime) PublishBinding(ctx context.Context, name string, params map[string]string, payload []byte) (PublishOutcome, error) {
	b, ok := r.bindings.Lookup(name)
	if !ok || b.Direction != Outbound {
		return PublishOutcome{}, fmt.Errorf("%w: no outbound binding %q", ErrUnknownBinding, name)
	}

	topic, err := b.Expand(params)
	if err != nil {
		return PublishOutcome{}, err
	}

	return r.gateway.Publish(ctx, PublishRequest{
		Topic:    topic,
		Payload:  payload,
		QoS:      b.QoS,
		Retained: b.Retained,
		Async:    b.Async,
	})
}

// Shutdown drains the gateway and then closes the connection.
// It is safe to call more than once.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.stopOnce.Do(func() {
		r.stopped.Store(true)

		gerr := r.gateway.Shutdown(ctx)
		cerr := r.conn.Close()
		r.shutdownErr = errors.Join(gerr, cerr)

		r.logger.Info("MQTT runtime stopped")
	})
	return r.shutdownErr
}

// State returns the session state.
func (r *Runtime) State() State {
	return r.conn.State()
}

// HealthCheck verifies the connection is up.
func (r *Runtime) HealthCheck(ctx context.Context) error {
	return r.conn.HealthCheck(ctx)
}

// Bindings returns the runtime's subscription set.
func (r *Runtime) Bindings() *SubscriptionSet {
	return r.bindings
}

// Router returns the topic router.
func (r *Runtime) Router() *TopicRouter {
	return r.router
}

// SubscribeResults returns the per-binding outcome of the initial subscribe.
func (r *Runtime) SubscribeResults() []SubscribeResult {
	r.resultsMu.Lock()
	defer r.resultsMu.Unlock()
	return append([]SubscribeResult(nil), r.subResults...)
}

// Stats is a snapshot of runtime counters.
type Stats struct {
	State            string `json:"state"`
	Published        uint64 `json:"published"`
	Acknowledged     uint64 `json:"acknowledged"`
	PublishTimeouts  uint64 `json:"publish_timeouts"`
	PublishFailures  uint64 `json:"publish_failures"`
	Received         uint64 `json:"received"`
	Unrouted         uint64 `json:"unrouted"`
	HandlerFailures  uint64 `json:"handler_failures"`
	Reconnects       uint64 `json:"reconnects"`
	ReconnectRetries uint64 `json:"reconnect_retries"`
	InFlight         int    `json:"in_flight"`
	PendingInbound   int    `json:"pending_inbound"`
}

// Stats returns current counters.
func (r *Runtime) Stats() Stats {
	c := r.counters
	return Stats{
		State:            r.conn.State().String(),
		Published:        c.published.Load(),
		Acknowledged:     c.acknowledged.Load(),
		PublishTimeouts:  c.timeouts.Load(),
		PublishFailures:  c.failures.Load(),
		Received:         c.received.Load(),
		Unrouted:         c.unrouted.Load(),
		HandlerFailures:  c.handlerFailures.Load(),
		Reconnects:       r.conn.Reconnects(),
		ReconnectRetries: c.retries.Load(),
		InFlight:         r.gateway.InFlight(),
		PendingInbound:   r.conn.Pending(),
	}
}

// counters is the observer behind Stats.
type counters struct {
	NopObserver

	published       atomic.Uint64
	acknowledged    atomic.Uint64
	timeouts        atomic.Uint64
	failures        atomic.Uint64
	received        atomic.Uint64
	unrouted        atomic.Uint64
	handlerFailures atomic.Uint64
	retries         atomic.Uint64
}

func (c *counters) Published(outcome PublishOutcome, err error) {
	switch {
	case err == nil:
		c.published.Add(1)
		if outcome.Acknowledged {
			c.acknowledged.Add(1)
		}
	case errors.Is(err, ErrPublishTimeout):
		c.timeouts.Add(1)
	default:
		c.failures.Add(1)
	}
}

func (c *counters) Unrouted(Message) {
	c.unrouted.Add(1)
}

func (c *counters) HandlerFailed(*HandlerError) {
	c.handlerFailures.Add(1)
}

func (c *counters) ReconnectAttempt(int, time.Duration, error) {
	c.retries.Add(1)
}

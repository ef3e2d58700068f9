package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
)

// ConnectionManager owns the single physical broker connection.
//
// It drives the session state machine, restores subscriptions after a
// transport loss, and hands every received PUBLISH to one message handler
// on a dedicated receive loop.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - Every write onto the transport (SUBSCRIBE, PUBLISH, DISCONNECT) is
//     serialised by writeMu.
//   - Subscriptions are restored on reconnection before any buffered
//     inbound message is dispatched.
type ConnectionManager struct {
	endpoint    Endpoint
	cfg         ConnectionConfig
	policy      ReconnectPolicy
	statusTopic string
	keepAlive   time.Duration
	tlsConfig   *tls.Config
	logger      Logger
	observer    Observer

	session *session

	// lifecycle serialises Open and Close.
	lifecycle sync.Mutex

	// writeMu is the single-writer lock for the transport.
	writeMu sync.Mutex

	// connMu guards the current paho client and its epoch.
	connMu sync.RWMutex
	client pahomqtt.Client
	epoch  *connEpoch
	epochs atomic.Uint64

	// subscriptions remembers granted filters for resubscription.
	subMu         sync.RWMutex
	subscriptions map[string]SubscribeResult
	subOrder      []string

	// gate is held exclusively by the reconnect path until resubscription
	// completes; the receive loop holds it shared while dispatching.
	gate sync.RWMutex

	inbox     *inbox
	handlerMu sync.RWMutex
	onMessage func(ctx context.Context, msg Message)

	lost       chan *connEpoch
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	closeOnce  sync.Once
	closed     atomic.Bool
	loopsOnce  sync.Once
	wg         sync.WaitGroup
	reconnects atomic.Uint64
}

// connEpoch identifies one physical connection. lost is closed exactly once
// when that connection drops.
type connEpoch struct {
	id       uint64
	lost     chan struct{}
	lostOnce sync.Once
}

func (e *connEpoch) markLost() bool {
	marked := false
	e.lostOnce.Do(func() {
		close(e.lost)
		marked = true
	})
	return marked
}

// ConnectionOption configures a ConnectionManager.
type ConnectionOption func(*ConnectionManager)

// WithReconnectPolicy sets the backoff used after transport loss.
func WithReconnectPolicy(p ReconnectPolicy) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.policy = p.withDefaults()
	}
}

// WithStatusTopic enables online/offline announcements and the LWT on topic.
func WithStatusTopic(topic string) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.statusTopic = topic
	}
}

// WithTLSConfig sets the TLS configuration for ssl, tls, mqtts and wss endpoints.
func WithTLSConfig(cfg *tls.Config) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.tlsConfig = cfg
	}
}

// WithKeepAlive sets the MQTT keepalive interval.
func WithKeepAlive(d time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		if d > 0 {
			cm.keepAlive = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		if l != nil {
			cm.logger = l
		}
	}
}

// WithObserver sets the observer notified of state changes, subscriptions and reconnects.
func WithObserver(o Observer) ConnectionOption {
	return func(cm *ConnectionManager) {
		if o != nil {
			cm.observer = o
		}
	}
}

// NewConnectionManager creates a ConnectionManager in StateDisconnected.
// No network activity happens until Open.
func NewConnectionManager(endpoint Endpoint, cfg ConnectionConfig, opts ...ConnectionOption) *ConnectionManager {
	ctx, cancel := context.WithCancel(context.Background())

	cm := &ConnectionManager{
		endpoint:      endpoint,
		cfg:           cfg.withDefaults(),
		policy:        ReconnectPolicy{}.withDefaults(),
		keepAlive:     defaultKeepAlive,
		logger:        nopLogger{},
		observer:      NopObserver{},
		subscriptions: make(map[string]SubscribeResult),
		inbox:         newInbox(),
		lost:          make(chan *connEpoch, 1),
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(cm)
	}

	cm.session = newSession(func(from, to State) {
		cm.logger.Debug("MQTT session state changed", "from", from.String(), "to", to.String())
		cm.observer.StateChanged(from, to)
	})

	return cm
}

// Endpoint returns the broker endpoint.
func (cm *ConnectionManager) Endpoint() Endpoint {
	return cm.endpoint
}

// Config returns the effective timeouts.
func (cm *ConnectionManager) Config() ConnectionConfig {
	return cm.cfg
}

// SetMessageHandler sets the callback invoked once per received PUBLISH.
//
// It runs on the receive loop goroutine, one message at a time, in the
// order paho delivered them.
func (cm *ConnectionManager) SetMessageHandler(fn func(ctx context.Context, msg Message)) {
	cm.handlerMu.Lock()
	cm.onMessage = fn
	cm.handlerMu.Unlock()
}

func (cm *ConnectionManager) messageHandler() func(ctx context.Context, msg Message) {
	cm.handlerMu.RLock()
	defer cm.handlerMu.RUnlock()
	return cm.onMessage
}

// Open connects to the broker and waits for CONNACK.
//
// It fails with an error wrapping ErrConnectionFailed and one of
// ErrConnectTimeout, ErrConnectRefused or ErrConnectTransport. On failure
// the session is back in StateDisconnected and Open may be called again.
func (cm *ConnectionManager) Open(ctx context.Context) error {
	cm.lifecycle.Lock()
	defer cm.lifecycle.Unlock()

	if cm.closed.Load() {
		return ErrConnectionClosed
	}
	if err := cm.session.transition(StateConnecting, StateDisconnected); err != nil {
		return err
	}

	started := time.Now()
	client, ep, err := cm.dial(ctx)
	if err != nil {
		_ = cm.session.transition(StateDisconnected, StateConnecting)
		cm.logger.Warn("MQTT connect failed",
			"broker", cm.endpoint.Address(),
			"error", err,
		)
		return err
	}

	cm.install(client, ep)
	if err := cm.session.transition(StateConnected, StateConnecting); err != nil {
		client.Disconnect(0)
		return err
	}

	cm.loopsOnce.Do(func() {
		cm.wg.Add(2)
		go cm.receiveLoop()
		go cm.reconnectLoop()
	})

	cm.logger.Info("MQTT connected",
		"broker", cm.endpoint.Address(),
		"client_id", cm.endpoint.ClientID(),
		"took", time.Since(started),
	)
	cm.announce(buildOnlinePayload(cm.endpoint.ClientID()), 0)

	return nil
}

// dial performs one connection attempt with a fresh paho client.
func (cm *ConnectionManager) dial(ctx context.Context) (pahomqtt.Client, *connEpoch, error) {
	ep := &connEpoch{id: cm.epochs.Add(1), lost: make(chan struct{})}
	client := pahomqtt.NewClient(cm.buildClientOptions(ep))

	timer := time.NewTimer(cm.cfg.ConnectionTimeout)
	defer timer.Stop()

	token := client.Connect()
	select {
	case <-token.Done():
	case <-timer.C:
		client.Disconnect(0)
		return nil, nil, fmt.Errorf("%w: %w: no CONNACK from %s within %v",
			ErrConnectionFailed, ErrConnectTimeout, cm.endpoint.Address(), cm.cfg.ConnectionTimeout)
	case <-ctx.Done():
		client.Disconnect(0)
		return nil, nil, fmt.Errorf("%w: %w", ErrConnectionFailed, ctx.Err())
	case <-cm.done:
		client.Disconnect(0)
		return nil, nil, fmt.Errorf("%w: %w", ErrConnectionFailed, ErrConnectionClosed)
	}

	if err := token.Error(); err != nil {
		return nil, nil, classifyConnectError(token, err)
	}
	return client, ep, nil
}

// classifyConnectError maps a failed CONNECT to the error taxonomy.
func classifyConnectError(token pahomqtt.Token, err error) error {
	if ct, ok := token.(*pahomqtt.ConnectToken); ok {
		rc := ct.ReturnCode()
		if rc >= packets.ErrRefusedBadProtocolVersion && rc <= packets.ErrRefusedNotAuthorised {
			return fmt.Errorf("%w: %w (code %d): %w", ErrConnectionFailed, ErrConnectRefused, rc, err)
		}
	}

	var netErr net.Error
	if errors.Is(err, os.ErrDeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %w: %w", ErrConnectionFailed, ErrConnectTimeout, err)
	}
	return fmt.Errorf("%w: %w: %w", ErrConnectionFailed, ErrConnectTransport, err)
}

func (cm *ConnectionManager) install(client pahomqtt.Client, ep *connEpoch) {
	cm.connMu.Lock()
	cm.client = client
	cm.epoch = ep
	cm.connMu.Unlock()
}

func (cm *ConnectionManager) current() (pahomqtt.Client, *connEpoch) {
	cm.connMu.RLock()
	defer cm.connMu.RUnlock()
	return cm.client, cm.epoch
}

// handleConnectionLost is paho's connection-lost callback. Stale epochs are ignored.
func (cm *ConnectionManager) handleConnectionLost(ep *connEpoch, err error) {
	_, cur := cm.current()
	if ep != cur || !ep.markLost() {
		return
	}

	cm.logger.Warn("MQTT connection lost",
		"broker", cm.endpoint.Address(),
		"error", err,
	)

	select {
	case cm.lost <- ep:
	default:
	}
}

// transmit hands one PUBLISH to the transport. The returned channel is
// closed if this connection is lost before the token completes.
func (cm *ConnectionManager) transmit(topic string, qos byte, retained bool, payload []byte) (pahomqtt.Token, <-chan struct{}, error) {
	cm.writeMu.Lock()
	defer cm.writeMu.Unlock()

	if s := cm.session.current(); s != StateConnected {
		return nil, nil, fmt.Errorf("%w: session is %s", ErrTransportClosed, s)
	}

	client, ep := cm.current()
	select {
	case <-ep.lost:
		return nil, nil, fmt.Errorf("%w: connection lost", ErrTransportClosed)
	default:
	}

	return client.Publish(topic, qos, retained, payload), ep.lost, nil
}

// awaitConnected blocks while the session is connecting or reconnecting.
// It fails at once when the session is disconnected or shutting down.
func (cm *ConnectionManager) awaitConnected(ctx context.Context) error {
	for {
		s, changed := cm.session.watch()
		switch s {
		case StateConnected:
			_, ep := cm.current()
			select {
			case <-ep.lost:
				// Lost but recover has not taken over yet.
			default:
				return nil
			}
		case StateDisconnected, StateDisconnecting:
			return fmt.Errorf("%w: session is %s", ErrTransportClosed, s)
		}

		select {
		case <-changed:
		case <-cm.done:
			return fmt.Errorf("%w: connection closing", ErrTransportClosed)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// announce publishes a retained status payload when a status topic is set.
// A zero wait returns without waiting for the acknowledgment.
func (cm *ConnectionManager) announce(payload string, wait time.Duration) {
	if cm.statusTopic == "" {
		return
	}

	cm.writeMu.Lock()
	client, _ := cm.current()
	token := client.Publish(cm.statusTopic, statusQoS, true, payload)
	cm.writeMu.Unlock()

	if wait > 0 && !token.WaitTimeout(wait) {
		cm.logger.Warn("MQTT status announcement not acknowledged", "topic", cm.statusTopic)
	}
}

// receiveLoop dispatches inbound messages one at a time.
func (cm *ConnectionManager) receiveLoop() {
	defer cm.wg.Done()

	for {
		msg, ok := cm.inbox.next(cm.done)
		if !ok {
			return
		}

		cm.gate.RLock()
		select {
		case <-cm.done:
			cm.gate.RUnlock()
			return
		default:
		}
		if fn := cm.messageHandler(); fn != nil {
			cm.deliver(fn, msg)
		}
		cm.gate.RUnlock()
	}
}

func (cm *ConnectionManager) deliver(fn func(context.Context, Message), msg Message) {
	defer func() {
		if r := recover(); r != nil {
			cm.logger.Error("MQTT message handler panic recovered",
				"topic", msg.Topic,
				"panic", r,
			)
		}
	}()
	fn(cm.ctx, msg)
}

// Close disconnects gracefully and stops the receive and reconnect loops.
//
// It publishes the graceful offline status, sends DISCONNECT and waits at
// most DisconnectTimeout before forcing the transport closed. Calling Close
// more than once is safe.
func (cm *ConnectionManager) Close() error {
	cm.closed.Store(true)
	cm.closeOnce.Do(func() { close(cm.done) })

	cm.lifecycle.Lock()
	defer cm.lifecycle.Unlock()

	err := cm.session.transition(StateDisconnecting, StateConnected, StateReconnecting)
	if err != nil {
		cm.cancel()
		cm.wg.Wait()
		return nil
	}

	deadline := time.Now().Add(cm.cfg.DisconnectTimeout)

	// Both loops exit promptly once done is closed and ctx is cancelled.
	cm.cancel()
	cm.wg.Wait()

	client, ep := cm.current()
	if client != nil {
		select {
		case <-ep.lost:
		default:
			cm.announce(buildOfflinePayload(cm.endpoint.ClientID()), time.Until(deadline)/2)
		}

		quiesce := time.Until(deadline)
		if quiesce < 0 {
			quiesce = 0
		}
		cm.writeMu.Lock()
		client.Disconnect(uint(quiesce.Milliseconds()))
		cm.writeMu.Unlock()
	}

	_ = cm.session.transition(StateDisconnected, StateDisconnecting)

	cm.logger.Info("MQTT disconnected", "broker", cm.endpoint.Address())
	return nil
}

// State returns the current session state.
func (cm *ConnectionManager) State() State {
	return cm.session.current()
}

// IsConnected reports whether the session is connected and the transport is open.
func (cm *ConnectionManager) IsConnected() bool {
	if cm.session.current() != StateConnected {
		return false
	}
	client, _ := cm.current()
	return client != nil && client.IsConnectionOpen()
}

// HealthCheck verifies the MQTT connection is alive.
func (cm *ConnectionManager) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("mqtt health check: %w", ctx.Err())
	default:
	}

	if !cm.IsConnected() {
		return fmt.Errorf("%w: session is %s", ErrNotConnected, cm.State())
	}
	return nil
}

// Reconnects returns how many times the session was re-established after a loss.
func (cm *ConnectionManager) Reconnects() uint64 {
	return cm.reconnects.Load()
}

// Pending returns the number of received messages waiting for dispatch.
func (cm *ConnectionManager) Pending() int {
	return cm.inbox.len()
}

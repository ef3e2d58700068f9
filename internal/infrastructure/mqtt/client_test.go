package mqtt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Open / Close
// =============================================================================

func TestConnectionManagerOpenClose(t *testing.T) {
	broker := startBroker(t)
	obs := &recordingObserver{}

	cm := NewConnectionManager(testEndpoint(t, broker.url()), fastConfig(), WithObserver(obs))
	assert.Equal(t, StateDisconnected, cm.State())

	require.NoError(t, cm.Open(context.Background()))
	assert.Equal(t, StateConnected, cm.State())
	assert.True(t, cm.IsConnected())
	assert.NoError(t, cm.HealthCheck(context.Background()))

	require.NoError(t, cm.Close())
	assert.Equal(t, StateDisconnected, cm.State())
	assert.ErrorIs(t, cm.HealthCheck(context.Background()), ErrNotConnected)

	assert.Equal(t, []string{
		"disconnected->connecting",
		"connecting->connected",
		"connected->disconnecting",
		"disconnecting->disconnected",
	}, obs.snapshot())

	// Close is idempotent and the manager cannot be reopened.
	assert.NoError(t, cm.Close())
	assert.ErrorIs(t, cm.Open(context.Background()), ErrConnectionClosed)
}

func TestConnectionManagerOpenTwice(t *testing.T) {
	broker := startBroker(t)
	cm := openManager(t, broker.url())

	assert.ErrorIs(t, cm.Open(context.Background()), ErrInvalidState)
	assert.Equal(t, StateConnected, cm.State())
}

func TestConnectionManagerCloseBeforeOpen(t *testing.T) {
	cm := NewConnectionManager(testEndpoint(t, "tcp://127.0.0.1:1"), fastConfig())
	assert.NoError(t, cm.Close())
	assert.Equal(t, StateDisconnected, cm.State())
}

func TestConnectionManagerStatusAnnouncements(t *testing.T) {
	broker := startBroker(t)
	ep := testEndpoint(t, broker.url())
	topic := Topics{}.Status(ep.ClientID())

	cm := NewConnectionManager(ep, fastConfig(), WithStatusTopic(topic))
	require.NoError(t, cm.Open(context.Background()))

	require.Eventually(t, func() bool {
		return len(broker.record.received(topic)) == 1
	}, 2*time.Second, 20*time.Millisecond)
	assert.Contains(t, broker.record.received(topic)[0], `"status":"online"`)

	require.NoError(t, cm.Close())

	require.Eventually(t, func() bool {
		return len(broker.record.received(topic)) == 2
	}, 2*time.Second, 20*time.Millisecond)
	assert.Contains(t, broker.record.received(topic)[1], `"reason":"graceful_shutdown"`)
}

// =============================================================================
// Connect Failures
// =============================================================================

func TestConnectionManagerOpenRefused(t *testing.T) {
	broker := startBrokerWith(t, &denyHook{})
	cm := NewConnectionManager(testEndpoint(t, broker.url()), fastConfig())
	t.Cleanup(func() { _ = cm.Close() })

	err := cm.Open(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnectionFailed)
	assert.ErrorIs(t, err, ErrConnectRefused)
	assert.Equal(t, StateDisconnected, cm.State())
}

func TestConnectionManagerOpenTimeout(t *testing.T) {
	address := silentListener(t)
	cfg := fastConfig()
	cfg.ConnectionTimeout = 300 * time.Millisecond

	cm := NewConnectionManager(testEndpoint(t, address), cfg)
	t.Cleanup(func() { _ = cm.Close() })

	start := time.Now()
	err := cm.Open(context.Background())
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnectionFailed)
	assert.ErrorIs(t, err, ErrConnectTimeout)
	assert.GreaterOrEqual(t, elapsed, cfg.ConnectionTimeout)
	assert.Less(t, elapsed, cfg.ConnectionTimeout+time.Second)
	assert.Equal(t, StateDisconnected, cm.State())
}

func TestConnectionManagerOpenTransportError(t *testing.T) {
	// Nothing listens on a freshly released port.
	cm := NewConnectionManager(testEndpoint(t, "tcp://"+freeAddr(t)), fastConfig())
	t.Cleanup(func() { _ = cm.Close() })

	err := cm.Open(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnectionFailed)
	assert.ErrorIs(t, err, ErrConnectTransport)
	assert.Equal(t, StateDisconnected, cm.State())
}

func TestConnectionManagerOpenContextCancelled(t *testing.T) {
	address := silentListener(t)
	cm := NewConnectionManager(testEndpoint(t, address), fastConfig())
	t.Cleanup(func() { _ = cm.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := cm.Open(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateDisconnected, cm.State())
}

func TestConnectionManagerOpenRetryAfterFailure(t *testing.T) {
	addr := freeAddr(t)
	cm := NewConnectionManager(testEndpoint(t, "tcp://"+addr), fastConfig())
	t.Cleanup(func() { _ = cm.Close() })

	require.Error(t, cm.Open(context.Background()))

	// A broker appears on the same port; Open may be called again.
	startBrokerAt(t, addr)
	require.NoError(t, cm.Open(context.Background()))
	assert.Equal(t, StateConnected, cm.State())
}

// =============================================================================
// Subscribe
// =============================================================================

func TestConnectionManagerSubscribe(t *testing.T) {
	broker := startBroker(t)
	obs := &recordingObserver{}
	cm := openManager(t, broker.url(), WithObserver(obs))

	sink := &messageSink{}
	cm.SetMessageHandler(func(ctx context.Context, msg Message) { _ = sink.handle(ctx, msg) })

	results, err := cm.Subscribe(context.Background(), []TopicBinding{
		{Name: "turnOn", Filter: "lights/+/on", Direction: Inbound, QoS: 1, Handler: noopHandler},
		{Name: "measured", Filter: "lights/{id}/measured", Direction: Outbound, QoS: 1},
	})
	require.NoError(t, err)
	require.Len(t, results, 1, "outbound bindings are not subscribed")
	assert.True(t, results[0].OK())
	assert.Equal(t, byte(1), results[0].GrantedQoS)
	assert.Contains(t, cm.Subscriptions(), "lights/+/on")
	assert.Equal(t, 1, obs.subscribeCalls())

	broker.publish(t, "lights/7/on", "{}", 1)

	require.Eventually(t, func() bool { return sink.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"lights/7/on"}, sink.topics())
}

func TestConnectionManagerSubscribeRejected(t *testing.T) {
	broker := startBrokerWith(t, &aclHook{forbidden: "secret/"})
	cm := openManager(t, broker.url())

	results, err := cm.Subscribe(context.Background(), []TopicBinding{
		{Name: "allowed", Filter: "lights/#", Direction: Inbound, Handler: noopHandler},
		{Name: "forbidden", Filter: "secret/#", Direction: Inbound, Handler: noopHandler},
	})

	assert.ErrorIs(t, err, ErrSubscribeFailed)
	require.Len(t, results, 2)
	assert.True(t, results[0].OK())
	assert.False(t, results[1].OK())
	assert.ErrorIs(t, results[1].Err, ErrSubscriptionRejected)

	assert.Contains(t, cm.Subscriptions(), "lights/#")
	assert.NotContains(t, cm.Subscriptions(), "secret/#")
	assert.Equal(t, []string{"lights/#"}, cm.Subscriptions())

	// The session survives a rejected binding.
	assert.Equal(t, StateConnected, cm.State())
}

func TestConnectionManagerSubscribeNotConnected(t *testing.T) {
	cm := NewConnectionManager(testEndpoint(t, "tcp://127.0.0.1:1"), fastConfig())

	_, err := cm.Subscribe(context.Background(), []TopicBinding{
		{Name: "a", Filter: "a/#", Direction: Inbound, Handler: noopHandler},
	})
	assert.ErrorIs(t, err, ErrSubscribeFailed)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestConnectionManagerSubscribeTwiceDeliversOnce(t *testing.T) {
	broker := startBroker(t)
	cm := openManager(t, broker.url())

	var delivered atomic.Int32
	cm.SetMessageHandler(func(context.Context, Message) { delivered.Add(1) })

	bindings := []TopicBinding{{Name: "a", Filter: "lights/#", Direction: Inbound, QoS: 1, Handler: noopHandler}}
	_, err := cm.Subscribe(context.Background(), bindings)
	require.NoError(t, err)
	_, err = cm.Subscribe(context.Background(), bindings)
	require.NoError(t, err)
	assert.Equal(t, []string{"lights/#"}, cm.Subscriptions())

	broker.publish(t, "lights/1/on", "x", 1)

	require.Eventually(t, func() bool { return delivered.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int32(1), delivered.Load())
}

func TestConnectionManagerDeliveryOrder(t *testing.T) {
	broker := startBroker(t)
	cm := openManager(t, broker.url())

	sink := &messageSink{}
	cm.SetMessageHandler(func(ctx context.Context, msg Message) { _ = sink.handle(ctx, msg) })

	_, err := cm.Subscribe(context.Background(), []TopicBinding{
		{Name: "all", Filter: "seq/#", Direction: Inbound, QoS: 1, Handler: noopHandler},
	})
	require.NoError(t, err)

	want := []string{"seq/0", "seq/1", "seq/2", "seq/3", "seq/4", "seq/5", "seq/6", "seq/7"}
	for _, topic := range want {
		broker.publish(t, topic, topic, 1)
	}

	require.Eventually(t, func() bool { return sink.count() == len(want) }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, want, sink.topics())
}

// =============================================================================
// Reconnect
// =============================================================================

func TestConnectionManagerReconnectResubscribes(t *testing.T) {
	broker := startBroker(t)
	proxy := startProxy(t, broker.addr)
	obs := &recordingObserver{}
	cm := openManager(t, proxy.url(), WithObserver(obs))

	sink := &messageSink{}
	cm.SetMessageHandler(func(ctx context.Context, msg Message) { _ = sink.handle(ctx, msg) })

	_, err := cm.Subscribe(context.Background(), []TopicBinding{
		{Name: "all", Filter: "lights/#", Direction: Inbound, QoS: 1, Handler: noopHandler},
	})
	require.NoError(t, err)

	proxy.drop()

	require.Eventually(t, func() bool {
		return cm.Reconnects() == 1 && cm.State() == StateConnected
	}, 5*time.Second, 20*time.Millisecond)

	// Initial subscribe plus the resubscribe on the new connection.
	assert.Equal(t, 2, obs.subscribeCalls())
	assert.Contains(t, obs.snapshot(), "connected->reconnecting")
	assert.Contains(t, obs.snapshot(), "reconnecting->connected")

	broker.publish(t, "lights/2/on", "after", 1)

	require.Eventually(t, func() bool { return sink.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"lights/2/on"}, sink.topics())
}

func TestConnectionManagerHoldsMessagesUntilResubscribed(t *testing.T) {
	hook := &resubscribeHook{}
	broker := startBroker(t, hook)
	proxy := startProxy(t, broker.addr)

	events := &eventLog{}
	obs := &orderObserver{events: events}
	cm := openManager(t, proxy.url(), WithObserver(obs))
	obs.setPending(cm.Pending)

	cm.SetMessageHandler(func(_ context.Context, msg Message) {
		events.add("handled " + msg.Topic)
	})
	_, err := cm.Subscribe(context.Background(), []TopicBinding{
		{Name: "all", Filter: "lights/#", Direction: Inbound, QoS: 1, Handler: noopHandler},
	})
	require.NoError(t, err)

	// The new connection receives a message before its SUBACK arrives.
	hook.setOnAgain(func() {
		_ = broker.server.Publish("lights/7/on", []byte("early"), false, 1)
		time.Sleep(300 * time.Millisecond)
	})

	proxy.drop()

	require.Eventually(t, func() bool {
		return len(events.snapshot()) == 3
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{
		"subscribed pending=0",
		"subscribed pending=1",
		"handled lights/7/on",
	}, events.snapshot())
	assert.Equal(t, StateConnected, cm.State())
}

func TestConnectionManagerCloseWhileReconnecting(t *testing.T) {
	broker := startBroker(t)
	proxy := startProxy(t, broker.addr)

	var attempts atomic.Int32
	obs := &attemptObserver{attempts: &attempts}
	cm := NewConnectionManager(testEndpoint(t, proxy.url()), fastConfig(),
		WithReconnectPolicy(fastReconnect()), WithObserver(obs))
	require.NoError(t, cm.Open(context.Background()))

	// Stop accepting new connections, then cut the live one.
	require.NoError(t, proxy.ln.Close())
	proxy.drop()

	require.Eventually(t, func() bool { return attempts.Load() >= 2 }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, StateReconnecting, cm.State())

	done := make(chan error, 1)
	go func() { done <- cm.Close() }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Close() did not return while reconnecting")
	}
	assert.Equal(t, StateDisconnected, cm.State())
}

type attemptObserver struct {
	NopObserver
	attempts *atomic.Int32
}

func (o *attemptObserver) ReconnectAttempt(int, time.Duration, error) {
	o.attempts.Add(1)
}

// eventLog records events from several goroutines in order.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

// orderObserver logs each subscribe report with the number of messages
// waiting for dispatch at that moment.
type orderObserver struct {
	NopObserver
	events *eventLog

	mu      sync.Mutex
	pending func() int
}

func (o *orderObserver) setPending(fn func() int) {
	o.mu.Lock()
	o.pending = fn
	o.mu.Unlock()
}

func (o *orderObserver) Subscribed([]SubscribeResult) {
	o.mu.Lock()
	fn := o.pending
	o.mu.Unlock()

	n := 0
	if fn != nil {
		n = fn()
	}
	o.events.add(fmt.Sprintf("subscribed pending=%d", n))
}

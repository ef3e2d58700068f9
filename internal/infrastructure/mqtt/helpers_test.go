package mqtt

import (
	"bytes"
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/stretchr/testify/require"
)

// testBroker is an in-process mochi broker listening on a free local port.
type testBroker struct {
	server *mochi.Server
	addr   string
	record *recordHook
}

// startBroker starts a broker that allows every client. Extra hooks are
// added after the allow hook.
func startBroker(t *testing.T, hooks ...mochi.Hook) *testBroker {
	t.Helper()
	return startBrokerWith(t, append([]mochi.Hook{new(auth.AllowHook)}, hooks...)...)
}

// startBrokerWith starts a broker with exactly the given auth/ACL hooks.
func startBrokerWith(t *testing.T, hooks ...mochi.Hook) *testBroker {
	t.Helper()
	return serveBroker(t, freeAddr(t), hooks...)
}

// startBrokerAt starts an allow-all broker on a specific address.
func startBrokerAt(t *testing.T, addr string) *testBroker {
	t.Helper()
	return serveBroker(t, addr, new(auth.AllowHook))
}

func serveBroker(t *testing.T, addr string, hooks ...mochi.Hook) *testBroker {
	t.Helper()

	server := mochi.New(&mochi.Options{InlineClient: true})
	for _, h := range hooks {
		require.NoError(t, server.AddHook(h, nil))
	}

	record := &recordHook{}
	require.NoError(t, server.AddHook(record, nil))

	require.NoError(t, server.AddListener(listeners.NewTCP(listeners.Config{
		ID:      "test-" + strings.ReplaceAll(addr, ":", "-"),
		Address: addr,
	})))

	go func() {
		_ = server.Serve()
	}()
	waitListening(t, addr)

	t.Cleanup(func() {
		_ = server.Close()
	})

	return &testBroker{server: server, addr: addr, record: record}
}

// url returns the broker address as a tcp:// URI.
func (b *testBroker) url() string {
	return "tcp://" + b.addr
}

// publish sends a message from the broker's inline client.
func (b *testBroker) publish(t *testing.T, topic string, payload string, qos byte) {
	t.Helper()
	require.NoError(t, b.server.Publish(topic, []byte(payload), false, qos))
}

// recordHook records every client PUBLISH and can withhold acknowledgments
// by delaying OnPublish for topics with a given prefix.
type recordHook struct {
	mochi.HookBase

	mu          sync.Mutex
	topics      []string
	payloads    []string
	delayPrefix string
	delay       time.Duration
}

func (h *recordHook) ID() string {
	return "record-hook"
}

func (h *recordHook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		mochi.OnPublish,
	}, []byte{b})
}

func (h *recordHook) OnPublish(cl *mochi.Client, pk packets.Packet) (packets.Packet, error) {
	h.mu.Lock()
	h.topics = append(h.topics, pk.TopicName)
	h.payloads = append(h.payloads, string(pk.Payload))
	prefix, delay := h.delayPrefix, h.delay
	h.mu.Unlock()

	if delay > 0 && strings.HasPrefix(pk.TopicName, prefix) {
		time.Sleep(delay)
	}
	return pk, nil
}

// withholdAcks delays the broker's handling of matching publishes, and so their PUBACK.
func (h *recordHook) withholdAcks(prefix string, d time.Duration) {
	h.mu.Lock()
	h.delayPrefix = prefix
	h.delay = d
	h.mu.Unlock()
}

// received returns the payloads published on topics with the prefix, in arrival order.
func (h *recordHook) received(prefix string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []string
	for i, topic := range h.topics {
		if strings.HasPrefix(topic, prefix) {
			out = append(out, h.payloads[i])
		}
	}
	return out
}

// denyHook authenticates nobody. Brokers using it refuse every CONNECT.
type denyHook struct {
	mochi.HookBase
}

func (h *denyHook) ID() string {
	return "deny-hook"
}

func (h *denyHook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		mochi.OnConnectAuthenticate,
		mochi.OnACLCheck,
	}, []byte{b})
}

func (h *denyHook) OnConnectAuthenticate(cl *mochi.Client, pk packets.Packet) bool {
	return false
}

func (h *denyHook) OnACLCheck(cl *mochi.Client, topic string, write bool) bool {
	return false
}

// aclHook allows every client but refuses subscriptions to filters with a prefix.
type aclHook struct {
	mochi.HookBase
	forbidden string
}

func (h *aclHook) ID() string {
	return "acl-hook"
}

func (h *aclHook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		mochi.OnConnectAuthenticate,
		mochi.OnACLCheck,
	}, []byte{b})
}

func (h *aclHook) OnConnectAuthenticate(cl *mochi.Client, pk packets.Packet) bool {
	return true
}

func (h *aclHook) OnACLCheck(cl *mochi.Client, topic string, write bool) bool {
	return !strings.HasPrefix(topic, h.forbidden)
}

// freeAddr returns a local address that was free a moment ago.
func freeAddr(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func waitListening(t *testing.T, addr string) {
	t.Helper()

	require.Eventually(t, func() bool {
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	}, 2*time.Second, 10*time.Millisecond)
}

// silentListener accepts TCP connections and never answers, so no CONNACK arrives.
func silentListener(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
		}
	}()

	t.Cleanup(func() {
		_ = ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
	})

	return "tcp://" + ln.Addr().String()
}

// dropProxy forwards TCP traffic to a broker and can cut every live
// connection to simulate a transport loss.
type dropProxy struct {
	ln       net.Listener
	target   string
	refusing atomic.Bool

	mu    sync.Mutex
	conns []net.Conn
}

func startProxy(t *testing.T, target string) *dropProxy {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	p := &dropProxy{ln: ln, target: target}
	go p.serve()

	t.Cleanup(func() {
		_ = ln.Close()
		p.drop()
	})
	return p
}

func (p *dropProxy) url() string {
	return "tcp://" + p.ln.Addr().String()
}

func (p *dropProxy) serve() {
	for {
		client, err := p.ln.Accept()
		if err != nil {
			return
		}
		if p.refusing.Load() {
			_ = client.Close()
			continue
		}
		upstream, err := net.Dial("tcp", p.target)
		if err != nil {
			_ = client.Close()
			continue
		}

		p.mu.Lock()
		p.conns = append(p.conns, client, upstream)
		p.mu.Unlock()

		go pipe(client, upstream)
		go pipe(upstream, client)
	}
}

func pipe(dst, src net.Conn) {
	_, _ = io.Copy(dst, src)
	_ = dst.Close()
	_ = src.Close()
}

// drop closes every proxied connection. New connections are still accepted.
func (p *dropProxy) drop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, c := range p.conns {
		_ = c.Close()
	}
	p.conns = nil
}

// refuse makes the proxy close new connections at once until called with false.
func (p *dropProxy) refuse(on bool) {
	p.refusing.Store(on)
}

// resubscribeHook runs a callback on the broker after the second SUBSCRIBE
// is applied but before its SUBACK is written.
type resubscribeHook struct {
	mochi.HookBase

	mu      sync.Mutex
	seen    int
	onAgain func()
}

func (h *resubscribeHook) ID() string {
	return "resubscribe-hook"
}

func (h *resubscribeHook) Provides(b byte) bool {
	return b == mochi.OnSubscribed
}

func (h *resubscribeHook) OnSubscribed(_ *mochi.Client, _ packets.Packet, _ []byte) {
	h.mu.Lock()
	h.seen++
	fn := h.onAgain
	again := h.seen == 2
	h.mu.Unlock()

	if again && fn != nil {
		fn()
	}
}

func (h *resubscribeHook) setOnAgain(fn func()) {
	h.mu.Lock()
	h.onAgain = fn
	h.mu.Unlock()
}

// testEndpoint builds an endpoint with a client ID unique to the test.
func testEndpoint(t *testing.T, address string) Endpoint {
	t.Helper()

	id := "lightbus-" + strings.NewReplacer("/", "-", " ", "-").Replace(t.Name())
	ep, err := ParseEndpoint(address, id, "", "")
	require.NoError(t, err)
	return ep
}

// fastConfig keeps test timeouts short.
func fastConfig() ConnectionConfig {
	return ConnectionConfig{
		ConnectionTimeout: 2 * time.Second,
		DisconnectTimeout: 500 * time.Millisecond,
		CompletionTimeout: 2 * time.Second,
	}
}

// fastReconnect retries quickly.
func fastReconnect() ReconnectPolicy {
	return ReconnectPolicy{
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     200 * time.Millisecond,
		Multiplier:   2,
		Jitter:       0.1,
	}
}

// openManager connects a ConnectionManager to address and closes it at cleanup.
func openManager(t *testing.T, address string, opts ...ConnectionOption) *ConnectionManager {
	t.Helper()

	cm := NewConnectionManager(testEndpoint(t, address), fastConfig(),
		append([]ConnectionOption{WithReconnectPolicy(fastReconnect())}, opts...)...)
	require.NoError(t, cm.Open(context.Background()))
	t.Cleanup(func() {
		_ = cm.Close()
	})
	return cm
}

// messageSink collects messages delivered to a handler.
type messageSink struct {
	mu   sync.Mutex
	msgs []Message
}

func (s *messageSink) handle(_ context.Context, msg Message) error {
	s.mu.Lock()
	s.msgs = append(s.msgs, msg)
	s.mu.Unlock()
	return nil
}

func (s *messageSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

func (s *messageSink) topics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, len(s.msgs))
	for i, m := range s.msgs {
		out[i] = m.Topic
	}
	return out
}

// recordingObserver captures state transitions and reconnect attempts.
type recordingObserver struct {
	NopObserver

	mu          sync.Mutex
	transitions []string
	subscribed  [][]SubscribeResult
	unrouted    []string
}

func (o *recordingObserver) StateChanged(from, to State) {
	o.mu.Lock()
	o.transitions = append(o.transitions, from.String()+"->"+to.String())
	o.mu.Unlock()
}

func (o *recordingObserver) Subscribed(results []SubscribeResult) {
	o.mu.Lock()
	o.subscribed = append(o.subscribed, results)
	o.mu.Unlock()
}

func (o *recordingObserver) Unrouted(msg Message) {
	o.mu.Lock()
	o.unrouted = append(o.unrouted, msg.Topic)
	o.mu.Unlock()
}

func (o *recordingObserver) snapshot() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.transitions...)
}

func (o *recordingObserver) subscribeCalls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.subscribed)
}

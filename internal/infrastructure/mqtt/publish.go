package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"golang.org/x/time/rate"
)

const (
	// publishQueueSize bounds requests waiting for the writer goroutine.
	publishQueueSize = 256

	// lossGrace is how long a failed token waits for the loss signal of its
	// connection, since paho fails pending tokens just before reporting the loss.
	lossGrace = 250 * time.Millisecond
)

// transport is what the gateway needs from the connection.
type transport interface {
	State() State
	awaitConnected(ctx context.Context) error
	transmit(topic string, qos byte, retained bool, payload []byte) (pahomqtt.Token, <-chan struct{}, error)
}

// PublishGateway serialises outbound messages onto the connection.
//
// One writer goroutine consumes a FIFO queue, so messages reach the wire
// in the order Publish was called. Callers wait for their own
// acknowledgment, so a slow PUBACK never delays later hand-offs. While
// the session reconnects the queue holds its requests until the new
// connection is up.
type PublishGateway struct {
	conn              transport
	completionTimeout time.Duration
	limiter           *rate.Limiter
	logger            Logger
	observer          Observer

	mu      sync.RWMutex
	closing bool
	waiters sync.WaitGroup
	// pending counts calls whose request has not been handed off yet.
	pending sync.WaitGroup

	inFlight   atomic.Int64
	queue      chan *publishJob
	cancelled  chan struct{}
	cancelOnce sync.Once
	stop       chan struct{}
	writerDone chan struct{}
	shutdownMu sync.Mutex
}

type publishJob struct {
	ctx    context.Context
	req    PublishRequest
	result chan handoff
}

type handoff struct {
	token pahomqtt.Token
	lost  <-chan struct{}
	err   error
}

// GatewayOption configures a PublishGateway.
type GatewayOption func(*PublishGateway)

// WithRateLimit throttles hand-offs to perSecond messages with the given burst.
func WithRateLimit(perSecond float64, burst int) GatewayOption {
	return func(g *PublishGateway) {
		if perSecond <= 0 {
			return
		}
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithGatewayLogger sets the logger.
func WithGatewayLogger(l Logger) GatewayOption {
	return func(g *PublishGateway) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithGatewayObserver sets the observer notified of every publish outcome.
func WithGatewayObserver(o Observer) GatewayOption {
	return func(g *PublishGateway) {
		if o != nil {
			g.observer = o
		}
	}
}

// NewPublishGateway starts a gateway on conn using conn's completion timeout.
func NewPublishGateway(conn *ConnectionManager, opts ...GatewayOption) *PublishGateway {
	return newPublishGateway(conn, conn.Config().CompletionTimeout, opts...)
}

func newPublishGateway(conn transport, completionTimeout time.Duration, opts ...GatewayOption) *PublishGateway {
	if completionTimeout <= 0 {
		completionTimeout = DefaultCompletionTimeout
	}

	g := &PublishGateway{
		conn:              conn,
		completionTimeout: completionTimeout,
		logger:            nopLogger{},
		observer:          NopObserver{},
		queue:             make(chan *publishJob, publishQueueSize),
		cancelled:         make(chan struct{}),
		stop:              make(chan struct{}),
		writerDone:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}

	go g.writeLoop()
	return g
}

// Publish sends one message.
//
// Async requests and QoS 0 return as soon as the message is handed to the
// transport. Otherwise Publish waits for PUBACK or PUBCOMP and fails with
// ErrPublishTimeout after the completion timeout, ErrTransportClosed if the
// connection drops, ErrPublishCancelled if the gateway shuts down, or the
// context's error.
//
// A request made while the session is connecting or reconnecting waits in
// the queue for the connection, at most for the completion timeout. Only a
// disconnected session rejects it at once.
func (g *PublishGateway) Publish(ctx context.Context, req PublishRequest) (PublishOutcome, error) {
	outcome := PublishOutcome{Topic: req.Topic, QoS: req.QoS}

	if err := req.validate(); err != nil {
		return outcome, err
	}
	if !g.enter() {
		return outcome, ErrGatewayClosed
	}
	defer g.leave()

	handedOff := sync.OnceFunc(g.pending.Done)
	defer handedOff()

	if s := g.conn.State(); s == StateDisconnected || s == StateDisconnecting {
		err := fmt.Errorf("%w: session is %s", ErrTransportClosed, s)
		g.observer.Published(outcome, err)
		return outcome, err
	}

	started := time.Now()
	acked, err := g.publish(ctx, req, handedOff)
	outcome.Acknowledged = acked
	outcome.Latency = time.Since(started)

	if err != nil {
		g.logger.Warn("MQTT publish failed",
			"topic", req.Topic,
			"qos", req.QoS,
			"error", err,
		)
	}
	g.observer.Published(outcome, err)

	return outcome, err
}

func (g *PublishGateway) publish(ctx context.Context, req PublishRequest, handedOff func()) (bool, error) {
	jctx, cancel := context.WithCancel(ctx)
	defer cancel()

	job := &publishJob{ctx: jctx, req: req, result: make(chan handoff, 1)}

	select {
	case g.queue <- job:
	case <-ctx.Done():
		return false, ctx.Err()
	case <-g.cancelled:
		return false, ErrPublishCancelled
	}

	var h handoff
	select {
	case h = <-job.result:
	case <-ctx.Done():
		return false, ctx.Err()
	case <-g.cancelled:
		return false, ErrPublishCancelled
	}
	handedOff()
	if h.err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, h.err
	}

	if !req.awaitsAck() {
		return false, nil
	}

	timer := time.NewTimer(g.completionTimeout)
	defer timer.Stop()

	select {
	case <-h.token.Done():
		if err := h.token.Error(); err != nil {
			return false, g.classifyTokenError(err, h.lost)
		}
		return true, nil
	case <-h.lost:
		return false, fmt.Errorf("%w: connection lost before acknowledgment", ErrTransportClosed)
	case <-timer.C:
		return false, fmt.Errorf("%w: no acknowledgment for %s within %v", ErrPublishTimeout, req.Topic, g.completionTimeout)
	case <-g.cancelled:
		return false, ErrPublishCancelled
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (g *PublishGateway) classifyTokenError(err error, lost <-chan struct{}) error {
	if errors.Is(err, pahomqtt.ErrNotConnected) {
		return fmt.Errorf("%w: %w", ErrTransportClosed, err)
	}

	grace := time.NewTimer(lossGrace)
	defer grace.Stop()

	select {
	case <-lost:
		return fmt.Errorf("%w: %w", ErrTransportClosed, err)
	case <-grace.C:
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
}

// writeLoop is the single writer: it hands queued requests to the transport in order.
func (g *PublishGateway) writeLoop() {
	defer close(g.writerDone)

	for {
		select {
		case <-g.stop:
			return
		case job := <-g.queue:
			job.result <- g.handoff(job)
		}
	}
}

func (g *PublishGateway) handoff(job *publishJob) handoff {
	if err := job.ctx.Err(); err != nil {
		return handoff{err: err}
	}
	if err := g.awaitConnection(job.ctx); err != nil {
		return handoff{err: err}
	}
	if g.limiter != nil {
		if err := g.limiter.Wait(job.ctx); err != nil {
			return handoff{err: err}
		}
	}

	token, lost, err := g.conn.transmit(job.req.Topic, job.req.QoS, job.req.Retained, job.req.Payload)
	return handoff{token: token, lost: lost, err: err}
}

// awaitConnection holds the writer while the session reconnects.
func (g *PublishGateway) awaitConnection(ctx context.Context) error {
	wctx, cancel := context.WithTimeout(ctx, g.completionTimeout)
	defer cancel()

	err := g.conn.awaitConnected(wctx)
	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: session still %s after %v", ErrTransportClosed, g.conn.State(), g.completionTimeout)
	}
	return err
}

func (g *PublishGateway) enter() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.closing {
		return false
	}
	g.waiters.Add(1)
	g.pending.Add(1)
	g.inFlight.Add(1)
	return true
}

func (g *PublishGateway) leave() {
	g.inFlight.Add(-1)
	g.waiters.Done()
}

// InFlight returns the number of Publish calls that have not returned yet.
func (g *PublishGateway) InFlight() int {
	return int(g.inFlight.Load())
}

// Shutdown stops accepting publishes and drains the hand-off queue.
//
// Queued requests get until the earlier of ctx's deadline and the
// completion timeout to reach the transport. Publishes still waiting
// after that, for a hand-off or an acknowledgment, fail with
// ErrPublishCancelled. Shutdown returns once every Publish call has
// returned, so the connection can be closed right after. Calling it
// again is a no-op.
func (g *PublishGateway) Shutdown(ctx context.Context) error {
	g.shutdownMu.Lock()
	defer g.shutdownMu.Unlock()

	g.mu.Lock()
	if g.closing {
		g.mu.Unlock()
		return nil
	}
	g.closing = true
	g.mu.Unlock()

	handedOff := make(chan struct{})
	go func() {
		g.pending.Wait()
		close(handedOff)
	}()

	limit := time.NewTimer(g.completionTimeout)
	defer limit.Stop()

	select {
	case <-handedOff:
	case <-limit.C:
	case <-ctx.Done():
	}
	g.cancelWaiting()
	g.waiters.Wait()

	close(g.stop)
	<-g.writerDone

	return nil
}

func (g *PublishGateway) cancelWaiting() {
	g.cancelOnce.Do(func() {
		if n := g.InFlight(); n > 0 {
			g.logger.Warn("MQTT publishes cancelled by shutdown", "count", n)
		}
		close(g.cancelled)
	})
}

package influxdb

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/smartylighting/lightbus/internal/infrastructure/config"
)

const (
	pingTimeout = 5 * time.Second

	fallbackBatchSize     = 100
	fallbackFlushInterval = 10 * time.Second
)

// Client writes points to one InfluxDB bucket through the batched,
// non-blocking write API. It is safe for concurrent use.
type Client struct {
	influx influxdb2.Client
	points api.WriteAPI
	bucket string

	closed    atomic.Bool
	closeOnce sync.Once

	onError func(error)
	queued  atomic.Uint64
	failed  atomic.Uint64
}

// Option configures a Client.
type Option func(*Client)

// WithErrorHandler receives batch write failures, wrapped in ErrWriteFailed.
// It is called from the client's error goroutine.
func WithErrorHandler(fn func(error)) Option {
	return func(c *Client) {
		c.onError = fn
	}
}

// Stats counts points handed to the write API and batches it failed to write.
type Stats struct {
	Queued       uint64 `json:"queued"`
	FailedWrites uint64 `json:"failed_writes"`
}

// Connect pings the server and returns a Client writing to cfg's org and bucket.
// Without a deadline on ctx the ping is bounded by pingTimeout.
func Connect(ctx context.Context, cfg config.InfluxDBConfig, opts ...Option) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	influx := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, writeOptions(cfg))
	if err := ping(ctx, influx); err != nil {
		influx.Close()
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	c := &Client{
		influx: influx,
		points: influx.WriteAPI(cfg.Org, cfg.Bucket),
		bucket: cfg.Bucket,
	}
	for _, opt := range opts {
		opt(c)
	}

	go c.watchErrors()
	return c, nil
}

// writeOptions maps the batch settings, falling back when they are unset.
func writeOptions(cfg config.InfluxDBConfig) *influxdb2.Options {
	batch := uint(fallbackBatchSize)
	if cfg.BatchSize > 0 {
		batch = uint(cfg.BatchSize)
	}
	flush := fallbackFlushInterval
	if cfg.FlushInterval > 0 {
		flush = time.Duration(cfg.FlushInterval) * time.Second
	}

	return influxdb2.DefaultOptions().
		SetBatchSize(batch).
		SetFlushInterval(uint(flush.Milliseconds()))
}

func ping(ctx context.Context, influx influxdb2.Client) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, pingTimeout)
		defer cancel()
	}

	up, err := influx.Ping(ctx)
	switch {
	case err != nil:
		return fmt.Errorf("ping: %w", err)
	case !up:
		return fmt.Errorf("server at %s not healthy", influx.ServerURL())
	}
	return nil
}

func (c *Client) watchErrors() {
	for err := range c.points.Errors() {
		c.failed.Add(1)
		if c.onError != nil {
			c.onError(fmt.Errorf("%w: bucket %s: %w", ErrWriteFailed, c.bucket, err))
		}
	}
}

// WritePointWithTime queues one point. Points written after Close are dropped.
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, ts time.Time) {
	if !c.IsConnected() {
		return
	}
	c.points.WritePoint(write.NewPoint(measurement, tags, fields, ts))
	c.queued.Add(1)
}

// Flush writes buffered points now. It does nothing after Close.
func (c *Client) Flush() {
	if c.IsConnected() {
		c.points.Flush()
	}
}

// Stats returns the write counters.
func (c *Client) Stats() Stats {
	return Stats{Queued: c.queued.Load(), FailedWrites: c.failed.Load()}
}

// HealthCheck pings the server.
func (c *Client) HealthCheck(ctx context.Context) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if err := ping(ctx, c.influx); err != nil {
		return fmt.Errorf("influxdb health check: %w", err)
	}
	return nil
}

// IsConnected reports whether the client is open. HealthCheck probes the server.
func (c *Client) IsConnected() bool {
	return c != nil && c.influx != nil && !c.closed.Load()
}

// Close flushes buffered points and releases the client. It is safe on a
// nil Client and when called more than once.
func (c *Client) Close() error {
	if c == nil || c.influx == nil {
		return nil
	}

	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.points.Flush()
		c.influx.Close()
	})
	return nil
}

package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// DefaultHandlerTimeout bounds each handler invocation unless overridden.
const DefaultHandlerTimeout = 10 * time.Second

// TopicRouter maps inbound topics to handlers using MQTT wildcard matching.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Register and Unregister may be called while Dispatch is running; a
//     dispatch uses the routes registered when it started.
type TopicRouter struct {
	mu     sync.RWMutex
	routes map[string]route

	handlerTimeout time.Duration
	logger         Logger
	observer       Observer
}

type route struct {
	name    string
	filter  string
	handler Handler
}

// RouterOption configures a TopicRouter.
type RouterOption func(*TopicRouter)

// WithHandlerTimeout sets the per-handler deadline.
func WithHandlerTimeout(d time.Duration) RouterOption {
	return func(r *TopicRouter) {
		if d > 0 {
			r.handlerTimeout = d
		}
	}
}

// WithRouterLogger sets the logger used for handler failures.
func WithRouterLogger(l Logger) RouterOption {
	return func(r *TopicRouter) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithRouterObserver sets the observer notified of unrouted messages and handler failures.
func WithRouterObserver(o Observer) RouterOption {
	return func(r *TopicRouter) {
		if o != nil {
			r.observer = o
		}
	}
}

// NewTopicRouter creates an empty router.
func NewTopicRouter(opts ...RouterOption) *TopicRouter {
	r := &TopicRouter{
		routes:         make(map[string]route),
		handlerTimeout: DefaultHandlerTimeout,
		logger:         nopLogger{},
		observer:       NopObserver{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a handler for a filter.
//
// The literal filter may only be registered once; a second registration
// fails with ErrDuplicateBinding even if the name differs.
func (r *TopicRouter) Register(name, filter string, handler Handler) error {
	if err := ValidateFilter(filter); err != nil {
		return err
	}
	if handler == nil {
		return fmt.Errorf("route %q: handler cannot be nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.routes[filter]; ok {
		return fmt.Errorf("%w: %s is already routed to %q", ErrDuplicateBinding, filter, existing.name)
	}
	r.routes[filter] = route{name: name, filter: filter, handler: handler}
	return nil
}

// Unregister removes the handler for a literal filter.
// It reports whether a route was removed.
func (r *TopicRouter) Unregister(filter string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.routes[filter]; !ok {
		return false
	}
	delete(r.routes, filter)
	return true
}

// Filters returns the registered filters in sorted order.
func (r *TopicRouter) Filters() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.routes))
	for f := range r.routes {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// DispatchReport summarises one Dispatch call.
type DispatchReport struct {
	Topic    string
	Matched  int
	Failures []*HandlerError
}

// Unrouted reports whether no handler matched.
func (d DispatchReport) Unrouted() bool {
	return d.Matched == 0
}

// Dispatch invokes every handler whose filter matches msg.Topic and waits
// until each has returned or timed out.
//
// Handlers run concurrently in no particular order. Failures are collected
// in the report and sent to the observer; they are never retried.
func (r *TopicRouter) Dispatch(ctx context.Context, msg Message) DispatchReport {
	matches := r.match(msg.Topic)
	report := DispatchReport{Topic: msg.Topic, Matched: len(matches)}

	if len(matches) == 0 {
		r.logger.Debug("MQTT message unrouted", "topic", msg.Topic)
		r.observer.Unrouted(msg)
		return report
	}

	errs := make([]error, len(matches))
	var wg sync.WaitGroup
	for i, rt := range matches {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = r.invoke(ctx, rt, msg)
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err == nil {
			continue
		}
		herr := &HandlerError{
			Binding: matches[i].name,
			Filter:  matches[i].filter,
			Topic:   msg.Topic,
			Err:     err,
		}
		report.Failures = append(report.Failures, herr)

		r.logger.Warn("MQTT handler failed",
			"binding", herr.Binding,
			"topic", herr.Topic,
			"error", err,
		)
		r.observer.HandlerFailed(herr)
	}

	return report
}

func (r *TopicRouter) match(topic string) []route {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []route
	for _, rt := range r.routes {
		if Match(rt.filter, topic) {
			out = append(out, rt)
		}
	}
	return out
}

// invoke runs one handler bounded by the handler timeout.
// A handler that ignores its context is abandoned, not waited for.
func (r *TopicRouter) invoke(ctx context.Context, rt route, msg Message) error {
	hctx, cancel := context.WithTimeout(ctx, r.handlerTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- fmt.Errorf("%w: %v", ErrHandlerPanic, p)
			}
		}()
		done <- rt.handler(hctx, msg)
	}()

	select {
	case err := <-done:
		if err != nil && errors.Is(hctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("%w after %v: %w", ErrHandlerTimeout, r.handlerTimeout, err)
		}
		return err
	case <-hctx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w after %v", ErrHandlerTimeout, r.handlerTimeout)
	}
}

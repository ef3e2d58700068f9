package mqtt

import "time"

// Observer receives runtime events.
//
// Calls are made synchronously from the runtime's own goroutines, some
// while internal locks are held. Implementations must return quickly and
// must not call back into the runtime; queue work elsewhere if needed.
type Observer interface {
	StateChanged(from, to State)
	Subscribed(results []SubscribeResult)
	Unrouted(msg Message)
	HandlerFailed(err *HandlerError)
	Published(outcome PublishOutcome, err error)
	ReconnectAttempt(attempt int, delay time.Duration, err error)
}

// NopObserver ignores every event. Embed it to implement only some methods.
type NopObserver struct{}

func (NopObserver) StateChanged(State, State)                  {}
func (NopObserver) Subscribed([]SubscribeResult)               {}
func (NopObserver) Unrouted(Message)                           {}
func (NopObserver) HandlerFailed(*HandlerError)                {}
func (NopObserver) Published(PublishOutcome, error)            {}
func (NopObserver) ReconnectAttempt(int, time.Duration, error) {}

// MultiObserver fans every event out to each observer in order.
type MultiObserver []Observer

func (m MultiObserver) StateChanged(from, to State) {
	for _, o := range m {
		o.StateChanged(from, to)
	}
}

func (m MultiObserver) Subscribed(results []SubscribeResult) {
	for _, o := range m {
		o.Subscribed(results)
	}
}

func (m MultiObserver) Unrouted(msg Message) {
	for _, o := range m {
		o.Unrouted(msg)
	}
}

func (m MultiObserver) HandlerFailed(err *HandlerError) {
	for _, o := range m {
		o.HandlerFailed(err)
	}
}

func (m MultiObserver) Published(outcome PublishOutcome, err error) {
	for _, o := range m {
		o.Published(outcome, err)
	}
}

func (m MultiObserver) ReconnectAttempt(attempt int, delay time.Duration, err error) {
	for _, o := range m {
		o.ReconnectAttempt(attempt, delay, err)
	}
}

// Logger interface for optional logging support.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

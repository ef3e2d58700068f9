package mqtt

import (
	"errors"
	"fmt"
)

// Domain-specific errors for MQTT operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrNotConnected is returned when attempting operations on a disconnected session.
	ErrNotConnected = errors.New("mqtt: client not connected")

	// ErrConnectionFailed wraps every failed connection attempt.
	// The specific cause is one of ErrConnectTimeout, ErrConnectRefused or ErrConnectTransport.
	ErrConnectionFailed = errors.New("mqtt: connection failed")

	// ErrConnectTimeout is returned when no CONNACK arrives within the connection timeout.
	ErrConnectTimeout = errors.New("mqtt: connect timed out")

	// ErrConnectRefused is returned when the broker answers CONNACK with a refusal code.
	ErrConnectRefused = errors.New("mqtt: connection refused by broker")

	// ErrConnectTransport is returned when the network dial or handshake I/O fails.
	ErrConnectTransport = errors.New("mqtt: transport error while connecting")

	// ErrConnectionClosed is returned by Open once the ConnectionManager has been closed.
	ErrConnectionClosed = errors.New("mqtt: connection manager closed")

	// ErrInvalidState is returned for a session transition the state machine does not allow.
	ErrInvalidState = errors.New("mqtt: invalid session state transition")

	// ErrSubscribeFailed is returned when one or more bindings of a SUBSCRIBE failed.
	// Per-binding causes are reported in SubscribeResult.Err.
	ErrSubscribeFailed = errors.New("mqtt: subscribe failed")

	// ErrSubscriptionRejected marks a binding the broker refused with return code 0x80.
	ErrSubscriptionRejected = errors.New("mqtt: subscription rejected by broker")

	// ErrPublishFailed is returned when a publish fails for a reason other than
	// timeout, transport loss or cancellation.
	ErrPublishFailed = errors.New("mqtt: publish failed")

	// ErrPublishTimeout is returned when no acknowledgment arrives within the completion timeout.
	ErrPublishTimeout = errors.New("mqtt: publish completion timed out")

	// ErrTransportClosed is returned when the connection is lost while a publish
	// is in flight, or when publishing while the session is not connected.
	ErrTransportClosed = errors.New("mqtt: transport closed")

	// ErrPublishCancelled is returned to publishes still waiting when the gateway shuts down.
	ErrPublishCancelled = errors.New("mqtt: publish cancelled by shutdown")

	// ErrGatewayClosed is returned for publishes submitted after shutdown began.
	ErrGatewayClosed = errors.New("mqtt: publish gateway closed")

	// ErrDuplicateBinding is returned when two inbound bindings use the same literal filter.
	ErrDuplicateBinding = errors.New("mqtt: duplicate inbound binding")

	// ErrUnknownBinding is returned when a binding name cannot be resolved.
	ErrUnknownBinding = errors.New("mqtt: unknown binding")

	// ErrHandlerTimeout is reported when a handler exceeds the handler timeout.
	ErrHandlerTimeout = errors.New("mqtt: handler timed out")

	// ErrHandlerPanic is reported when a handler panics.
	ErrHandlerPanic = errors.New("mqtt: handler panicked")

	// ErrInvalidQoS is returned when an invalid QoS level is specified.
	// Valid QoS levels are 0, 1, or 2.
	ErrInvalidQoS = errors.New("mqtt: invalid QoS level (must be 0, 1, or 2)")

	// ErrInvalidTopic is returned when an empty or malformed topic or filter is provided.
	ErrInvalidTopic = errors.New("mqtt: invalid topic")

	// ErrPayloadTooLarge is returned when a payload exceeds maxPayloadSize.
	ErrPayloadTooLarge = errors.New("mqtt: payload too large")

	// ErrInvalidEndpoint is returned for a malformed broker address or missing client ID.
	ErrInvalidEndpoint = errors.New("mqtt: invalid broker endpoint")
)

// HandlerError describes one failed handler invocation.
//
// It is reported through the Observer and the DispatchReport; it is never
// retried and never stops the receive loop.
type HandlerError struct {
	Binding string
	Filter  string
	Topic   string
	Err     error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("mqtt: handler %q (%s) failed on %s: %v", e.Binding, e.Filter, e.Topic, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

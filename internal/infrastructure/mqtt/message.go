package mqtt

import (
	"context"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// Maximum payload size for MQTT messages (1MB).
// This prevents resource exhaustion and aligns with typical broker limits.
const maxPayloadSize = 1 << 20 // 1MB

// maxQoS is the maximum QoS level supported.
const maxQoS = 2

// Message is one PUBLISH received from the broker.
type Message struct {
	Topic      string
	Payload    []byte
	QoS        byte
	Retained   bool
	Duplicate  bool
	MessageID  uint16
	ReceivedAt time.Time
}

func messageFromPaho(m pahomqtt.Message) Message {
	payload := make([]byte, len(m.Payload()))
	copy(payload, m.Payload())

	return Message{
		Topic:      m.Topic(),
		Payload:    payload,
		QoS:        m.Qos(),
		Retained:   m.Retained(),
		Duplicate:  m.Duplicate(),
		MessageID:  m.MessageID(),
		ReceivedAt: time.Now(),
	}
}

// Handler processes one inbound message.
//
// The context is cancelled when the handler timeout elapses or the runtime
// shuts down. A returned error is reported but never retried.
type Handler func(ctx context.Context, msg Message) error

// PublishRequest is one outbound message.
type PublishRequest struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
	// Async returns as soon as the message is handed to the transport,
	// without waiting for the broker's acknowledgment.
	Async bool
}

func (r PublishRequest) validate() error {
	if err := ValidateTopicName(r.Topic); err != nil {
		return err
	}
	if r.QoS > maxQoS {
		return ErrInvalidQoS
	}
	if len(r.Payload) > maxPayloadSize {
		return fmt.Errorf("%w: payload size %d exceeds maximum %d bytes", ErrPayloadTooLarge, len(r.Payload), maxPayloadSize)
	}
	return nil
}

// awaitsAck reports whether Publish waits for PUBACK or PUBCOMP.
func (r PublishRequest) awaitsAck() bool {
	return !r.Async && r.QoS > 0
}

// PublishOutcome describes a publish that reached the transport.
type PublishOutcome struct {
	Topic string
	QoS   byte
	// Acknowledged is true only when the broker's acknowledgment was awaited and received.
	Acknowledged bool
	Latency      time.Duration
}

// SubscribeResult is the broker's answer for one binding of a SUBSCRIBE.
type SubscribeResult struct {
	Binding      string
	Filter       string
	RequestedQoS byte
	GrantedQoS   byte
	Err          error
}

// OK reports whether the subscription was granted.
func (r SubscribeResult) OK() bool {
	return r.Err == nil
}

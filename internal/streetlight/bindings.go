package streetlight

import (
	"fmt"

	"github.com/smartylighting/lightbus/internal/infrastructure/config"
	"github.com/smartylighting/lightbus/internal/infrastructure/mqtt"
)

// SubscriptionSet turns configured bindings into a validated set, pairing
// each inbound binding with the handler of the same name.
func SubscriptionSet(bindings []config.BindingConfig, handlers map[string]mqtt.Handler) (*mqtt.SubscriptionSet, error) {
	out := make([]mqtt.TopicBinding, 0, len(bindings))
	for _, b := range bindings {
		dir, err := mqtt.ParseDirection(b.Direction)
		if err != nil {
			return nil, fmt.Errorf("binding %q: %w", b.Name, err)
		}
		if b.QoS < 0 || b.QoS > 2 {
			return nil, fmt.Errorf("binding %q: %w", b.Name, mqtt.ErrInvalidQoS)
		}

		tb := mqtt.TopicBinding{
			Name:      b.Name,
			Filter:    b.Topic,
			Direction: dir,
			QoS:       byte(b.QoS),
			Async:     b.Async,
			Retained:  b.Retained,
		}
		if dir == mqtt.Inbound {
			h, ok := handlers[b.Name]
			if !ok {
				return nil, fmt.Errorf("%w: %q", ErrMissingHandler, b.Name)
			}
			tb.Handler = h
		}
		out = append(out, tb)
	}
	return mqtt.NewSubscriptionSet(out...)
}

// InboundFilters maps each inbound binding name to its topic filter, for
// WithFilters.
func InboundFilters(bindings []config.BindingConfig) map[string]string {
	out := make(map[string]string)
	for _, b := range bindings {
		if dir, err := mqtt.ParseDirection(b.Direction); err == nil && dir == mqtt.Inbound {
			out[b.Name] = b.Topic
		}
	}
	return out
}

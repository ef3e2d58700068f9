package mqtt

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopHandler(context.Context, Message) error { return nil }

func TestNewSubscriptionSet(t *testing.T) {
	set, err := NewSubscriptionSet(
		TopicBinding{Name: "turnOn", Filter: "lights/+/on", Direction: Inbound, QoS: 1, Handler: noopHandler},
		TopicBinding{Name: "measured", Filter: "lights/{id}/measured", Direction: Outbound, QoS: 1, Async: true},
		TopicBinding{Name: "turnOff", Filter: "lights/+/off", Direction: Inbound, QoS: 0, Handler: noopHandler},
	)
	require.NoError(t, err)

	assert.Equal(t, 3, set.Len())

	inbound := set.Inbound()
	require.Len(t, inbound, 2)
	assert.Equal(t, "turnOn", inbound[0].Name)
	assert.Equal(t, "turnOff", inbound[1].Name)

	outbound := set.Outbound()
	require.Len(t, outbound, 1)
	assert.Equal(t, "measured", outbound[0].Name)

	b, ok := set.Lookup("measured")
	require.True(t, ok)
	assert.True(t, b.Async)

	_, ok = set.Lookup("missing")
	assert.False(t, ok)
}

func TestNewSubscriptionSetDuplicateLiteralFilter(t *testing.T) {
	_, err := NewSubscriptionSet(
		TopicBinding{Name: "a", Filter: "lights/+/on", Direction: Inbound, Handler: noopHandler},
		TopicBinding{Name: "b", Filter: "lights/+/on", Direction: Inbound, Handler: noopHandler},
	)
	assert.ErrorIs(t, err, ErrDuplicateBinding)
}

func TestNewSubscriptionSetOverlappingFiltersAllowed(t *testing.T) {
	// Overlap is fine; only identical literal filters are rejected.
	_, err := NewSubscriptionSet(
		TopicBinding{Name: "a", Filter: "lights/+/on", Direction: Inbound, Handler: noopHandler},
		TopicBinding{Name: "b", Filter: "lights/#", Direction: Inbound, Handler: noopHandler},
	)
	assert.NoError(t, err)
}

func TestNewSubscriptionSetInvalid(t *testing.T) {
	tests := []struct {
		name    string
		binding TopicBinding
		wantErr error
	}{
		{
			name:    "bad qos",
			binding: TopicBinding{Name: "x", Filter: "a", Direction: Inbound, QoS: 3, Handler: noopHandler},
			wantErr: ErrInvalidQoS,
		},
		{
			name:    "bad filter",
			binding: TopicBinding{Name: "x", Filter: "a/#/b", Direction: Inbound, Handler: noopHandler},
			wantErr: ErrInvalidTopic,
		},
		{
			name:    "outbound wildcard",
			binding: TopicBinding{Name: "x", Filter: "a/+", Direction: Outbound},
			wantErr: ErrInvalidTopic,
		},
		{
			name:    "missing name",
			binding: TopicBinding{Filter: "a", Direction: Inbound, Handler: noopHandler},
			wantErr: ErrInvalidTopic,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSubscriptionSet(tt.binding)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	_, err := NewSubscriptionSet(TopicBinding{Name: "x", Filter: "a", Direction: Inbound})
	assert.Error(t, err, "inbound binding without handler")
}

func TestNewSubscriptionSetDuplicateName(t *testing.T) {
	_, err := NewSubscriptionSet(
		TopicBinding{Name: "x", Filter: "a", Direction: Inbound, Handler: noopHandler},
		TopicBinding{Name: "x", Filter: "b", Direction: Outbound},
	)
	assert.ErrorIs(t, err, ErrDuplicateBinding)
}

func TestTopicBindingExpand(t *testing.T) {
	b := TopicBinding{
		Name:      "measured",
		Filter:    "smartylighting/streetlights/1/0/event/{streetlightId}/lighting/measured",
		Direction: Outbound,
	}

	topic, err := b.Expand(map[string]string{"streetlightId": "lamp-7"})
	require.NoError(t, err)
	assert.Equal(t, "smartylighting/streetlights/1/0/event/lamp-7/lighting/measured", topic)

	_, err = b.Expand(nil)
	assert.ErrorIs(t, err, ErrInvalidTopic)

	_, err = b.Expand(map[string]string{"streetlightId": "a/b"})
	assert.ErrorIs(t, err, ErrInvalidTopic)

	_, err = b.Expand(map[string]string{"streetlightId": "+"})
	assert.ErrorIs(t, err, ErrInvalidTopic)
}

func TestParseDirection(t *testing.T) {
	d, err := ParseDirection("Inbound")
	require.NoError(t, err)
	assert.Equal(t, Inbound, d)

	d, err = ParseDirection("outbound")
	require.NoError(t, err)
	assert.Equal(t, Outbound, d)

	_, err = ParseDirection("sideways")
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrInvalidTopic))
}

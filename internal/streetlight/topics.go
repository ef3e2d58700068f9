package streetlight

import (
	"strings"

	"github.com/smartylighting/lightbus/internal/infrastructure/config"
)

// Binding names shared by configuration and handlers.
const (
	BindingTurnOn           = "turnOn"
	BindingTurnOff          = "turnOff"
	BindingDimLight         = "dimLight"
	BindingLightMeasurement = "receiveLightMeasurement"
)

// DefaultPrefix is the topic root of the street-light API.
const DefaultPrefix = "smartylighting/streetlights/1/0"

// Topics builds topics and filters under a common prefix.
type Topics struct {
	Prefix string
}

func (t Topics) prefix() string {
	if t.Prefix == "" {
		return DefaultPrefix
	}
	return strings.TrimSuffix(t.Prefix, "/")
}

// TurnOn returns the command topic for one lamp. Pass "+" for the
// subscription filter covering every lamp.
func (t Topics) TurnOn(id string) string {
	return t.prefix() + "/action/" + id + "/turn/on"
}

// TurnOff returns the turn-off command topic for one lamp.
func (t Topics) TurnOff(id string) string {
	return t.prefix() + "/action/" + id + "/turn/off"
}

// Dim returns the dim command topic for one lamp.
func (t Topics) Dim(id string) string {
	return t.prefix() + "/action/" + id + "/dim"
}

// Measured returns the measurement event topic for one lamp. Pass
// "{streetlightId}" for the outbound binding template.
func (t Topics) Measured(id string) string {
	return t.prefix() + "/event/" + id + "/lighting/measured"
}

// DefaultBindings returns the four street-light channels with the QoS and
// async settings the service expects.
func (t Topics) DefaultBindings() []config.BindingConfig {
	return []config.BindingConfig{
		{Name: BindingTurnOn, Topic: t.TurnOn("+"), Direction: "inbound", QoS: 1},
		{Name: BindingTurnOff, Topic: t.TurnOff("+"), Direction: "inbound", QoS: 1},
		{Name: BindingDimLight, Topic: t.Dim("+"), Direction: "inbound", QoS: 1},
		{Name: BindingLightMeasurement, Topic: t.Measured("{streetlightId}"), Direction: "outbound", QoS: 1, Async: true},
	}
}

// IDFromTopic returns the topic level matched by the first single-level
// wildcard of filter, or "" if topic has no level there.
func IDFromTopic(filter, topic string) string {
	filterLevels := strings.Split(filter, "/")
	topicLevels := strings.Split(topic, "/")
	for i, level := range filterLevels {
		if level == "+" {
			if i < len(topicLevels) {
				return topicLevels[i]
			}
			return ""
		}
	}
	return ""
}

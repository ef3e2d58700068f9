package streetlight

import (
	"encoding/json"
	"fmt"
	"time"
)

// Command is the body of turnOn and turnOff messages.
type Command struct {
	ID      string    `json:"id,omitempty"`
	Command string    `json:"command,omitempty"`
	SentAt  time.Time `json:"sentAt,omitempty"`
}

// DimCommand is the body of a dimLight message.
type DimCommand struct {
	ID         string    `json:"id,omitempty"`
	Percentage *int      `json:"percentage"`
	SentAt     time.Time `json:"sentAt,omitempty"`
}

// LightMeasured is published on receiveLightMeasurement.
type LightMeasured struct {
	ID     string    `json:"id"`
	Lumens int       `json:"lumens"`
	SentAt time.Time `json:"sentAt"`
}

// decode unmarshals payload into v. An empty payload is accepted as {}.
func decode(payload []byte, v any) error {
	if len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	return nil
}

// resolveID picks the lamp ID from the topic, falling back to the payload.
// When both are present they must agree.
func resolveID(fromTopic, fromPayload string) (string, error) {
	switch {
	case fromTopic == "" && fromPayload == "":
		return "", fmt.Errorf("%w: no streetlight id", ErrInvalidPayload)
	case fromTopic == "":
		return fromPayload, nil
	case fromPayload != "" && fromPayload != fromTopic:
		return "", fmt.Errorf("%w: topic %q, payload %q", ErrIDMismatch, fromTopic, fromPayload)
	default:
		return fromTopic, nil
	}
}

package mqtt

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// TopicPrefixStatus is the base for runtime status announcements.
const TopicPrefixStatus = "lightbus/status"

// maxTopicLength is the MQTT limit for a UTF-8 encoded topic string.
const maxTopicLength = 65535

// Topics provides builders for the runtime's own topics.
type Topics struct{}

// Status returns the retained status topic for a client.
//
// Example: lightbus/status/lightbus-3f2a9c
func (Topics) Status(clientID string) string {
	return fmt.Sprintf("%s/%s", TopicPrefixStatus, clientID)
}

// Match reports whether a topic name matches a subscription filter.
//
// '+' matches exactly one level, '#' matches the remaining levels including
// the parent level, and topics starting with '$' are never matched by a
// filter whose first level is a wildcard.
func Match(filter, topic string) bool {
	if filter == "" || topic == "" {
		return false
	}
	if filter == topic {
		return true
	}

	filterLevels := strings.Split(filter, "/")
	topicLevels := strings.Split(topic, "/")

	if strings.HasPrefix(topic, "$") && (filterLevels[0] == "+" || filterLevels[0] == "#") {
		return false
	}

	for i, level := range filterLevels {
		if level == "#" {
			return true
		}
		if i >= len(topicLevels) {
			return false
		}
		if level != "+" && level != topicLevels[i] {
			return false
		}
	}

	return len(filterLevels) == len(topicLevels)
}

// ValidateFilter checks a subscription filter.
//
// Wildcards must occupy a whole level and '#' may only appear as the last level.
func ValidateFilter(filter string) error {
	if err := validateTopicString(filter); err != nil {
		return err
	}

	levels := strings.Split(filter, "/")
	for i, level := range levels {
		switch {
		case level == "#":
			if i != len(levels)-1 {
				return fmt.Errorf("%w: '#' must be the last level in %q", ErrInvalidTopic, filter)
			}
		case level == "+":
		case strings.ContainsAny(level, "+#"):
			return fmt.Errorf("%w: wildcard must occupy a whole level in %q", ErrInvalidTopic, filter)
		}
	}
	return nil
}

// ValidateTopicName checks a topic name used for PUBLISH. Wildcards are not allowed.
func ValidateTopicName(topic string) error {
	if err := validateTopicString(topic); err != nil {
		return err
	}
	if hasWildcard(topic) {
		return fmt.Errorf("%w: topic name %q contains wildcards", ErrInvalidTopic, topic)
	}
	return nil
}

func hasWildcard(filter string) bool {
	return strings.ContainsAny(filter, "+#")
}

func validateTopicString(s string) error {
	switch {
	case s == "":
		return fmt.Errorf("%w: topic cannot be empty", ErrInvalidTopic)
	case len(s) > maxTopicLength:
		return fmt.Errorf("%w: topic exceeds %d bytes", ErrInvalidTopic, maxTopicLength)
	case !utf8.ValidString(s):
		return fmt.Errorf("%w: topic is not valid UTF-8", ErrInvalidTopic)
	case strings.ContainsRune(s, 0):
		return fmt.Errorf("%w: topic contains a null character", ErrInvalidTopic)
	}
	return nil
}

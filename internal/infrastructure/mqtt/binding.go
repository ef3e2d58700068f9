package mqtt

import (
	"fmt"
	"regexp"
	"strings"
)

// Direction tells whether a binding receives or sends messages.
type Direction int

const (
	// Inbound bindings subscribe to a filter and route matches to a Handler.
	Inbound Direction = iota
	// Outbound bindings name a topic the application publishes to.
	Outbound
)

func (d Direction) String() string {
	if d == Outbound {
		return "outbound"
	}
	return "inbound"
}

// ParseDirection converts "inbound" or "outbound" to a Direction.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "inbound", "in":
		return Inbound, nil
	case "outbound", "out":
		return Outbound, nil
	default:
		return Inbound, fmt.Errorf("unknown binding direction %q", s)
	}
}

// TopicBinding connects a named channel to a topic.
//
// For outbound bindings Filter is a topic template: each {param} segment
// is replaced at publish time, see Expand. Async and Retained apply to
// outbound bindings only.
type TopicBinding struct {
	Name      string
	Filter    string
	Direction Direction
	QoS       byte
	Handler   Handler
	Async     bool
	Retained  bool
}

var placeholderPattern = regexp.MustCompile(`\{([A-Za-z0-9_]+)\}`)

// Expand substitutes {param} placeholders in an outbound topic template.
// Every placeholder must have a non-empty value without '/', '+' or '#'.
func (b TopicBinding) Expand(params map[string]string) (string, error) {
	var missing error
	topic := placeholderPattern.ReplaceAllStringFunc(b.Filter, func(m string) string {
		key := m[1 : len(m)-1]
		v, ok := params[key]
		if !ok || v == "" || strings.ContainsAny(v, "/+#") {
			if missing == nil {
				missing = fmt.Errorf("%w: binding %q needs a valid value for {%s}", ErrInvalidTopic, b.Name, key)
			}
			return m
		}
		return v
	})
	if missing != nil {
		return "", missing
	}
	if err := ValidateTopicName(topic); err != nil {
		return "", err
	}
	return topic, nil
}

func (b TopicBinding) validate() error {
	if b.Name == "" {
		return fmt.Errorf("%w: binding name is required", ErrInvalidTopic)
	}
	if b.QoS > maxQoS {
		return fmt.Errorf("binding %q: %w", b.Name, ErrInvalidQoS)
	}

	switch b.Direction {
	case Inbound:
		if err := ValidateFilter(b.Filter); err != nil {
			return fmt.Errorf("binding %q: %w", b.Name, err)
		}
		if b.Handler == nil {
			return fmt.Errorf("binding %q: inbound binding needs a handler", b.Name)
		}
	case Outbound:
		template := placeholderPattern.ReplaceAllString(b.Filter, "x")
		if err := ValidateTopicName(template); err != nil {
			return fmt.Errorf("binding %q: %w", b.Name, err)
		}
	default:
		return fmt.Errorf("binding %q: unknown direction %d", b.Name, b.Direction)
	}
	return nil
}

// SubscriptionSet is an ordered, validated collection of bindings.
type SubscriptionSet struct {
	bindings []TopicBinding
	byName   map[string]int
}

// NewSubscriptionSet validates bindings and keeps their declaration order.
//
// Two inbound bindings with the same literal filter fail with
// ErrDuplicateBinding. Binding names must be unique across both directions.
func NewSubscriptionSet(bindings ...TopicBinding) (*SubscriptionSet, error) {
	set := &SubscriptionSet{byName: make(map[string]int, len(bindings))}
	inbound := make(map[string]string)

	for _, b := range bindings {
		if err := b.validate(); err != nil {
			return nil, err
		}
		if _, dup := set.byName[b.Name]; dup {
			return nil, fmt.Errorf("%w: name %q declared twice", ErrDuplicateBinding, b.Name)
		}
		if b.Direction == Inbound {
			if other, dup := inbound[b.Filter]; dup {
				return nil, fmt.Errorf("%w: %q and %q both bind %s", ErrDuplicateBinding, other, b.Name, b.Filter)
			}
			inbound[b.Filter] = b.Name
		}

		set.byName[b.Name] = len(set.bindings)
		set.bindings = append(set.bindings, b)
	}

	return set, nil
}

// All returns every binding in declaration order.
func (s *SubscriptionSet) All() []TopicBinding {
	return append([]TopicBinding(nil), s.bindings...)
}

// Inbound returns the inbound bindings in declaration order.
func (s *SubscriptionSet) Inbound() []TopicBinding {
	return s.filter(Inbound)
}

// Outbound returns the outbound bindings in declaration order.
func (s *SubscriptionSet) Outbound() []TopicBinding {
	return s.filter(Outbound)
}

// Lookup returns the binding with the given name.
func (s *SubscriptionSet) Lookup(name string) (TopicBinding, bool) {
	i, ok := s.byName[name]
	if !ok {
		return TopicBinding{}, false
	}
	return s.bindings[i], true
}

// Len returns the number of bindings.
func (s *SubscriptionSet) Len() int {
	return len(s.bindings)
}

func (s *SubscriptionSet) filter(d Direction) []TopicBinding {
	var out []TopicBinding
	for _, b := range s.bindings {
		if b.Direction == d {
			out = append(out, b)
		}
	}
	return out
}

package journal

import "time"

// Kind classifies a journal entry.
type Kind string

// Event kinds written by the Observer.
const (
	KindStateChange       Kind = "state_change"
	KindSubscribeRejected Kind = "subscribe_rejected"
	KindUnrouted          Kind = "unrouted"
	KindHandlerFailed     Kind = "handler_failed"
	KindPublishFailed     Kind = "publish_failed"
	KindReconnectAttempt  Kind = "reconnect_attempt"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindStateChange, KindSubscribeRejected, KindUnrouted,
		KindHandlerFailed, KindPublishFailed, KindReconnectAttempt:
		return true
	}
	return false
}

// Event is one journal row.
type Event struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	Topic      string    `json:"topic,omitempty"`
	Binding    string    `json:"binding,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Filter controls which events List returns.
type Filter struct {
	Kind  Kind      // optional
	Since time.Time // optional: only events at or after this instant
	Limit int       // default 50, max 500
	// Offset skips this many rows for pagination.
	Offset int
}

// ListResult is one page of events, newest first.
type ListResult struct {
	Events []Event `json:"events"`
	Total  int     `json:"total"`
	Limit  int     `json:"limit"`
	Offset int     `json:"offset"`
}

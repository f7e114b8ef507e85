package events

import "time"

// CallEvent is the envelope published on every call status transition. The
// topic is keyed by call id so downstream consumers see the transitions of
// one call in order.
type CallEvent struct {
	CallID     string    `json:"call_id"`
	CallerID   string    `json:"caller_id"`
	ReceiverID string    `json:"receiver_id"`
	CallType   string    `json:"call_type"`
	Status     string    `json:"status"`
	OccurredAt time.Time `json:"occurred_at"`
}

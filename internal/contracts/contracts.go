package contracts

import "time"

// DeliveryEvent is published by digest-api for every recipient outcome
// and consumed by delivery-sink for the audit trail.
type DeliveryEvent struct {
	EventID       string    `json:"event_id"`
	RunID         string    `json:"run_id"`
	UserID        string    `json:"user_id"`
	EmailID       string    `json:"email_id,omitempty"`
	Status        string    `json:"status"`
	Error         string    `json:"error,omitempty"`
	Timezone      string    `json:"timezone"`
	PreferredTime string    `json:"preferred_time,omitempty"`
	Test          bool      `json:"test,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
	ShardID       int       `json:"shard_id"`
}

const (
	DeliveryStatusSent  = "sent"
	DeliveryStatusError = "error"
)

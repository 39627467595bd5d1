package mail

import (
	"context"
	"time"
)

// Request contains the data needed to send one email via the provider.
type Request struct {
	To      []string
	From    string
	Subject string
	HTML    string
	ReplyTo string
}

// Result contains the provider's acknowledgement.
type Result struct {
	EmailID string
	SentAt  time.Time
}

// Sender is the interface for sending emails via an external provider.
type Sender interface {
	Send(ctx context.Context, req Request) (Result, error)
}

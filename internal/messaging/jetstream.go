package messaging

import (
	"errors"

	"github.com/nats-io/nats.go"
)

const deliveriesStream = "DELIVERIES"

// EnsureStreams creates (or validates) the stream carrying per-recipient
// delivery outcome events: agenda.delivery.>
func EnsureStreams(js nats.JetStreamContext) error {
	if _, err := js.StreamInfo(deliveriesStream); err != nil {
		if errors.Is(err, nats.ErrStreamNotFound) {
			if _, addErr := js.AddStream(&nats.StreamConfig{
				Name:      deliveriesStream,
				Subjects:  []string{"agenda.delivery.>"},
				Retention: nats.LimitsPolicy,
				Storage:   nats.FileStorage,
				Replicas:  1,
			}); addErr != nil {
				return addErr
			}
		} else {
			return err
		}
	}
	return nil
}

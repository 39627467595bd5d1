package deliverysink

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/lexagenda/project/internal/contracts"
)

var ErrInvalidEventPayload = errors.New("invalid delivery event payload")
var ErrUnsupportedStatus = errors.New("unsupported delivery status")

type Repository interface {
	InsertDelivery(ctx context.Context, event contracts.DeliveryEvent, streamSeq uint64) error
}

type Service struct {
	Repository Repository
}

func NewService(repository Repository) *Service {
	return &Service{Repository: repository}
}

func (s *Service) Handle(ctx context.Context, payload []byte, streamSeq uint64) error {
	var event contracts.DeliveryEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return ErrInvalidEventPayload
	}
	if strings.TrimSpace(event.EventID) == "" || strings.TrimSpace(event.RunID) == "" {
		return ErrInvalidEventPayload
	}
	switch event.Status {
	case contracts.DeliveryStatusSent, contracts.DeliveryStatusError:
	default:
		return ErrUnsupportedStatus
	}
	return s.Repository.InsertDelivery(ctx, event, streamSeq)
}

package event

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/carewire/booking-api/internal/model"
	"github.com/carewire/booking-api/internal/repository"
)

// Emitter stages domain events for asynchronous publication. Staging is
// durable: once Emit returns nil the event survives broker outages and the
// relay publishes it when connectivity allows.
type Emitter interface {
	Emit(ctx context.Context, eventType string, payload interface{}) error
}

type Service struct {
	outboxRepo repository.OutboxRepository
}

func NewService(outboxRepo repository.OutboxRepository) *Service {
	return &Service{outboxRepo: outboxRepo}
}

func (s *Service) Emit(ctx context.Context, eventType string, payload interface{}) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	evt := &model.OutboxEvent{
		EventType: eventType,
		Payload:   payloadJSON,
	}
	if err := s.outboxRepo.Create(ctx, evt); err != nil {
		return fmt.Errorf("failed to stage outbox event: %w", err)
	}
	return nil
}

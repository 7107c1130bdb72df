package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/carewire/booking-api/internal/model"
	"github.com/carewire/booking-api/internal/repository"
	"github.com/carewire/booking-api/pkg/logger"
	"github.com/carewire/booking-api/pkg/messaging"
	"github.com/carewire/booking-api/pkg/metrics"
)

type OutboxRelayConfig struct {
	BatchSize    int
	PollInterval time.Duration
	// MaxRetries caps publish attempts per event before dead-lettering.
	MaxRetries int
	// RetryDelay is the base backoff; the effective delay grows with the
	// event's retry count.
	RetryDelay time.Duration
	// Retention is how long processed events are kept before cleanup.
	Retention time.Duration
}

// OutboxRelay drains staged events to the broker. Events survive broker
// outages in the outbox table; each is published at least once and marked
// processed exactly once.
type OutboxRelay struct {
	repo    repository.OutboxRepository
	broker  messaging.Publisher
	config  OutboxRelayConfig
	logger  *logger.Logger
	metrics *metrics.Metrics
}

func NewOutboxRelay(
	repo repository.OutboxRepository,
	broker messaging.Publisher,
	config OutboxRelayConfig,
	log *logger.Logger,
	m *metrics.Metrics,
) *OutboxRelay {
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 5
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = 5 * time.Second
	}
	if config.Retention <= 0 {
		config.Retention = 24 * time.Hour
	}

	return &OutboxRelay{
		repo:    repo,
		broker:  broker,
		config:  config,
		logger:  log,
		metrics: m,
	}
}

func (r *OutboxRelay) Start(ctx context.Context) {
	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	cleanup := time.NewTicker(r.config.Retention / 2)
	defer cleanup.Stop()

	r.logger.Info("starting outbox relay")

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("shutting down outbox relay")
			return
		case <-ticker.C:
			if err := r.ProcessBatch(ctx); err != nil {
				r.logger.Error(err, "failed to process outbox batch")
			}
		case <-cleanup.C:
			r.cleanup(ctx)
		}
	}
}

// ProcessBatch publishes one batch of due events.
func (r *OutboxRelay) ProcessBatch(ctx context.Context) error {
	timer := prometheus.NewTimer(r.metrics.OutboxRelayLatency)
	defer timer.ObserveDuration()

	events, err := r.repo.GetPending(ctx, r.config.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to get pending events: %w", err)
	}

	for _, event := range events {
		if err := r.processEvent(ctx, event); err != nil {
			r.logger.Error(err, "failed to process outbox event",
				"event_id", event.ID.String(),
				"event_type", event.EventType)
		}
	}
	return nil
}

func (r *OutboxRelay) processEvent(ctx context.Context, event *model.OutboxEvent) error {
	publishErr := r.broker.Publish(ctx, event.EventType, event.Payload)
	if publishErr == nil {
		r.metrics.OutboxEventsPublished.Inc()
		return r.repo.MarkProcessed(ctx, event.ID)
	}

	r.metrics.OutboxEventsFailed.Inc()

	if event.RetryCount+1 >= r.config.MaxRetries {
		r.metrics.OutboxEventsDeadLetter.Inc()
		if err := r.repo.MoveToDeadLetter(ctx, event, publishErr.Error()); err != nil {
			return fmt.Errorf("failed to dead-letter event: %w", err)
		}
		r.logger.Warn("outbox event moved to dead letter",
			"event_id", event.ID.String(),
			"event_type", event.EventType,
			"retries", event.RetryCount+1)
		return publishErr
	}

	retryAt := time.Now().Add(r.config.RetryDelay * time.Duration(event.RetryCount+1))
	if err := r.repo.MarkFailed(ctx, event.ID, publishErr.Error(), retryAt); err != nil {
		return fmt.Errorf("failed to mark event for retry: %w", err)
	}
	return publishErr
}

func (r *OutboxRelay) cleanup(ctx context.Context) {
	cutoff := time.Now().Add(-r.config.Retention)
	count, err := r.repo.DeleteProcessedBefore(ctx, cutoff)
	if err != nil {
		r.logger.Error(err, "failed to clean up processed events")
		return
	}
	if count > 0 {
		r.logger.Info("cleaned up processed outbox events", "deleted", count)
	}
}

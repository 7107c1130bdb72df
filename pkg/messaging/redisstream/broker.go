package redisstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/carewire/booking-api/pkg/messaging"
)

const bodyField = "body"

// Config controls the broker's topology and consumption behaviour.
type Config struct {
	URL string
	// Streams are the event types this process publishes and/or consumes.
	Streams []string
	Group   string
	// Consumer names this process inside the group.
	Consumer string
	// Prefetch bounds in-flight messages per read.
	Prefetch int64
	// Block is the XREADGROUP block duration.
	Block time.Duration
	// MinIdle is how long an unacknowledged message stays pending before it
	// is reclaimed and redelivered.
	MinIdle time.Duration
	// MaxDeliveries caps redelivery; messages exceeding it go to the
	// dead-letter stream.
	MaxDeliveries    int64
	DeadLetterStream string

	PoolSize     int
	MinIdleConns int
}

func (c *Config) applyDefaults() {
	if c.Prefetch <= 0 {
		c.Prefetch = 10
	}
	if c.Block <= 0 {
		c.Block = 5 * time.Second
	}
	if c.MinIdle <= 0 {
		c.MinIdle = 30 * time.Second
	}
	if c.MaxDeliveries <= 0 {
		c.MaxDeliveries = 5
	}
	if c.DeadLetterStream == "" {
		c.DeadLetterStream = "appointment.deadletter"
	}
}

// Broker implements messaging.Broker on Redis streams. The go-redis client
// owns one long-lived connection pool per process; topology declaration is
// serialized behind topologyOnce while publishes run concurrently afterwards.
type Broker struct {
	client       redis.Cmdable
	closer       func() error
	config       Config
	logger       *zerolog.Logger
	topologyOnce sync.Once
	topologyErr  error
}

func NewBroker(config Config, logger *zerolog.Logger) (*Broker, error) {
	config.applyDefaults()

	opts, err := redis.ParseURL(config.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	opts.PoolSize = config.PoolSize
	opts.MinIdleConns = config.MinIdleConns

	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Broker{
		client: client,
		closer: client.Close,
		config: config,
		logger: logger,
	}, nil
}

// NewBrokerWithClient wires an existing client, used by tests.
func NewBrokerWithClient(client redis.Cmdable, config Config, logger *zerolog.Logger) *Broker {
	config.applyDefaults()
	return &Broker{
		client: client,
		closer: func() error { return nil },
		config: config,
		logger: logger,
	}
}

// ensureTopology creates every stream and its consumer group. Safe to call
// from concurrent publishers; only the first call does work.
func (b *Broker) ensureTopology(ctx context.Context) error {
	b.topologyOnce.Do(func() {
		streams := append([]string{}, b.config.Streams...)
		streams = append(streams, b.config.DeadLetterStream)
		for _, stream := range streams {
			err := b.client.XGroupCreateMkStream(ctx, stream, b.config.Group, "0").Err()
			if err != nil && !isBusyGroup(err) {
				b.topologyErr = fmt.Errorf("failed to declare stream %s: %w", stream, err)
				return
			}
		}
	})
	return b.topologyErr
}

func isBusyGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}

func (b *Broker) Publish(ctx context.Context, eventType string, body []byte) error {
	if err := b.ensureTopology(ctx); err != nil {
		return err
	}
	err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: eventType,
		Values: map[string]interface{}{bodyField: body},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", eventType, err)
	}
	return nil
}

// Consume reads new messages and reclaims stale pending ones until ctx is
// canceled. Messages whose delivery count exceeds MaxDeliveries are appended
// to the dead-letter stream and acknowledged.
func (b *Broker) Consume(ctx context.Context, handler messaging.Handler) error {
	if err := b.ensureTopology(ctx); err != nil {
		return err
	}

	streams := make([]string, 0, len(b.config.Streams)*2)
	streams = append(streams, b.config.Streams...)
	for range b.config.Streams {
		streams = append(streams, ">")
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.config.Group,
			Consumer: b.config.Consumer,
			Streams:  streams,
			Count:    b.config.Prefetch,
			Block:    b.config.Block,
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.logger.Error().Err(err).Msg("failed to read from streams")
			time.Sleep(time.Second)
			continue
		}

		for _, stream := range res {
			for _, msg := range stream.Messages {
				b.dispatch(ctx, handler, stream.Stream, msg, 1)
			}
		}

		for _, stream := range b.config.Streams {
			b.reclaimPending(ctx, handler, stream)
		}
	}
}

// reclaimPending redelivers messages another consumer (or a failed handler)
// left unacknowledged for longer than MinIdle.
func (b *Broker) reclaimPending(ctx context.Context, handler messaging.Handler, stream string) {
	pending, err := b.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  b.config.Group,
		Idle:   b.config.MinIdle,
		Start:  "-",
		End:    "+",
		Count:  b.config.Prefetch,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		b.logger.Error().Err(err).Str("stream", stream).Msg("failed to inspect pending entries")
		return
	}

	for _, p := range pending {
		claimed, err := b.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   stream,
			Group:    b.config.Group,
			Consumer: b.config.Consumer,
			MinIdle:  b.config.MinIdle,
			Messages: []string{p.ID},
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			b.logger.Error().Err(err).Str("stream", stream).Str("id", p.ID).Msg("failed to claim pending entry")
			continue
		}
		for _, msg := range claimed {
			// RetryCount predates this claim, so the claim itself is
			// one more delivery.
			b.dispatch(ctx, handler, stream, msg, p.RetryCount+1)
		}
	}
}

func (b *Broker) dispatch(ctx context.Context, handler messaging.Handler, stream string, msg redis.XMessage, deliveries int64) {
	body, _ := msg.Values[bodyField].(string)

	if deliveries > b.config.MaxDeliveries {
		b.deadLetter(ctx, stream, msg, deliveries)
		return
	}

	d := messaging.Delivery{
		ID:         msg.ID,
		EventType:  stream,
		Body:       []byte(body),
		Deliveries: deliveries,
	}

	if err := handler(ctx, d); err != nil {
		// Leave the entry pending; it is redelivered after MinIdle.
		b.logger.Warn().Err(err).
			Str("stream", stream).
			Str("id", msg.ID).
			Int64("deliveries", deliveries).
			Msg("message handling failed, leaving pending")
		return
	}

	if err := b.client.XAck(ctx, stream, b.config.Group, msg.ID).Err(); err != nil {
		b.logger.Error().Err(err).Str("stream", stream).Str("id", msg.ID).Msg("failed to ack message")
	}
}

func (b *Broker) deadLetter(ctx context.Context, stream string, msg redis.XMessage, deliveries int64) {
	err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.config.DeadLetterStream,
		Values: map[string]interface{}{
			bodyField:    msg.Values[bodyField],
			"origin":     stream,
			"origin_id":  msg.ID,
			"deliveries": deliveries,
		},
	}).Err()
	if err != nil {
		b.logger.Error().Err(err).Str("stream", stream).Str("id", msg.ID).Msg("failed to dead-letter message")
		return
	}
	if err := b.client.XAck(ctx, stream, b.config.Group, msg.ID).Err(); err != nil {
		b.logger.Error().Err(err).Str("stream", stream).Str("id", msg.ID).Msg("failed to ack dead-lettered message")
	}
	b.logger.Warn().
		Str("stream", stream).
		Str("id", msg.ID).
		Int64("deliveries", deliveries).
		Msg("message moved to dead letter stream")
}

func (b *Broker) Close() error {
	return b.closer()
}

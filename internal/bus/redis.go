package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/engramdev/engram/internal/backoff"
	"github.com/engramdev/engram/internal/config"
	"github.com/engramdev/engram/internal/observability"
)

const payloadField = "payload"

// RedisBus implements Bus on Redis Streams. Each topic is a stream; each
// subscriber group is a consumer group, so the indexer and the hub consume
// the same stream at independent offsets.
type RedisBus struct {
	client       *redis.Client
	streamMaxLen int64
	log          *observability.Logger
	metrics      *observability.Metrics
}

// NewRedisBus connects to Redis and verifies the connection.
func NewRedisBus(cfg config.BusConfig, log *observability.Logger, metrics *observability.Metrics) (*RedisBus, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("bus: parse url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("bus: ping: %w", err)
	}

	return &RedisBus{
		client:       client,
		streamMaxLen: cfg.StreamMaxLen,
		log:          log,
		metrics:      metrics,
	}, nil
}

// Publish appends a message to the topic stream. Transient failures are
// retried; a final failure is returned for the caller to count and log,
// since publication is best-effort for the aggregator.
func (b *RedisBus) Publish(ctx context.Context, topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("bus: encode payload: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: topic,
		Values: map[string]any{payloadField: string(data)},
	}
	if b.streamMaxLen > 0 {
		args.MaxLen = b.streamMaxLen
		args.Approx = true
	}

	_, err = backoff.Retry(ctx, backoff.DefaultPolicy(), 3, func(int) (string, error) {
		id, err := b.client.XAdd(ctx, args).Result()
		if err != nil {
			return "", backoff.MarkTransient(err)
		}
		return id, nil
	})
	if err != nil {
		if b.metrics != nil {
			b.metrics.BusPublishErrors.WithLabelValues(topic).Inc()
		}
		return fmt.Errorf("bus: publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe consumes the topic through a durable consumer group, blocking
// until ctx is done. Messages are acked after the handler returns; handler
// errors are logged at warn and the offset still advances.
func (b *RedisBus) Subscribe(ctx context.Context, topic, group, consumer string, handler Handler) error {
	err := b.client.XGroupCreateMkStream(ctx, topic, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("bus: create group %s on %s: %w", group, topic, err)
	}

	// Drain entries delivered to this consumer but never acked, then switch
	// to new messages.
	cursor := "0"
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{topic, cursor},
			Count:    64,
			Block:    5 * time.Second,
		}).Result()
		if errors.Is(err, redis.Nil) {
			cursor = ">"
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.log.Warn("bus read failed, backing off", "topic", topic, "group", group, "error", err)
			if err := backoff.DefaultPolicy().Sleep(ctx, 1); err != nil {
				return err
			}
			continue
		}

		delivered := 0
		for _, stream := range streams {
			for _, entry := range stream.Messages {
				delivered++
				b.dispatch(ctx, topic, group, entry, handler)
			}
		}
		if cursor == "0" && delivered == 0 {
			// Pending backlog exhausted.
			cursor = ">"
		}
	}
}

func (b *RedisBus) dispatch(ctx context.Context, topic, group string, entry redis.XMessage, handler Handler) {
	raw, _ := entry.Values[payloadField].(string)
	msg := &Message{ID: entry.ID, Topic: topic, Payload: []byte(raw)}

	if err := handler(ctx, msg); err != nil {
		b.log.Warn("bus handler failed, advancing offset",
			"topic", topic, "group", group, "message_id", entry.ID, "error", err)
	}
	if err := b.client.XAck(ctx, topic, group, entry.ID).Err(); err != nil && ctx.Err() == nil {
		b.log.Warn("bus ack failed", "topic", topic, "message_id", entry.ID, "error", err)
	}
}

func (b *RedisBus) Close() error {
	return b.client.Close()
}

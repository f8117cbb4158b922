package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/uniassist/gateway/pkg/models"
)

const (
	// envelopeField is the stream entry field carrying the JSON envelope.
	envelopeField = "envelope"
	// consumerGroup is the group the gateway's consumer loop reads under.
	consumerGroup = "uniassist-gateway"
	// readBlock bounds one XREADGROUP call so Run notices ctx cancellation.
	readBlock = 2 * time.Second
	// readCount caps entries fetched per call.
	readCount = 64
	// streamMaxLen is the approximate retention bound per stream key.
	streamMaxLen = 10000
)

// Redis is the Streams-backed broker. Publishes append to both the
// per-session and the global stream; the consumer loop reads the global
// stream through a consumer group and acks on successful handling, giving
// at-least-once delivery across restarts.
type Redis struct {
	client    *redis.Client
	globalKey string
	consumer  string
	logger    *slog.Logger
}

// NewRedis connects to the Redis URL and pings it before returning.
func NewRedis(ctx context.Context, url, globalKey, consumer string, logger *slog.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return &Redis{
		client:    client,
		globalKey: globalKey,
		consumer:  consumer,
		logger:    logger.With("component", "broker"),
	}, nil
}

// Publish appends the envelope to its per-session stream and the global
// stream. Both appends must succeed for the publish to count as delivered.
func (r *Redis) Publish(ctx context.Context, env *models.StreamEnvelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal stream envelope: %w", err)
	}

	for _, key := range []string{env.Stream.Key, r.globalKey} {
		add := &redis.XAddArgs{
			Stream: key,
			MaxLen: streamMaxLen,
			Approx: true,
			Values: map[string]any{envelopeField: raw},
		}
		if err := r.client.XAdd(ctx, add).Err(); err != nil {
			return fmt.Errorf("failed to publish to stream %s: %w", key, err)
		}
	}
	return nil
}

// Run consumes the global stream through the consumer group until ctx is
// cancelled. Handled entries are acked; failed ones stay pending and are
// redelivered on the next claim of the pending entries list.
func (r *Redis) Run(ctx context.Context, handler Handler) error {
	if err := r.ensureGroup(ctx); err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    consumerGroup,
			Consumer: r.consumer,
			Streams:  []string{r.globalKey, ">"},
			Count:    readCount,
			Block:    readBlock,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
				continue
			}
			r.logger.Error("stream read failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				r.handleMessage(ctx, handler, msg)
			}
		}
	}
}

func (r *Redis) handleMessage(ctx context.Context, handler Handler, msg redis.XMessage) {
	raw, ok := msg.Values[envelopeField].(string)
	if !ok {
		// Malformed entries are acked so they never wedge the group.
		r.logger.Warn("dropping stream entry without envelope", "id", msg.ID)
		_ = r.client.XAck(ctx, r.globalKey, consumerGroup, msg.ID).Err()
		return
	}

	var env models.StreamEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		r.logger.Warn("dropping undecodable stream entry", "id", msg.ID, "error", err)
		_ = r.client.XAck(ctx, r.globalKey, consumerGroup, msg.ID).Err()
		return
	}

	if err := handler(ctx, &env); err != nil {
		r.logger.Warn("stream handler failed, leaving entry pending",
			"id", msg.ID, "error", err)
		return
	}
	if err := r.client.XAck(ctx, r.globalKey, consumerGroup, msg.ID).Err(); err != nil {
		r.logger.Warn("failed to ack stream entry", "id", msg.ID, "error", err)
	}
}

func (r *Redis) ensureGroup(ctx context.Context) error {
	err := r.client.XGroupCreateMkStream(ctx, r.globalKey, consumerGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

// Close releases the Redis connection.
func (r *Redis) Close() error {
	return r.client.Close()
}

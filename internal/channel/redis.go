package channel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"postingrelay/pkg/logger"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const payloadField = "payload"

type RedisStreamOptions struct {
	// Stream receives published outbox events.
	Stream string
	// InboundStream is consumed through the consumer group.
	InboundStream string
	Group         string
	Consumer      string
	MaxLen        int64
	BatchSize     int64
	Block         time.Duration
	// MinIdle is how long a delivery may stay unacked before it is claimed
	// again; after MaxDeliveries attempts it is moved to the dead-letter stream.
	MinIdle       time.Duration
	MaxDeliveries int64
	ClaimInterval time.Duration
}

// RedisStream implements Client on Redis Streams with a consumer group.
type RedisStream struct {
	rdb  *redis.Client
	opts RedisStreamOptions
}

func NewRedisStream(rdb *redis.Client, opts RedisStreamOptions) *RedisStream {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 16
	}
	if opts.Block <= 0 {
		opts.Block = 2 * time.Second
	}
	if opts.ClaimInterval <= 0 {
		opts.ClaimInterval = 15 * time.Second
	}
	if opts.MinIdle <= 0 {
		opts.MinIdle = 30 * time.Second
	}
	if opts.MaxDeliveries <= 0 {
		opts.MaxDeliveries = 5
	}
	return &RedisStream{rdb: rdb, opts: opts}
}

func (s *RedisStream) Publish(ctx context.Context, key, payload, eventType string) error {
	values := make(map[string]any)
	for k, v := range envelopeHeaders(ctx, key, eventType) {
		values[k] = v
	}
	values[payloadField] = payload

	args := &redis.XAddArgs{Stream: s.opts.Stream, Values: values}
	if s.opts.MaxLen > 0 {
		args.MaxLen = s.opts.MaxLen
		args.Approx = true
	}
	if err := s.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("%w: xadd %s: %w", ErrPublish, s.opts.Stream, err)
	}
	return nil
}

func (s *RedisStream) Subscribe(ctx context.Context, handler Handler) error {
	if err := s.ensureGroup(ctx); err != nil {
		return err
	}

	claimTicker := time.NewTicker(s.opts.ClaimInterval)
	defer claimTicker.Stop()

	logger.Info("redis stream consumer started",
		zap.String("stream", s.opts.InboundStream),
		zap.String("group", s.opts.Group),
		zap.String("consumer", s.opts.Consumer))

	for {
		select {
		case <-ctx.Done():
			logger.Info("redis stream consumer stopped")
			return nil
		case <-claimTicker.C:
			s.reclaim(ctx, handler)
		default:
		}

		streams, err := s.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    s.opts.Group,
			Consumer: s.opts.Consumer,
			Streams:  []string{s.opts.InboundStream, ">"},
			Count:    s.opts.BatchSize,
			Block:    s.opts.Block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn("redis stream read failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		for _, stream := range streams {
			for _, m := range stream.Messages {
				s.deliver(ctx, handler, m)
			}
		}
	}
}

func (s *RedisStream) ensureGroup(ctx context.Context) error {
	err := s.rdb.XGroupCreateMkStream(ctx, s.opts.InboundStream, s.opts.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s: %w", s.opts.Group, err)
	}
	return nil
}

// deliver acks only on success; failed entries stay in the pending list.
func (s *RedisStream) deliver(ctx context.Context, handler Handler, m redis.XMessage) {
	msg := toMessage(m)
	if err := handler(ctx, msg); err != nil {
		logger.Warn("inbound message handling failed, leaving unacked",
			zap.String("message_id", m.ID), zap.Error(err))
		return
	}
	if err := s.rdb.XAck(ctx, s.opts.InboundStream, s.opts.Group, m.ID).Err(); err != nil {
		logger.Error("failed to ack inbound message", zap.String("message_id", m.ID), zap.Error(err))
	}
}

func (s *RedisStream) reclaim(ctx context.Context, handler Handler) {
	pending, err := s.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: s.opts.InboundStream,
		Group:  s.opts.Group,
		Idle:   s.opts.MinIdle,
		Start:  "-",
		End:    "+",
		Count:  s.opts.BatchSize,
	}).Result()
	if err != nil {
		logger.Warn("failed to list pending inbound messages", zap.Error(err))
		return
	}

	for _, p := range pending {
		if p.RetryCount >= s.opts.MaxDeliveries {
			s.deadLetter(ctx, p.ID, p.RetryCount)
			continue
		}
		claimed, err := s.rdb.XClaim(ctx, &redis.XClaimArgs{
			Stream:   s.opts.InboundStream,
			Group:    s.opts.Group,
			Consumer: s.opts.Consumer,
			MinIdle:  s.opts.MinIdle,
			Messages: []string{p.ID},
		}).Result()
		if err != nil {
			logger.Warn("failed to claim pending message", zap.String("message_id", p.ID), zap.Error(err))
			continue
		}
		for _, m := range claimed {
			s.deliver(ctx, handler, m)
		}
	}
}

func (s *RedisStream) deadLetter(ctx context.Context, id string, deliveries int64) {
	dlq := s.opts.InboundStream + ".dlq"
	msgs, err := s.rdb.XRangeN(ctx, s.opts.InboundStream, id, id, 1).Result()
	if err != nil {
		logger.Error("failed to load message for dead-lettering", zap.String("message_id", id), zap.Error(err))
		return
	}
	if len(msgs) > 0 {
		values := msgs[0].Values
		values["dlq_source_id"] = id
		values["dlq_deliveries"] = deliveries
		if err := s.rdb.XAdd(ctx, &redis.XAddArgs{Stream: dlq, Values: values}).Err(); err != nil {
			logger.Error("failed to dead-letter message", zap.String("message_id", id), zap.Error(err))
			return
		}
	}
	if err := s.rdb.XAck(ctx, s.opts.InboundStream, s.opts.Group, id).Err(); err != nil {
		logger.Error("failed to ack dead-lettered message", zap.String("message_id", id), zap.Error(err))
		return
	}
	logger.Warn("inbound message dead-lettered",
		zap.String("message_id", id), zap.String("stream", dlq), zap.Int64("deliveries", deliveries))
}

func toMessage(m redis.XMessage) Message {
	msg := Message{ID: m.ID, Headers: make(map[string]string, len(m.Values))}
	for k, v := range m.Values {
		str := fmt.Sprint(v)
		if k == payloadField {
			msg.Payload = []byte(str)
			continue
		}
		msg.Headers[k] = str
	}
	return msg
}

func (s *RedisStream) Health(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close is a no-op; the redis client is owned by the caller.
func (s *RedisStream) Close() error {
	return nil
}

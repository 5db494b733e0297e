package broker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/corralhq/corral/internal/common/config"
	"github.com/corralhq/corral/internal/common/logger"
)

// RedisBroker implements Broker on Redis streams, keys, and hashes.
type RedisBroker struct {
	rdb        *redis.Client
	logger     *logger.Logger
	maxRetries uint
	backoff    time.Duration
}

// NewRedisBroker connects to Redis using the given configuration.
func NewRedisBroker(cfg config.RedisConfig, log *logger.Logger) (*RedisBroker, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	rdb := redis.NewClient(opts)

	maxRetries := uint(cfg.MaxRetries)
	if maxRetries == 0 {
		maxRetries = 5
	}
	initial := time.Duration(cfg.RetryBackoff) * time.Millisecond
	if initial == 0 {
		initial = 200 * time.Millisecond
	}

	log.Info("redis broker connected", zap.String("url", cfg.URL))

	return &RedisBroker{
		rdb:        rdb,
		logger:     log.WithFields(zap.String("component", "redis-broker")),
		maxRetries: maxRetries,
		backoff:    initial,
	}, nil
}

// retryWrite runs a write operation with bounded exponential backoff.
// Transient connection errors are retried; everything else fails fast.
func retryWrite[T any](ctx context.Context, b *RedisBroker, op func() (T, error)) (T, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = b.backoff

	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && !isTransient(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(b.maxRetries))
}

// isTransient reports whether an error looks like a connection blip worth
// retrying rather than a command rejection.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if err == redis.Nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "i/o timeout") ||
		strings.Contains(msg, "LOADING")
}

// Add appends a payload under the `data` field convention.
func (b *RedisBroker) Add(ctx context.Context, stream string, payload []byte) (string, error) {
	id, err := retryWrite(ctx, b, func() (string, error) {
		return b.rdb.XAdd(ctx, &redis.XAddArgs{
			Stream: stream,
			Values: map[string]interface{}{"data": string(payload)},
		}).Result()
	})
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", stream, err)
	}
	return id, nil
}

// EnsureGroup creates the consumer group, tolerating pre-existing groups.
func (b *RedisBroker) EnsureGroup(ctx context.Context, stream, group string) error {
	err := b.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("xgroup create %s/%s: %w", stream, group, err)
	}
	return nil
}

// ReadGroup block-reads one entry for the consumer.
func (b *RedisBroker) ReadGroup(ctx context.Context, stream, group, consumer string, block time.Duration) (*Message, error) {
	res, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    1,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, ErrNoMessage
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup %s/%s: %w", stream, group, err)
	}

	for _, s := range res {
		for _, entry := range s.Messages {
			payload, err := DecodeEntry(entry.Values)
			if err != nil {
				return nil, fmt.Errorf("decode entry %s: %w", entry.ID, err)
			}
			return &Message{ID: entry.ID, Stream: s.Stream, Payload: payload}, nil
		}
	}
	return nil, ErrNoMessage
}

// ReadPending re-reads the consumer's own pending entries from id 0. With a
// stable consumer name this recovers entries delivered to a previous run of
// the same process.
func (b *RedisBroker) ReadPending(ctx context.Context, stream, group, consumer string) (*Message, error) {
	res, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, "0"},
		Count:    1,
		Block:    -1,
	}).Result()
	if err == redis.Nil {
		return nil, ErrNoMessage
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup pending %s/%s: %w", stream, group, err)
	}

	for _, s := range res {
		for _, entry := range s.Messages {
			payload, err := DecodeEntry(entry.Values)
			if err != nil {
				return nil, fmt.Errorf("decode entry %s: %w", entry.ID, err)
			}
			return &Message{ID: entry.ID, Stream: s.Stream, Payload: payload}, nil
		}
	}
	return nil, ErrNoMessage
}

// GroupLag reports the group's undelivered entry count.
func (b *RedisBroker) GroupLag(ctx context.Context, stream, group string) (int64, error) {
	groups, err := b.rdb.XInfoGroups(ctx, stream).Result()
	if err != nil {
		if strings.Contains(err.Error(), "no such key") {
			return 0, nil
		}
		return 0, fmt.Errorf("xinfo groups %s: %w", stream, err)
	}
	for _, g := range groups {
		if g.Name == group {
			return g.Lag, nil
		}
	}
	return 0, nil
}

// Ack acknowledges an entry for a group.
func (b *RedisBroker) Ack(ctx context.Context, stream, group, id string) error {
	_, err := retryWrite(ctx, b, func() (int64, error) {
		return b.rdb.XAck(ctx, stream, group, id).Result()
	})
	if err != nil {
		return fmt.Errorf("xack %s/%s: %w", stream, group, err)
	}
	return nil
}

// ReadRange reads up to count entries starting at the given id.
func (b *RedisBroker) ReadRange(ctx context.Context, stream, start string, count int64) ([]Message, error) {
	if start == "" {
		start = "-"
	}
	entries, err := b.rdb.XRangeN(ctx, stream, start, "+", count).Result()
	if err != nil {
		return nil, fmt.Errorf("xrange %s: %w", stream, err)
	}

	msgs := make([]Message, 0, len(entries))
	for _, entry := range entries {
		payload, err := DecodeEntry(entry.Values)
		if err != nil {
			return nil, fmt.Errorf("decode entry %s: %w", entry.ID, err)
		}
		msgs = append(msgs, Message{ID: entry.ID, Stream: stream, Payload: payload})
	}
	return msgs, nil
}

// Set stores a value with a TTL.
func (b *RedisBroker) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := retryWrite(ctx, b, func() (string, error) {
		return b.rdb.Set(ctx, key, value, ttl).Result()
	})
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// SetNX stores a value only when absent.
func (b *RedisBroker) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := b.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w", key, err)
	}
	return ok, nil
}

// Get returns the value under a key.
func (b *RedisBroker) Get(ctx context.Context, key string) (string, error) {
	val, err := b.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get %s: %w", key, err)
	}
	return val, nil
}

// Expire refreshes the TTL on a key.
func (b *RedisBroker) Expire(ctx context.Context, key string, ttl time.Duration) error {
	_, err := retryWrite(ctx, b, func() (bool, error) {
		return b.rdb.Expire(ctx, key, ttl).Result()
	})
	if err != nil {
		return fmt.Errorf("expire %s: %w", key, err)
	}
	return nil
}

// Delete removes a key.
func (b *RedisBroker) Delete(ctx context.Context, key string) error {
	if err := b.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("del %s: %w", key, err)
	}
	return nil
}

// HSet writes fields into a hash.
func (b *RedisBroker) HSet(ctx context.Context, key string, fields map[string]string) error {
	args := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		args[k] = v
	}
	_, err := retryWrite(ctx, b, func() (int64, error) {
		return b.rdb.HSet(ctx, key, args).Result()
	})
	if err != nil {
		return fmt.Errorf("hset %s: %w", key, err)
	}
	return nil
}

// HGetAll returns all fields of a hash.
func (b *RedisBroker) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	fields, err := b.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", key, err)
	}
	return fields, nil
}

// Ping verifies connectivity.
func (b *RedisBroker) Ping(ctx context.Context) error {
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close releases the connection.
func (b *RedisBroker) Close() error {
	b.logger.Debug("closing redis broker")
	return b.rdb.Close()
}

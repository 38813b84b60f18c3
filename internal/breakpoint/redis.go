package breakpoint

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Hash fields of a Redis breakpoint.
const (
	fieldState   = "state_json"
	fieldCreated = "created_at_ms"
	fieldUpdated = "updated_at_ms"
)

// RedisStore keeps each breakpoint in a hash at {prefix}:{kind}:{client},
// so several orchestrator processes can share tour progress.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore wraps client. A positive ttl expires idle breakpoints.
func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "docent:breakpoint"
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) key(kind, clientID string) string {
	return s.prefix + ":" + kind + ":" + clientID
}

// Ping implements [Store].
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Upsert implements [Store]. The creation time is set only on first
// write; both writes happen in one MULTI/EXEC.
func (s *RedisStore) Upsert(ctx context.Context, kind, clientID string, state any, nowMs int64) error {
	if err := validateKey(kind, clientID); err != nil {
		return err
	}
	data, err := encodeState(state)
	if err != nil {
		return err
	}
	key := s.key(kind, clientID)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSetNX(ctx, key, fieldCreated, nowMs)
		pipe.HSet(ctx, key, fieldState, data, fieldUpdated, nowMs)
		if s.ttl > 0 {
			pipe.Expire(ctx, key, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("upsert %s/%s: %w", kind, clientID, err)
	}
	return nil
}

// Get implements [Store].
func (s *RedisStore) Get(ctx context.Context, kind, clientID string) (*Record, error) {
	if err := validateKey(kind, clientID); err != nil {
		return nil, err
	}
	vals, err := s.client.HGetAll(ctx, s.key(kind, clientID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get %s/%s: %w", kind, clientID, err)
	}
	data, ok := vals[fieldState]
	if !ok {
		return nil, nil
	}
	created, _ := strconv.ParseInt(vals[fieldCreated], 10, 64)
	updated, _ := strconv.ParseInt(vals[fieldUpdated], 10, 64)
	return &Record{
		Kind:        kind,
		ClientID:    clientID,
		State:       []byte(data),
		CreatedAtMs: created,
		UpdatedAtMs: updated,
	}, nil
}

// Clear implements [Store].
func (s *RedisStore) Clear(ctx context.Context, kind, clientID string) (bool, error) {
	if err := validateKey(kind, clientID); err != nil {
		return false, err
	}
	n, err := s.client.Del(ctx, s.key(kind, clientID)).Result()
	if err != nil {
		return false, fmt.Errorf("clear %s/%s: %w", kind, clientID, err)
	}
	return n > 0, nil
}

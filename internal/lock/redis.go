package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix = "pipeline_lock"
	// optimistic transaction attempts before giving up on a contended key
	maxWatchAttempts = 5
)

// RedisStore keeps lock documents in Redis, one key per (tenant, pipeline),
// using WATCH/MULTI for the read-modify-write. Keys also carry a native
// TTL so abandoned documents are reclaimed by Redis.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore creates a store on an existing client
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, prefix: redisKeyPrefix}
}

// NewRedisClient builds a client and verifies connectivity
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return client, nil
}

func (s *RedisStore) key(tenantID, pipelineID string) string {
	return s.prefix + ":" + tenantID + ":" + pipelineID
}

func (s *RedisStore) Acquire(ctx context.Context, candidate Lock, now time.Time) (bool, *Lock, error) {
	key := s.key(candidate.TenantID, candidate.PipelineID)
	doc, err := json.Marshal(candidate)
	if err != nil {
		return false, nil, fmt.Errorf("failed to encode lock: %w", err)
	}
	ttl := candidate.ExpiresAt.Sub(now)
	if ttl <= 0 {
		ttl = time.Millisecond
	}

	var (
		granted  bool
		existing *Lock
	)
	txf := func(tx *redis.Tx) error {
		granted, existing = false, nil

		current, err := readLock(ctx, tx, key)
		if err != nil {
			return err
		}
		if current != nil && !current.Expired(now) {
			existing = current
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, doc, ttl)
			return nil
		})
		if err == nil {
			granted = true
		}
		return err
	}

	if err := s.watch(ctx, txf, key); err != nil {
		return false, nil, err
	}
	return granted, existing, nil
}

func (s *RedisStore) Release(ctx context.Context, tenantID, pipelineID, executionID string) (bool, error) {
	key := s.key(tenantID, pipelineID)

	var released bool
	txf := func(tx *redis.Tx) error {
		released = false

		current, err := readLock(ctx, tx, key)
		if err != nil {
			return err
		}
		if current == nil || current.ExecutionID != executionID {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		if err == nil {
			released = true
		}
		return err
	}

	if err := s.watch(ctx, txf, key); err != nil {
		return false, err
	}
	return released, nil
}

func (s *RedisStore) Get(ctx context.Context, tenantID, pipelineID string, now time.Time) (*Lock, error) {
	key := s.key(tenantID, pipelineID)

	var live *Lock
	txf := func(tx *redis.Tx) error {
		live = nil

		current, err := readLock(ctx, tx, key)
		if err != nil || current == nil {
			return err
		}
		if !current.Expired(now) {
			live = current
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		return err
	}

	if err := s.watch(ctx, txf, key); err != nil {
		return nil, err
	}
	return live, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// watch runs txf under WATCH, retrying when another client touched the key
func (s *RedisStore) watch(ctx context.Context, txf func(*redis.Tx) error, key string) error {
	for attempt := 0; attempt < maxWatchAttempts; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return fmt.Errorf("redis lock transaction on %s: %w", key, err)
		}
		return nil
	}
	return fmt.Errorf("redis lock transaction on %s: %w", key, redis.TxFailedErr)
}

func readLock(ctx context.Context, tx *redis.Tx, key string) (*Lock, error) {
	raw, err := tx.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var l Lock
	if err := json.Unmarshal(raw, &l); err != nil {
		// unreadable documents are treated as expired and overwritten
		return &Lock{}, nil
	}
	return &l, nil
}

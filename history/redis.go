package history

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
	"github.com/tootbot/tootbot/common"
	"github.com/tootbot/tootbot/encoding"
)

const redisScanCount = 500

// RedisStore keeps history as fields of one Redis hash: id -> msgpack(Record)
type RedisStore struct {
	client *redis.Client
	key    string
	closed atomic.Bool
}

// OpenRedis connects to url and verifies the server is reachable
func OpenRedis(ctx context.Context, url, key string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, &common.ConfigError{Field: "history.redis_url", Reason: err.Error()}
	}
	if key == "" {
		key = "tootbot:history"
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to reach redis: %w", err)
	}

	return &RedisStore{client: client, key: key}, nil
}

func (s *RedisStore) scan(ctx context.Context, fn func(id string)) error {
	var cursor uint64
	for {
		kvs, next, err := s.client.HScan(ctx, s.key, cursor, "*", redisScanCount).Result()
		if err != nil {
			return err
		}

		for i := 0; i+1 < len(kvs); i += 2 {
			var rec common.Record
			if err := encoding.Unmarshal([]byte(kvs[i+1]), &rec); err != nil {
				return &common.StoreCorruptError{Path: s.key, Err: fmt.Errorf("field %q: %w", kvs[i], err)}
			}
			fn(kvs[i])
		}

		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// Contains reports whether id has been recorded
func (s *RedisStore) Contains(ctx context.Context, id string) (bool, error) {
	if s.closed.Load() {
		return false, ErrClosed
	}
	return s.client.HExists(ctx, s.key, id).Result()
}

// Append stores rec with HSETNX, so a known ID is left untouched
func (s *RedisStore) Append(ctx context.Context, rec common.Record) error {
	if err := validateID(rec.ID); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}

	val, err := encoding.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("failed to marshal history record: %w", err)
	}

	if err := s.client.HSetNX(ctx, s.key, rec.ID, val).Err(); err != nil {
		return fmt.Errorf("failed to write history record: %w", err)
	}
	return nil
}

// Len returns the number of recorded IDs, or 0 if Redis is unreachable
func (s *RedisStore) Len() int {
	n, err := s.client.HLen(context.Background(), s.key).Result()
	if err != nil {
		return 0
	}
	return int(n)
}

// Close closes the client
func (s *RedisStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.client.Close()
}

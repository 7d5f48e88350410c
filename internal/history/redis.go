package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	redisRecordPrefix = "callpilot:call:"
	redisIndexKey     = "callpilot:calls"
)

// RedisStore keeps each record as a JSON string plus a sorted-set index scored by
// end time.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// OpenRedis connects to url and verifies the connection. ttl <= 0 keeps records forever.
func OpenRedis(ctx context.Context, url string, ttl time.Duration) (*RedisStore, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisStore(rdb, ttl), nil
}

func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func (s *RedisStore) Save(ctx context.Context, r Record) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	ttl := s.ttl
	if ttl < 0 {
		ttl = 0
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, redisRecordPrefix+r.CallID, b, ttl)
	pipe.ZAdd(ctx, redisIndexKey, &redis.Z{Score: float64(r.EndedAt.UnixMilli()), Member: r.CallID})
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Get(ctx context.Context, callID string) (Record, error) {
	b, err := s.rdb.Get(ctx, redisRecordPrefix+callID).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	var r Record
	if err := json.Unmarshal(b, &r); err != nil {
		return Record{}, fmt.Errorf("decode call %s: %w", callID, err)
	}
	return r, nil
}

// List skips index entries whose record has expired and prunes them from the index.
func (s *RedisStore) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	ids, err := s.rdb.ZRevRange(ctx, redisIndexKey, 0, int64(limit)-1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = redisRecordPrefix + id
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(vals))
	var stale []any
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var r Record
		if err := json.Unmarshal([]byte(str), &r); err != nil {
			return nil, fmt.Errorf("decode call %s: %w", ids[i], err)
		}
		out = append(out, r)
	}
	if len(stale) > 0 {
		s.rdb.ZRem(ctx, redisIndexKey, stale...)
	}
	return out, nil
}

func (s *RedisStore) Close() error { return s.rdb.Close() }

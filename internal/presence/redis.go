package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	playerKeyPrefix = "presence:player:"
	serverKeyPrefix = "presence:server:"
)

// RedisStore is the multi-node presence implementation: each entry is a
// JSON blob under a TTL-expiring key, scanned by prefix for
// List/LiveServers.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore wraps an existing go-redis client.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Upsert(ctx context.Context, entry Entry, ttl time.Duration) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("presence: marshal entry %s: %w", entry.PlayerID, err)
	}
	return s.rdb.Set(ctx, playerKeyPrefix+entry.PlayerID, data, ttl).Err()
}

func (s *RedisStore) Remove(ctx context.Context, playerID string) error {
	return s.rdb.Del(ctx, playerKeyPrefix+playerID).Err()
}

func (s *RedisStore) Get(ctx context.Context, playerID string) (Entry, bool, error) {
	raw, err := s.rdb.Get(ctx, playerKeyPrefix+playerID).Bytes()
	if err == redis.Nil {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("presence: get %s: %w", playerID, err)
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("presence: unmarshal %s: %w", playerID, err)
	}
	return entry, true, nil
}

func (s *RedisStore) List(ctx context.Context) ([]Entry, error) {
	keys, err := s.scanKeys(ctx, playerKeyPrefix+"*")
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("presence: mget: %w", err)
	}
	out := make([]Entry, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue // expired between SCAN and MGET
		}
		var entry Entry
		if err := json.Unmarshal([]byte(str), &entry); err != nil {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

func (s *RedisStore) HeartbeatServer(ctx context.Context, serverID string, ttl time.Duration) error {
	return s.rdb.Set(ctx, serverKeyPrefix+serverID, time.Now().UTC().Format(time.RFC3339), ttl).Err()
}

func (s *RedisStore) LiveServers(ctx context.Context) ([]string, error) {
	keys, err := s.scanKeys(ctx, serverKeyPrefix+"*")
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k[len(serverKeyPrefix):])
	}
	return out, nil
}

func (s *RedisStore) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.rdb.Scan(ctx, 0, pattern, 200).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("presence: scan %s: %w", pattern, err)
	}
	return keys, nil
}

package challengestore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	metaKeyPrefix = "challenge:meta:"
	lockKeyPrefix = "challenge:lock:"
	historyKey    = "challenge:history"
	historyCap    = 300
)

// releaseScript deletes a lock key only if its value belongs to the
// given challenge, the idiomatic Go-Redis way to get atomic
// check-and-delete without a client-side race. Matching on the
// challengeId prefix rather than the full <challengeId>:<ownerServerId>
// value keeps release cross-node safe: the sweeper reclaiming a dead
// node's challenge can release locks that node wrote.
var releaseScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if v and string.sub(v, 1, string.len(ARGV[1]) + 1) == ARGV[1] .. ":" then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// RedisStore is the multi-node challenge metadata/lock store.
type RedisStore struct {
	rdb           *redis.Client
	ownerServerID string
}

// NewRedisStore wraps an existing go-redis client. ownerServerID stamps
// RegisterChallenge and lock values.
func NewRedisStore(rdb *redis.Client, ownerServerID string) *RedisStore {
	return &RedisStore{rdb: rdb, ownerServerID: ownerServerID}
}

func metaKey(id string) string { return metaKeyPrefix + id }
func lockKey(id string) string { return lockKeyPrefix + id }

func (s *RedisStore) RegisterChallenge(ctx context.Context, meta Meta) error {
	meta.OwnerServerID = s.ownerServerID
	meta.UpdatedAt = time.Now()
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("challengestore: marshal meta %s: %w", meta.ID, err)
	}
	return s.rdb.Set(ctx, metaKey(meta.ID), data, 0).Err()
}

func (s *RedisStore) UpdateStatus(ctx context.Context, id, status, jsonBody string) error {
	meta, ok, err := s.GetMeta(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	meta.Status = status
	if jsonBody != "" {
		meta.JSON = jsonBody
	}
	meta.UpdatedAt = time.Now()
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("challengestore: marshal meta %s: %w", id, err)
	}
	return s.rdb.Set(ctx, metaKey(id), data, 0).Err()
}

func (s *RedisStore) GetOwnerServerID(ctx context.Context, id string) (string, bool, error) {
	meta, ok, err := s.GetMeta(ctx, id)
	if err != nil || !ok {
		return "", ok, err
	}
	return meta.OwnerServerID, true, nil
}

func (s *RedisStore) GetMeta(ctx context.Context, id string) (Meta, bool, error) {
	raw, err := s.rdb.Get(ctx, metaKey(id)).Bytes()
	if err == redis.Nil {
		return Meta{}, false, nil
	}
	if err != nil {
		return Meta{}, false, fmt.Errorf("challengestore: get meta %s: %w", id, err)
	}
	var meta Meta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return Meta{}, false, fmt.Errorf("challengestore: unmarshal meta %s: %w", id, err)
	}
	return meta, true, nil
}

func (s *RedisStore) ListMetas(ctx context.Context) ([]Meta, error) {
	var keys []string
	iter := s.rdb.Scan(ctx, 0, metaKeyPrefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("challengestore: scan metas: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("challengestore: mget metas: %w", err)
	}
	out := make([]Meta, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var meta Meta
		if err := json.Unmarshal([]byte(str), &meta); err != nil {
			continue
		}
		out = append(out, meta)
	}
	return out, nil
}

func (s *RedisStore) TryLockPlayers(ctx context.Context, challengeID string, playerIDs []string, ttl time.Duration) (LockResult, error) {
	value := challengeID + ":" + s.ownerServerID
	acquired := make([]string, 0, len(playerIDs))

	for _, id := range playerIDs {
		ok, err := s.rdb.SetNX(ctx, lockKey(id), value, ttl).Result()
		if err != nil {
			s.releaseAcquired(ctx, acquired, challengeID)
			return LockResult{}, fmt.Errorf("challengestore: lock %s: %w", id, err)
		}
		if !ok {
			s.releaseAcquired(ctx, acquired, challengeID)
			return LockResult{OK: false, Reason: "player_busy"}, nil
		}
		acquired = append(acquired, id)
	}
	return LockResult{OK: true}, nil
}

func (s *RedisStore) releaseAcquired(ctx context.Context, playerIDs []string, challengeID string) {
	for _, id := range playerIDs {
		releaseScript.Run(ctx, s.rdb, []string{lockKey(id)}, challengeID)
	}
}

func (s *RedisStore) ReleasePlayers(ctx context.Context, challengeID string, playerIDs []string) error {
	for _, id := range playerIDs {
		if err := releaseScript.Run(ctx, s.rdb, []string{lockKey(id)}, challengeID).Err(); err != nil && err != redis.Nil {
			return fmt.Errorf("challengestore: release %s: %w", id, err)
		}
	}
	return nil
}

func (s *RedisStore) AppendHistory(ctx context.Context, entry HistoryEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("challengestore: marshal history entry: %w", err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.LPush(ctx, historyKey, data)
	pipe.LTrim(ctx, historyKey, 0, historyCap-1)
	if _, err := pipe.Exec(ctx); err != nil {
		// Tolerant to type-mismatch (e.g. key created by an older schema):
		// clear and retry once.
		if delErr := s.rdb.Del(ctx, historyKey).Err(); delErr != nil {
			return fmt.Errorf("challengestore: append history: %w (and clear-retry failed: %v)", err, delErr)
		}
		return s.rdb.LPush(ctx, historyKey, data).Err()
	}
	return nil
}

func (s *RedisStore) RecentHistory(ctx context.Context, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = historyCap
	}
	raws, err := s.rdb.LRange(ctx, historyKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("challengestore: recent history: %w", err)
	}
	out := make([]HistoryEntry, 0, len(raws))
	for _, raw := range raws {
		var entry HistoryEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

func (s *RedisStore) Clear(ctx context.Context, id string) error {
	return s.rdb.Del(ctx, metaKey(id)).Err()
}

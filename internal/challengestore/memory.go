package challengestore

import (
	"context"
	"strings"
	"sync"
	"time"
)

type lockItem struct {
	value  string
	expiry time.Time
}

// MemoryStore is the single-node fallback mirroring Store's behavior
// entirely in-process.
type MemoryStore struct {
	mu      sync.Mutex
	metas   map[string]Meta
	locks   map[string]lockItem
	history []HistoryEntry

	ownerServerID string
	historyCap    int
}

// NewMemoryStore constructs an empty in-process challenge store.
// ownerServerID is stamped onto every RegisterChallenge call and used to
// build lock values.
func NewMemoryStore(ownerServerID string) *MemoryStore {
	return &MemoryStore{
		metas:         make(map[string]Meta),
		locks:         make(map[string]lockItem),
		ownerServerID: ownerServerID,
		historyCap:    300,
	}
}

func (m *MemoryStore) RegisterChallenge(_ context.Context, meta Meta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta.OwnerServerID = m.ownerServerID
	meta.UpdatedAt = time.Now()
	m.metas[meta.ID] = meta
	return nil
}

func (m *MemoryStore) UpdateStatus(_ context.Context, id, status, json string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta, ok := m.metas[id]
	if !ok {
		return nil
	}
	meta.Status = status
	if json != "" {
		meta.JSON = json
	}
	meta.UpdatedAt = time.Now()
	m.metas[id] = meta
	return nil
}

func (m *MemoryStore) GetOwnerServerID(_ context.Context, id string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta, ok := m.metas[id]
	if !ok {
		return "", false, nil
	}
	return meta.OwnerServerID, true, nil
}

func (m *MemoryStore) GetMeta(_ context.Context, id string) (Meta, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta, ok := m.metas[id]
	return meta, ok, nil
}

func (m *MemoryStore) ListMetas(_ context.Context) ([]Meta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Meta, 0, len(m.metas))
	for _, meta := range m.metas {
		out = append(out, meta)
	}
	return out, nil
}

func lockValue(challengeID, ownerServerID string) string {
	return challengeID + ":" + ownerServerID
}

func (m *MemoryStore) TryLockPlayers(_ context.Context, challengeID string, playerIDs []string, ttl time.Duration) (LockResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	acquired := make([]string, 0, len(playerIDs))
	value := lockValue(challengeID, m.ownerServerID)

	for _, id := range playerIDs {
		if existing, ok := m.locks[id]; ok && now.Before(existing.expiry) {
			for _, a := range acquired {
				delete(m.locks, a)
			}
			return LockResult{OK: false, Reason: "player_busy"}, nil
		}
		m.locks[id] = lockItem{value: value, expiry: now.Add(ttl)}
		acquired = append(acquired, id)
	}
	return LockResult{OK: true}, nil
}

// ReleasePlayers deletes only locks belonging to challengeID, matching
// on the challengeId prefix so a lock written by another (possibly dead)
// node can still be released.
func (m *MemoryStore) ReleasePlayers(_ context.Context, challengeID string, playerIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := challengeID + ":"
	for _, id := range playerIDs {
		if existing, ok := m.locks[id]; ok && strings.HasPrefix(existing.value, prefix) {
			delete(m.locks, id)
		}
	}
	return nil
}

func (m *MemoryStore) AppendHistory(_ context.Context, entry HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, entry)
	if len(m.history) > m.historyCap {
		m.history = m.history[len(m.history)-m.historyCap:]
	}
	return nil
}

func (m *MemoryStore) RecentHistory(_ context.Context, limit int) ([]HistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > len(m.history) {
		limit = len(m.history)
	}
	out := make([]HistoryEntry, limit)
	copy(out, m.history[len(m.history)-limit:])
	return out, nil
}

func (m *MemoryStore) Clear(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.metas, id)
	return nil
}

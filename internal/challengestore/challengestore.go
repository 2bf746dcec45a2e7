// Package challengestore implements the distributed challenge store:
// per-challenge ownership metadata, per-player distributed locks with TTL,
// and a bounded history ring, backed by Redis with an in-memory fallback
// for single-node mode.
package challengestore

import (
	"context"
	"time"
)

// Meta is the ownership/status record for one in-flight challenge.
type Meta struct {
	ID            string
	Challenger    string
	Opponent      string
	Status        string
	JSON          string
	OwnerServerID string
	UpdatedAt     time.Time
}

// LockResult is the outcome of TryLockPlayers.
type LockResult struct {
	OK     bool
	Reason string // "player_busy" when OK is false
}

// HistoryEntry is one record in the bounded history ring.
type HistoryEntry struct {
	ChallengeID string
	JSON        string
	At          time.Time
}

// Store is the distributed challenge metadata/lock abstraction. All
// operations are best-effort-retryable; callers treat transport failures
// as soft and log them rather than failing a tick.
type Store interface {
	RegisterChallenge(ctx context.Context, meta Meta) error
	UpdateStatus(ctx context.Context, id, status, json string) error
	GetOwnerServerID(ctx context.Context, id string) (string, bool, error)
	GetMeta(ctx context.Context, id string) (Meta, bool, error)
	ListMetas(ctx context.Context) ([]Meta, error)
	TryLockPlayers(ctx context.Context, challengeID string, playerIDs []string, ttl time.Duration) (LockResult, error)
	ReleasePlayers(ctx context.Context, challengeID string, playerIDs []string) error
	AppendHistory(ctx context.Context, entry HistoryEntry) error
	RecentHistory(ctx context.Context, limit int) ([]HistoryEntry, error)
	Clear(ctx context.Context, id string) error
}

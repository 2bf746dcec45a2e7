// Package presence implements the distributed presence store: a KV
// abstraction with TTL and key-pattern scan, Redis-backed with an
// in-process fallback for single-node mode.
package presence

import (
	"context"
	"time"
)

// Entry is the distributed presence record for one player: playerId,
// role, displayName, walletId, position, yaw, speed, updatedAt, and the
// owning server's id.
type Entry struct {
	PlayerID      string    `json:"playerId"`
	Role          string    `json:"role"`
	DisplayName   string    `json:"displayName"`
	WalletID      string    `json:"walletId"`
	X             float64   `json:"x"`
	Y             float64   `json:"y"`
	Z             float64   `json:"z"`
	Yaw           float64   `json:"yaw"`
	Speed         float64   `json:"speed"`
	UpdatedAt     time.Time `json:"updatedAt"`
	OwnerServerID string    `json:"ownerServerId"`
}

// Store is the async, best-effort presence abstraction. Every method may
// fail; callers are expected to log and continue rather than treat a
// presence-store error as fatal to a tick.
type Store interface {
	Upsert(ctx context.Context, entry Entry, ttl time.Duration) error
	Remove(ctx context.Context, playerID string) error
	Get(ctx context.Context, playerID string) (Entry, bool, error)
	List(ctx context.Context) ([]Entry, error)
	HeartbeatServer(ctx context.Context, serverID string, ttl time.Duration) error
	LiveServers(ctx context.Context) ([]string, error)
}

// Package storage implements the relational persistence layer: append-only
// escrow events, challenges, players, and an audit log, written with pgx
// against Postgres. Write-mostly and never read on the hot tick path:
// marshal, write, log on failure, never block the caller on a retry.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ChallengeRow mirrors the challenges table.
type ChallengeRow struct {
	ID         string
	Challenger string
	Opponent   string
	GameType   string
	Wager      int64
	Status     string
	WinnerID   string
	CreatedAt  time.Time
	ResolvedAt *time.Time
}

// EscrowEventRow mirrors the escrow_events table.
type EscrowEventRow struct {
	ChallengeID string
	Phase       string
	OK          bool
	Reason      string
	TxHash      string
	Fee         int64
	Payout      int64
	CreatedAt   time.Time
}

// PlayerRow mirrors the players table.
type PlayerRow struct {
	ID          string
	DisplayName string
	Role        string
	WalletID    string
	Wins        int64
	Losses      int64
}

// Store wraps a pgx connection pool with the write paths the game server
// needs. All methods are best-effort from the caller's perspective: a
// failure is logged and treated as soft, never fatal to a session.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to databaseURL and pings it. It does not check the schema
// or run migrations; that is an external, periodic concern.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("storage: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the pool.
func (s *Store) Close() { s.pool.Close() }

// UpsertChallenge writes or updates a challenge row.
func (s *Store) UpsertChallenge(ctx context.Context, row ChallengeRow) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO challenges (id, challenger, opponent, game_type, wager, status, winner_id, created_at, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			winner_id = EXCLUDED.winner_id,
			resolved_at = EXCLUDED.resolved_at
	`, row.ID, row.Challenger, row.Opponent, row.GameType, row.Wager, row.Status, row.WinnerID, row.CreatedAt, row.ResolvedAt)
	if err != nil {
		return fmt.Errorf("storage: upsert challenge %s: %w", row.ID, err)
	}
	return nil
}

// AppendEscrowEvent inserts an append-only escrow event row.
func (s *Store) AppendEscrowEvent(ctx context.Context, row EscrowEventRow) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO escrow_events (challenge_id, phase, ok, reason, tx_hash, fee, payout, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, row.ChallengeID, row.Phase, row.OK, row.Reason, row.TxHash, row.Fee, row.Payout, row.CreatedAt)
	if err != nil {
		return fmt.Errorf("storage: append escrow event for %s: %w", row.ChallengeID, err)
	}
	return nil
}

// RecentEscrowEvents returns a player's persisted escrow event log, for
// GET /escrow/events/recent.
func (s *Store) RecentEscrowEvents(ctx context.Context, playerID string, limit int) ([]EscrowEventRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT e.challenge_id, e.phase, e.ok, e.reason, e.tx_hash, e.fee, e.payout, e.created_at
		FROM escrow_events e
		JOIN challenges c ON c.id = e.challenge_id
		WHERE c.challenger = $1 OR c.opponent = $1
		ORDER BY e.created_at DESC
		LIMIT $2
	`, playerID, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: recent escrow events for %s: %w", playerID, err)
	}
	defer rows.Close()

	var out []EscrowEventRow
	for rows.Next() {
		var r EscrowEventRow
		if err := rows.Scan(&r.ChallengeID, &r.Phase, &r.OK, &r.Reason, &r.TxHash, &r.Fee, &r.Payout, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan escrow event: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpsertPlayer writes or updates a player's profile row.
func (s *Store) UpsertPlayer(ctx context.Context, row PlayerRow) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO players (id, display_name, role, wallet_id, wins, losses)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			wallet_id = EXCLUDED.wallet_id,
			wins = EXCLUDED.wins,
			losses = EXCLUDED.losses
	`, row.ID, row.DisplayName, row.Role, row.WalletID, row.Wins, row.Losses)
	if err != nil {
		return fmt.Errorf("storage: upsert player %s: %w", row.ID, err)
	}
	return nil
}

// Leaderboard returns the top players by win count, for GET /leaderboard.
func (s *Store) Leaderboard(ctx context.Context, limit int) ([]PlayerRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, display_name, role, wallet_id, wins, losses
		FROM players
		ORDER BY wins DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: leaderboard: %w", err)
	}
	defer rows.Close()

	var out []PlayerRow
	for rows.Next() {
		var r PlayerRow
		if err := rows.Scan(&r.ID, &r.DisplayName, &r.Role, &r.WalletID, &r.Wins, &r.Losses); err != nil {
			return nil, fmt.Errorf("storage: scan player: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AppendAuditLog writes a free-form audit trail entry (admin actions,
// escrow anomalies).
func (s *Store) AppendAuditLog(ctx context.Context, actor, action, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_log (actor, action, detail, created_at)
		VALUES ($1, $2, $3, $4)
	`, actor, action, detail, time.Now())
	if err != nil {
		return fmt.Errorf("storage: append audit log: %w", err)
	}
	return nil
}

// CheckRateLimit implements a simple fixed-window counter against the
// rate_limits table (admin/teleport abuse guard); never on the hot tick
// path.
func (s *Store) CheckRateLimit(ctx context.Context, key string, windowSeconds int, max int) (bool, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		INSERT INTO rate_limits (key, window_start, count)
		VALUES ($1, date_trunc('second', now()), 1)
		ON CONFLICT (key) DO UPDATE SET
			window_start = CASE WHEN rate_limits.window_start <= now() - $2::int * interval '1 second'
				THEN EXCLUDED.window_start ELSE rate_limits.window_start END,
			count = CASE WHEN rate_limits.window_start <= now() - $2::int * interval '1 second'
				THEN 1 ELSE rate_limits.count + 1 END
		RETURNING count
	`, key, windowSeconds).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("storage: rate limit check for %s: %w", key, err)
	}
	return count <= max, nil
}

// Package sweeper implements a periodic task that reclaims challenges
// whose owner node has disappeared without resolving them: its own timer,
// best-effort, log and continue on any single failure.
package sweeper

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/wildspark/arena-server/internal/bus"
	"github.com/wildspark/arena-server/internal/challengestore"
	"github.com/wildspark/arena-server/internal/presence"
)

// orphanableStatuses are the challenge metadata statuses eligible for
// failover reclaim.
var orphanableStatuses = map[string]bool{
	"created":        true,
	"accepted":       true,
	"pending":        true,
	"active":         true,
	"move_submitted": true,
}

const sweepInterval = 3 * time.Second

// Sweeper periodically reclaims orphaned challenges.
type Sweeper struct {
	presence    presence.Store
	challenges  challengestore.Store
	bus         bus.Bus
	orphanGrace time.Duration
	log         zerolog.Logger
}

// New constructs a Sweeper.
func New(presenceStore presence.Store, challengeStore challengestore.Store, b bus.Bus, orphanGrace time.Duration, log zerolog.Logger) *Sweeper {
	return &Sweeper{
		presence:    presenceStore,
		challenges:  challengeStore,
		bus:         b,
		orphanGrace: orphanGrace,
		log:         log,
	}
}

// Run blocks, sweeping on sweepInterval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	liveServers, err := s.presence.LiveServers(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("sweeper: failed to read live servers, skipping this pass")
		return
	}
	live := make(map[string]bool, len(liveServers))
	for _, id := range liveServers {
		live[id] = true
	}

	metas, err := s.challenges.ListMetas(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("sweeper: failed to list challenge metas, skipping this pass")
		return
	}

	now := time.Now()
	for _, meta := range metas {
		if !orphanableStatuses[meta.Status] {
			continue
		}
		if live[meta.OwnerServerID] {
			continue
		}
		if now.Sub(meta.UpdatedAt) < s.orphanGrace {
			continue
		}
		s.reclaim(ctx, meta)
	}
}

func (s *Sweeper) reclaim(ctx context.Context, meta challengestore.Meta) {
	if err := s.challenges.UpdateStatus(ctx, meta.ID, "expired", ""); err != nil {
		s.log.Warn().Err(err).Str("challengeId", meta.ID).Msg("sweeper: failed to mark challenge expired")
	}
	if err := s.challenges.AppendHistory(ctx, challengestore.HistoryEntry{
		ChallengeID: meta.ID,
		JSON:        `{"event":"expired","reason":"owner_failover_expired"}`,
		At:          time.Now(),
	}); err != nil {
		s.log.Warn().Err(err).Str("challengeId", meta.ID).Msg("sweeper: failed to append history")
	}
	if err := s.challenges.ReleasePlayers(ctx, meta.ID, []string{meta.Challenger, meta.Opponent}); err != nil {
		s.log.Warn().Err(err).Str("challengeId", meta.ID).Msg("sweeper: failed to release player locks")
	}
	if err := s.challenges.Clear(ctx, meta.ID); err != nil {
		s.log.Warn().Err(err).Str("challengeId", meta.ID).Msg("sweeper: failed to clear meta")
	}

	for _, playerID := range []string{meta.Challenger, meta.Opponent} {
		if playerID == "" {
			continue
		}
		if err := s.bus.PublishPlayerDirect(ctx, bus.PlayerDirectMessage{
			PlayerID: playerID,
			Payload:  []byte(`{"type":"challenge","event":"expired","reason":"owner_failover_expired","challengeId":"` + meta.ID + `"}`),
		}); err != nil {
			s.log.Warn().Err(err).Str("challengeId", meta.ID).Msg("sweeper: failed to publish expired event")
		}
	}
}

package sweeper

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/wildspark/arena-server/internal/bus"
	"github.com/wildspark/arena-server/internal/challengestore"
	"github.com/wildspark/arena-server/internal/presence"
)

func TestSweepOnceReclaimsOrphanedChallenge(t *testing.T) {
	ctx := context.Background()
	pres := presence.NewMemoryStore()
	store := challengestore.NewMemoryStore("deadnode")
	b := bus.NewLocalBus()

	var delivered []bus.PlayerDirectMessage
	b.SubscribePlayerDirect(func(m bus.PlayerDirectMessage) { delivered = append(delivered, m) })

	store.RegisterChallenge(ctx, challengestore.Meta{
		ID: "c1", Challenger: "a", Opponent: "b", Status: "active",
	})
	// liveServers is empty -> deadnode is not live; UpdatedAt was just set
	// to now by RegisterChallenge, so a zero grace window makes the
	// challenge eligible for reclaim immediately.

	s := New(pres, store, b, 0, zerolog.Nop())
	s.sweepOnce(ctx)

	meta, ok, _ := store.GetMeta(ctx, "c1")
	_ = meta
	if ok {
		t.Fatalf("expected meta cleared after reclaim")
	}
	if len(delivered) != 2 {
		t.Fatalf("expected expired events delivered to both participants, got %d", len(delivered))
	}
}

func TestSweepOnceSkipsChallengeOwnedByLiveServer(t *testing.T) {
	ctx := context.Background()
	pres := presence.NewMemoryStore()
	pres.HeartbeatServer(ctx, "node0", time.Minute)
	store := challengestore.NewMemoryStore("node0")
	b := bus.NewLocalBus()

	store.RegisterChallenge(ctx, challengestore.Meta{
		ID: "c1", Challenger: "a", Opponent: "b", Status: "active",
	})

	s := New(pres, store, b, 0, zerolog.Nop())
	s.sweepOnce(ctx)

	_, ok, _ := store.GetMeta(ctx, "c1")
	if !ok {
		t.Fatalf("expected meta to survive since owner node is live")
	}
}

func TestSweepOnceSkipsWithinGracePeriod(t *testing.T) {
	ctx := context.Background()
	pres := presence.NewMemoryStore()
	store := challengestore.NewMemoryStore("deadnode")
	b := bus.NewLocalBus()

	store.RegisterChallenge(ctx, challengestore.Meta{
		ID: "c1", Challenger: "a", Opponent: "b", Status: "active",
	})

	s := New(pres, store, b, time.Hour, zerolog.Nop())
	s.sweepOnce(ctx)

	_, ok, _ := store.GetMeta(ctx, "c1")
	if !ok {
		t.Fatalf("expected meta to survive within the grace period")
	}
}

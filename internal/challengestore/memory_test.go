package challengestore

import (
	"context"
	"testing"
	"time"
)

func TestTryLockPlayersAtomicFailureReleasesAll(t *testing.T) {
	s := NewMemoryStore("node0")
	ctx := context.Background()

	if _, err := s.TryLockPlayers(ctx, "c1", []string{"a"}, time.Minute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// c2 tries to lock a (already held) and b: must fail and release b too.
	res, err := s.TryLockPlayers(ctx, "c2", []string{"b", "a"}, time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.OK || res.Reason != "player_busy" {
		t.Fatalf("expected player_busy, got %+v", res)
	}

	// b must have been released since the lock attempt as a whole failed.
	res2, err := s.TryLockPlayers(ctx, "c3", []string{"b"}, time.Minute)
	if err != nil || !res2.OK {
		t.Fatalf("expected b to be free after failed atomic lock, got %+v err=%v", res2, err)
	}
}

func TestReleasePlayersOnlyMatchingChallenge(t *testing.T) {
	s := NewMemoryStore("node0")
	ctx := context.Background()
	s.TryLockPlayers(ctx, "c1", []string{"a"}, time.Minute)

	// Releasing a different challenge's id must not clear this lock.
	if err := s.ReleasePlayers(ctx, "c2", []string{"a"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	res, _ := s.TryLockPlayers(ctx, "c3", []string{"a"}, time.Minute)
	if res.OK {
		t.Fatalf("expected lock still held since release named a different challenge")
	}

	// Releasing the owning challenge's id clears the lock even from
	// another node (the sweeper reclaiming a dead owner's challenge).
	other := NewMemoryStore("node1")
	other.locks = s.locks // simulate shared backing store
	if err := other.ReleasePlayers(ctx, "c1", []string{"a"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	res2, _ := s.TryLockPlayers(ctx, "c4", []string{"a"}, time.Minute)
	if !res2.OK {
		t.Fatalf("expected lock released by a cross-node release naming the owning challenge")
	}
}

func TestRegisterAndGetMeta(t *testing.T) {
	s := NewMemoryStore("node0")
	ctx := context.Background()
	s.RegisterChallenge(ctx, Meta{ID: "c1", Challenger: "a", Opponent: "b", Status: "pending"})
	meta, ok, err := s.GetMeta(ctx, "c1")
	if err != nil || !ok {
		t.Fatalf("expected meta present, ok=%v err=%v", ok, err)
	}
	if meta.OwnerServerID != "node0" {
		t.Fatalf("expected owner stamped as node0, got %s", meta.OwnerServerID)
	}
}

func TestAppendAndRecentHistoryOrderingAndCap(t *testing.T) {
	s := NewMemoryStore("node0")
	s.historyCap = 3
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		s.AppendHistory(ctx, HistoryEntry{ChallengeID: string(rune('a' + i))})
	}
	recent, err := s.RecentHistory(ctx, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("expected history capped at 3, got %d", len(recent))
	}
	if recent[len(recent)-1].ChallengeID != "e" {
		t.Fatalf("expected most recent entry last, got %+v", recent)
	}
}

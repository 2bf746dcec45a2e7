package presence

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStoreUpsertAndGet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	entry := Entry{PlayerID: "p1", DisplayName: "Alice", X: 1, Z: 2}
	if err := s.Upsert(ctx, entry, time.Minute); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	got, ok, err := s.Get(ctx, "p1")
	if err != nil || !ok {
		t.Fatalf("expected entry present, got ok=%v err=%v", ok, err)
	}
	if got.DisplayName != "Alice" {
		t.Fatalf("expected DisplayName Alice, got %s", got.DisplayName)
	}
}

func TestMemoryStoreRemove(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	s.Upsert(ctx, Entry{PlayerID: "p1"}, time.Minute)
	s.Remove(ctx, "p1")
	_, ok, _ := s.Get(ctx, "p1")
	if ok {
		t.Fatalf("expected entry removed")
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	s.Upsert(ctx, Entry{PlayerID: "p1"}, time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	_, ok, _ := s.Get(ctx, "p1")
	if ok {
		t.Fatalf("expected entry to have expired")
	}
}

func TestMemoryStoreListExcludesExpired(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	s.Upsert(ctx, Entry{PlayerID: "live"}, time.Minute)
	s.Upsert(ctx, Entry{PlayerID: "dead"}, time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	list, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 1 || list[0].PlayerID != "live" {
		t.Fatalf("expected only 'live' entry, got %+v", list)
	}
}

func TestHeartbeatServerAndLiveServers(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	s.HeartbeatServer(ctx, "node0", time.Minute)
	s.HeartbeatServer(ctx, "node1", time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	live, err := s.LiveServers(ctx)
	if err != nil {
		t.Fatalf("LiveServers failed: %v", err)
	}
	if len(live) != 1 || live[0] != "node0" {
		t.Fatalf("expected only node0 live, got %+v", live)
	}
}

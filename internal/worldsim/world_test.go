package worldsim

import (
	"math"
	"testing"

	"github.com/rs/zerolog"
)

func testWorld() *World {
	return New(Config{
		WorldBound:      100,
		MaxSpeed:        50,
		Accel:           200,
		Drag:            4,
		CollisionRadius: 5,
	}, zerolog.Nop())
}

func TestJoinIsIdempotent(t *testing.T) {
	w := testWorld()
	w.Join("p1", nil)
	snap1 := w.Step(1.0 / 20)
	w.Join("p1", nil) // no-op
	snap2 := w.Step(1.0 / 20)
	if len(snap1.Players) != 1 || len(snap2.Players) != 1 {
		t.Fatalf("expected exactly one player, got %d and %d", len(snap1.Players), len(snap2.Players))
	}
}

func TestSetInputUnknownIDIsNoop(t *testing.T) {
	w := testWorld()
	if ok := w.SetInput("ghost", 1, 0); ok {
		t.Fatalf("expected SetInput on unknown id to return false")
	}
}

func TestTeleportUnknownIDIsNoop(t *testing.T) {
	w := testWorld()
	if ok := w.Teleport("ghost", 1, 1); ok {
		t.Fatalf("expected Teleport on unknown id to return false")
	}
}

func TestSpeedNeverExceedsMax(t *testing.T) {
	w := testWorld()
	w.Join("p1", nil)
	w.SetInput("p1", 1, 1)
	for i := 0; i < 200; i++ {
		snap := w.Step(1.0 / 20)
		if snap.Players[0].Speed > w.cfg.MaxSpeed+epsilon {
			t.Fatalf("tick %d: speed %f exceeds max %f", i, snap.Players[0].Speed, w.cfg.MaxSpeed)
		}
	}
}

func TestWorldBoundsNeverExceeded(t *testing.T) {
	w := testWorld()
	w.Join("p1", nil)
	w.Teleport("p1", 99, 99)
	w.SetInput("p1", 1, 1)
	for i := 0; i < 500; i++ {
		snap := w.Step(1.0 / 20)
		p := snap.Players[0]
		if math.Abs(p.X) > w.cfg.WorldBound+epsilon || math.Abs(p.Z) > w.cfg.WorldBound+epsilon {
			t.Fatalf("tick %d: position (%f,%f) exceeds bound %f", i, p.X, p.Z, w.cfg.WorldBound)
		}
	}
}

func TestPlayerSeparationConverges(t *testing.T) {
	w := testWorld()
	w.Join("a", nil)
	w.Join("b", nil)
	w.Teleport("a", 0, 0)
	w.Teleport("b", 1, 0) // well within 2*radius=10
	snap := w.Step(1.0 / 20)

	var a, b PlayerSnapshot
	for _, p := range snap.Players {
		if p.ID == "a" {
			a = p
		} else {
			b = p
		}
	}
	dist := math.Hypot(a.X-b.X, a.Z-b.Z)
	if dist < 2*w.cfg.CollisionRadius-1e-3 {
		t.Fatalf("expected separation >= %f after resolution, got %f", 2*w.cfg.CollisionRadius, dist)
	}
}

func TestObstacleNeverOccupied(t *testing.T) {
	w := testWorld()
	w.SetObstacles([]Obstacle{{ID: "rock", MinX: -10, MinZ: -10, MaxX: 10, MaxZ: 10}})
	w.Join("p1", nil)
	w.Teleport("p1", 0, 0) // dropped inside the obstacle directly
	snap := w.Step(1.0 / 20)
	p := snap.Players[0]
	if p.X >= -10 && p.X <= 10 && p.Z >= -10 && p.Z <= 10 {
		t.Fatalf("player still inside obstacle after resolution: (%f,%f)", p.X, p.Z)
	}
}

func TestLeaveRemovesEntity(t *testing.T) {
	w := testWorld()
	w.Join("p1", nil)
	w.Leave("p1")
	snap := w.Step(1.0 / 20)
	if len(snap.Players) != 0 {
		t.Fatalf("expected no players after Leave, got %d", len(snap.Players))
	}
}

func TestLocomotionLockForcesZeroInput(t *testing.T) {
	w := testWorld()
	w.Join("agent1", nil)
	w.LockLocomotion("agent1", true)
	w.SetInput("agent1", 1, 1)
	for i := 0; i < 20; i++ {
		w.Step(1.0 / 20)
	}
	snap := w.Step(1.0 / 20)
	if snap.Players[0].Speed > epsilon {
		t.Fatalf("expected locomotion-locked agent to remain stationary, got speed %f", snap.Players[0].Speed)
	}
}

func TestSectionSlotIsDeterministic(t *testing.T) {
	w := testWorld()
	a := w.SectionSlot(3)
	b := w.SectionSlot(3)
	if a != b {
		t.Fatalf("expected stable slot for section 3, got %+v and %+v", a, b)
	}
	if w.SectionSlot(3) == w.SectionSlot(4) {
		t.Fatalf("expected distinct slots for distinct sections")
	}
	if math.Abs(a.X) > w.cfg.WorldBound || math.Abs(a.Z) > w.cfg.WorldBound {
		t.Fatalf("section slot out of bounds: %+v", a)
	}
}

func TestSpawnSlotAvoidsObstacles(t *testing.T) {
	w := testWorld()
	// Cover the slot at section 0 (r=50, angle 0 -> (50, 0)).
	w.SetObstacles([]Obstacle{{ID: "wall", MinX: 45, MinZ: -5, MaxX: 55, MaxZ: 5}})
	w.Join("p1", nil)
	snap := w.Step(1.0 / 20)
	p := snap.Players[0]
	if p.X >= 45 && p.X <= 55 && p.Z >= -5 && p.Z <= 5 {
		t.Fatalf("player spawned inside obstacle: (%f,%f)", p.X, p.Z)
	}
}

func TestSnapshotTickMonotonic(t *testing.T) {
	w := testWorld()
	w.Join("p1", nil)
	var last int64
	for i := 0; i < 10; i++ {
		snap := w.Step(1.0 / 20)
		if snap.Tick <= last {
			t.Fatalf("tick did not increase: %d <= %d", snap.Tick, last)
		}
		last = snap.Tick
	}
}

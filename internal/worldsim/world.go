package worldsim

import (
	"math"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// Config carries the simulation's tunables, set once at startup.
type Config struct {
	WorldBound      float64
	MaxSpeed        float64
	Accel           float64
	Drag            float64
	CollisionRadius float64
}

// World is the tick task's exclusive state: a single mutex-guarded owner
// struct whose methods are the only way anything touches the entity/input
// maps.
type World struct {
	mu               sync.Mutex
	log              zerolog.Logger
	cfg              Config
	entities         map[string]*Entity
	inputs           map[string]Input
	locomotionLocked map[string]bool
	obstacles        []Obstacle
	tick             int64
	spawnNext        int
}

const spawnSlots = 8

func New(cfg Config, log zerolog.Logger) *World {
	return &World{
		log:              log,
		cfg:              cfg,
		entities:         make(map[string]*Entity),
		inputs:           make(map[string]Input),
		locomotionLocked: make(map[string]bool),
	}
}

// SetObstacles replaces the static obstacle list (e.g. after a world/map load).
func (w *World) SetObstacles(obstacles []Obstacle) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.obstacles = obstacles
}

// sectionSlot is the deterministic grid position for one of the 8 spawn
// sections.
func (w *World) sectionSlot(section int) (float64, float64) {
	idx := ((section % spawnSlots) + spawnSlots) % spawnSlots
	angle := 2 * math.Pi * float64(idx) / spawnSlots
	r := w.cfg.WorldBound * 0.5
	return r * math.Cos(angle), r * math.Sin(angle)
}

// SectionSlot exposes the deterministic spawn position for a section, so
// agents joining with an explicit spawnSection land on a stable slot.
func (w *World) SectionSlot(section int) Vec2 {
	w.mu.Lock()
	defer w.mu.Unlock()
	x, z := w.sectionSlot(section)
	return Vec2{X: x, Z: z}
}

// spawnSlot cycles round-robin through the section grid, skipping slots
// that land inside a static obstacle.
func (w *World) spawnSlot() (float64, float64) {
	for attempt := 0; attempt < spawnSlots; attempt++ {
		x, z := w.sectionSlot(w.spawnNext)
		w.spawnNext++
		if !w.insideObstacle(x, z) {
			return x, z
		}
	}
	return 0, 0
}

func (w *World) clampToBounds(x, z float64) (float64, float64) {
	b := w.cfg.WorldBound
	if x > b {
		x = b
	} else if x < -b {
		x = -b
	}
	if z > b {
		z = b
	} else if z < -b {
		z = -b
	}
	return x, z
}

func (w *World) insideObstacle(x, z float64) bool {
	for _, o := range w.obstacles {
		if o.contains(x, z) {
			return true
		}
	}
	return false
}

// Join is idempotent: a no-op if the player is already present. preferredPos
// is used (clamped, rejected if inside an obstacle) when provided, so a
// reconnecting player rejoins at their last persisted presence position.
func (w *World) Join(id string, preferredPos *Vec2) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.entities[id]; ok {
		return
	}

	var x, z float64
	if preferredPos != nil {
		px, pz := w.clampToBounds(preferredPos.X, preferredPos.Z)
		if !w.insideObstacle(px, pz) {
			x, z = px, pz
		} else {
			x, z = w.spawnSlot()
		}
	} else {
		x, z = w.spawnSlot()
	}

	w.entities[id] = &Entity{ID: id, X: x, Z: z}
}

// Leave removes the entity and its input slot.
func (w *World) Leave(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.entities, id)
	delete(w.inputs, id)
	delete(w.locomotionLocked, id)
}

// SetInput clamps moveX/moveZ into [-1,1] and stores it for the next Step.
// Unknown ids are a no-op returning false, never an error. Locomotion-locked
// agents (policy: AGENT_LOCOMOTION_ENABLED=false) always have their input
// forced to zero regardless of what is requested.
func (w *World) SetInput(id string, moveX, moveZ float64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.entities[id]; !ok {
		return false
	}
	if w.locomotionLocked[id] {
		w.inputs[id] = Input{}
		return true
	}
	w.inputs[id] = Input{MoveX: clamp(moveX, -1, 1), MoveZ: clamp(moveZ, -1, 1)}
	return true
}

// LockLocomotion forces an agent's inputs to zero regardless of SetInput
// calls, for agents with locomotion disabled by policy.
func (w *World) LockLocomotion(id string, locked bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.locomotionLocked[id] = locked
	if locked {
		w.inputs[id] = Input{}
	}
}

// Position reports a player's current simulated position, satisfying
// station.PositionSource for the station router's proximity gate.
func (w *World) Position(id string) (x, z float64, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.entities[id]
	if !ok {
		return 0, 0, false
	}
	return e.X, e.Z, true
}

// Teleport bypasses motion entirely, subject to world bounds. Used by the
// admin override path. Unknown id is a no-op returning false.
func (w *World) Teleport(id string, x, z float64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.entities[id]
	if !ok {
		return false
	}
	e.X, e.Z = w.clampToBounds(x, z)
	return true
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

const epsilon = 1e-4

// Step advances the simulation by dt and returns a deterministic snapshot:
// per player, integrate velocity from input, clamp to max speed, move,
// clamp to world bounds (zeroing velocity on contact rather than
// bouncing), then resolve obstacle and player-player overlap.
func (w *World) Step(dt float64) Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tick++

	ids := make([]string, 0, len(w.entities))
	for id := range w.entities {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		e := w.entities[id]
		in := w.inputs[id]
		w.integrate(e, in, dt)
	}

	// Two collision passes: static obstacles then player-vs-player, run up
	// to 3 times so a push-apart that creates a new overlap still converges
	// within one tick.
	for pass := 0; pass < 3; pass++ {
		movedObstacle := w.resolveObstacles(ids)
		movedPlayers := w.resolvePlayerSeparation(ids)
		if !movedObstacle && !movedPlayers {
			break
		}
	}

	snap := Snapshot{Tick: w.tick, Players: make([]PlayerSnapshot, 0, len(ids))}
	for _, id := range ids {
		e := w.entities[id]
		snap.Players = append(snap.Players, PlayerSnapshot{
			ID: e.ID, X: e.X, Y: PresentationY, Z: e.Z, Yaw: e.Yaw, Speed: math.Hypot(e.VX, e.VZ),
		})
	}
	return snap
}

func (w *World) integrate(e *Entity, in Input, dt float64) {
	dir := Vec2{in.MoveX, in.MoveZ}
	mag := dir.Length()
	if mag > epsilon {
		dir = dir.Normalize()
		e.VX += dir.X * w.cfg.Accel * dt
		e.VZ += dir.Z * w.cfg.Accel * dt
	} else {
		dragFactor := math.Min(1, w.cfg.Drag*dt)
		e.VX -= e.VX * dragFactor
		e.VZ -= e.VZ * dragFactor
	}

	speed := math.Hypot(e.VX, e.VZ)
	if speed > w.cfg.MaxSpeed && speed > 0 {
		scale := w.cfg.MaxSpeed / speed
		e.VX *= scale
		e.VZ *= scale
	}

	e.X += e.VX * dt
	e.Z += e.VZ * dt

	b := w.cfg.WorldBound
	if e.X > b {
		e.X = b
		e.VX = 0
	} else if e.X < -b {
		e.X = -b
		e.VX = 0
	}
	if e.Z > b {
		e.Z = b
		e.VZ = 0
	} else if e.Z < -b {
		e.Z = -b
		e.VZ = 0
	}

	if newSpeed := math.Hypot(e.VX, e.VZ); newSpeed > 0.01 {
		e.Yaw = math.Atan2(e.VX, e.VZ)
	}
}

// resolveObstacles pushes any player whose position lands inside a static
// AABB to the nearest unblocked tangent (the shortest of the four edge
// distances), never leaving them inside. Returns true if any player moved.
func (w *World) resolveObstacles(ids []string) bool {
	moved := false
	for _, id := range ids {
		e := w.entities[id]
		for _, o := range w.obstacles {
			if !o.contains(e.X, e.Z) {
				continue
			}
			dLeft := e.X - o.MinX
			dRight := o.MaxX - e.X
			dTop := e.Z - o.MinZ
			dBottom := o.MaxZ - e.Z

			switch min4(dLeft, dRight, dTop, dBottom) {
			case dLeft:
				e.X = o.MinX - epsilon
			case dRight:
				e.X = o.MaxX + epsilon
			case dTop:
				e.Z = o.MinZ - epsilon
			default:
				e.Z = o.MaxZ + epsilon
			}
			moved = true
		}
	}
	return moved
}

func min4(a, b, c, d float64) float64 {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	if d < m {
		m = d
	}
	return m
}

// resolvePlayerSeparation pushes overlapping player pairs apart symmetrically
// along the vector connecting them.
func (w *World) resolvePlayerSeparation(ids []string) bool {
	moved := false
	r := w.cfg.CollisionRadius
	minDist := 2 * r
	for i := 0; i < len(ids); i++ {
		a := w.entities[ids[i]]
		for j := i + 1; j < len(ids); j++ {
			b := w.entities[ids[j]]
			dx := b.X - a.X
			dz := b.Z - a.Z
			dist := math.Hypot(dx, dz)
			if dist >= minDist-epsilon {
				continue
			}
			var nx, nz float64
			if dist < 1e-6 {
				nx, nz = 1, 0
				dist = 0
			} else {
				nx, nz = dx/dist, dz/dist
			}
			overlap := (minDist - dist) / 2
			a.X -= nx * overlap
			a.Z -= nz * overlap
			b.X += nx * overlap
			b.Z += nz * overlap
			moved = true
		}
	}
	return moved
}

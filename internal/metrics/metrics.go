// Package metrics implements a minimal hand-rolled Prometheus text
// exposition endpoint and a structured JSON snapshot, serving GET /metrics
// and GET /metrics.json. Built on stdlib sync/atomic counters rather than
// a full client library, since the surface here is a handful of
// gauges/counters, not a full registry — see DESIGN.md.
package metrics

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
)

// Registry holds the small fixed set of counters/gauges the gateway
// exposes.
type Registry struct {
	tickCount          int64
	sessionsActive     int64
	challengesActive   int64
	challengesResolved int64
	escrowLockOK       int64
	escrowLockFail     int64
	escrowResolveOK    int64
	escrowResolveFail  int64
}

// New constructs an empty Registry.
func New() *Registry { return &Registry{} }

func (r *Registry) IncTick()                    { atomic.AddInt64(&r.tickCount, 1) }
func (r *Registry) SetSessionsActive(n int64)   { atomic.StoreInt64(&r.sessionsActive, n) }
func (r *Registry) SetChallengesActive(n int64) { atomic.StoreInt64(&r.challengesActive, n) }
func (r *Registry) IncChallengesResolved()      { atomic.AddInt64(&r.challengesResolved, 1) }
func (r *Registry) IncEscrowLockOK()            { atomic.AddInt64(&r.escrowLockOK, 1) }
func (r *Registry) IncEscrowLockFail()          { atomic.AddInt64(&r.escrowLockFail, 1) }
func (r *Registry) IncEscrowResolveOK()         { atomic.AddInt64(&r.escrowResolveOK, 1) }
func (r *Registry) IncEscrowResolveFail()       { atomic.AddInt64(&r.escrowResolveFail, 1) }

// Snapshot is the JSON-serializable view for GET /metrics.json.
type Snapshot struct {
	TickCount          int64 `json:"tickCount"`
	SessionsActive     int64 `json:"sessionsActive"`
	ChallengesActive   int64 `json:"challengesActive"`
	ChallengesResolved int64 `json:"challengesResolved"`
	EscrowLockOK       int64 `json:"escrowLockOk"`
	EscrowLockFail     int64 `json:"escrowLockFail"`
	EscrowResolveOK    int64 `json:"escrowResolveOk"`
	EscrowResolveFail  int64 `json:"escrowResolveFail"`
}

func (r *Registry) snapshot() Snapshot {
	return Snapshot{
		TickCount:          atomic.LoadInt64(&r.tickCount),
		SessionsActive:     atomic.LoadInt64(&r.sessionsActive),
		ChallengesActive:   atomic.LoadInt64(&r.challengesActive),
		ChallengesResolved: atomic.LoadInt64(&r.challengesResolved),
		EscrowLockOK:       atomic.LoadInt64(&r.escrowLockOK),
		EscrowLockFail:     atomic.LoadInt64(&r.escrowLockFail),
		EscrowResolveOK:    atomic.LoadInt64(&r.escrowResolveOK),
		EscrowResolveFail:  atomic.LoadInt64(&r.escrowResolveFail),
	}
}

// JSON returns the structured snapshot for GET /metrics.json.
func (r *Registry) JSON() ([]byte, error) {
	return json.Marshal(r.snapshot())
}

// Prometheus returns the Prometheus text exposition format for
// GET /metrics.
func (r *Registry) Prometheus() string {
	s := r.snapshot()
	var b strings.Builder
	write := func(name, help string, value int64) {
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s gauge\n%s %d\n", name, help, name, name, value)
	}
	write("arena_tick_count", "Total ticks processed by the world simulator.", s.TickCount)
	write("arena_sessions_active", "Currently connected gateway sessions.", s.SessionsActive)
	write("arena_challenges_active", "Challenges currently pending or active.", s.ChallengesActive)
	write("arena_challenges_resolved_total", "Total challenges resolved.", s.ChallengesResolved)
	write("arena_escrow_lock_ok_total", "Total successful escrow locks.", s.EscrowLockOK)
	write("arena_escrow_lock_fail_total", "Total failed escrow locks.", s.EscrowLockFail)
	write("arena_escrow_resolve_ok_total", "Total successful escrow resolutions.", s.EscrowResolveOK)
	write("arena_escrow_resolve_fail_total", "Total failed escrow resolutions.", s.EscrowResolveFail)
	return b.String()
}

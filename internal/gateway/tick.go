package gateway

import (
	"context"
	"time"

	"github.com/wildspark/arena-server/internal/presence"
	"github.com/wildspark/arena-server/internal/proximity"
	"github.com/wildspark/arena-server/internal/worldsim"
)

const (
	remotePresenceRefresh = 500 * time.Millisecond
	presenceWriteInterval = 500 * time.Millisecond
)

// RunTickLoop is the 20Hz supervisor and the sole writer of world state.
// It blocks until ctx is cancelled. Tick latency must never depend on any
// external service: challenge events are handed off to the async event
// worker rather than processed inline here.
func (s *Server) RunTickLoop(ctx context.Context) {
	dt := 1.0 / float64(s.cfg.TickRate)
	ticker := time.NewTicker(time.Duration(float64(time.Second) * dt))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tickOnce(dt)
		}
	}
}

func (s *Server) tickOnce(dt float64) {
	now := time.Now()
	snap := s.world.Step(dt)
	s.metrics.IncTick()

	for _, ev := range s.challenges.Tick(now) {
		s.enqueueChallengeEvent(ev)
	}

	s.mu.Lock()
	sessionCount := int64(len(s.sessions))
	s.mu.Unlock()
	s.metrics.SetSessionsActive(sessionCount)
	s.metrics.SetChallengesActive(int64(s.challenges.ActiveCount()))

	remote := s.refreshRemotePresence(now)

	entities := s.buildProximityEntities(snap, remote)
	for _, ev := range s.proximity.Update(entities) {
		s.dispatchProximityEvent(ev)
	}

	s.writeLocalPresence(snap, now)
	s.broadcastSnapshot(snap, remote)
}

// refreshRemotePresence re-lists the distributed presence store at most
// once per remotePresenceRefresh window, so every tick doesn't hit Redis.
func (s *Server) refreshRemotePresence(now time.Time) []presence.Entry {
	s.remoteMu.Lock()
	if now.Sub(s.remoteRefresh) < remotePresenceRefresh {
		cached := s.remoteCache
		s.remoteMu.Unlock()
		return cached
	}
	s.remoteMu.Unlock()

	all, err := s.presence.List(context.Background())
	if err != nil {
		s.log.Warn().Err(err).Msg("gateway: failed to list presence")
		s.remoteMu.Lock()
		cached := s.remoteCache
		s.remoteMu.Unlock()
		return cached
	}

	s.mu.Lock()
	local := make(map[string]bool, len(s.sessions))
	for id := range s.sessions {
		local[id] = true
	}
	s.mu.Unlock()

	out := all[:0:0]
	for _, e := range all {
		if e.OwnerServerID != s.cfg.ServerInstance && !local[e.PlayerID] {
			out = append(out, e)
		}
	}

	s.remoteMu.Lock()
	s.remoteCache = out
	s.remoteRefresh = now
	s.remoteMu.Unlock()
	return out
}

type proximityEntity = proximity.Entity

func (s *Server) buildProximityEntities(snap worldsim.Snapshot, remote []presence.Entry) []proximityEntity {
	out := make([]proximityEntity, 0, len(snap.Players)+len(remote))
	for _, p := range snap.Players {
		name := p.ID
		if sess, ok := s.localSession(p.ID); ok && sess.DisplayName != "" {
			name = sess.DisplayName
		}
		out = append(out, proximityEntity{ID: p.ID, DisplayName: name, X: p.X, Z: p.Z})
	}
	for _, e := range remote {
		name := e.DisplayName
		if name == "" {
			name = e.PlayerID
		}
		out = append(out, proximityEntity{ID: e.PlayerID, DisplayName: name, X: e.X, Z: e.Z})
	}
	return out
}

func (s *Server) dispatchProximityEvent(ev proximity.Event) {
	frame := proximityFrame{
		Type: "proximity", Event: string(ev.Kind), OtherID: ev.OtherID, OtherName: ev.OtherName, Distance: ev.Distance,
	}
	s.sendToPlayer(ev.SubjectID, frame)
}

// writeLocalPresence upserts each locally-owned player's latest position
// to the distributed presence store, rate-limited per player so the
// write volume stays proportional to player count, not tick rate.
func (s *Server) writeLocalPresence(snap worldsim.Snapshot, now time.Time) {
	ctx := context.Background()
	for _, p := range snap.Players {
		sess, ok := s.localSession(p.ID)
		if !ok {
			continue
		}

		s.presenceWriteMu.Lock()
		last, seen := s.lastPresenceWrite[p.ID]
		due := !seen || now.Sub(last) >= presenceWriteInterval
		if due {
			s.lastPresenceWrite[p.ID] = now
		}
		s.presenceWriteMu.Unlock()
		if !due {
			continue
		}

		entry := presence.Entry{
			PlayerID: p.ID, Role: sess.Role, DisplayName: sess.DisplayName, WalletID: sess.WalletID,
			X: p.X, Y: p.Y, Z: p.Z, Yaw: p.Yaw, Speed: p.Speed,
			UpdatedAt: now, OwnerServerID: s.cfg.ServerInstance,
		}
		if err := s.presence.Upsert(ctx, entry, s.cfg.PresenceTTL); err != nil {
			s.log.Warn().Err(err).Str("playerId", p.ID).Msg("gateway: failed to upsert presence")
		}
	}
}

func (s *Server) broadcastSnapshot(snap worldsim.Snapshot, remote []presence.Entry) {
	frame := snapshotFrame{Type: "snapshot", Tick: snap.Tick}
	for _, p := range snap.Players {
		var role, displayName, walletID string
		if sess, ok := s.localSession(p.ID); ok {
			role, displayName, walletID = sess.Role, sess.DisplayName, sess.WalletID
		}
		frame.Players = append(frame.Players, snapshotPlayer{
			ID: p.ID, X: p.X, Y: p.Y, Z: p.Z, Yaw: p.Yaw, Speed: p.Speed,
			Role: role, DisplayName: displayName, WalletID: walletID,
		})
	}
	for _, e := range remote {
		frame.Players = append(frame.Players, snapshotPlayer{
			ID: e.PlayerID, X: e.X, Y: e.Y, Z: e.Z, Yaw: e.Yaw, Speed: e.Speed,
			Role: e.Role, DisplayName: e.DisplayName, WalletID: e.WalletID,
		})
	}
	for _, st := range s.stations.Definitions() {
		frame.Stations = append(frame.Stations, snapshotStation{
			ID: st.ID, Kind: string(st.Kind), X: st.X, Z: st.Z, Radius: st.Radius,
		})
	}
	s.broadcastLocal(frame)
}

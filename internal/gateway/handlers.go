package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/wildspark/arena-server/internal/bus"
	"github.com/wildspark/arena-server/internal/storage"
)

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok", "serverId": s.cfg.ServerInstance})
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		entries, err := s.presence.List(r.Context())
		if err != nil {
			http.Error(w, "presence store error", http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(entries)
		return
	}
	entry, ok, err := s.presence.Get(r.Context(), id)
	if err != nil {
		http.Error(w, "presence store error", http.StatusBadGateway)
		return
	}
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(entry)
}

func (s *Server) handleChallengesRecent(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	entries, err := s.chStore.RecentHistory(r.Context(), limit)
	if err != nil {
		http.Error(w, "challenge store error", http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(entries)
}

func (s *Server) handleEscrowEventsRecent(w http.ResponseWriter, r *http.Request) {
	if s.storage == nil {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode([]storage.EscrowEventRow{})
		return
	}
	playerID := r.URL.Query().Get("playerId")
	if playerID == "" {
		http.Error(w, "missing playerId", http.StatusBadRequest)
		return
	}
	limit := queryInt(r, "limit", 50)
	rows, err := s.storage.RecentEscrowEvents(r.Context(), playerID, limit)
	if err != nil {
		http.Error(w, "storage error", http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rows)
}

func (s *Server) handleMetricsText(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_, _ = w.Write([]byte(s.metrics.Prometheus()))
}

func (s *Server) handleMetricsJSON(w http.ResponseWriter, r *http.Request) {
	body, err := s.metrics.JSON()
	if err != nil {
		http.Error(w, "marshal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

// handleMigrationsStatus is a thin internal-token-gated status probe: the
// actual migration runner is an external, periodic concern; this endpoint
// only reports whether storage is configured at all.
func (s *Server) handleMigrationsStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]bool{"storageConfigured": s.storage != nil})
}

func (s *Server) handleAdminTeleport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		PlayerID string   `json:"playerId"`
		X        *float64 `json:"x"`
		Z        *float64 `json:"z"`
		Section  *int     `json:"section"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}
	if body.PlayerID == "" {
		http.Error(w, "missing playerId", http.StatusBadRequest)
		return
	}

	// Resolve a section teleport to concrete coordinates up front so the
	// forwarded form is always {playerId, x, z}.
	var x, z float64
	switch {
	case body.X != nil && body.Z != nil:
		x, z = *body.X, *body.Z
	case body.Section != nil:
		slot := s.world.SectionSlot(*body.Section)
		x, z = slot.X, slot.Z
	default:
		http.Error(w, "missing x/z or section", http.StatusBadRequest)
		return
	}

	if _, ok := s.localSession(body.PlayerID); ok {
		s.world.Teleport(body.PlayerID, x, z)
		w.WriteHeader(http.StatusOK)
		return
	}

	// Not owned here: forward via the admin bus channel to whichever node
	// currently owns the session.
	entry, ok, err := s.presence.Get(r.Context(), body.PlayerID)
	if err != nil || !ok {
		http.Error(w, "player not found", http.StatusNotFound)
		return
	}
	payload, _ := json.Marshal(struct {
		PlayerID string  `json:"playerId"`
		X        float64 `json:"x"`
		Z        float64 `json:"z"`
	}{body.PlayerID, x, z})
	_ = s.publishAdminTeleport(entry.OwnerServerID, body.PlayerID, payload)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20)
	if s.storage == nil {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode([]storage.PlayerRow{})
		return
	}
	rows, err := s.storage.Leaderboard(r.Context(), limit)
	if err != nil {
		http.Error(w, "storage error", http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rows)
}

// handleAdminMarkets is a thin stub for the external markets collaborator
// ("Markets" is an external system this repo does not own): behind the
// internal-token check it answers 501 Not Implemented and forwards
// nothing.
func (s *Server) handleAdminMarkets(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusNotImplemented)
	_ = json.NewEncoder(w).Encode(map[string]string{"reason": "markets_not_hosted_by_this_service"})
}

func (s *Server) publishAdminTeleport(ownerNodeID, playerID string, payload []byte) error {
	return s.bus.PublishAdminCommand(context.Background(), bus.AdminCommand{
		Type: "teleport", PlayerID: playerID, OwnerNodeID: ownerNodeID, Payload: payload,
	})
}

// Package station implements in-world station interactions gated by
// proximity: dealer coinflip/dice-duel commit/reveal rounds, and arbitrary
// Lua-scripted world_interactable stations.
package station

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/wildspark/arena-server/internal/challenge"
	"github.com/wildspark/arena-server/internal/provablyfair"
)

// Kind distinguishes the built-in provably-fair dealer flow from
// generic Lua-scripted stations.
type Kind string

const (
	KindDealerCoinflip Kind = "dealer_coinflip"
	KindDealerDiceDuel Kind = "dealer_dice_duel"
	KindInteractable   Kind = "world_interactable"
)

// Definition is a static station placed in the world.
type Definition struct {
	ID       string
	Kind     Kind
	X, Z     float64
	Radius   float64
	Script   string // Lua script path, only used for KindInteractable
}

// DealerState enumerates the states returned to the client for the dealer
// flow.
type DealerState string

const (
	StateDealerReady  DealerState = "dealer_ready"
	StateDealerReveal DealerState = "dealer_reveal"
	StateDealerError  DealerState = "dealer_error"
)

// StartResult is returned by Start and rendered verbatim inside the
// station_ui frame's view.
type StartResult struct {
	State      DealerState `json:"state"`
	CommitHash string      `json:"commitHash,omitempty"`
	Method     string      `json:"method,omitempty"`
	Reason     string      `json:"reason,omitempty"`
}

// PickResult is returned by Pick and rendered verbatim inside the
// station_ui frame's view.
type PickResult struct {
	State       DealerState `json:"state"`
	Result      string      `json:"result,omitempty"` // "heads"/"tails" or rolled face as string
	WinnerID    string      `json:"winnerId,omitempty"`
	ChallengeID string      `json:"challengeId,omitempty"`
	Reason      string      `json:"reason,omitempty"`
}

const pendingRoundTTL = 60 * time.Second

type pendingRound struct {
	stationID         string
	houseSeed         string
	commitHash        string
	method            string
	kind              Kind
	wager             int64
	preflightApproved bool
	expiresAt         time.Time
}

// PositionSource reports a player's last known simulated position, used
// for the proximity gate.
type PositionSource interface {
	Position(playerID string) (x, z float64, ok bool)
}

// ChallengeRunner is the subset of the Challenge Service the Router
// drives directly (house-vs-player challenges bypass the normal
// challenge_send proximity/cooldown gate in C9, since the station is
// itself the proximity gate).
type ChallengeRunner interface {
	CreateChallenge(challenger, opponent string, gameType challenge.GameType, wager int64, now time.Time) (challenge.Event, error)
	Respond(id, responder string, accept bool, now time.Time) (challenge.Event, error)
	SetCoinflipOverride(id, face string)
	SetDiceRoll(id string, face int)
	AttachProvablyFair(id string, pf challenge.ProvablyFair)
	SubmitMove(id, actor, move string, now time.Time) (challenge.Event, error)
}

// Preflighter is the escrow preflight hook run before a wagered round
// opens. nil disables the check (free-play mode).
type Preflighter interface {
	PreflightPlayers(ctx context.Context, playerIDs []string, amount int64) (ok bool, reasonCode string)
}

// EventDispatcher receives every challenge event a dealer round produces,
// in order. It reports whether the challenge is still playable afterward;
// returning false (e.g. the escrow lock failed and the challenge was
// aborted) stops the round before any move is submitted.
type EventDispatcher func(challenge.Event) bool

// Router is the Station Router owner.
type Router struct {
	mu       sync.Mutex
	stations map[string]Definition
	pending  map[string]pendingRound // keyed by playerId

	positions  PositionSource
	challenges ChallengeRunner
	preflight  Preflighter
	scripts    *ScriptHost
}

// New constructs a Router over the given station definitions. preflight
// may be nil to skip escrow prechecks; scripts may be nil if
// STATION_PLUGIN_ROUTER_ENABLED is false, making Interact always report
// "scripts_disabled".
func New(stations []Definition, positions PositionSource, challenges ChallengeRunner, preflight Preflighter, scripts *ScriptHost) *Router {
	byID := make(map[string]Definition, len(stations))
	for _, s := range stations {
		byID[s.ID] = s
	}
	return &Router{
		stations:   byID,
		pending:    make(map[string]pendingRound),
		positions:  positions,
		challenges: challenges,
		preflight:  preflight,
		scripts:    scripts,
	}
}

// Interact runs a world_interactable station's Lua script, gated by the
// same proximity check as the dealer flow.
func (r *Router) Interact(playerID, stationID, action string) ([]Effect, error) {
	r.mu.Lock()
	st, ok := r.stations[stationID]
	near := r.withinRadius(playerID, stationID)
	scripts := r.scripts
	r.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("station: unknown station %s", stationID)
	}
	if !near {
		return nil, fmt.Errorf("station: not_near_station")
	}
	if st.Kind != KindInteractable {
		return nil, fmt.Errorf("station: not_an_interactable_station")
	}
	if scripts == nil {
		return nil, fmt.Errorf("station: scripts_disabled")
	}
	if st.Script == "" {
		return nil, fmt.Errorf("station: station %s has no script configured", stationID)
	}
	return scripts.Execute(st.Script, map[string]any{
		"playerId":  playerID,
		"stationId": stationID,
		"action":    action,
	})
}

// Definitions returns a stable-ordered snapshot of every registered
// station, for the gateway's per-tick snapshot broadcast.
func (r *Router) Definitions() []Definition {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Definition, 0, len(r.stations))
	for _, d := range r.stations {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Router) withinRadius(playerID, stationID string) bool {
	st, ok := r.stations[stationID]
	if !ok {
		return false
	}
	x, z, ok := r.positions.Position(playerID)
	if !ok {
		return false
	}
	return math.Hypot(x-st.X, z-st.Z) <= st.Radius
}

// Start opens a dealer coinflip/dice-duel round: runs the escrow
// preflight when wagered, then commits the house seed before the player
// picks a side or face.
func (r *Router) Start(ctx context.Context, playerID, stationID string, wager int64, now time.Time) (StartResult, error) {
	r.mu.Lock()
	near := r.withinRadius(playerID, stationID)
	st, known := r.stations[stationID]
	r.mu.Unlock()

	if !known || !near {
		return StartResult{State: StateDealerError, Reason: "not_near_station"}, nil
	}
	if st.Kind != KindDealerCoinflip && st.Kind != KindDealerDiceDuel {
		return StartResult{State: StateDealerError, Reason: "not_a_dealer_station"}, nil
	}

	approved := false
	if wager > 0 && r.preflight != nil {
		ok, reason := r.preflight.PreflightPlayers(ctx, []string{playerID, challenge.SystemHouse}, wager)
		if !ok {
			return StartResult{State: StateDealerError, Reason: reason}, nil
		}
		approved = true
	}

	houseSeed, err := provablyfair.NewHouseSeed()
	if err != nil {
		return StartResult{}, fmt.Errorf("station: generate house seed: %w", err)
	}
	commit := provablyfair.CommitHash(houseSeed)
	method := "coinflip"
	if st.Kind == KindDealerDiceDuel {
		method = "dice_duel"
	}

	r.mu.Lock()
	r.pending[playerID] = pendingRound{
		stationID:         stationID,
		houseSeed:         houseSeed,
		commitHash:        commit,
		method:            method,
		kind:              st.Kind,
		wager:             wager,
		preflightApproved: approved,
		expiresAt:         now.Add(pendingRoundTTL),
	}
	r.mu.Unlock()

	return StartResult{State: StateDealerReady, CommitHash: commit, Method: method}, nil
}

func legalPick(kind Kind, declared string) bool {
	if kind == KindDealerDiceDuel {
		return len(declared) == 1 && declared[0] >= '1' && declared[0] <= '6'
	}
	return declared == "heads" || declared == "tails"
}

// Pick resolves a pending round against the player's declared side/face,
// revealing the house seed so the outcome can be independently verified.
// Every challenge event the round produces flows through dispatch in
// order (created, accepted, resolved); a dispatch that reports the
// challenge dead after the accept — the escrow lock failed and the
// challenge was aborted — stops the round before any move is submitted.
func (r *Router) Pick(playerID, declared string, playerSeed string, now time.Time, dispatch EventDispatcher) (PickResult, error) {
	r.mu.Lock()
	round, ok := r.pending[playerID]
	if !ok || now.After(round.expiresAt) {
		delete(r.pending, playerID)
		r.mu.Unlock()
		return PickResult{State: StateDealerError, Reason: "no_pending_round"}, nil
	}
	delete(r.pending, playerID)
	near := r.withinRadius(playerID, round.stationID)
	r.mu.Unlock()

	if !near {
		return PickResult{State: StateDealerError, Reason: "not_near_station"}, nil
	}
	if !legalPick(round.kind, declared) {
		return PickResult{State: StateDealerError, Reason: "illegal_move"}, nil
	}
	if dispatch == nil {
		dispatch = func(challenge.Event) bool { return true }
	}

	gameType := challenge.GameCoinflip
	if round.kind == KindDealerDiceDuel {
		gameType = challenge.GameDiceDuel
	}

	createEv, err := r.challenges.CreateChallenge(playerID, challenge.SystemHouse, gameType, round.wager, now)
	if err != nil {
		return PickResult{State: StateDealerError, Reason: err.Error()}, nil
	}
	id := createEv.Challenge.ID

	r.challenges.AttachProvablyFair(id, challenge.ProvablyFair{
		CommitHash: round.commitHash,
		HouseSeed:  round.houseSeed,
		PlayerSeed: playerSeed,
		Method:     round.method,
	})
	if !dispatch(createEv) {
		return PickResult{State: StateDealerError, Reason: "challenge_rejected", ChallengeID: id}, nil
	}

	acceptEv, err := r.challenges.Respond(id, challenge.SystemHouse, true, now)
	if err != nil {
		return PickResult{State: StateDealerError, Reason: err.Error()}, nil
	}
	if !dispatch(acceptEv) {
		return PickResult{State: StateDealerError, Reason: "escrow_lock_failed", ChallengeID: id}, nil
	}

	var result string
	var houseMove string
	if round.kind == KindDealerDiceDuel {
		face := provablyfair.ComputeDiceDuel(round.houseSeed, playerSeed, id)
		r.challenges.SetDiceRoll(id, face)
		result = fmt.Sprintf("%d", face)
		// The house always declares the rolled face itself (distance 0):
		// the player wins only by guessing the exact face (a tie, which
		// the resolution rule awards to the challenger/player).
		houseMove = result
	} else {
		coin := provablyfair.ComputeCoinflip(round.houseSeed, playerSeed, id)
		r.challenges.SetCoinflipOverride(id, coin)
		result = coin
		houseMove = opposite(declared)
	}

	if _, err := r.challenges.SubmitMove(id, playerID, declared, now); err != nil {
		return PickResult{State: StateDealerError, Reason: err.Error()}, nil
	}
	resolveEv, err := r.challenges.SubmitMove(id, challenge.SystemHouse, houseMove, now)
	if err != nil {
		return PickResult{State: StateDealerError, Reason: err.Error()}, nil
	}
	dispatch(resolveEv)

	return PickResult{
		State:       StateDealerReveal,
		Result:      result,
		WinnerID:    resolveEv.Challenge.WinnerID,
		ChallengeID: id,
	}, nil
}

func opposite(face string) string {
	if face == "heads" {
		return "tails"
	}
	return "heads"
}

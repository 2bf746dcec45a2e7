// Package challenge implements a purely local state machine over a map of
// challenges and a map of per-player active-challenge ids: one owned struct
// guarded by a single mutex whose exported methods lock, mutate, and return
// a value — never partial state on error.
package challenge

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/wildspark/arena-server/internal/idgen"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusActive   Status = "active"
	StatusResolved Status = "resolved"
	StatusDeclined Status = "declined"
	StatusExpired  Status = "expired"
)

type GameType string

const (
	GameRPS      GameType = "rps"
	GameCoinflip GameType = "coinflip"
	GameDiceDuel GameType = "dice_duel"
)

func isKnownGameType(g GameType) bool {
	switch g {
	case GameRPS, GameCoinflip, GameDiceDuel:
		return true
	}
	return false
}

// SystemHouse is the pseudo-player id used for dealer station rounds; it is
// never subject to the busy-lock guard.
const SystemHouse = "system_house"

// ProvablyFair carries the commit/reveal bookkeeping attached to
// house-vs-player challenges originated by the station router.
type ProvablyFair struct {
	CommitHash string
	HouseSeed  string
	PlayerSeed string
	Method     string
}

// Challenge is one instance of the state machine.
type Challenge struct {
	ID         string
	Challenger string
	Opponent   string
	GameType   GameType
	Wager      int64
	Status     Status

	CreatedAt  time.Time
	AcceptedAt time.Time
	ExpiresAt  time.Time

	ChallengerMove string
	OpponentMove   string

	WinnerID string // empty means no winner recorded yet; "draw" sentinel not used, see IsDraw
	IsDraw   bool

	CoinflipOverride string // "heads" | "tails", set by the Station Router before submitMove
	diceRoll         int    // rolled face 1..6, set by the Station Router before submitMove
	ProvablyFair     *ProvablyFair

	DeclineReason string
}

// EventKind enumerates the outward-facing transition names.
type EventKind string

const (
	EventCreated  EventKind = "created"
	EventAccepted EventKind = "accepted"
	EventDeclined EventKind = "declined"
	EventExpired  EventKind = "expired"
	EventResolved EventKind = "resolved"
)

// Event is returned by every transition and appended to the bounded
// history log.
type Event struct {
	Kind      EventKind
	Reason    string
	Challenge Challenge
	To        []string // recipient player ids
}

// Error is the semantic failure taxonomy for this component: invalid or
// busy (declined/expired are state outcomes, not errors).
type Error struct {
	Kind   string // "invalid" | "busy"
	Reason string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Reason) }

func invalidErr(reason string) *Error { return &Error{Kind: "invalid", Reason: reason} }
func busyErr(reason string) *Error    { return &Error{Kind: "busy", Reason: reason} }

const historyCap = 400

// Config carries the challenge lifecycle's timing tunables.
type Config struct {
	PendingTimeout time.Duration
	ActiveResolve  time.Duration
	IDPrefix       string
}

// Service is the challenge state machine owner.
type Service struct {
	mu         sync.Mutex
	cfg        Config
	challenges map[string]*Challenge
	locks      map[string]string // playerId -> challengeId holding the lock
	history    []Event
	ids        *idgen.Generator
}

// New constructs an empty Service.
func New(cfg Config) *Service {
	return &Service{
		cfg:        cfg,
		challenges: make(map[string]*Challenge),
		locks:      make(map[string]string),
		ids:        idgen.New(cfg.IDPrefix),
	}
}

func (s *Service) isLocked(playerID string) bool {
	if playerID == SystemHouse {
		return false
	}
	_, locked := s.locks[playerID]
	return locked
}

func (s *Service) lock(playerID, challengeID string) {
	if playerID == SystemHouse {
		return
	}
	s.locks[playerID] = challengeID
}

func (s *Service) unlock(playerID string) {
	if playerID == SystemHouse {
		return
	}
	delete(s.locks, playerID)
}

func (s *Service) record(ev Event) Event {
	s.history = append(s.history, ev)
	if len(s.history) > historyCap {
		s.history = s.history[len(s.history)-historyCap:]
	}
	return ev
}

// History returns a snapshot of the bounded in-memory event log. No HTTP
// handler reads it: GET /challenges/recent serves only the challenge
// store's history ring.
func (s *Service) History() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.history))
	copy(out, s.history)
	return out
}

// ActiveCount reports how many challenges are currently pending or
// active, for the gateway's metrics gauge.
func (s *Service) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.challenges {
		if c.Status == StatusPending || c.Status == StatusActive {
			n++
		}
	}
	return n
}

// Get returns a copy of the challenge by id.
func (s *Service) Get(id string) (Challenge, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.challenges[id]
	if !ok {
		return Challenge{}, false
	}
	return *c, true
}

// CreateChallenge validates the two players and wager, then opens a new
// pending challenge awaiting the opponent's response.
func (s *Service) CreateChallenge(challenger, opponent string, gameType GameType, wager int64, now time.Time) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if challenger == opponent {
		return Event{}, invalidErr("self_challenge")
	}
	if !isKnownGameType(gameType) {
		return Event{}, invalidErr("unknown_game_type")
	}
	if s.isLocked(challenger) {
		return Event{}, busyErr("player_busy")
	}
	if s.isLocked(opponent) {
		return Event{}, busyErr("player_busy")
	}
	if wager < 0 {
		wager = 0
	}
	if wager > 10000 {
		wager = 10000
	}

	id := s.ids.Next()
	c := &Challenge{
		ID:         id,
		Challenger: challenger,
		Opponent:   opponent,
		GameType:   gameType,
		Wager:      wager,
		Status:     StatusPending,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.cfg.PendingTimeout),
	}
	s.challenges[id] = c
	s.lock(challenger, id)
	s.lock(opponent, id)

	return s.record(Event{Kind: EventCreated, Challenge: *c, To: []string{challenger, opponent}}), nil
}

// Respond accepts or declines a pending challenge on behalf of the opponent.
func (s *Service) Respond(id, responder string, accept bool, now time.Time) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.challenges[id]
	if !ok {
		return Event{}, invalidErr("unknown_challenge")
	}
	if c.Status != StatusPending {
		return Event{}, invalidErr("not_pending")
	}
	if responder != c.Opponent {
		return Event{}, invalidErr("not_opponent")
	}

	if accept {
		c.Status = StatusActive
		c.AcceptedAt = now
		c.ExpiresAt = now.Add(s.cfg.ActiveResolve)
		return s.record(Event{Kind: EventAccepted, Challenge: *c, To: []string{c.Challenger, c.Opponent}}), nil
	}

	c.Status = StatusDeclined
	c.DeclineReason = "declined"
	s.unlock(c.Challenger)
	s.unlock(c.Opponent)
	return s.record(Event{Kind: EventDeclined, Reason: "declined", Challenge: *c, To: []string{c.Challenger, c.Opponent}}), nil
}

// Abort force-declines a challenge with an explicit reason, used by escrow
// and the station router to fold external failures back into the state
// machine.
func (s *Service) Abort(id, reason string) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.challenges[id]
	if !ok {
		return Event{}, invalidErr("unknown_challenge")
	}
	if c.Status != StatusPending && c.Status != StatusActive {
		return Event{}, invalidErr("not_abortable")
	}
	c.Status = StatusDeclined
	c.DeclineReason = reason
	s.unlock(c.Challenger)
	s.unlock(c.Opponent)
	return s.record(Event{Kind: EventDeclined, Reason: reason, Challenge: *c, To: []string{c.Challenger, c.Opponent}}), nil
}

func isLegalMove(gameType GameType, move string) bool {
	switch gameType {
	case GameRPS:
		switch move {
		case "rock", "paper", "scissors":
			return true
		}
		return false
	case GameCoinflip:
		switch move {
		case "heads", "tails":
			return true
		}
		return false
	case GameDiceDuel:
		switch move {
		case "1", "2", "3", "4", "5", "6":
			return true
		}
		return false
	}
	return false
}

// SubmitMove records one participant's move and resolves the challenge once
// both sides have moved.
func (s *Service) SubmitMove(id, actor, move string, now time.Time) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.challenges[id]
	if !ok {
		return Event{}, invalidErr("unknown_challenge")
	}
	if c.Status != StatusActive {
		return Event{}, invalidErr("not_active")
	}
	if actor != c.Challenger && actor != c.Opponent {
		return Event{}, invalidErr("not_participant")
	}
	if !isLegalMove(c.GameType, move) {
		return Event{}, invalidErr("illegal_move")
	}

	if actor == c.Challenger {
		c.ChallengerMove = move
	} else {
		c.OpponentMove = move
	}

	if c.ChallengerMove == "" || c.OpponentMove == "" {
		return Event{Kind: EventAccepted, Challenge: *c}, nil // move recorded, no resolution yet
	}

	return s.resolve(c), nil
}

// resolve applies the per-gameType resolution rule. Caller holds s.mu.
func (s *Service) resolve(c *Challenge) Event {
	switch c.GameType {
	case GameRPS:
		resolveRPS(c)
	case GameCoinflip:
		resolveCoinflip(c)
	case GameDiceDuel:
		resolveDiceDuel(c)
	}
	c.Status = StatusResolved
	s.unlock(c.Challenger)
	s.unlock(c.Opponent)
	return s.record(Event{Kind: EventResolved, Challenge: *c, To: []string{c.Challenger, c.Opponent}})
}

func resolveRPS(c *Challenge) {
	if c.ChallengerMove == c.OpponentMove {
		c.IsDraw = true
		return
	}
	beats := map[string]string{"rock": "scissors", "paper": "rock", "scissors": "paper"}
	if beats[c.ChallengerMove] == c.OpponentMove {
		c.WinnerID = c.Challenger
	} else {
		c.WinnerID = c.Opponent
	}
}

// resolveCoinflip uses the station-supplied provably-fair override when
// present, otherwise draws a fresh server-random coin.
func resolveCoinflip(c *Challenge) {
	coin := c.CoinflipOverride
	if coin == "" {
		coin = uniformCoin()
	}
	switch coin {
	case c.ChallengerMove:
		c.WinnerID = c.Challenger
	case c.OpponentMove:
		c.WinnerID = c.Opponent
	default:
		c.IsDraw = true
	}
}

// resolveDiceDuel picks the winner as whichever declared face has the
// smaller circular distance (min(|declared-rolled|, 6-|declared-rolled|))
// to the rolled face; equal distance favors the challenger. The rolled
// face comes from the station's provably-fair reveal when present
// (injected via SetDiceRoll), otherwise a fresh server-random roll.
func resolveDiceDuel(c *Challenge) {
	rolled := c.diceRoll
	if rolled == 0 {
		rolled = uniformDie()
	}
	cd := circularDistance(atoiSafe(c.ChallengerMove), rolled)
	od := circularDistance(atoiSafe(c.OpponentMove), rolled)
	switch {
	case cd < od:
		c.WinnerID = c.Challenger
	case od < cd:
		c.WinnerID = c.Opponent
	default:
		c.WinnerID = c.Challenger // tie favors challenger
	}
}

func circularDistance(declared, rolled int) int {
	d := declared - rolled
	if d < 0 {
		d = -d
	}
	alt := 6 - d
	if alt < d {
		return alt
	}
	return d
}

func atoiSafe(s string) int {
	if len(s) != 1 || s[0] < '1' || s[0] > '6' {
		return 0
	}
	return int(s[0] - '0')
}

// Tick expires stale pending challenges and force-resolves stale active
// ones. Called once per world tick; must never block on external I/O.
func (s *Service) Tick(now time.Time) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	var events []Event
	for _, c := range s.challenges {
		switch c.Status {
		case StatusPending:
			if !now.Before(c.ExpiresAt) {
				c.Status = StatusExpired
				s.unlock(c.Challenger)
				s.unlock(c.Opponent)
				events = append(events, s.record(Event{Kind: EventExpired, Challenge: *c, To: []string{c.Challenger, c.Opponent}}))
			}
		case StatusActive:
			if !now.Before(c.ExpiresAt) {
				switch {
				case c.ChallengerMove != "" && c.OpponentMove == "":
					c.WinnerID = c.Challenger
					c.Status = StatusResolved
				case c.OpponentMove != "" && c.ChallengerMove == "":
					c.WinnerID = c.Opponent
					c.Status = StatusResolved
				default:
					c.IsDraw = true
					c.Status = StatusResolved
				}
				s.unlock(c.Challenger)
				s.unlock(c.Opponent)
				events = append(events, s.record(Event{Kind: EventResolved, Challenge: *c, To: []string{c.Challenger, c.Opponent}}))
			}
		}
	}
	return events
}

// ClearDisconnectedPlayer force-expires the challenge held by a player
// whose session just closed, if any.
func (s *Service) ClearDisconnectedPlayer(playerID string, now time.Time) (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	challengeID, locked := s.locks[playerID]
	if !locked {
		return Event{}, false
	}
	c, ok := s.challenges[challengeID]
	if !ok || c.Status != StatusPending {
		return Event{}, false
	}
	c.Status = StatusExpired
	c.DeclineReason = "player_disconnected"
	s.unlock(c.Challenger)
	s.unlock(c.Opponent)
	return s.record(Event{Kind: EventExpired, Reason: "player_disconnected", Challenge: *c, To: []string{c.Challenger, c.Opponent}}), true
}

// SetCoinflipOverride attaches the station-computed result ahead of the
// two station-originated SubmitMove calls.
func (s *Service) SetCoinflipOverride(id, face string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.challenges[id]; ok {
		c.CoinflipOverride = face
	}
}

// SetDiceRoll attaches the station-computed rolled face ahead of the two
// station-originated SubmitMove calls.
func (s *Service) SetDiceRoll(id string, face int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.challenges[id]; ok {
		c.diceRoll = face
	}
}

// AttachProvablyFair records the commit/reveal metadata on a
// house-vs-player challenge.
func (s *Service) AttachProvablyFair(id string, pf ProvablyFair) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.challenges[id]; ok {
		c.ProvablyFair = &pf
	}
}

// uniformCoin/uniformDie are the RNG fallback for direct (non-station)
// wagered challenges, used only when no provably-fair override is present.
// Both draw from crypto/rand rather than anything derived from the
// challenge id, since challenge ids are predictable monotonic counters
// (see idgen) and must never be usable to precompute the outcome.
func uniformCoin() string {
	if randomIntn(2) == 0 {
		return "heads"
	}
	return "tails"
}

func uniformDie() int {
	return randomIntn(6) + 1
}

// randomIntn returns a uniform random int in [0, n). A crypto/rand failure
// is treated as unrecoverable: there is no safe predictable fallback for a
// wagered outcome.
func randomIntn(n int) int {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		panic(fmt.Sprintf("challenge: crypto/rand unavailable: %v", err))
	}
	return int(v.Int64())
}

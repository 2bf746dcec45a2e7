package challenge

import (
	"testing"
	"time"
)

func testService() *Service {
	return New(Config{
		PendingTimeout: 30 * time.Second,
		ActiveResolve:  45 * time.Second,
		IDPrefix:       "node0",
	})
}

func TestSelfChallengeRejected(t *testing.T) {
	s := testService()
	_, err := s.CreateChallenge("a", "a", GameRPS, 10, time.Now())
	if err == nil {
		t.Fatalf("expected self_challenge error")
	}
	if cerr, ok := err.(*Error); !ok || cerr.Kind != "invalid" || cerr.Reason != "self_challenge" {
		t.Fatalf("expected invalid/self_challenge, got %+v", err)
	}
}

func TestUnknownGameTypeRejected(t *testing.T) {
	s := testService()
	_, err := s.CreateChallenge("a", "b", GameType("checkers"), 10, time.Now())
	if err == nil {
		t.Fatalf("expected unknown_game_type error")
	}
}

func TestWagerClamped(t *testing.T) {
	s := testService()
	ev, err := s.CreateChallenge("a", "b", GameRPS, 999999, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Challenge.Wager != 10000 {
		t.Fatalf("expected wager clamped to 10000, got %d", ev.Challenge.Wager)
	}
}

func TestBusyPlayerRejected(t *testing.T) {
	s := testService()
	now := time.Now()
	if _, err := s.CreateChallenge("a", "b", GameRPS, 0, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := s.CreateChallenge("a", "c", GameRPS, 0, now)
	if err == nil {
		t.Fatalf("expected busy error for already-locked challenger")
	}
	if cerr, ok := err.(*Error); !ok || cerr.Kind != "busy" {
		t.Fatalf("expected busy error, got %+v", err)
	}
}

func TestSystemHouseNeverLocked(t *testing.T) {
	s := testService()
	now := time.Now()
	if _, err := s.CreateChallenge("a", SystemHouse, GameCoinflip, 0, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// system_house can simultaneously back a second challenge.
	if _, err := s.CreateChallenge("b", SystemHouse, GameCoinflip, 0, now); err != nil {
		t.Fatalf("expected system_house to never be busy, got %v", err)
	}
}

func TestFullRPSFlowResolved(t *testing.T) {
	s := testService()
	now := time.Now()
	ev, err := s.CreateChallenge("a", "b", GameRPS, 100, now)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	id := ev.Challenge.ID

	if _, err := s.Respond(id, "b", true, now); err != nil {
		t.Fatalf("respond failed: %v", err)
	}
	if _, err := s.SubmitMove(id, "a", "rock", now); err != nil {
		t.Fatalf("submit a failed: %v", err)
	}
	resolveEv, err := s.SubmitMove(id, "b", "scissors", now)
	if err != nil {
		t.Fatalf("submit b failed: %v", err)
	}
	if resolveEv.Kind != EventResolved {
		t.Fatalf("expected resolved event, got %v", resolveEv.Kind)
	}
	if resolveEv.Challenge.WinnerID != "a" {
		t.Fatalf("expected a to win (rock beats scissors), got %s", resolveEv.Challenge.WinnerID)
	}
}

func TestRPSDrawOnIdenticalMoves(t *testing.T) {
	s := testService()
	now := time.Now()
	ev, _ := s.CreateChallenge("a", "b", GameRPS, 0, now)
	id := ev.Challenge.ID
	s.Respond(id, "b", true, now)
	s.SubmitMove(id, "a", "paper", now)
	resolveEv, _ := s.SubmitMove(id, "b", "paper", now)
	if !resolveEv.Challenge.IsDraw || resolveEv.Challenge.WinnerID != "" {
		t.Fatalf("expected draw with no winner, got %+v", resolveEv.Challenge)
	}
}

func TestDeclineUnlocksBothPlayers(t *testing.T) {
	s := testService()
	now := time.Now()
	ev, _ := s.CreateChallenge("a", "b", GameRPS, 0, now)
	id := ev.Challenge.ID
	if _, err := s.Respond(id, "b", false, now); err != nil {
		t.Fatalf("decline failed: %v", err)
	}
	// Both players should be free to start a new challenge immediately.
	if _, err := s.CreateChallenge("a", "c", GameRPS, 0, now); err != nil {
		t.Fatalf("expected a to be unlocked after decline, got %v", err)
	}
	if _, err := s.CreateChallenge("b", "d", GameRPS, 0, now); err != nil {
		t.Fatalf("expected b to be unlocked after decline, got %v", err)
	}
}

func TestRespondByNonOpponentRejected(t *testing.T) {
	s := testService()
	now := time.Now()
	ev, _ := s.CreateChallenge("a", "b", GameRPS, 0, now)
	_, err := s.Respond(ev.Challenge.ID, "c", true, now)
	if err == nil {
		t.Fatalf("expected not_opponent error")
	}
}

func TestTickExpiresPendingPastDeadline(t *testing.T) {
	s := testService()
	now := time.Now()
	s.CreateChallenge("a", "b", GameRPS, 0, now)
	events := s.Tick(now.Add(31 * time.Second))
	if len(events) != 1 || events[0].Kind != EventExpired {
		t.Fatalf("expected one expired event, got %+v", events)
	}
}

func TestTickResolvesActivePastDeadlineWithOneMove(t *testing.T) {
	s := testService()
	now := time.Now()
	ev, _ := s.CreateChallenge("a", "b", GameRPS, 0, now)
	id := ev.Challenge.ID
	s.Respond(id, "b", true, now)
	s.SubmitMove(id, "a", "rock", now)

	events := s.Tick(now.Add(46 * time.Second))
	if len(events) != 1 || events[0].Kind != EventResolved {
		t.Fatalf("expected resolved event on timeout with one move, got %+v", events)
	}
	if events[0].Challenge.WinnerID != "a" {
		t.Fatalf("expected mover to win on timeout, got %s", events[0].Challenge.WinnerID)
	}
}

func TestTickDrawsActivePastDeadlineWithNoMoves(t *testing.T) {
	s := testService()
	now := time.Now()
	ev, _ := s.CreateChallenge("a", "b", GameRPS, 0, now)
	id := ev.Challenge.ID
	s.Respond(id, "b", true, now)

	events := s.Tick(now.Add(46 * time.Second))
	if len(events) != 1 || !events[0].Challenge.IsDraw {
		t.Fatalf("expected draw when neither side moved, got %+v", events)
	}
}

func TestClearDisconnectedPlayerExpiresPendingChallenge(t *testing.T) {
	s := testService()
	now := time.Now()
	s.CreateChallenge("a", "b", GameRPS, 0, now)
	ev, ok := s.ClearDisconnectedPlayer("a", now)
	if !ok {
		t.Fatalf("expected ClearDisconnectedPlayer to act")
	}
	if ev.Challenge.Status != StatusExpired || ev.Reason != "player_disconnected" {
		t.Fatalf("expected expired/player_disconnected, got %+v", ev)
	}
}

func TestDiceDuelTieBreakFavorsChallenger(t *testing.T) {
	c := &Challenge{Challenger: "a", Opponent: "b", ChallengerMove: "3", OpponentMove: "3", diceRoll: 1}
	resolveDiceDuel(c)
	if c.WinnerID != "a" {
		t.Fatalf("expected tie to favor challenger, got %s", c.WinnerID)
	}
}

func TestDiceDuelCircularDistance(t *testing.T) {
	// rolled=1, challenger declared 6 (circular distance 1), opponent declared 3 (distance 2)
	c := &Challenge{Challenger: "a", Opponent: "b", ChallengerMove: "6", OpponentMove: "3", diceRoll: 1}
	resolveDiceDuel(c)
	if c.WinnerID != "a" {
		t.Fatalf("expected challenger to win via circular distance, got %s", c.WinnerID)
	}
}

func TestCoinflipOverrideWins(t *testing.T) {
	s := testService()
	now := time.Now()
	ev, _ := s.CreateChallenge("p", SystemHouse, GameCoinflip, 0, now)
	id := ev.Challenge.ID
	s.Respond(id, SystemHouse, true, now)
	s.SetCoinflipOverride(id, "tails")
	s.SubmitMove(id, "p", "tails", now)
	resolveEv, _ := s.SubmitMove(id, SystemHouse, "heads", now)
	if resolveEv.Challenge.WinnerID != "p" {
		t.Fatalf("expected player to win matching override, got %s", resolveEv.Challenge.WinnerID)
	}
}

package station

import (
	"context"
	"testing"
	"time"

	"github.com/wildspark/arena-server/internal/challenge"
)

type fakePositions struct {
	positions map[string][2]float64
}

func (f *fakePositions) Position(playerID string) (float64, float64, bool) {
	p, ok := f.positions[playerID]
	return p[0], p[1], ok
}

type fakePreflight struct {
	ok     bool
	reason string
	calls  int
}

func (f *fakePreflight) PreflightPlayers(_ context.Context, _ []string, _ int64) (bool, string) {
	f.calls++
	return f.ok, f.reason
}

func testStations() []Definition {
	return []Definition{
		{ID: "dealer1", Kind: KindDealerCoinflip, X: 0, Z: 0, Radius: 5},
		{ID: "dice1", Kind: KindDealerDiceDuel, X: 100, Z: 100, Radius: 5},
	}
}

func newTestRouter(positions *fakePositions, preflight Preflighter) (*Router, *challenge.Service) {
	cs := challenge.New(challenge.Config{PendingTimeout: time.Minute, ActiveResolve: time.Minute, IDPrefix: "n0"})
	return New(testStations(), positions, cs, preflight, nil), cs
}

func TestStartRejectsWhenNotNearStation(t *testing.T) {
	positions := &fakePositions{positions: map[string][2]float64{"p1": {50, 50}}}
	r, _ := newTestRouter(positions, nil)

	res, err := r.Start(context.Background(), "p1", "dealer1", 0, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.State != StateDealerError || res.Reason != "not_near_station" {
		t.Fatalf("expected not_near_station, got %+v", res)
	}
}

func TestStartNearStationReturnsCommitHash(t *testing.T) {
	positions := &fakePositions{positions: map[string][2]float64{"p1": {1, 1}}}
	r, _ := newTestRouter(positions, nil)

	res, err := r.Start(context.Background(), "p1", "dealer1", 100, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.State != StateDealerReady || res.CommitHash == "" {
		t.Fatalf("expected dealer_ready with a commit hash, got %+v", res)
	}
}

func TestStartWageredRoundRunsPreflight(t *testing.T) {
	positions := &fakePositions{positions: map[string][2]float64{"p1": {1, 1}}}
	pf := &fakePreflight{ok: true}
	r, _ := newTestRouter(positions, pf)

	res, err := r.Start(context.Background(), "p1", "dealer1", 100, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.State != StateDealerReady {
		t.Fatalf("expected dealer_ready, got %+v", res)
	}
	if pf.calls != 1 {
		t.Fatalf("expected one preflight call, got %d", pf.calls)
	}
}

func TestStartSurfacesPreflightReasonCode(t *testing.T) {
	positions := &fakePositions{positions: map[string][2]float64{"p1": {1, 1}}}
	pf := &fakePreflight{ok: false, reason: "PLAYER_ALLOWANCE_LOW"}
	r, _ := newTestRouter(positions, pf)

	res, err := r.Start(context.Background(), "p1", "dealer1", 100, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.State != StateDealerError || res.Reason != "PLAYER_ALLOWANCE_LOW" {
		t.Fatalf("expected PLAYER_ALLOWANCE_LOW dealer_error, got %+v", res)
	}
}

func TestStartZeroWagerSkipsPreflight(t *testing.T) {
	positions := &fakePositions{positions: map[string][2]float64{"p1": {1, 1}}}
	pf := &fakePreflight{ok: false, reason: "PLAYER_BALANCE_LOW"}
	r, _ := newTestRouter(positions, pf)

	res, err := r.Start(context.Background(), "p1", "dealer1", 0, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.State != StateDealerReady {
		t.Fatalf("expected dealer_ready for free round, got %+v", res)
	}
	if pf.calls != 0 {
		t.Fatalf("expected no preflight call for zero wager, got %d", pf.calls)
	}
}

func TestPickWithoutPendingRoundErrors(t *testing.T) {
	positions := &fakePositions{}
	r, _ := newTestRouter(positions, nil)

	res, err := r.Pick("p1", "heads", "seed", time.Now(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.State != StateDealerError || res.Reason != "no_pending_round" {
		t.Fatalf("expected no_pending_round, got %+v", res)
	}
}

func TestPickRejectsIllegalDeclaration(t *testing.T) {
	positions := &fakePositions{positions: map[string][2]float64{"p1": {1, 1}}}
	r, _ := newTestRouter(positions, nil)
	now := time.Now()

	r.Start(context.Background(), "p1", "dealer1", 0, now)
	res, err := r.Pick("p1", "edge", "seed", now, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.State != StateDealerError || res.Reason != "illegal_move" {
		t.Fatalf("expected illegal_move, got %+v", res)
	}
}

func TestFullCoinflipRoundReveals(t *testing.T) {
	positions := &fakePositions{positions: map[string][2]float64{"p1": {1, 1}}}
	r, _ := newTestRouter(positions, nil)
	now := time.Now()

	start, _ := r.Start(context.Background(), "p1", "dealer1", 0, now)
	if start.State != StateDealerReady {
		t.Fatalf("expected dealer_ready, got %+v", start)
	}

	var kinds []challenge.EventKind
	dispatch := func(ev challenge.Event) bool {
		kinds = append(kinds, ev.Kind)
		return true
	}
	pick, err := r.Pick("p1", "heads", "myseed", now, dispatch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pick.State != StateDealerReveal {
		t.Fatalf("expected dealer_reveal, got %+v", pick)
	}
	if pick.Result != "heads" && pick.Result != "tails" {
		t.Fatalf("expected heads or tails, got %q", pick.Result)
	}
	if pick.WinnerID != "p1" && pick.WinnerID != challenge.SystemHouse {
		t.Fatalf("expected a winner to be recorded, got %q", pick.WinnerID)
	}
	want := []challenge.EventKind{challenge.EventCreated, challenge.EventAccepted, challenge.EventResolved}
	if len(kinds) != len(want) {
		t.Fatalf("expected %d dispatched events, got %v", len(want), kinds)
	}
	for i, k := range want {
		if kinds[i] != k {
			t.Fatalf("expected event order %v, got %v", want, kinds)
		}
	}
}

func TestPickStopsWhenDispatchReportsChallengeDead(t *testing.T) {
	positions := &fakePositions{positions: map[string][2]float64{"p1": {1, 1}}}
	r, cs := newTestRouter(positions, nil)
	now := time.Now()

	r.Start(context.Background(), "p1", "dealer1", 100, now)

	// Simulate the gateway aborting the challenge when the escrow lock
	// fails after the accept.
	dispatch := func(ev challenge.Event) bool {
		if ev.Kind == challenge.EventAccepted {
			cs.Abort(ev.Challenge.ID, "PLAYER_BALANCE_LOW")
			return false
		}
		return true
	}
	pick, err := r.Pick("p1", "heads", "seed", now, dispatch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pick.State != StateDealerError || pick.Reason != "escrow_lock_failed" {
		t.Fatalf("expected escrow_lock_failed, got %+v", pick)
	}
	c, ok := cs.Get(pick.ChallengeID)
	if !ok || c.Status != challenge.StatusDeclined {
		t.Fatalf("expected challenge declined after abort, got %+v ok=%v", c, ok)
	}
}

func TestFullDiceDuelRoundReveals(t *testing.T) {
	positions := &fakePositions{positions: map[string][2]float64{"p1": {100, 100}}}
	r, _ := newTestRouter(positions, nil)
	now := time.Now()

	r.Start(context.Background(), "p1", "dice1", 0, now)
	pick, err := r.Pick("p1", "4", "myseed", now, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pick.State != StateDealerReveal {
		t.Fatalf("expected dealer_reveal, got %+v", pick)
	}
	face := pick.Result
	if len(face) != 1 || face[0] < '1' || face[0] > '6' {
		t.Fatalf("expected a single rolled face 1-6, got %q", face)
	}
}

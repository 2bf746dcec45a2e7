package proximity

import "testing"

func countKind(events []Event, k EventKind) int {
	n := 0
	for _, e := range events {
		if e.Kind == k {
			n++
		}
	}
	return n
}

func TestEnterEmittedOnceThresholdCrossed(t *testing.T) {
	d := New(10)
	events := d.Update([]Entity{
		{ID: "a", X: 0, Z: 0},
		{ID: "b", X: 5, Z: 0},
	})
	if countKind(events, EventEnter) != 2 {
		t.Fatalf("expected 2 enter events, got %d: %+v", countKind(events, EventEnter), events)
	}

	// Same pair stays within threshold: no duplicate events.
	events = d.Update([]Entity{
		{ID: "a", X: 0, Z: 0},
		{ID: "b", X: 6, Z: 0},
	})
	if len(events) != 0 {
		t.Fatalf("expected no events for a still-active pair, got %+v", events)
	}
}

func TestExitEmittedOnSeparation(t *testing.T) {
	d := New(10)
	d.Update([]Entity{{ID: "a", X: 0, Z: 0}, {ID: "b", X: 5, Z: 0}})
	events := d.Update([]Entity{{ID: "a", X: 0, Z: 0}, {ID: "b", X: 50, Z: 0}})
	if countKind(events, EventExit) != 2 {
		t.Fatalf("expected 2 exit events, got %+v", events)
	}
}

func TestExactThresholdCountsAsInside(t *testing.T) {
	d := New(10)
	events := d.Update([]Entity{{ID: "a", X: 0, Z: 0}, {ID: "b", X: 10, Z: 0}})
	if countKind(events, EventEnter) != 2 {
		t.Fatalf("expected distance == threshold to count as inside, got %+v", events)
	}
}

func TestDisconnectSuppressesOwnExitButDeliversCounterpartyExit(t *testing.T) {
	d := New(10)
	d.Update([]Entity{{ID: "a", X: 0, Z: 0}, {ID: "b", X: 5, Z: 0}})
	d.Disconnect("a")

	// a's own-direction exit is suppressed (its session is gone), but b must
	// still be told the pair broke.
	events := d.Update([]Entity{{ID: "b", X: 5, Z: 0}})
	if len(events) != 1 {
		t.Fatalf("expected exactly 1 exit event for b, got %+v", events)
	}
	if events[0].Kind != EventExit || events[0].SubjectID != "b" || events[0].OtherID != "a" {
		t.Fatalf("expected exit event addressed to b about a, got %+v", events[0])
	}

	// The suppression is one-shot: once consumed it must not mask future
	// exits for b.
	d.Update([]Entity{{ID: "b", X: 0, Z: 0}, {ID: "c", X: 5, Z: 0}})
	events = d.Update([]Entity{{ID: "b", X: 0, Z: 0}, {ID: "c", X: 50, Z: 0}})
	if countKind(events, EventExit) != 2 {
		t.Fatalf("expected normal 2-sided exit once suppression has been consumed, got %+v", events)
	}
}

func TestNoDuplicatePairKeys(t *testing.T) {
	d := New(10)
	events := d.Update([]Entity{
		{ID: "a", X: 0, Z: 0},
		{ID: "b", X: 1, Z: 0},
		{ID: "c", X: 2, Z: 0},
	})
	// a-b, b-c, a-c all within threshold -> 3 pairs * 2 events = 6
	if len(events) != 6 {
		t.Fatalf("expected 6 events for 3 mutually-close entities, got %d: %+v", len(events), events)
	}
}

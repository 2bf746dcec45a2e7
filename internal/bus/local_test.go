package bus

import (
	"context"
	"testing"
)

func TestLocalBusPlayerDirectFanOut(t *testing.T) {
	b := NewLocalBus()
	var got []PlayerDirectMessage
	b.SubscribePlayerDirect(func(m PlayerDirectMessage) { got = append(got, m) })
	b.SubscribePlayerDirect(func(m PlayerDirectMessage) { got = append(got, m) })

	b.PublishPlayerDirect(context.Background(), PlayerDirectMessage{PlayerID: "p1"})
	if len(got) != 2 {
		t.Fatalf("expected both subscribers to receive the message, got %d deliveries", len(got))
	}
}

func TestLocalBusChallengeCommandDelivered(t *testing.T) {
	b := NewLocalBus()
	received := false
	b.SubscribeChallengeCommand(func(c ChallengeCommand) {
		if c.ChallengeID == "c1" {
			received = true
		}
	})
	b.PublishChallengeCommand(context.Background(), ChallengeCommand{ChallengeID: "c1", Type: "challenge_move"})
	if !received {
		t.Fatalf("expected challenge command to be delivered")
	}
}

func TestLocalBusAdminCommandDelivered(t *testing.T) {
	b := NewLocalBus()
	received := false
	b.SubscribeAdminCommand(func(c AdminCommand) {
		if c.PlayerID == "p1" {
			received = true
		}
	})
	b.PublishAdminCommand(context.Background(), AdminCommand{PlayerID: "p1", Type: "admin_teleport"})
	if !received {
		t.Fatalf("expected admin command to be delivered")
	}
}

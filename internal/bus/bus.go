// Package bus implements the distributed message bus: three logical
// pub/sub channels (player-direct, challenge-command-per-owner,
// admin-command-per-owner), Redis-backed with an in-process fan-out
// fallback for single-node mode. Publish/subscribe is symmetric and
// defensive: a malformed payload is logged and dropped, never allowed to
// kill the dispatch loop.
package bus

import "context"

// PlayerDirectMessage is published by any node; every node's Bus forwards
// it to the local session for PlayerID (if owned here), dropping it
// otherwise.
type PlayerDirectMessage struct {
	PlayerID string
	Payload  []byte
}

// ChallengeCommand is a forwarded challenge_response/challenge_counter/
// challenge_move command, delivered only to the named owner node.
type ChallengeCommand struct {
	Type        string
	ChallengeID string
	ActorID     string
	OwnerNodeID string
	Payload     []byte
}

// AdminCommand is an admin_teleport (or similar) command delivered only
// to the target owner node.
type AdminCommand struct {
	Type        string
	PlayerID    string
	OwnerNodeID string
	Payload     []byte
}

// Bus is the transport abstraction. Publishers and subscribers are
// symmetric: any node can call Publish*, and every node that calls
// Subscribe* receives all messages on that logical channel (message
// handlers are themselves responsible for checking node/player
// ownership before acting).
type Bus interface {
	PublishPlayerDirect(ctx context.Context, msg PlayerDirectMessage) error
	SubscribePlayerDirect(handler func(PlayerDirectMessage))

	PublishChallengeCommand(ctx context.Context, msg ChallengeCommand) error
	SubscribeChallengeCommand(handler func(ChallengeCommand))

	PublishAdminCommand(ctx context.Context, msg AdminCommand) error
	SubscribeAdminCommand(handler func(AdminCommand))

	Close() error
}

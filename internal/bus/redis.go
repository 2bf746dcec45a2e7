package bus

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	channelPlayerDirect = "arena:bus:player-direct"
	channelChallengeCmd = "arena:bus:challenge-command"
	channelAdminCmd     = "arena:bus:admin-command"
)

// RedisBus implements Bus over Redis PUBLISH/SUBSCRIBE. Every node
// subscribes to all three channels; handlers are responsible for
// filtering by ownership — the node owning the live session sends the
// payload, every other node drops it.
type RedisBus struct {
	rdb    *redis.Client
	log    zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	playerSub    *redis.PubSub
	challengeSub *redis.PubSub
	adminSub     *redis.PubSub
}

// NewRedisBus wraps rdb without subscribing to anything; each Subscribe*
// call subscribes to its channel and starts a background dispatch loop.
// Call Close to stop them.
func NewRedisBus(rdb *redis.Client, log zerolog.Logger) *RedisBus {
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisBus{
		rdb:    rdb,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (b *RedisBus) PublishPlayerDirect(ctx context.Context, msg PlayerDirectMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, channelPlayerDirect, data).Err()
}

func (b *RedisBus) SubscribePlayerDirect(handler func(PlayerDirectMessage)) {
	b.playerSub = b.rdb.Subscribe(b.ctx, channelPlayerDirect)
	ch := b.playerSub.Channel()
	go func() {
		for m := range ch {
			var msg PlayerDirectMessage
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				b.log.Warn().Err(err).Msg("bus: dropping malformed player-direct message")
				continue
			}
			handler(msg)
		}
	}()
}

func (b *RedisBus) PublishChallengeCommand(ctx context.Context, msg ChallengeCommand) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, channelChallengeCmd, data).Err()
}

func (b *RedisBus) SubscribeChallengeCommand(handler func(ChallengeCommand)) {
	b.challengeSub = b.rdb.Subscribe(b.ctx, channelChallengeCmd)
	ch := b.challengeSub.Channel()
	go func() {
		for m := range ch {
			var msg ChallengeCommand
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				b.log.Warn().Err(err).Msg("bus: dropping malformed challenge-command message")
				continue
			}
			handler(msg)
		}
	}()
}

func (b *RedisBus) PublishAdminCommand(ctx context.Context, msg AdminCommand) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, channelAdminCmd, data).Err()
}

func (b *RedisBus) SubscribeAdminCommand(handler func(AdminCommand)) {
	b.adminSub = b.rdb.Subscribe(b.ctx, channelAdminCmd)
	ch := b.adminSub.Channel()
	go func() {
		for m := range ch {
			var msg AdminCommand
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				b.log.Warn().Err(err).Msg("bus: dropping malformed admin-command message")
				continue
			}
			handler(msg)
		}
	}()
}

func (b *RedisBus) Close() error {
	b.cancel()
	for _, sub := range []*redis.PubSub{b.playerSub, b.challengeSub, b.adminSub} {
		if sub != nil {
			sub.Close()
		}
	}
	return nil
}

package notify

import (
	"context"
	"encoding/json"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/mohans/newsdigest/logger"
	"github.com/mohans/newsdigest/models"
)

// DefaultBusChannel is the pub/sub channel used when none is configured.
const DefaultBusChannel = "newsdigest:notifications"

type busMessage struct {
	UserID       string              `json:"userId"`
	Notification models.Notification `json:"notification"`
}

// RedisBus replicates live notifications over redis pub/sub.
type RedisBus struct {
	rdb     goredis.UniversalClient
	channel string
	log     *logger.Logger
}

func NewRedisBus(rdb goredis.UniversalClient, channel string, log *logger.Logger) *RedisBus {
	if channel == "" {
		channel = DefaultBusChannel
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &RedisBus{rdb: rdb, channel: channel, log: log.With("component", "notify.RedisBus")}
}

func (b *RedisBus) Publish(ctx context.Context, userID string, n models.Notification) error {
	raw, err := json.Marshal(busMessage{UserID: userID, Notification: n})
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.channel, raw).Err()
}

// Subscribe starts forwarding messages to onMsg until ctx is done. It
// returns once the subscription is confirmed.
func (b *RedisBus) Subscribe(ctx context.Context, onMsg func(userID string, n models.Notification)) error {
	if onMsg == nil {
		return fmt.Errorf("onMsg callback required")
	}
	sub := b.rdb.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}
	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					return
				}
				var msg busMessage
				if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
					b.log.Warn("bad notification bus payload", "error", err)
					continue
				}
				onMsg(msg.UserID, msg.Notification)
			}
		}
	}()
	return nil
}

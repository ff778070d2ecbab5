package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"deckgen/internal/models"
)

const channelPrefix = "deckgen:progress:"

// Redis implements Bus on Redis Pub/Sub with one channel per deck. PUBLISH to
// a channel nobody listens on is dropped by Redis itself, which is exactly
// the zero-subscriber contract.
type Redis struct {
	client *redis.Client
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (b *Redis) Publish(ctx context.Context, deckID string, p models.Progress) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	return b.client.Publish(ctx, channelPrefix+deckID, payload).Err()
}

func (b *Redis) Subscribe(ctx context.Context, deckID string) (Subscription, error) {
	pubsub := b.client.Subscribe(ctx, channelPrefix+deckID)
	// Force the SUBSCRIBE round trip so publish-after-subscribe ordering holds.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", deckID, err)
	}

	sub := &redisSubscription{
		pubsub: pubsub,
		events: make(chan models.Progress, 16),
	}
	go sub.pump(pubsub.Channel())
	return sub, nil
}

type redisSubscription struct {
	pubsub *redis.PubSub
	events chan models.Progress
	once   sync.Once
}

func (s *redisSubscription) pump(messages <-chan *redis.Message) {
	defer close(s.events)
	for msg := range messages {
		var p models.Progress
		if err := json.Unmarshal([]byte(msg.Payload), &p); err != nil {
			log.Warn().Err(err).Str("channel", msg.Channel).Msg("drop undecodable progress message")
			continue
		}
		// Delivery is best-effort: a subscriber that stops draining loses
		// events; the pump must never block on a full buffer, or Close
		// could no longer unwind it.
		select {
		case s.events <- p:
		default:
			log.Warn().Str("channel", msg.Channel).Msg("drop progress event for slow subscriber")
		}
	}
}

func (s *redisSubscription) Events() <-chan models.Progress {
	return s.events
}

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		err = s.pubsub.Close()
	})
	return err
}

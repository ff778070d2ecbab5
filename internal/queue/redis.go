package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	readyKey    = "deckgen:queue:ready"
	inflightKey = "deckgen:queue:inflight"
)

// Redis implements Queue on a ready list plus an in-flight sorted set scored
// by lease deadline. The pop-and-lease step runs as a Lua script so no two
// workers can observe the same id between LPOP and ZADD.
type Redis struct {
	client        *redis.Client
	visibilityTTL time.Duration
}

// NewRedis builds a queue on an existing client.
func NewRedis(client *redis.Client, visibility time.Duration) *Redis {
	if visibility == 0 {
		visibility = 10 * time.Minute
	}
	return &Redis{client: client, visibilityTTL: visibility}
}

func (q *Redis) Enqueue(ctx context.Context, deckID string) error {
	return q.client.RPush(ctx, readyKey, deckID).Err()
}

func (q *Redis) Dequeue(ctx context.Context) (string, error) {
	res, err := dequeueScript.Run(ctx, q.client, []string{readyKey, inflightKey},
		time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	deckID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return deckID, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight deck.
func (q *Redis) ExtendLease(ctx context.Context, deckID string, extension time.Duration) error {
	return q.client.ZAdd(ctx, inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: deckID,
	}).Err()
}

// Ack removes a deck from in-flight tracking.
func (q *Redis) Ack(ctx context.Context, deckID string) error {
	return q.client.ZRem(ctx, inflightKey, deckID).Err()
}

// ReapExpired drops in-flight entries whose lease deadline passed.
func (q *Redis) ReapExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	members := make([]interface{}, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	if err := q.client.ZRem(ctx, inflightKey, members...).Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

// Depth returns the length of the ready queue.
func (q *Redis) Depth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, readyKey).Result()
}

var dequeueScript = redis.NewScript(`
local deck = redis.call('LPOP', KEYS[1])
if deck then
  redis.call('ZADD', KEYS[2], ARGV[1], deck)
  return deck
end
return nil
`)

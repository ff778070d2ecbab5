package queue

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Queue with the same lease semantics as the Redis
// implementation, used by tests and self-contained runs.
type Memory struct {
	mu         sync.Mutex
	ready      []string
	inflight   map[string]time.Time
	visibility time.Duration
}

func NewMemory(visibility time.Duration) *Memory {
	if visibility == 0 {
		visibility = 10 * time.Minute
	}
	return &Memory{
		inflight:   make(map[string]time.Time),
		visibility: visibility,
	}
}

func (q *Memory) Enqueue(_ context.Context, deckID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ready = append(q.ready, deckID)
	return nil
}

func (q *Memory) Dequeue(_ context.Context) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ready) == 0 {
		return "", nil
	}
	deckID := q.ready[0]
	q.ready = q.ready[1:]
	q.inflight[deckID] = time.Now().Add(q.visibility)
	return deckID, nil
}

func (q *Memory) ExtendLease(_ context.Context, deckID string, extension time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inflight[deckID]; ok {
		q.inflight[deckID] = time.Now().Add(extension)
	}
	return nil
}

func (q *Memory) Ack(_ context.Context, deckID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, deckID)
	return nil
}

func (q *Memory) ReapExpired(_ context.Context, now time.Time, limit int64) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var expired []string
	for id, deadline := range q.inflight {
		if deadline.Before(now) || deadline.Equal(now) {
			expired = append(expired, id)
			if limit > 0 && int64(len(expired)) >= limit {
				break
			}
		}
	}
	for _, id := range expired {
		delete(q.inflight, id)
	}
	return expired, nil
}

func (q *Memory) Depth(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.ready)), nil
}

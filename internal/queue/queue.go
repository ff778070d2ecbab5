package queue

import (
	"context"
	"time"
)

// Queue hands out deck ids for execution with single-delivery semantics: a
// dequeued id is invisible to other workers until it is acked or its lease
// expires. That lease is the exclusivity guarantee behind the one-runner-per-
// deck rule; it is provided here, not assumed from application logic.
//
// Expired leases are reaped, not re-enqueued: a lost attempt ends in a failed
// status and retry is an explicit restart.
type Queue interface {
	Enqueue(ctx context.Context, deckID string) error
	// Dequeue pops the oldest ready id, placing it in-flight under a lease.
	// Returns "" when the queue is idle.
	Dequeue(ctx context.Context) (string, error)
	ExtendLease(ctx context.Context, deckID string, extension time.Duration) error
	Ack(ctx context.Context, deckID string) error
	// ReapExpired removes in-flight entries whose lease passed and returns
	// their ids so the caller can mark the orphaned decks failed.
	ReapExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	Depth(ctx context.Context) (int64, error)
}

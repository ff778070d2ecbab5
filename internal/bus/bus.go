package bus

import (
	"context"

	"deckgen/internal/models"
)

// Bus is the ephemeral per-deck progress channel. Publishing with zero
// subscribers is a no-op, not an error; durability lives in the event log.
// Events for one deck reach each subscriber in publish order; nothing is
// guaranteed across decks, and there is no history replay.
type Bus interface {
	Publish(ctx context.Context, deckID string, p models.Progress) error
	Subscribe(ctx context.Context, deckID string) (Subscription, error)
}

// Subscription is one observer's live stream for a single deck. Events() is
// closed when the subscription ends; Close is safe to call more than once.
type Subscription interface {
	Events() <-chan models.Progress
	Close() error
}

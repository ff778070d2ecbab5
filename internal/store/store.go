package store

import (
	"context"
	"errors"
	"time"

	"deckgen/internal/models"
)

// ErrNotFound is returned when a referenced deck does not exist.
var ErrNotFound = errors.New("deck not found")

// CreateDeckParams collects inputs required to insert a deck.
type CreateDeckParams struct {
	Topic     string
	Language  string
	Slides    int
	Grade     int
	Subject   string
	Author    *string
	BookID    *int
	Template  *int
	DedupeKey string
}

// AppendEventParams describes one event-log append.
type AppendEventParams struct {
	DeckID  string
	Kind    string
	Stage   *string
	Percent *int
	Message string
	Payload models.Progress
}

// Store is the durable record of decks plus their append-only event logs.
//
// Deck writes are field-level and atomic: a progress update to Files must
// never clobber a concurrent status flip and vice versa. Status transitions
// away from pending are guarded so at most one runner can claim a deck.
type Store interface {
	// CreateDeck inserts a pending deck. When DedupeKey matches an existing
	// deck the existing one is returned with created=false and nothing is
	// written; the create-or-get is atomic under concurrent submitters.
	CreateDeck(ctx context.Context, p CreateDeckParams) (models.Deck, bool, error)
	GetDeck(ctx context.Context, id string) (models.Deck, error)

	// MarkProcessing flips pending -> processing. Returns false without
	// writing when the deck is not currently pending.
	MarkProcessing(ctx context.Context, id string) (bool, error)
	// MarkDone flips processing -> done and records the final artifact list.
	// Returns false without writing when the deck is not currently
	// processing; terminal states are sticky until an explicit restart.
	MarkDone(ctx context.Context, id string, files []string) (bool, error)
	// MarkFailed writes the terminal failure status and clears any partial
	// artifact list. Returns false without writing when the deck is already
	// terminal.
	MarkFailed(ctx context.Context, id string) (bool, error)

	// SetFiles replaces the artifact list wholesale; the producer is the sole
	// authority on the current set while a deck is running.
	SetFiles(ctx context.Context, id string, files []string) error

	// ListActive returns decks in the given states, oldest first.
	ListActive(ctx context.Context, statuses []string, limit int) ([]models.Deck, error)

	// ResetForRestart flips failed -> pending and clears files, leaving
	// retry_count untouched. Returns false without writing when the deck is
	// not currently failed.
	ResetForRestart(ctx context.Context, id string) (bool, error)
	IncrementRetryCount(ctx context.Context, id string) error

	AppendEvent(ctx context.Context, p AppendEventParams) (models.Event, error)
	LatestStatusEvent(ctx context.Context, deckID string) (models.Event, bool, error)
	EventsSince(ctx context.Context, deckID string, after time.Time) ([]models.Event, error)
}

package producer

import (
	"context"

	"deckgen/internal/models"
)

// Request carries the generation parameters for one attempt.
type Request struct {
	DeckID   string
	Topic    string
	Language string
	Slides   int
	Grade    int
	Subject  string
	Author   *string
	Template *int
}

// Producer is the external generation source. Generate performs resource
// acquisition (sessions, credentials) and returns a live stream of progress
// updates; an error here means the attempt failed before producing anything.
type Producer interface {
	Generate(ctx context.Context, req Request) (Stream, error)
}

// Stream yields progress updates in the order the source produces them.
// Next returns io.EOF when the stream ends normally. Close releases the
// source's resources and must be called on every exit path.
type Stream interface {
	Next(ctx context.Context) (models.Progress, error)
	Close(ctx context.Context) error
}

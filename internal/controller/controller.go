package controller

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"deckgen/internal/config"
	"deckgen/internal/models"
	"deckgen/internal/queue"
	"deckgen/internal/store"
	"deckgen/internal/telemetry"
)

// ErrConflict is returned when a restart is requested for a deck that is not
// in the failed state. Restarting a pending or processing deck would allow two
// runners to race on one id, so the request is rejected rather than honored.
var ErrConflict = errors.New("deck is not in a restartable state")

// ValidationError reports a malformed submission field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Controller implements the API-facing deck operations. It owns deck creation
// and restart; all other status transitions belong to the runner.
type Controller struct {
	cfg   config.Config
	store store.Store
	queue queue.Queue
}

func New(cfg config.Config, st store.Store, q queue.Queue) *Controller {
	return &Controller{cfg: cfg, store: st, queue: q}
}

// SubmitRequest carries the generation parameters for a new deck.
type SubmitRequest struct {
	Topic     string  `json:"topic"`
	Language  string  `json:"language"`
	Slides    int     `json:"slides"`
	Grade     int     `json:"grade"`
	Subject   string  `json:"subject"`
	Author    *string `json:"author,omitempty"`
	BookID    *int    `json:"book_id,omitempty"`
	Template  *int    `json:"template,omitempty"`
	DedupeKey string  `json:"dedupe_key,omitempty"`
}

// DeckView is a deck joined with its derived download references.
type DeckView struct {
	models.Deck
	FileURLs []string `json:"file_urls"`
}

func viewOf(deck models.Deck) DeckView {
	return DeckView{Deck: deck, FileURLs: models.DownloadURLs(deck.ID, len(deck.Files))}
}

// Submit validates the request, creates a pending deck and enqueues exactly
// one work item. A dedupe-key hit returns the existing deck with
// created=false and enqueues nothing.
func (c *Controller) Submit(ctx context.Context, req SubmitRequest) (DeckView, bool, error) {
	if err := c.validate(req); err != nil {
		return DeckView{}, false, err
	}

	deck, created, err := c.store.CreateDeck(ctx, store.CreateDeckParams{
		Topic:     req.Topic,
		Language:  req.Language,
		Slides:    req.Slides,
		Grade:     req.Grade,
		Subject:   req.Subject,
		Author:    req.Author,
		BookID:    req.BookID,
		Template:  req.Template,
		DedupeKey: req.DedupeKey,
	})
	if err != nil {
		return DeckView{}, false, fmt.Errorf("create deck: %w", err)
	}
	if !created {
		telemetry.DecksDeduped.Inc()
		return viewOf(deck), false, nil
	}

	c.appendPendingEvent(ctx, deck.ID, "queued for generation")

	if err := c.queue.Enqueue(ctx, deck.ID); err != nil {
		// The deck exists but no worker will ever see it; fail it so the
		// caller is not left watching a pending deck forever.
		c.failDeck(ctx, deck.ID, "work item could not be enqueued")
		return DeckView{}, false, fmt.Errorf("enqueue deck: %w", err)
	}
	telemetry.DecksSubmitted.Inc()
	log.Info().Str("deck_id", deck.ID).Str("topic", deck.Topic).Msg("deck submitted")
	return viewOf(deck), true, nil
}

// Restart resets a failed deck to pending, bumps its retry count and enqueues
// exactly one new work item.
func (c *Controller) Restart(ctx context.Context, id string) (DeckView, error) {
	if _, err := c.store.GetDeck(ctx, id); err != nil {
		return DeckView{}, err
	}

	reset, err := c.store.ResetForRestart(ctx, id)
	if err != nil {
		return DeckView{}, fmt.Errorf("reset deck: %w", err)
	}
	if !reset {
		return DeckView{}, ErrConflict
	}
	if err := c.store.IncrementRetryCount(ctx, id); err != nil {
		log.Error().Err(err).Str("deck_id", id).Msg("retry count increment failed")
	}

	c.appendPendingEvent(ctx, id, "restarted")

	if err := c.queue.Enqueue(ctx, id); err != nil {
		c.failDeck(ctx, id, "work item could not be enqueued")
		return DeckView{}, fmt.Errorf("enqueue deck: %w", err)
	}
	telemetry.DecksRestarted.Inc()
	log.Info().Str("deck_id", id).Msg("deck restarted")

	deck, err := c.store.GetDeck(ctx, id)
	if err != nil {
		return DeckView{}, err
	}
	return viewOf(deck), nil
}

// Get returns one deck with derived download references.
func (c *Controller) Get(ctx context.Context, id string) (DeckView, error) {
	deck, err := c.store.GetDeck(ctx, id)
	if err != nil {
		return DeckView{}, err
	}
	return viewOf(deck), nil
}

// ListActive returns pending, processing and failed decks, oldest first.
func (c *Controller) ListActive(ctx context.Context, limit int) ([]DeckView, error) {
	if limit <= 0 {
		limit = c.cfg.ListActiveDefault
	}
	if c.cfg.ListActiveMax > 0 && limit > c.cfg.ListActiveMax {
		limit = c.cfg.ListActiveMax
	}
	decks, err := c.store.ListActive(ctx, models.ActiveStatuses, limit)
	if err != nil {
		return nil, fmt.Errorf("list active: %w", err)
	}
	views := make([]DeckView, 0, len(decks))
	for _, deck := range decks {
		views = append(views, viewOf(deck))
	}
	return views, nil
}

// ResolveArtifact maps a deck id and 0-based index to a stored artifact name.
func (c *Controller) ResolveArtifact(ctx context.Context, id string, index int) (string, error) {
	deck, err := c.store.GetDeck(ctx, id)
	if err != nil {
		return "", err
	}
	if index < 0 || index >= len(deck.Files) {
		return "", store.ErrNotFound
	}
	return deck.Files[index], nil
}

// failDeck flips a deck that can never reach a worker to failed and records
// the transition in the event log the same way the runner does, so the last
// status event always matches the stored status.
func (c *Controller) failDeck(ctx context.Context, deckID, message string) {
	failed, err := c.store.MarkFailed(ctx, deckID)
	if err != nil {
		log.Error().Err(err).Str("deck_id", deckID).Msg("mark failed after enqueue error")
		return
	}
	if !failed {
		return
	}
	stage := models.StatusFailed
	if _, err := c.store.AppendEvent(ctx, store.AppendEventParams{
		DeckID:  deckID,
		Kind:    models.EventStatus,
		Stage:   &stage,
		Percent: models.Pct(0),
		Message: message,
		Payload: models.Progress{DeckID: deckID, Stage: stage, Percent: models.Pct(0)},
	}); err != nil {
		log.Error().Err(err).Str("deck_id", deckID).Msg("failed event append failed")
	}
	if _, err := c.store.AppendEvent(ctx, store.AppendEventParams{
		DeckID:  deckID,
		Kind:    models.EventError,
		Message: message,
		Payload: models.Progress{DeckID: deckID, Stage: stage, Percent: models.Pct(0), Error: message},
	}); err != nil {
		log.Error().Err(err).Str("deck_id", deckID).Msg("error event append failed")
	}
	telemetry.DecksFailed.Inc()
}

// appendPendingEvent logs the pending transition; append failures are
// reported, never propagated.
func (c *Controller) appendPendingEvent(ctx context.Context, deckID, message string) {
	stage := models.StatusPending
	if _, err := c.store.AppendEvent(ctx, store.AppendEventParams{
		DeckID:  deckID,
		Kind:    models.EventStatus,
		Stage:   &stage,
		Percent: models.Pct(0),
		Message: message,
		Payload: models.Progress{DeckID: deckID, Stage: stage, Percent: models.Pct(0)},
	}); err != nil {
		log.Error().Err(err).Str("deck_id", deckID).Msg("pending event append failed")
	}
}

func (c *Controller) validate(req SubmitRequest) error {
	if req.Topic == "" {
		return &ValidationError{Field: "topic", Reason: "is required"}
	}
	if req.Language == "" {
		return &ValidationError{Field: "language", Reason: "is required"}
	}
	if req.Subject == "" {
		return &ValidationError{Field: "subject", Reason: "is required"}
	}
	if req.Slides < 1 {
		return &ValidationError{Field: "slides", Reason: "must be at least 1"}
	}
	if c.cfg.MaxSlides > 0 && req.Slides > c.cfg.MaxSlides {
		return &ValidationError{Field: "slides", Reason: fmt.Sprintf("must be at most %d", c.cfg.MaxSlides)}
	}
	if req.Grade < 1 || req.Grade > 13 {
		return &ValidationError{Field: "grade", Reason: "must be between 1 and 13"}
	}
	if req.BookID != nil && *req.BookID < 0 {
		return &ValidationError{Field: "book_id", Reason: "must be non-negative"}
	}
	if req.Template != nil && *req.Template < 0 {
		return &ValidationError{Field: "template", Reason: "must be non-negative"}
	}
	return nil
}

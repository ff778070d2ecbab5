package runner

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/rs/zerolog/log"

	"deckgen/internal/bus"
	"deckgen/internal/config"
	"deckgen/internal/models"
	"deckgen/internal/producer"
	"deckgen/internal/queue"
	"deckgen/internal/store"
	"deckgen/internal/telemetry"
)

// Runner executes one deck attempt at a time: it claims queued decks, drives
// the generation producer, and guarantees every attempt ends in a terminal
// status with the producer's resources released.
type Runner struct {
	cfg      config.Config
	store    store.Store
	queue    queue.Queue
	bus      bus.Bus
	producer producer.Producer
	workerID string
}

func New(cfg config.Config, st store.Store, q queue.Queue, b bus.Bus, p producer.Producer, workerID string) *Runner {
	return &Runner{
		cfg:      cfg,
		store:    st,
		queue:    q,
		bus:      b,
		producer: p,
		workerID: workerID,
	}
}

// Run is the main worker loop; it returns when the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		r.reapOrphans(ctx)
		if depth, err := r.queue.Depth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}

		deckID, err := r.queue.Dequeue(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("dequeue failed")
		}
		if err != nil || deckID == "" {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.cfg.WorkerPollInterval):
			}
			continue
		}

		r.process(ctx, deckID)
	}
}

// process runs a single dequeued deck to a terminal state and acks it.
func (r *Runner) process(ctx context.Context, deckID string) {
	deck, err := r.store.GetDeck(ctx, deckID)
	if err != nil {
		log.Error().Err(err).Str("deck_id", deckID).Msg("dequeued unknown deck")
		_ = r.queue.Ack(ctx, deckID)
		return
	}

	var claimed bool
	err = retryWrite(ctx, func() error {
		var claimErr error
		claimed, claimErr = r.store.MarkProcessing(ctx, deckID)
		return claimErr
	})
	if err != nil {
		log.Error().Err(err).Str("deck_id", deckID).Msg("claim failed, leaving lease to expire")
		return
	}
	if !claimed {
		// Another runner holds it, or it was restarted/terminal since enqueue.
		log.Info().Str("deck_id", deckID).Str("status", deck.Status).Msg("skip deck: not pending")
		_ = r.queue.Ack(ctx, deckID)
		return
	}

	r.appendStatusEvent(ctx, deckID, models.StatusProcessing, nil, "generation started")
	r.publish(ctx, deckID, models.Progress{DeckID: deckID, Stage: models.StatusProcessing, Percent: models.Pct(0)})
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	log.Info().Str("deck_id", deckID).Str("worker_id", r.workerID).Str("topic", deck.Topic).Msg("attempt started")
	files, runErr := r.runAttempt(ctx, deck)
	var recorded bool
	if runErr != nil {
		recorded = r.failDeck(ctx, deckID, runErr.Error())
	} else {
		recorded = r.completeDeck(ctx, deckID, files)
	}
	if !recorded {
		// The terminal write never landed. Keep the lease so the reaper
		// revisits the deck after it expires instead of stranding it in
		// processing with nothing watching.
		return
	}

	// Terminal bookkeeping is attempted before the slot is released.
	if err := r.queue.Ack(ctx, deckID); err != nil {
		log.Error().Err(err).Str("deck_id", deckID).Msg("ack failed")
	}
}

// runAttempt drives the producer for one deck. The producer-facing loop and
// the persist+publish loop run as separate tasks joined by an ordered
// channel, so a slow event-log write can neither block receipt of the next
// producer update nor reorder delivery.
func (r *Runner) runAttempt(ctx context.Context, deck models.Deck) ([]string, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, r.cfg.GenerationTimeout)
	defer cancel()

	// Attempts may outlive the queue lease; keep extending it while the
	// attempt runs so the reaper does not fail a deck that is still live.
	heartbeat := r.cfg.VisibilityTimeout / 3
	if heartbeat <= 0 {
		heartbeat = time.Minute
	}
	go func() {
		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-attemptCtx.Done():
				return
			case <-ticker.C:
				if err := r.queue.ExtendLease(ctx, deck.ID, r.cfg.VisibilityTimeout); err != nil {
					log.Warn().Err(err).Str("deck_id", deck.ID).Msg("lease extension failed")
				}
			}
		}
	}()

	stream, err := r.producer.Generate(attemptCtx, producer.Request{
		DeckID:   deck.ID,
		Topic:    deck.Topic,
		Language: deck.Language,
		Slides:   deck.Slides,
		Grade:    deck.Grade,
		Subject:  deck.Subject,
		Author:   deck.Author,
		Template: deck.Template,
	})
	if err != nil {
		return nil, err
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer closeCancel()
		if err := stream.Close(closeCtx); err != nil {
			log.Warn().Err(err).Str("deck_id", deck.ID).Msg("producer stream close failed")
		}
	}()

	updates := make(chan models.Progress, 16)
	streamErr := make(chan error, 1)
	go func() {
		defer close(updates)
		for {
			p, err := stream.Next(attemptCtx)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				streamErr <- err
				return
			}
			select {
			case updates <- p:
			case <-attemptCtx.Done():
				streamErr <- attemptCtx.Err()
				return
			}
		}
	}()

	var lastFiles []string
	sawDone := false
	for p := range updates {
		p.DeckID = deck.ID
		if len(p.Files) > 0 {
			// The producer's files field replaces the stored list wholesale.
			if err := r.store.SetFiles(ctx, deck.ID, p.Files); err != nil {
				log.Error().Err(err).Str("deck_id", deck.ID).Msg("artifact update failed")
			}
			p.FileURLs = models.DownloadURLs(deck.ID, len(p.Files))
			lastFiles = p.Files
		}
		if p.Stage == "done" {
			sawDone = true
			lastFiles = p.Files
		}
		r.appendProgressEvent(ctx, deck.ID, p)
		r.publish(ctx, deck.ID, p)
	}

	select {
	case err := <-streamErr:
		return nil, err
	default:
	}
	if !sawDone && len(lastFiles) == 0 {
		return nil, errors.New("producer stream ended without a result")
	}
	return lastFiles, nil
}

// completeDeck records the terminal success transition. It reports false when
// the write failed outright; the caller must then keep the lease for the
// reaper instead of acking.
func (r *Runner) completeDeck(ctx context.Context, deckID string, files []string) bool {
	var done bool
	err := retryWrite(ctx, func() error {
		var werr error
		done, werr = r.store.MarkDone(ctx, deckID, files)
		return werr
	})
	if err != nil {
		log.Error().Err(err).Str("deck_id", deckID).Msg("terminal done write failed, leaving lease for the reaper")
		return false
	}
	if !done {
		// Lost the terminal race: the reaper or a restart got there first.
		// Terminal states are sticky, so the attempt result is discarded.
		log.Warn().Str("deck_id", deckID).Msg("deck no longer processing, discarding attempt result")
		return true
	}
	r.appendStatusEvent(ctx, deckID, models.StatusDone, models.Pct(100), "deck generated")
	r.publish(ctx, deckID, models.Progress{
		DeckID:   deckID,
		Stage:    "completed",
		Percent:  models.Pct(100),
		Files:    files,
		FileURLs: models.DownloadURLs(deckID, len(files)),
	})
	telemetry.DecksCompleted.Inc()
	log.Info().Str("deck_id", deckID).Int("files", len(files)).Msg("attempt succeeded")
	return true
}

// failDeck records the terminal failure transition. It is used both for
// attempt failures and for orphaned decks reclaimed from expired leases.
// Reports false when the write failed outright, analogous to completeDeck.
func (r *Runner) failDeck(ctx context.Context, deckID, message string) bool {
	var failed bool
	err := retryWrite(ctx, func() error {
		var werr error
		failed, werr = r.store.MarkFailed(ctx, deckID)
		return werr
	})
	if err != nil {
		log.Error().Err(err).Str("deck_id", deckID).Msg("terminal failed write failed, leaving lease for the reaper")
		return false
	}
	if !failed {
		log.Warn().Str("deck_id", deckID).Msg("deck already terminal, skipping failure record")
		return true
	}
	r.appendStatusEvent(ctx, deckID, models.StatusFailed, models.Pct(0), "generation failed")
	if _, err := r.store.AppendEvent(ctx, store.AppendEventParams{
		DeckID:  deckID,
		Kind:    models.EventError,
		Message: message,
		Payload: models.Progress{DeckID: deckID, Stage: models.StatusFailed, Percent: models.Pct(0), Error: message},
	}); err != nil {
		log.Error().Err(err).Str("deck_id", deckID).Msg("error event append failed")
	}
	r.publish(ctx, deckID, models.Progress{
		DeckID:  deckID,
		Stage:   models.StatusFailed,
		Percent: models.Pct(0),
		Error:   message,
	})
	telemetry.DecksFailed.Inc()
	log.Warn().Str("deck_id", deckID).Str("error", message).Msg("attempt failed")
	return true
}

// reapOrphans handles decks whose lease expired without a terminal write,
// typically after a worker crash. Processing decks are failed, not
// re-enqueued; recovery is an explicit restart. Pending decks were dequeued
// but never claimed, so they go back on the queue.
func (r *Runner) reapOrphans(ctx context.Context) {
	ids, err := r.queue.ReapExpired(ctx, time.Now(), int64(r.cfg.ReapBatchSize))
	if err != nil {
		log.Warn().Err(err).Msg("reap expired leases failed")
		return
	}
	for _, id := range ids {
		deck, err := r.store.GetDeck(ctx, id)
		if err != nil {
			continue
		}
		switch deck.Status {
		case models.StatusProcessing:
			r.failDeck(ctx, id, "worker lease expired mid-attempt")
		case models.StatusPending:
			if err := r.queue.Enqueue(ctx, id); err != nil {
				log.Error().Err(err).Str("deck_id", id).Msg("re-enqueue of unclaimed deck failed")
			}
		}
	}
}

// appendStatusEvent writes a status-kind event; failures are isolated and
// logged, never allowed to abort a running attempt.
func (r *Runner) appendStatusEvent(ctx context.Context, deckID, stage string, percent *int, message string) {
	if _, err := r.store.AppendEvent(ctx, store.AppendEventParams{
		DeckID:  deckID,
		Kind:    models.EventStatus,
		Stage:   &stage,
		Percent: percent,
		Message: message,
		Payload: models.Progress{DeckID: deckID, Stage: stage, Percent: percent},
	}); err != nil {
		log.Error().Err(err).Str("deck_id", deckID).Str("stage", stage).Msg("status event append failed")
	}
}

func (r *Runner) appendProgressEvent(ctx context.Context, deckID string, p models.Progress) {
	var stage *string
	if p.Stage != "" {
		stage = &p.Stage
	}
	if _, err := r.store.AppendEvent(ctx, store.AppendEventParams{
		DeckID:  deckID,
		Kind:    models.EventProgress,
		Stage:   stage,
		Percent: p.Percent,
		Message: p.Message,
		Payload: p,
	}); err != nil {
		log.Error().Err(err).Str("deck_id", deckID).Msg("progress event append failed")
	}
}

func (r *Runner) publish(ctx context.Context, deckID string, p models.Progress) {
	if err := r.bus.Publish(ctx, deckID, p); err != nil {
		log.Warn().Err(err).Str("deck_id", deckID).Msg("bus publish failed")
		return
	}
	telemetry.EventsPublished.Inc()
}

// retryWrite retries a status-affecting store write a few times before
// escalating; such writes must never be silently dropped.
func retryWrite(ctx context.Context, write func() error) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if err = write(); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(time.Duration(attempt+1) * 100 * time.Millisecond):
		}
	}
	return err
}

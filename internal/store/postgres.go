package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"deckgen/internal/models"
)

// Postgres implements Store on a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const deckColumns = `id, topic, language, slides, grade, subject, author, book_id, template, status, files, retry_count, dedupe_key, created_at, updated_at`

// CreateDeck inserts a pending deck row, honoring the dedupe key if provided.
func (s *Postgres) CreateDeck(ctx context.Context, p CreateDeckParams) (models.Deck, bool, error) {
	// If the dedupe key already exists, short-circuit before creating anything.
	if p.DedupeKey != "" {
		if existing, found, err := s.findByDedupeKey(ctx, p.DedupeKey); err != nil {
			return models.Deck{}, false, err
		} else if found {
			return existing, false, nil
		}
	}

	id := uuid.New().String()
	now := time.Now().UTC()

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO decks (id, topic, language, slides, grade, subject, author, book_id, template, status, files, retry_count, dedupe_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, '[]', 0, $11, $12, $12)
		ON CONFLICT (dedupe_key) DO NOTHING
	`, id, p.Topic, p.Language, p.Slides, p.Grade, p.Subject, p.Author, p.BookID, p.Template, models.StatusPending, emptyToNil(p.DedupeKey), now)
	if err != nil {
		return models.Deck{}, false, fmt.Errorf("insert deck: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Someone else claimed the key after our initial check.
		existing, found, err := s.findByDedupeKey(ctx, p.DedupeKey)
		if err != nil {
			return models.Deck{}, false, err
		}
		if !found {
			return models.Deck{}, false, errors.New("dedupe conflict but no existing deck found")
		}
		return existing, false, nil
	}

	return models.Deck{
		ID:        id,
		Topic:     p.Topic,
		Language:  p.Language,
		Slides:    p.Slides,
		Grade:     p.Grade,
		Subject:   p.Subject,
		Author:    p.Author,
		BookID:    p.BookID,
		Template:  p.Template,
		Status:    models.StatusPending,
		Files:     []string{},
		DedupeKey: emptyToNil(p.DedupeKey),
		CreatedAt: now,
		UpdatedAt: now,
	}, true, nil
}

func (s *Postgres) findByDedupeKey(ctx context.Context, key string) (models.Deck, bool, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+deckColumns+` FROM decks WHERE dedupe_key = $1`, key)
	deck, err := scanDeck(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Deck{}, false, nil
	}
	if err != nil {
		return models.Deck{}, false, fmt.Errorf("query dedupe key: %w", err)
	}
	return deck, true, nil
}

// GetDeck fetches a deck by id.
func (s *Postgres) GetDeck(ctx context.Context, id string) (models.Deck, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+deckColumns+` FROM decks WHERE id = $1`, id)
	deck, err := scanDeck(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Deck{}, ErrNotFound
	}
	if err != nil {
		return models.Deck{}, fmt.Errorf("scan deck: %w", err)
	}
	return deck, nil
}

// MarkProcessing claims a pending deck. The status guard in the WHERE clause
// is what makes the claim exclusive.
func (s *Postgres) MarkProcessing(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE decks SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3
	`, id, models.StatusProcessing, models.StatusPending)
	if err != nil {
		return false, fmt.Errorf("mark processing: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkDone writes the terminal success status and the final artifact list.
// The status guard keeps a straggling attempt from resurrecting a deck the
// reaper already failed.
func (s *Postgres) MarkDone(ctx context.Context, id string, files []string) (bool, error) {
	filesJSON, err := json.Marshal(safeFiles(files))
	if err != nil {
		return false, fmt.Errorf("marshal files: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE decks SET status = $2, files = $3, updated_at = NOW()
		WHERE id = $1 AND status = $4
	`, id, models.StatusDone, filesJSON, models.StatusProcessing)
	if err != nil {
		return false, fmt.Errorf("mark done: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkFailed writes the terminal failure status and discards any partial
// artifact list; failed decks never expose files. Already-terminal decks are
// left untouched.
func (s *Postgres) MarkFailed(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE decks SET status = $2, files = '[]', updated_at = NOW()
		WHERE id = $1 AND status = ANY($3)
	`, id, models.StatusFailed, []string{models.StatusPending, models.StatusProcessing})
	if err != nil {
		return false, fmt.Errorf("mark failed: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// SetFiles replaces the artifact list without touching any other field.
func (s *Postgres) SetFiles(ctx context.Context, id string, files []string) error {
	filesJSON, err := json.Marshal(safeFiles(files))
	if err != nil {
		return fmt.Errorf("marshal files: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE decks SET files = $2, updated_at = NOW() WHERE id = $1
	`, id, filesJSON)
	return err
}

// ListActive returns decks in the given states, oldest first.
func (s *Postgres) ListActive(ctx context.Context, statuses []string, limit int) ([]models.Deck, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+deckColumns+` FROM decks
		WHERE status = ANY($1)
		ORDER BY created_at ASC, id ASC
		LIMIT $2
	`, statuses, limit)
	if err != nil {
		return nil, fmt.Errorf("list active: %w", err)
	}
	defer rows.Close()

	var decks []models.Deck
	for rows.Next() {
		deck, err := scanDeck(rows)
		if err != nil {
			return nil, fmt.Errorf("scan deck: %w", err)
		}
		decks = append(decks, deck)
	}
	return decks, rows.Err()
}

// ResetForRestart flips a failed deck back to pending and clears its files.
func (s *Postgres) ResetForRestart(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE decks SET status = $2, files = '[]', updated_at = NOW()
		WHERE id = $1 AND status = $3
	`, id, models.StatusPending, models.StatusFailed)
	if err != nil {
		return false, fmt.Errorf("reset for restart: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Postgres) IncrementRetryCount(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE decks SET retry_count = retry_count + 1, updated_at = NOW() WHERE id = $1
	`, id)
	return err
}

// AppendEvent inserts one immutable event row.
func (s *Postgres) AppendEvent(ctx context.Context, p AppendEventParams) (models.Event, error) {
	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return models.Event{}, fmt.Errorf("marshal payload: %w", err)
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO deck_events (deck_id, kind, stage, percent, message, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		RETURNING id, created_at
	`, p.DeckID, p.Kind, p.Stage, p.Percent, p.Message, payloadJSON)

	ev := models.Event{
		DeckID:  p.DeckID,
		Kind:    p.Kind,
		Stage:   p.Stage,
		Percent: p.Percent,
		Message: p.Message,
		Payload: p.Payload,
	}
	if err := row.Scan(&ev.ID, &ev.CreatedAt); err != nil {
		return models.Event{}, fmt.Errorf("insert event: %w", err)
	}
	return ev, nil
}

const eventColumns = `id, deck_id, kind, stage, percent, message, payload, created_at`

// LatestStatusEvent returns the most recent status-kind event for a deck.
func (s *Postgres) LatestStatusEvent(ctx context.Context, deckID string) (models.Event, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+eventColumns+` FROM deck_events
		WHERE deck_id = $1 AND kind = $2
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, deckID, models.EventStatus)
	ev, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Event{}, false, nil
	}
	if err != nil {
		return models.Event{}, false, fmt.Errorf("latest status event: %w", err)
	}
	return ev, true, nil
}

// EventsSince returns all events for a deck after the given timestamp, ordered.
func (s *Postgres) EventsSince(ctx context.Context, deckID string, after time.Time) ([]models.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+eventColumns+` FROM deck_events
		WHERE deck_id = $1 AND created_at > $2
		ORDER BY created_at ASC, id ASC
	`, deckID, after)
	if err != nil {
		return nil, fmt.Errorf("events since: %w", err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func scanDeck(row pgx.Row) (models.Deck, error) {
	var deck models.Deck
	var filesJSON []byte
	var author, dedupe pgtype.Text
	var bookID, template pgtype.Int4

	if err := row.Scan(&deck.ID, &deck.Topic, &deck.Language, &deck.Slides, &deck.Grade, &deck.Subject,
		&author, &bookID, &template, &deck.Status, &filesJSON, &deck.RetryCount, &dedupe,
		&deck.CreatedAt, &deck.UpdatedAt); err != nil {
		return models.Deck{}, err
	}
	if err := json.Unmarshal(filesJSON, &deck.Files); err != nil {
		return models.Deck{}, fmt.Errorf("unmarshal files: %w", err)
	}
	if deck.Files == nil {
		deck.Files = []string{}
	}
	deck.Author = textPtr(author)
	deck.DedupeKey = textPtr(dedupe)
	deck.BookID = int4Ptr(bookID)
	deck.Template = int4Ptr(template)
	return deck, nil
}

func scanEvent(row pgx.Row) (models.Event, error) {
	var ev models.Event
	var payloadJSON []byte
	var stage pgtype.Text
	var percent pgtype.Int4

	if err := row.Scan(&ev.ID, &ev.DeckID, &ev.Kind, &stage, &percent, &ev.Message, &payloadJSON, &ev.CreatedAt); err != nil {
		return models.Event{}, err
	}
	if err := json.Unmarshal(payloadJSON, &ev.Payload); err != nil {
		return models.Event{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	ev.Stage = textPtr(stage)
	ev.Percent = int4Ptr(percent)
	return ev, nil
}

func safeFiles(files []string) []string {
	if files == nil {
		return []string{}
	}
	return files
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func int4Ptr(v pgtype.Int4) *int {
	if v.Valid {
		n := int(v.Int32)
		return &n
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

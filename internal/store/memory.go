package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"deckgen/internal/models"
)

// Memory is an in-process Store used by tests and self-contained runs. All
// methods take the same field-level view of updates as the Postgres
// implementation so the two stay behaviorally interchangeable.
type Memory struct {
	mu     sync.Mutex
	decks  map[string]models.Deck
	byKey  map[string]string
	events map[string][]models.Event
	nextID int64
}

func NewMemory() *Memory {
	return &Memory{
		decks:  make(map[string]models.Deck),
		byKey:  make(map[string]string),
		events: make(map[string][]models.Event),
		nextID: 1,
	}
}

func (m *Memory) CreateDeck(_ context.Context, p CreateDeckParams) (models.Deck, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p.DedupeKey != "" {
		if id, ok := m.byKey[p.DedupeKey]; ok {
			return copyDeck(m.decks[id]), false, nil
		}
	}

	now := time.Now().UTC()
	deck := models.Deck{
		ID:        uuid.New().String(),
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
	}
	m.decks[deck.ID] = deck
	if p.DedupeKey != "" {
		m.byKey[p.DedupeKey] = deck.ID
	}
	return copyDeck(deck), true, nil
}

func (m *Memory) GetDeck(_ context.Context, id string) (models.Deck, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	deck, ok := m.decks[id]
	if !ok {
		return models.Deck{}, ErrNotFound
	}
	return copyDeck(deck), nil
}

func (m *Memory) MarkProcessing(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	deck, ok := m.decks[id]
	if !ok || deck.Status != models.StatusPending {
		return false, nil
	}
	deck.Status = models.StatusProcessing
	deck.UpdatedAt = time.Now().UTC()
	m.decks[id] = deck
	return true, nil
}

func (m *Memory) MarkDone(_ context.Context, id string, files []string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	deck, ok := m.decks[id]
	if !ok {
		return false, ErrNotFound
	}
	if deck.Status != models.StatusProcessing {
		return false, nil
	}
	deck.Status = models.StatusDone
	deck.Files = copyFiles(files)
	deck.UpdatedAt = time.Now().UTC()
	m.decks[id] = deck
	return true, nil
}

func (m *Memory) MarkFailed(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	deck, ok := m.decks[id]
	if !ok {
		return false, ErrNotFound
	}
	if deck.Terminal() {
		return false, nil
	}
	deck.Status = models.StatusFailed
	deck.Files = []string{}
	deck.UpdatedAt = time.Now().UTC()
	m.decks[id] = deck
	return true, nil
}

func (m *Memory) SetFiles(_ context.Context, id string, files []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	deck, ok := m.decks[id]
	if !ok {
		return ErrNotFound
	}
	deck.Files = copyFiles(files)
	deck.UpdatedAt = time.Now().UTC()
	m.decks[id] = deck
	return nil
}

func (m *Memory) ListActive(_ context.Context, statuses []string, limit int) ([]models.Deck, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wanted := make(map[string]bool, len(statuses))
	for _, s := range statuses {
		wanted[s] = true
	}
	var decks []models.Deck
	for _, deck := range m.decks {
		if wanted[deck.Status] {
			decks = append(decks, copyDeck(deck))
		}
	}
	sortDecksByCreation(decks)
	if limit > 0 && len(decks) > limit {
		decks = decks[:limit]
	}
	return decks, nil
}

func (m *Memory) ResetForRestart(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	deck, ok := m.decks[id]
	if !ok || deck.Status != models.StatusFailed {
		return false, nil
	}
	deck.Status = models.StatusPending
	deck.Files = []string{}
	deck.UpdatedAt = time.Now().UTC()
	m.decks[id] = deck
	return true, nil
}

func (m *Memory) IncrementRetryCount(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	deck, ok := m.decks[id]
	if !ok {
		return ErrNotFound
	}
	deck.RetryCount++
	deck.UpdatedAt = time.Now().UTC()
	m.decks[id] = deck
	return nil
}

func (m *Memory) AppendEvent(_ context.Context, p AppendEventParams) (models.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.decks[p.DeckID]; !ok {
		return models.Event{}, ErrNotFound
	}
	ev := models.Event{
		ID:        m.nextID,
		DeckID:    p.DeckID,
		Kind:      p.Kind,
		Stage:     p.Stage,
		Percent:   p.Percent,
		Message:   p.Message,
		Payload:   p.Payload,
		CreatedAt: time.Now().UTC(),
	}
	m.nextID++
	m.events[p.DeckID] = append(m.events[p.DeckID], ev)
	return ev, nil
}

func (m *Memory) LatestStatusEvent(_ context.Context, deckID string) (models.Event, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	events := m.events[deckID]
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Kind == models.EventStatus {
			return events[i], true, nil
		}
	}
	return models.Event{}, false, nil
}

func (m *Memory) EventsSince(_ context.Context, deckID string, after time.Time) ([]models.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Event
	for _, ev := range m.events[deckID] {
		if ev.CreatedAt.After(after) {
			out = append(out, ev)
		}
	}
	return out, nil
}

// Events returns the full log for a deck, in append order. Test helper only;
// the durable interface exposes EventsSince.
func (m *Memory) Events(deckID string) []models.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Event, len(m.events[deckID]))
	copy(out, m.events[deckID])
	return out
}

func copyDeck(d models.Deck) models.Deck {
	d.Files = copyFiles(d.Files)
	return d
}

func copyFiles(files []string) []string {
	out := make([]string, len(files))
	copy(out, files)
	return out
}

func sortDecksByCreation(decks []models.Deck) {
	sort.Slice(decks, func(i, j int) bool {
		if decks[i].CreatedAt.Equal(decks[j].CreatedAt) {
			return decks[i].ID < decks[j].ID
		}
		return decks[i].CreatedAt.Before(decks[j].CreatedAt)
	})
}

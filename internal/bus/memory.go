package bus

import (
	"context"
	"sync"

	"deckgen/internal/models"
)

// Memory is an in-process Bus for tests and self-contained runs. Publish never
// blocks: a subscriber that stops draining its buffer loses events, matching
// the best-effort delivery contract.
type Memory struct {
	mu   sync.Mutex
	subs map[string]map[*memorySubscription]struct{}
}

func NewMemory() *Memory {
	return &Memory{subs: make(map[string]map[*memorySubscription]struct{})}
}

func (b *Memory) Publish(_ context.Context, deckID string, p models.Progress) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs[deckID] {
		select {
		case sub.events <- p:
		default:
		}
	}
	return nil
}

func (b *Memory) Subscribe(_ context.Context, deckID string) (Subscription, error) {
	sub := &memorySubscription{
		bus:    b,
		deckID: deckID,
		events: make(chan models.Progress, 64),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[deckID] == nil {
		b.subs[deckID] = make(map[*memorySubscription]struct{})
	}
	b.subs[deckID][sub] = struct{}{}
	return sub, nil
}

func (b *Memory) remove(sub *memorySubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.subs[sub.deckID]; ok {
		if _, present := set[sub]; present {
			delete(set, sub)
			close(sub.events)
		}
		if len(set) == 0 {
			delete(b.subs, sub.deckID)
		}
	}
}

type memorySubscription struct {
	bus    *Memory
	deckID string
	events chan models.Progress
	once   sync.Once
}

func (s *memorySubscription) Events() <-chan models.Progress {
	return s.events
}

func (s *memorySubscription) Close() error {
	s.once.Do(func() { s.bus.remove(s) })
	return nil
}

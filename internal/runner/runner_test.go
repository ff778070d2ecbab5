package runner

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"deckgen/internal/bus"
	"deckgen/internal/config"
	"deckgen/internal/models"
	"deckgen/internal/producer"
	"deckgen/internal/queue"
	"deckgen/internal/store"
)

type scriptedProducer struct {
	mu      sync.Mutex
	updates []models.Progress
	tailErr error // returned after updates are exhausted; nil means EOF
	genErr  error // Generate fails outright
	hang    bool  // block after updates until the attempt context expires
	closed  bool
}

func (p *scriptedProducer) Generate(_ context.Context, _ producer.Request) (producer.Stream, error) {
	if p.genErr != nil {
		return nil, p.genErr
	}
	return &scriptedStream{producer: p, remaining: append([]models.Progress(nil), p.updates...)}, nil
}

func (p *scriptedProducer) wasClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type scriptedStream struct {
	producer  *scriptedProducer
	remaining []models.Progress
}

func (s *scriptedStream) Next(ctx context.Context) (models.Progress, error) {
	if len(s.remaining) > 0 {
		p := s.remaining[0]
		s.remaining = s.remaining[1:]
		return p, nil
	}
	if s.producer.hang {
		<-ctx.Done()
		return models.Progress{}, ctx.Err()
	}
	if s.producer.tailErr != nil {
		return models.Progress{}, s.producer.tailErr
	}
	return models.Progress{}, io.EOF
}

func (s *scriptedStream) Close(_ context.Context) error {
	s.producer.mu.Lock()
	defer s.producer.mu.Unlock()
	s.producer.closed = true
	return nil
}

type fixture struct {
	store  *store.Memory
	queue  *queue.Memory
	bus    *bus.Memory
	runner *Runner
}

func newFixture(t *testing.T, p producer.Producer) *fixture {
	t.Helper()
	cfg := config.Config{
		GenerationTimeout:  time.Second,
		WorkerPollInterval: 10 * time.Millisecond,
		VisibilityTimeout:  time.Minute,
		ReapBatchSize:      10,
	}
	st := store.NewMemory()
	q := queue.NewMemory(cfg.VisibilityTimeout)
	b := bus.NewMemory()
	return &fixture{
		store:  st,
		queue:  q,
		bus:    b,
		runner: New(cfg, st, q, b, p, "worker-test"),
	}
}

// seedDeck creates a pending deck the way the controller would: record,
// pending status event, one queued work item.
func (f *fixture) seedDeck(t *testing.T) models.Deck {
	t.Helper()
	ctx := context.Background()
	deck, created, err := f.store.CreateDeck(ctx, store.CreateDeckParams{
		Topic: "Photosynthesis", Language: "en", Slides: 5, Grade: 6, Subject: "Biology",
	})
	require.NoError(t, err)
	require.True(t, created)
	stage := models.StatusPending
	_, err = f.store.AppendEvent(ctx, store.AppendEventParams{
		DeckID: deck.ID, Kind: models.EventStatus, Stage: &stage, Percent: models.Pct(0),
	})
	require.NoError(t, err)
	require.NoError(t, f.queue.Enqueue(ctx, deck.ID))
	return deck
}

func (f *fixture) runOnce(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	id, err := f.queue.Dequeue(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, id)
	f.runner.process(ctx, id)
	return id
}

func statusStages(events []models.Event) []string {
	var stages []string
	for _, ev := range events {
		if ev.Kind == models.EventStatus && ev.Stage != nil {
			stages = append(stages, *ev.Stage)
		}
	}
	return stages
}

func countKind(events []models.Event, kind string) int {
	n := 0
	for _, ev := range events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func TestRunnerSuccessPath(t *testing.T) {
	ctx := context.Background()
	p := &scriptedProducer{updates: []models.Progress{
		{Stage: "authenticating", Percent: models.Pct(10)},
		{Stage: "rendering", Percent: models.Pct(60), Files: []string{"a.pdf"}},
		{Stage: "done", Percent: models.Pct(100), Files: []string{"a.pdf"}},
	}}
	f := newFixture(t, p)
	deck := f.seedDeck(t)

	sub, err := f.bus.Subscribe(ctx, deck.ID)
	require.NoError(t, err)
	defer sub.Close()

	f.runOnce(t)

	got, err := f.store.GetDeck(ctx, deck.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusDone, got.Status)
	require.Equal(t, []string{"a.pdf"}, got.Files)
	require.True(t, p.wasClosed())

	events := f.store.Events(deck.ID)
	require.Equal(t, []string{"pending", "processing", "done"}, statusStages(events))
	require.Equal(t, 3, countKind(events, models.EventProgress))
	require.Zero(t, countKind(events, models.EventError))

	// The last status event's stage matches the deck's status.
	latest, ok, err := f.store.LatestStatusEvent(ctx, deck.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, models.StatusDone, *latest.Stage)

	// Bus delivery: ordered, ending with the completed event carrying urls.
	var received []models.Progress
	for i := 0; i < 5; i++ {
		select {
		case p := <-sub.Events():
			received = append(received, p)
		case <-time.After(time.Second):
			t.Fatal("missing bus event")
		}
	}
	require.Equal(t, "processing", received[0].Stage)
	require.Equal(t, "authenticating", received[1].Stage)
	require.Equal(t, "rendering", received[2].Stage)
	require.Equal(t, []string{models.DownloadURL(deck.ID, 0)}, received[2].FileURLs)
	require.Equal(t, "done", received[3].Stage)
	require.Equal(t, "completed", received[4].Stage)
	require.Equal(t, []string{"a.pdf"}, received[4].Files)
	require.Equal(t, []string{models.DownloadURL(deck.ID, 0)}, received[4].FileURLs)
}

func TestRunnerFilesReplaceWholesale(t *testing.T) {
	ctx := context.Background()
	p := &scriptedProducer{updates: []models.Progress{
		{Stage: "rendering", Percent: models.Pct(50), Files: []string{"a.pdf"}},
		{Stage: "rendering", Percent: models.Pct(80), Files: []string{"b.pdf", "c.pdf"}},
	}}
	f := newFixture(t, p)
	deck := f.seedDeck(t)
	f.runOnce(t)

	// Stream ended normally with a non-empty result: success, and the last
	// files list replaced the earlier one rather than merging.
	got, err := f.store.GetDeck(ctx, deck.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusDone, got.Status)
	require.Equal(t, []string{"b.pdf", "c.pdf"}, got.Files)
}

func TestRunnerProducerFailureAfterProgress(t *testing.T) {
	ctx := context.Background()
	p := &scriptedProducer{
		updates: []models.Progress{
			{Stage: "authenticating", Percent: models.Pct(10)},
			{Stage: "preparing", Percent: models.Pct(25)},
			{Stage: "outlining", Percent: models.Pct(40)},
		},
		tailErr: errors.New("browser crashed"),
	}
	f := newFixture(t, p)
	deck := f.seedDeck(t)

	sub, err := f.bus.Subscribe(ctx, deck.ID)
	require.NoError(t, err)
	defer sub.Close()

	f.runOnce(t)

	got, err := f.store.GetDeck(ctx, deck.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, got.Status)
	require.True(t, p.wasClosed())

	events := f.store.Events(deck.ID)
	require.Equal(t, []string{"pending", "processing", "failed"}, statusStages(events))
	require.Equal(t, 3, countKind(events, models.EventProgress))
	require.Equal(t, 1, countKind(events, models.EventError))

	var last models.Progress
	for i := 0; i < 5; i++ { // processing + 3 progress + failed
		select {
		case p := <-sub.Events():
			last = p
		case <-time.After(time.Second):
			t.Fatal("missing bus event")
		}
	}
	require.Equal(t, models.StatusFailed, last.Stage)
	require.Equal(t, 0, *last.Percent)
	require.Equal(t, "browser crashed", last.Error)
}

func TestRunnerProducerInitFailure(t *testing.T) {
	ctx := context.Background()
	p := &scriptedProducer{genErr: errors.New("source credentials are not set")}
	f := newFixture(t, p)
	deck := f.seedDeck(t)
	f.runOnce(t)

	got, err := f.store.GetDeck(ctx, deck.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, got.Status)

	events := f.store.Events(deck.ID)
	require.Equal(t, []string{"pending", "processing", "failed"}, statusStages(events))
	require.Equal(t, 1, countKind(events, models.EventError))
}

func TestRunnerGenerationTimeout(t *testing.T) {
	ctx := context.Background()
	p := &scriptedProducer{
		updates: []models.Progress{{Stage: "rendering", Percent: models.Pct(50)}},
		hang:    true,
	}
	f := newFixture(t, p)
	f.runner.cfg.GenerationTimeout = 50 * time.Millisecond
	deck := f.seedDeck(t)
	f.runOnce(t)

	got, err := f.store.GetDeck(ctx, deck.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, got.Status)
	require.True(t, p.wasClosed())
}

func TestRunnerEmptyStreamFails(t *testing.T) {
	ctx := context.Background()
	p := &scriptedProducer{} // immediate EOF, no files
	f := newFixture(t, p)
	deck := f.seedDeck(t)
	f.runOnce(t)

	got, err := f.store.GetDeck(ctx, deck.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, got.Status)
}

func TestRunnerSkipsNonPendingDeck(t *testing.T) {
	ctx := context.Background()
	p := &scriptedProducer{updates: []models.Progress{{Stage: "done", Files: []string{"a.pdf"}}}}
	f := newFixture(t, p)
	deck := f.seedDeck(t)

	// Simulate another runner holding the claim.
	claimed, err := f.store.MarkProcessing(ctx, deck.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	before := len(f.store.Events(deck.ID))
	f.runOnce(t)

	got, err := f.store.GetDeck(ctx, deck.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusProcessing, got.Status)
	require.Len(t, f.store.Events(deck.ID), before)
}

// markDoneFailStore simulates a store whose terminal writes stop landing
// mid-attempt.
type markDoneFailStore struct {
	*store.Memory
}

func (s *markDoneFailStore) MarkDone(context.Context, string, []string) (bool, error) {
	return false, errors.New("connection reset")
}

func TestRunnerKeepsLeaseWhenTerminalWriteFails(t *testing.T) {
	ctx := context.Background()
	p := &scriptedProducer{updates: []models.Progress{
		{Stage: "done", Percent: models.Pct(100), Files: []string{"a.pdf"}},
	}}
	f := newFixture(t, p)
	deck := f.seedDeck(t)

	// Short lease so the reaper picks the deck up once the attempt gives up.
	shortQueue := queue.NewMemory(time.Millisecond)
	_, err := f.queue.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, f.queue.Ack(ctx, deck.ID))
	require.NoError(t, shortQueue.Enqueue(ctx, deck.ID))
	f.runner.queue = shortQueue
	f.runner.cfg.VisibilityTimeout = time.Millisecond
	f.runner.store = &markDoneFailStore{Memory: f.store}

	id, err := shortQueue.Dequeue(ctx)
	require.NoError(t, err)
	f.runner.process(ctx, id)

	// The done write never landed, so the work item must not be acked and
	// the deck stays processing until the lease runs out.
	got, err := f.store.GetDeck(ctx, deck.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusProcessing, got.Status)

	time.Sleep(5 * time.Millisecond)
	f.runner.reapOrphans(ctx)

	got, err = f.store.GetDeck(ctx, deck.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, got.Status)
	require.Equal(t, 1, countKind(f.store.Events(deck.ID), models.EventError))
}

func TestRunnerDoesNotResurrectReapedDeck(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &scriptedProducer{})
	deck := f.seedDeck(t)

	_, err := f.queue.Dequeue(ctx)
	require.NoError(t, err)
	claimed, err := f.store.MarkProcessing(ctx, deck.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	// The reaper fails the deck while the original attempt is still running.
	require.True(t, f.runner.failDeck(ctx, deck.ID, "worker lease expired mid-attempt"))

	// The straggler's late success write must be discarded, not applied.
	require.True(t, f.runner.completeDeck(ctx, deck.ID, []string{"late.pdf"}))

	got, err := f.store.GetDeck(ctx, deck.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, got.Status)
	require.Empty(t, got.Files)
	require.Equal(t, []string{"pending", "failed"}, statusStages(f.store.Events(deck.ID)))
}

// countingQueue counts lease extensions on top of the in-memory queue.
type countingQueue struct {
	*queue.Memory
	mu      sync.Mutex
	extends int
}

func (q *countingQueue) ExtendLease(ctx context.Context, deckID string, extension time.Duration) error {
	q.mu.Lock()
	q.extends++
	q.mu.Unlock()
	return q.Memory.ExtendLease(ctx, deckID, extension)
}

func (q *countingQueue) extended() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.extends
}

func TestRunnerExtendsLeaseDuringLongAttempt(t *testing.T) {
	ctx := context.Background()
	p := &scriptedProducer{hang: true}
	f := newFixture(t, p)
	f.runner.cfg.GenerationTimeout = 150 * time.Millisecond
	f.runner.cfg.VisibilityTimeout = 30 * time.Millisecond
	deck := f.seedDeck(t)

	cq := &countingQueue{Memory: f.queue}
	f.runner.queue = cq

	f.runOnce(t)

	// The attempt outlived several heartbeat intervals, so the lease was
	// extended while it ran.
	require.Greater(t, cq.extended(), 0)

	got, err := f.store.GetDeck(ctx, deck.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, got.Status)
}

func TestRunnerRequeuesReapedPendingDeck(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &scriptedProducer{})

	deck, _, err := f.store.CreateDeck(ctx, store.CreateDeckParams{
		Topic: "Stuck", Language: "en", Slides: 1, Grade: 1, Subject: "Math",
	})
	require.NoError(t, err)

	// Dequeued by a worker that died before claiming it: still pending,
	// lease expired.
	shortQueue := queue.NewMemory(time.Millisecond)
	require.NoError(t, shortQueue.Enqueue(ctx, deck.ID))
	_, err = shortQueue.Dequeue(ctx)
	require.NoError(t, err)
	f.runner.queue = shortQueue

	time.Sleep(5 * time.Millisecond)
	f.runner.reapOrphans(ctx)

	depth, err := shortQueue.Depth(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, depth)
	got, err := f.store.GetDeck(ctx, deck.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusPending, got.Status)
}

func TestRunnerReapsOrphanedProcessingDeck(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &scriptedProducer{})

	deck, _, err := f.store.CreateDeck(ctx, store.CreateDeckParams{
		Topic: "Orphan", Language: "en", Slides: 1, Grade: 1, Subject: "Math",
	})
	require.NoError(t, err)
	_, err = f.store.MarkProcessing(ctx, deck.ID)
	require.NoError(t, err)

	// Lease held by a dead worker, long expired.
	shortQueue := queue.NewMemory(time.Millisecond)
	require.NoError(t, shortQueue.Enqueue(ctx, deck.ID))
	_, err = shortQueue.Dequeue(ctx)
	require.NoError(t, err)
	f.runner.queue = shortQueue

	time.Sleep(5 * time.Millisecond)
	f.runner.reapOrphans(ctx)

	got, err := f.store.GetDeck(ctx, deck.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, got.Status)
	require.Equal(t, 1, countKind(f.store.Events(deck.ID), models.EventError))
}

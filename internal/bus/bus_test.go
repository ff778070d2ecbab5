package bus

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"deckgen/internal/models"
)

func collect(t *testing.T, sub Subscription, n int) []models.Progress {
	t.Helper()
	out := make([]models.Progress, 0, n)
	for len(out) < n {
		select {
		case p, ok := <-sub.Events():
			require.True(t, ok, "subscription closed early")
			out = append(out, p)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d of %d", len(out)+1, n)
		}
	}
	return out
}

func TestMemoryBusFanOutOrdering(t *testing.T) {
	ctx := context.Background()
	b := NewMemory()

	subA, err := b.Subscribe(ctx, "deck-1")
	require.NoError(t, err)
	subB, err := b.Subscribe(ctx, "deck-1")
	require.NoError(t, err)
	other, err := b.Subscribe(ctx, "deck-2")
	require.NoError(t, err)
	defer func() {
		_ = subA.Close()
		_ = subB.Close()
		_ = other.Close()
	}()

	stages := []string{"queued", "authenticating", "rendering", "done"}
	for _, stage := range stages {
		require.NoError(t, b.Publish(ctx, "deck-1", models.Progress{Stage: stage}))
	}

	for _, sub := range []Subscription{subA, subB} {
		got := collect(t, sub, len(stages))
		for i, p := range got {
			require.Equal(t, stages[i], p.Stage)
		}
	}

	select {
	case p := <-other.Events():
		t.Fatalf("deck-2 subscriber received foreign event %+v", p)
	default:
	}
}

func TestMemoryBusPublishWithoutSubscribers(t *testing.T) {
	b := NewMemory()
	require.NoError(t, b.Publish(context.Background(), "nobody-listening", models.Progress{Stage: "queued"}))
}

func TestMemoryBusCloseEndsStream(t *testing.T) {
	ctx := context.Background()
	b := NewMemory()
	sub, err := b.Subscribe(ctx, "deck-1")
	require.NoError(t, err)
	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())

	_, ok := <-sub.Events()
	require.False(t, ok)

	// Publishing after the only subscriber left is a no-op.
	require.NoError(t, b.Publish(ctx, "deck-1", models.Progress{Stage: "done"}))
}

func TestRedisBusSlowSubscriberDoesNotWedgePump(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	b := NewRedis(client)

	sub, err := b.Subscribe(ctx, "deck-1")
	require.NoError(t, err)

	// Far more events than the subscription buffers, with nobody draining.
	for i := 0; i < 64; i++ {
		require.NoError(t, b.Publish(ctx, "deck-1", models.Progress{Stage: "rendering", Percent: models.Pct(i)}))
	}
	time.Sleep(50 * time.Millisecond)

	// Close must still unwind the pump: the events channel gets closed even
	// though the buffer was never drained.
	require.NoError(t, sub.Close())
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-sub.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("subscription events channel never closed")
		}
	}
}

func TestRedisBusFanOutOrdering(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	b := NewRedis(client)

	subA, err := b.Subscribe(ctx, "deck-1")
	require.NoError(t, err)
	defer subA.Close()
	subB, err := b.Subscribe(ctx, "deck-1")
	require.NoError(t, err)
	defer subB.Close()

	stages := []string{"queued", "rendering", "done"}
	for _, stage := range stages {
		require.NoError(t, b.Publish(ctx, "deck-1", models.Progress{Stage: stage, Percent: models.Pct(50)}))
	}

	for _, sub := range []Subscription{subA, subB} {
		got := collect(t, sub, len(stages))
		for i, p := range got {
			require.Equal(t, stages[i], p.Stage)
			require.NotNil(t, p.Percent)
		}
	}
}

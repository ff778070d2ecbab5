package producer

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"deckgen/internal/artifacts"
	"deckgen/internal/models"
)

func drain(t *testing.T, s Stream) ([]models.Progress, error) {
	t.Helper()
	ctx := context.Background()
	var updates []models.Progress
	for {
		p, err := s.Next(ctx)
		if errors.Is(err, io.EOF) {
			return updates, nil
		}
		if err != nil {
			return updates, err
		}
		updates = append(updates, p)
	}
}

func TestRendererStageSequence(t *testing.T) {
	ctx := context.Background()
	storage, err := artifacts.NewLocal(t.TempDir())
	require.NoError(t, err)

	r := NewRenderer(storage, "user", "pass", 0)
	stream, err := r.Generate(ctx, Request{
		DeckID:   "deck-1",
		Topic:    "Photosynthesis",
		Language: "en",
		Slides:   3,
		Grade:    6,
		Subject:  "Biology",
	})
	require.NoError(t, err)
	defer stream.Close(ctx)

	updates, err := drain(t, stream)
	require.NoError(t, err)

	var stages []string
	for _, u := range updates {
		stages = append(stages, u.Stage)
	}
	require.Equal(t, []string{
		"queued", "authenticating", "preparing", "outlining",
		"rendering", "rendering", "rendering", "exporting", "done",
	}, stages)

	final := updates[len(updates)-1]
	require.Equal(t, 100, *final.Percent)
	require.Len(t, final.Files, 4) // 3 slides + cover thumbnail

	for _, name := range final.Files {
		size, err := storage.Stat(ctx, name)
		require.NoError(t, err)
		require.Positive(t, size)
	}

	// Partial file lists grow monotonically during rendering.
	require.Len(t, updates[4].Files, 1)
	require.Len(t, updates[6].Files, 3)
}

func TestRendererRequiresCredentials(t *testing.T) {
	storage, err := artifacts.NewLocal(t.TempDir())
	require.NoError(t, err)

	r := NewRenderer(storage, "", "", 0)
	_, err = r.Generate(context.Background(), Request{DeckID: "deck-1", Slides: 1})
	require.Error(t, err)
}

func TestRendererCancellation(t *testing.T) {
	storage, err := artifacts.NewLocal(t.TempDir())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	r := NewRenderer(storage, "user", "pass", 0)
	stream, err := r.Generate(ctx, Request{DeckID: "deck-1", Slides: 2})
	require.NoError(t, err)

	_, err = stream.Next(ctx)
	require.NoError(t, err)
	cancel()
	require.NoError(t, stream.Close(context.Background()))

	_, err = stream.Next(context.Background())
	require.ErrorIs(t, err, context.Canceled)
}

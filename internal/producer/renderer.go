package producer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"time"

	"github.com/disintegration/imaging"

	"deckgen/internal/artifacts"
	"deckgen/internal/models"
)

const totalSteps = 7

// Renderer is the built-in generation source used when no remote source is
// wired. It walks the same stage sequence a remote source would (queued,
// authenticating, preparing, outlining, rendering, exporting, done) and
// renders one PNG per slide plus a cover thumbnail into artifact storage.
type Renderer struct {
	storage   artifacts.Storage
	username  string
	password  string
	stepDelay time.Duration
}

func NewRenderer(storage artifacts.Storage, username, password string, stepDelay time.Duration) *Renderer {
	return &Renderer{
		storage:   storage,
		username:  username,
		password:  password,
		stepDelay: stepDelay,
	}
}

// Generate validates source credentials up front so a misconfigured worker
// fails the attempt instead of hanging.
func (r *Renderer) Generate(ctx context.Context, req Request) (Stream, error) {
	if r.username == "" || r.password == "" {
		return nil, errors.New("source credentials are not set")
	}
	if req.Slides < 1 {
		return nil, fmt.Errorf("cannot render %d slides", req.Slides)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s := &rendererStream{
		updates: make(chan models.Progress),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		defer close(s.updates)
		if err := r.run(runCtx, req, s.updates); err != nil {
			s.err = err
		}
	}()
	return s, nil
}

func (r *Renderer) run(ctx context.Context, req Request, out chan<- models.Progress) error {
	emit := func(p models.Progress) error {
		select {
		case out <- p:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	pause := func() error {
		if r.stepDelay <= 0 {
			return nil
		}
		select {
		case <-time.After(r.stepDelay):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	steps := []struct {
		stage   string
		step    int
		percent int
	}{
		{"queued", 0, 0},
		{"authenticating", 1, 10},
		{"preparing", 2, 25},
		{"outlining", 3, 40},
	}
	for _, st := range steps {
		if err := emit(models.Progress{
			Stage: st.stage, Step: st.step, TotalSteps: totalSteps, Percent: models.Pct(st.percent),
		}); err != nil {
			return err
		}
		if err := pause(); err != nil {
			return err
		}
	}

	var files []string
	for i := 0; i < req.Slides; i++ {
		name := fmt.Sprintf("%s/slide-%02d.png", req.DeckID, i+1)
		if err := r.renderSlide(ctx, req, i, name); err != nil {
			return fmt.Errorf("render slide %d: %w", i+1, err)
		}
		files = append(files, name)
		percent := 40 + (i+1)*50/req.Slides
		if err := emit(models.Progress{
			Stage:      "rendering",
			Step:       4,
			TotalSteps: totalSteps,
			Percent:    models.Pct(percent),
			Message:    fmt.Sprintf("slide %d of %d", i+1, req.Slides),
			Files:      append([]string(nil), files...),
		}); err != nil {
			return err
		}
		if err := pause(); err != nil {
			return err
		}
	}

	thumb := fmt.Sprintf("%s/cover-thumb.png", req.DeckID)
	if err := r.renderThumbnail(ctx, req, thumb); err != nil {
		return fmt.Errorf("render thumbnail: %w", err)
	}
	files = append(files, thumb)
	if err := emit(models.Progress{
		Stage: "exporting", Step: 5, TotalSteps: totalSteps, Percent: models.Pct(95),
	}); err != nil {
		return err
	}
	if err := pause(); err != nil {
		return err
	}

	return emit(models.Progress{
		Stage:      "done",
		Step:       totalSteps,
		TotalSteps: totalSteps,
		Percent:    models.Pct(100),
		Files:      files,
	})
}

func (r *Renderer) renderSlide(ctx context.Context, req Request, index int, name string) error {
	canvas := imaging.New(1280, 720, slideColor(req, index))
	header := imaging.New(1280, 96, color.NRGBA{R: 24, G: 24, B: 32, A: 255})
	canvas = imaging.Paste(canvas, header, image.Pt(0, 0))

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, canvas, imaging.PNG); err != nil {
		return fmt.Errorf("encode slide: %w", err)
	}
	return r.storage.Save(ctx, name, &buf)
}

func (r *Renderer) renderThumbnail(ctx context.Context, req Request, name string) error {
	cover := imaging.New(1280, 720, slideColor(req, 0))
	thumb := imaging.Resize(cover, 320, 0, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumb, imaging.PNG); err != nil {
		return fmt.Errorf("encode thumbnail: %w", err)
	}
	return r.storage.Save(ctx, name, &buf)
}

// slideColor derives a stable per-slide background from the request so decks
// are visually distinguishable without a real template engine.
func slideColor(req Request, index int) color.NRGBA {
	seed := len(req.Topic)*31 + len(req.Subject)*17 + index*53
	if req.Template != nil {
		seed += *req.Template * 101
	}
	return color.NRGBA{
		R: uint8(80 + seed*37%120),
		G: uint8(80 + seed*59%120),
		B: uint8(120 + seed*23%100),
		A: 255,
	}
}

type rendererStream struct {
	updates chan models.Progress
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
}

func (s *rendererStream) Next(ctx context.Context) (models.Progress, error) {
	select {
	case p, ok := <-s.updates:
		if !ok {
			if s.err != nil {
				return models.Progress{}, s.err
			}
			return models.Progress{}, io.EOF
		}
		return p, nil
	case <-ctx.Done():
		return models.Progress{}, ctx.Err()
	}
}

func (s *rendererStream) Close(ctx context.Context) error {
	s.cancel()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"deckgen/internal/api"
	"deckgen/internal/artifacts"
	"deckgen/internal/bus"
	"deckgen/internal/config"
	"deckgen/internal/controller"
	"deckgen/internal/producer"
	"deckgen/internal/queue"
	"deckgen/internal/ratelimit"
	"deckgen/internal/runner"
	"deckgen/internal/store"
)

func main() {
	cfg := config.Load()
	setupLogging(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("open store")
	}
	defer closeStore()

	var (
		q       queue.Queue
		b       bus.Bus
		limiter *ratelimit.Limiter
	)
	switch cfg.QueueBackend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer client.Close()
		q = queue.NewRedis(client, cfg.VisibilityTimeout)
		b = bus.NewRedis(client)
		limiter = ratelimit.New(client, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	case "memory":
		q = queue.NewMemory(cfg.VisibilityTimeout)
		b = bus.NewMemory()
	default:
		log.Fatal().Str("backend", cfg.QueueBackend).Msg("unknown queue backend")
	}

	files, err := openArtifacts(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("open artifact storage")
	}

	// Memory backends are process-local, so no separate worker can see the
	// queue; run the worker role in-process for self-contained local dev.
	if cfg.QueueBackend == "memory" {
		gen := producer.NewRenderer(files, cfg.SourceUsername, cfg.SourcePassword, cfg.RenderStepDelay)
		hostname, _ := os.Hostname()
		go func() {
			if err := runner.New(cfg, st, q, b, gen, hostname).Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn().Err(err).Msg("embedded worker stopped")
			}
		}()
	}

	ctrl := controller.New(cfg, st, q)
	server := api.New(cfg, ctrl, st, b, files, limiter)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	go func() {
		log.Info().Str("port", cfg.HTTPPort).Msg("api listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	log.Info().Msg("api stopped")
}

func setupLogging(cfg config.Config) {
	if !cfg.LogJSON {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, func(), error) {
	switch cfg.StoreBackend {
	case "postgres":
		pg, err := store.NewPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		if err := pg.RunMigrations(ctx); err != nil {
			pg.Close()
			return nil, nil, err
		}
		return pg, pg.Close, nil
	case "memory":
		return store.NewMemory(), func() {}, nil
	}
	log.Fatal().Str("backend", cfg.StoreBackend).Msg("unknown store backend")
	return nil, nil, nil
}

func openArtifacts(ctx context.Context, cfg config.Config) (artifacts.Storage, error) {
	if cfg.ArtifactBackend == "s3" {
		return artifacts.NewS3(ctx, cfg.S3Bucket, cfg.S3Region)
	}
	return artifacts.NewLocal(cfg.AssetsDir)
}

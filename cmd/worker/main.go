package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"deckgen/internal/artifacts"
	"deckgen/internal/bus"
	"deckgen/internal/config"
	"deckgen/internal/producer"
	"deckgen/internal/queue"
	"deckgen/internal/runner"
	"deckgen/internal/store"
	"deckgen/internal/telemetry"
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
		q queue.Queue
		b bus.Bus
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
	gen := producer.NewRenderer(files, cfg.SourceUsername, cfg.SourcePassword, cfg.RenderStepDelay)

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		if hostname, _ := os.Hostname(); hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Warn().Err(err).Msg("metrics server stopped")
		}
	}()

	log.Info().
		Str("worker_id", workerID).
		Dur("visibility", cfg.VisibilityTimeout).
		Dur("generation_timeout", cfg.GenerationTimeout).
		Msg("worker started")
	if err := runner.New(cfg, st, q, b, gen, workerID).Run(ctx); err != nil {
		log.Warn().Err(err).Msg("worker stopped")
	}
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

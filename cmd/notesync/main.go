// Package main runs notesync: it keeps a Qdrant index in sync with the
// Postgres "Notes" table and serves retrieval-augmented answers over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/WessleyAI/notesync/engine/backfill"
	"github.com/WessleyAI/notesync/engine/changefeed"
	"github.com/WessleyAI/notesync/engine/deadletter"
	"github.com/WessleyAI/notesync/engine/indexing"
	"github.com/WessleyAI/notesync/engine/rag"
	"github.com/WessleyAI/notesync/engine/semantic"
	"github.com/WessleyAI/notesync/engine/service"
	"github.com/WessleyAI/notesync/pkg/fn"
	"github.com/WessleyAI/notesync/pkg/metrics"
	"github.com/WessleyAI/notesync/pkg/mid"
	"github.com/WessleyAI/notesync/pkg/natsutil"
	"github.com/WessleyAI/notesync/pkg/ollama"
	"github.com/WessleyAI/notesync/pkg/openai"
	"github.com/jackc/pgx/v5"
	"golang.org/x/sync/errgroup"
)

// backend embeds and generates; both providers satisfy it.
type backend interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Generate(ctx context.Context, prompt string) (string, error)
	Ping(ctx context.Context) error
	Model() string
}

func main() {
	configPath := flag.String("config", os.Getenv("NOTESYNC_CONFIG"), "path to YAML config file")
	backfillFlag := flag.Bool("backfill", false, "index existing rows after change capture is installed")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if *backfillFlag {
		cfg.ChangeFeed.Backfill = true
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.Logging.Level)}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("notesync exited with error", "err", err)
		os.Exit(1)
	}
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newBackend(cfg Config) backend {
	if cfg.Provider == "openai" {
		return openai.New(openai.Config{
			APIKey:     cfg.OpenAI.APIKey,
			BaseURL:    cfg.OpenAI.BaseURL,
			EmbedModel: cfg.OpenAI.EmbedModel,
			ChatModel:  cfg.OpenAI.ChatModel,
			Dimensions: cfg.Qdrant.Dimensions,
		})
	}
	return ollama.New(ollama.Options{
		BaseURL:       cfg.Ollama.URL,
		EmbedModel:    cfg.Ollama.EmbedModel,
		GenerateModel: cfg.Ollama.GenerateModel,
		Timeout:       cfg.Ollama.Timeout,
	})
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := metrics.New()

	// --- Embedding / generation backend ---
	be := newBackend(cfg)
	pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
	if err := be.Ping(pingCtx); err != nil {
		logger.Warn("model backend not reachable yet", "provider", cfg.Provider, "err", err)
	}
	cancelPing()

	// --- Connect to Qdrant ---
	store, err := semantic.New(cfg.Qdrant.Addr(), cfg.Qdrant.Collection)
	if err != nil {
		return fmt.Errorf("qdrant connect: %w", err)
	}
	defer store.Close()
	if err := store.EnsureCollection(ctx, cfg.Qdrant.Dimensions); err != nil {
		return fmt.Errorf("qdrant collection: %w", err)
	}

	// --- Indexing pipeline ---
	// The lookup keeps replayed and backfilled events from overwriting newer
	// live writes.
	pipeline := indexing.New(be, store,
		indexing.WithLookup(store),
		indexing.WithLogger(logger),
		indexing.WithMetrics(reg),
		indexing.WithRetry(fn.DefaultRetry),
	)

	// --- Dead letters (optional) ---
	lopts := []changefeed.Option{changefeed.WithLogger(logger), changefeed.WithMetrics(reg)}
	var dlq *deadletter.Publisher
	if cfg.NATS.URL != "" {
		nc, err := natsutil.Connect(cfg.NATS.URL, "notesync", logger)
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		defer nc.Drain()

		dlq = deadletter.NewPublisher(nc, cfg.NATS.Subject, logger, reg)
		lopts = append(lopts, changefeed.WithDeadLetter(dlq))
		if cfg.NATS.Replay {
			sub, err := deadletter.NewReplayer(dlq, pipeline, deadletter.ReplayOpts{
				MaxReplays: cfg.NATS.MaxReplays,
				Delay:      time.Second,
			}).Start()
			if err != nil {
				return err
			}
			defer sub.Unsubscribe()
		}
	}

	// --- Change feed ---
	lcfg := changefeed.DefaultConfig()
	lcfg.DSN = cfg.Postgres.DSN()
	lcfg.Table = cfg.ChangeFeed.Table
	lcfg.Channel = cfg.ChangeFeed.Channel
	lcfg.CaptureDeletes = cfg.ChangeFeed.CaptureDeletes
	lcfg.PollInterval = cfg.ChangeFeed.PollInterval
	lcfg.HandlerTimeout = cfg.ChangeFeed.HandlerTimeout
	if cfg.ChangeFeed.MaxReconnects > 0 {
		lcfg.Reconnect.MaxAttempts = cfg.ChangeFeed.MaxReconnects
	}
	listener := changefeed.New(lcfg, lopts...)

	// --- RAG ---
	ropts := rag.DefaultOptions()
	ropts.DefaultTopK = cfg.RAG.DefaultTopK
	ropts.MaxTopK = cfg.RAG.MaxTopK
	ropts.MaxContextChars = cfg.RAG.MaxContextChars
	ropts.GenerationTimeout = cfg.RAG.GenerationTimeout
	ropts.Metrics = reg
	ragSvc := rag.New(be, store, be, ropts, logger)

	// --- Facade ---
	svc := service.New(service.Deps{
		Listener: listener,
		Pipeline: pipeline,
		RAG:      ragSvc,
		Index:    store,
		Capabilities: service.Capabilities{
			VectorIndex: true,
			Generation:  true,
			DeadLetter:  cfg.NATS.URL != "",
		},
		Logger: logger,
	})
	if err := svc.Start(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:         ":" + cfg.HTTP.Port,
		Handler:      newRouter(svc, ragSvc.DefaultTopK(), reg, cfg.HTTP, logger),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server starting", "port", cfg.HTTP.Port, "provider", cfg.Provider)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if cfg.ChangeFeed.Backfill {
		g.Go(func() error {
			return runBackfill(gCtx, lcfg.DSN, cfg.ChangeFeed.Table, pipeline, dlq, logger)
		})
	}
	g.Go(func() error {
		select {
		case <-svc.Done():
			if err := svc.Err(); err != nil {
				return fmt.Errorf("change feed: %w", err)
			}
			return nil
		case <-gCtx.Done():
			return nil
		}
	})
	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down")

		shutCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutCtx)
		return errors.Join(err, svc.Stop(shutCtx))
	})
	return g.Wait()
}

// runBackfill indexes rows that predate change capture. It runs after the
// listener is up so no change falls between the scan and the feed.
func runBackfill(ctx context.Context, dsn, table string, h backfill.Handler, dlq *deadletter.Publisher, logger *slog.Logger) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return fmt.Errorf("backfill connect: %w", err)
	}
	defer conn.Close(context.WithoutCancel(ctx))

	opts := backfill.Options{Logger: logger}
	if dlq != nil {
		opts.DeadLetter = dlq
	}
	if _, err := backfill.New(backfill.NewPgSource(conn, table), h, opts).Run(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("backfill: %w", err)
	}
	return nil
}

func newRouter(svc facade, defaultTopK int, reg *metrics.Registry, cfg HTTPConfig, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	search := mid.Chain(
		handleSearch(svc, defaultTopK, logger),
		mid.RateLimit(cfg.SearchRPS, cfg.SearchBurst),
	)
	// The unprefixed paths are kept for clients of the earlier API; both
	// share one rate limiter.
	for _, prefix := range []string{"/api", ""} {
		mux.Handle("POST "+prefix+"/search", search)
		mux.HandleFunc("GET "+prefix+"/health", handleHealth(svc))
		mux.HandleFunc("GET "+prefix+"/stats", handleStats(svc, logger))
	}
	mux.Handle("GET /metrics", reg.Handler())

	return mid.Chain(mux,
		mid.Recover(logger),
		mid.Logger(logger),
		mid.CORS(cfg.CORSOrigin),
		mid.OTel("notesync"),
		mid.Metrics(reg),
	)
}

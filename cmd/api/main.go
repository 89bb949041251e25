package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"synergysphere/api/internal/app"
	"synergysphere/api/internal/assistant"
	"synergysphere/api/internal/chat"
	"synergysphere/api/internal/config"
	"synergysphere/api/internal/membership"
	"synergysphere/api/internal/metrics"
	"synergysphere/api/internal/notify"
	"synergysphere/api/internal/realtime"
	"synergysphere/api/internal/search"
	"synergysphere/api/internal/session"
	"synergysphere/api/internal/store"
)

func main() {
	if err := run(); err != nil {
		slog.Error("api exited", "err", err)
		os.Exit(1)
	}
}

type recordLoader interface {
	LoadAllRecords(ctx context.Context) ([]search.MessageRecord, error)
}

// backend is the persistence side chosen by STORE_DRIVER. records feeds
// the startup Meilisearch reindex.
type backend struct {
	store    store.Store
	sessions app.SessionStore
	fallback search.Searcher
	records  recordLoader
	redis    *redis.Client
}

func (b *backend) Close() {
	if b.redis != nil {
		_ = b.redis.Close()
	}
	if b.store != nil {
		_ = b.store.Close()
	}
}

func openBackend(ctx context.Context, cfg config.Config, logger *slog.Logger) (*backend, error) {
	b := &backend{}
	if strings.TrimSpace(cfg.RedisURL) != "" {
		client, err := session.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		b.redis = client
	}

	switch cfg.StoreDriver {
	case config.DriverMongo:
		ms, err := store.OpenMongo(ctx, cfg.MongoURL, cfg.MongoDatabase)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("mongodb connection failed: %w", err)
		}
		b.store = ms
		if err := ms.EnsureIndexes(ctx); err != nil {
			b.Close()
			return nil, fmt.Errorf("mongodb indexes: %w", err)
		}
		fts := search.NewStoreFTS(ms)
		b.fallback = fts
		b.records = fts
	default:
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("database connection failed: %w", err)
		}
		pg := store.NewPostgresStore(db)
		b.store = pg
		if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir, logger); err != nil {
			b.Close()
			return nil, fmt.Errorf("migrations failed: %w", err)
		}
		b.sessions = pg
		pgfts := search.NewPgFTS(db)
		b.fallback = pgfts
		b.records = pgfts
	}

	if b.redis != nil {
		logger.Info("using redis for sessions and broadcast relay")
		b.sessions = session.NewRedisStore(b.redis)
	}
	return b, nil
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	registry := realtime.NewRegistry(logger)
	var publisher realtime.Publisher = registry
	var relay *realtime.RedisRelay
	if b.redis != nil {
		relay = realtime.NewRedisRelay(b.redis, registry, logger)
		publisher = relay
	}

	oracle := membership.NewOracle(b.store)

	var primary search.Primary
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meiliClient.Close()
		primary = meiliClient
	}
	searchService := search.NewService(primary, b.fallback, oracle, logger)
	go searchService.ReindexAll(context.WithoutCancel(ctx), b.records)

	deps := chat.Deps{
		Store:     b.store,
		Auth:      oracle,
		Publisher: publisher,
		Indexer:   searchService,
	}
	if strings.TrimSpace(cfg.GeminiAPIKey) != "" {
		gemini, err := assistant.NewGemini(assistant.GeminiConfig{
			APIKey:  cfg.GeminiAPIKey,
			Model:   cfg.GeminiModel,
			BaseURL: cfg.GeminiBaseURL,
		})
		if err != nil {
			return err
		}
		deps.Responder = gemini
	} else {
		logger.Warn("GEMINI_API_KEY not set, assistant mentions get the fallback reply")
	}

	dispatcher := notify.NewDispatcher(b.store, publisher, logger)
	deps.Notifier = dispatcher
	pipeline := chat.NewPipeline(deps, chat.Options{
		AssistantPrefix:        cfg.AssistantPrefix,
		AssistantTimeout:       cfg.AssistantTimeout,
		AssistantHistorySize:   cfg.AssistantHistorySize,
		AssistantMaxConcurrent: int64(cfg.AssistantMaxConcurrent),
		HistoryPageSize:        cfg.HistoryPageSize,
		Logger:                 logger,
	})
	defer pipeline.Close()

	service := app.New(cfg, app.Deps{
		Store:    b.store,
		Sessions: b.sessions,
		Chat:     pipeline,
		Notify:   dispatcher,
		Search:   searchService,
		Logger:   logger,
	})

	httpServer := app.NewHTTPServer(service, registry, app.HTTPOptions{
		CORSOrigin:   cfg.CORSOrigin,
		SendBuffer:   cfg.WSSendBuffer,
		WriteTimeout: cfg.WSWriteTimeout,
		RateLimit:    chat.RateLimit{PerSecond: cfg.WSMessagesPerSecond, Burst: cfg.WSMessageBurst},
		Logger:       logger,
	})
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	metricsServer := metrics.NewServer(cfg.MetricsAddr, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("api listening", "addr", cfg.Addr, "store", cfg.StoreDriver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(metricsServer.Start)
	if relay != nil {
		g.Go(func() error { return relay.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		registry.CloseAll()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("api shutdown", "err", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics shutdown", "err", err)
		}
		return nil
	})
	return g.Wait()
}

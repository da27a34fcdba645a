// Package main provides the entry point for the HoneyNet intelligence
// core: event correlation, threat scoring and the dashboard API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lvonguyen/honeynet/internal/api"
	"github.com/lvonguyen/honeynet/internal/config"
	"github.com/lvonguyen/honeynet/internal/geo"
	"github.com/lvonguyen/honeynet/internal/ingest"
	"github.com/lvonguyen/honeynet/internal/observability"
	"github.com/lvonguyen/honeynet/internal/profile"
	"github.com/lvonguyen/honeynet/internal/query"
	"github.com/lvonguyen/honeynet/internal/session"
	"github.com/lvonguyen/honeynet/internal/store"
)

// Version information (injected at build time via ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// datastore is the full persistence surface the pipeline needs. Both the
// in-memory and the Redis adapter satisfy it.
type datastore interface {
	session.Store
	query.Store
	PutProfile(ctx context.Context, p *profile.Profile) error
}

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("honeynet %s (commit: %s, built: %s)\n", Version, GitCommit, BuildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		if !os.IsNotExist(err) && !errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
			os.Exit(1)
		}
		cfg = config.DefaultConfig()
	}

	logger, err := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting honeynet core",
		zap.String("version", Version),
		zap.String("config", *configPath))

	if err := run(cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("server exited", zap.Error(err))
	}
	logger.Info("server stopped")
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := observability.NewMetrics()

	var (
		db          datastore
		redisStore  *store.Redis
		rateLimiter *api.RateLimiter
	)
	if cfg.Redis.Addr != "" {
		rs, err := store.NewRedis(ctx, store.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: os.Getenv(cfg.Redis.PasswordEnv),
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return err
		}
		defer rs.Close()
		redisStore = rs
		db = rs
		logger.Info("using redis store", zap.String("addr", cfg.Redis.Addr))
	} else {
		db = store.NewMemory()
		logger.Warn("no redis configured, using in-memory store")
	}

	if cfg.RateLimit.Enabled && redisStore != nil {
		rateLimiter = api.NewRateLimiter(redisStore.Client(), cfg.RateLimit.RequestsPerMinute, logger)
	}

	resolver := geo.NewCachedResolver(
		geo.NewHTTPResolver(geo.HTTPConfig{
			BaseURL: cfg.GeoIP.BaseURL,
			Timeout: cfg.GeoIP.Timeout,
		}),
		geo.CacheConfig{
			Timeout:     cfg.GeoIP.Timeout,
			TTL:         cfg.GeoIP.CacheTTL,
			NegativeTTL: cfg.GeoIP.NegativeTTL,
		},
	)

	aggregator := profile.NewAggregator(db, profile.Config{TopN: cfg.Profile.TopN}, logger, metrics)
	correlator := session.NewCorrelator(db, aggregator, resolver,
		session.Config{InactivityWindow: cfg.Correlation.InactivityWindow}, logger, metrics)
	engine := query.NewEngine(db)

	handlers := &api.Handlers{
		Query:    engine,
		Pipeline: correlator,
		Metrics:  metrics,
		Limiter:  rateLimiter,
		Log:      logger,
		Version:  Version,
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      api.NewRouter(handlers),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("http server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return correlator.RunSweeper(ctx, cfg.Correlation.SweepInterval)
	})

	g.Go(func() error {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				resolver.Cleanup()
			}
		}
	})

	if cfg.Kafka.Enabled {
		consumer := ingest.NewConsumer(ingest.Config{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
			GroupID: cfg.Kafka.GroupID,
		}, correlator, logger, metrics)
		g.Go(func() error {
			logger.Info("kafka consumer starting",
				zap.Strings("brokers", cfg.Kafka.Brokers),
				zap.String("topic", cfg.Kafka.Topic))
			return consumer.Run(ctx)
		})
	}

	return g.Wait()
}

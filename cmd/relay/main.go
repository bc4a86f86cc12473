package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"protorelay/internal/account"
	"protorelay/internal/config"
	"protorelay/internal/handlers"
	"protorelay/internal/httpserver"
	"protorelay/internal/llm"
	"protorelay/internal/metrics"
	"protorelay/internal/relay"
	"protorelay/pkg/logging"
)

func main() {
	configPath := flag.String("config", os.Getenv("RELAY_CONFIG"), "path to the YAML config file (optional)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		log.Fatalf("relay exited with error: %v", err)
	}
}

func run(configPath string) error {
	// ----- Logger -----
	logger := logging.DefaultLogger()
	defer func() { _ = logger.Sync() }()

	// ----- Metrics -----
	metrics.Register()

	// ----- Config -----
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger.Info("loaded config",
		zap.String("config_path", configPath),
		zap.String("port", cfg.Server.Port),
		zap.String("upstream_protocol", cfg.Upstream.Protocol),
		zap.String("upstream_base_url", cfg.Upstream.BaseURL),
		zap.Duration("upstream_timeout", cfg.Upstream.Timeout),
		zap.Bool("force_buffered", cfg.Relay.ForceBuffered),
		zap.String("credential_mode", cfg.Accounts.Mode),
		zap.String("strategy", cfg.Accounts.Strategy),
		zap.Int("accounts", len(cfg.Accounts.Keys)),
		zap.String("health_store", cfg.HealthStore.Backend),
	)

	// ----- Redis client (only if needed) -----
	var redisClient *redis.Client
	if cfg.HealthStore.Backend == config.StoreRedis {
		redisClient = redis.NewClient(&redis.Options{
			Addr: cfg.HealthStore.RedisAddr,
		})
		defer func() { _ = redisClient.Close() }()

		// Fail fast if Redis is misconfigured
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			logger.Error("redis connection failed", zap.Error(err))
			return err
		}
		logger.Info("redis connection established",
			zap.String("addr", cfg.HealthStore.RedisAddr),
		)
	}

	// ----- Account pool + health store -----
	poolOpts := cfg.PoolOptions()
	poolOpts.Logger = logger

	relayOpts := relay.Options{
		Mode:                 relay.CredentialMode(cfg.Accounts.Mode),
		PoolOptions:          poolOpts,
		ClientKeys:           cfg.Accounts.ClientKeys,
		AllowAnonymous:       cfg.Accounts.AllowAnonymous,
		StoreTTL:             cfg.HealthStore.TTL,
		ForceBuffered:        cfg.Relay.ForceBuffered,
		ForwardClientHeaders: cfg.Upstream.ForwardClientHeaders,
		DefaultSystemPrompt:  cfg.Relay.DefaultSystemPrompt,
		DefaultMaxTokens:     cfg.Relay.DefaultMaxTokens,
		Models:               cfg.Relay.Models,
		Logger:               logger,
	}

	if cfg.Accounts.Mode == config.CredentialStatic {
		pool, err := account.NewPool(cfg.AccountEntries(), poolOpts)
		if err != nil {
			return err
		}

		store := account.NewHealthStore(account.StoreConfig{
			Backend: cfg.HealthStore.Backend,
			TTL:     cfg.HealthStore.TTL,
			Prefix:  cfg.HealthStore.Prefix,
		}, redisClient)
		if closer, ok := store.(interface{ Close() error }); ok {
			defer func() { _ = closer.Close() }()
		}
		store = account.NewLoggingHealthStore(store, cfg.HealthStore.Backend)

		restored := 0
		if cfg.PersistsHealth() {
			restoreCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			restored, err = account.RestorePool(restoreCtx, pool, store, logger)
			cancel()
			if err != nil {
				// Start with fresh account state.
				logger.Warn("account state restore failed", zap.Error(err))
			}
		} else {
			logger.Info("account health is kept in process memory and not persisted across restarts")
		}
		logger.Info("account pool ready",
			zap.Int("accounts", pool.Len()),
			zap.Int("restored", restored),
			zap.String("strategy", string(pool.Strategy())),
		)

		relayOpts.Pool = pool
		relayOpts.Store = store
	}

	// ----- Upstream client -----
	upstream, err := llm.NewClient(llm.Config{
		BaseURL:          cfg.Upstream.BaseURL,
		Protocol:         cfg.UpstreamProtocol(),
		UpstreamTimeout:  cfg.Upstream.Timeout,
		MaxRetries:       cfg.Upstream.MaxRetries,
		BaseBackoff:      cfg.Upstream.BaseBackoff,
		AnthropicVersion: cfg.Upstream.AnthropicVersion,
		Headers:          cfg.Upstream.Headers,
	}, logger)
	if err != nil {
		return err
	}
	if closer, ok := upstream.(interface{ Close() error }); ok {
		defer func() { _ = closer.Close() }()
	}

	// ----- Relay + handlers -----
	rl, err := relay.New(upstream, relayOpts)
	if err != nil {
		return err
	}

	chatHandler := handlers.NewChatHandler(rl)
	modelsHandler := handlers.NewModelsHandler(rl)
	healthHandler := handlers.NewHealthHandler(rl)

	// ----- Router + middleware -----
	r := chi.NewRouter()
	httpserver.SetupRouter(r, logger, httpserver.RouterConfig{
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
		RequestTimeout: cfg.Server.RequestTimeout,
	}, chatHandler, modelsHandler, healthHandler)

	// ----- HTTP server -----
	// No WriteTimeout: streamed responses are bounded by the upstream timeout.
	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logger.Info("starting relay",
		zap.String("addr", srv.Addr),
		zap.String("upstream_protocol", cfg.Upstream.Protocol),
	)

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// ----- Graceful shutdown -----
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		logger.Error("server error", zap.Error(err))
		return err
	case <-stop:
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
		return err
	}

	logger.Info("server shutdown complete")
	return nil
}

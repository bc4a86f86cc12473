package httpserver

import (
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"protorelay/internal/handlers"
	"protorelay/internal/metrics"
	"protorelay/internal/middleware"
)

// RouterConfig carries the limits applied by the middleware stack.
type RouterConfig struct {
	MaxBodyBytes int64
	// RequestTimeout bounds the non-chat routes. Chat routes are bounded by
	// the upstream timeout instead, since streams may run long.
	RequestTimeout time.Duration
}

func SetupRouter(
	r *chi.Mux,
	baseLogger *zap.Logger,
	cfg RouterConfig,
	chatHandler *handlers.ChatHandler,
	modelsHandler *handlers.ModelsHandler,
	healthHandler *handlers.HealthHandler,
) {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 10 << 20
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}

	r.Use(metrics.Middleware)

	// base middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)

	r.Use(middleware.LoggingContext(baseLogger))
	r.Use(middleware.Recoverer())
	r.Use(middleware.MaxBodySize(cfg.MaxBodyBytes))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/chat/completions", chatHandler.ChatCompletion)
		r.Post("/messages", chatHandler.Messages)
		r.With(middleware.Timeout(cfg.RequestTimeout)).Get("/models", modelsHandler.List)
	})

	r.With(middleware.Timeout(cfg.RequestTimeout)).Get("/health", healthHandler.Health)

	r.Handle("/metrics", metrics.Handler())
}

package account

import (
	"context"
	"time"

	"go.uber.org/zap"

	"protorelay/internal/metrics"
	"protorelay/pkg/logging"
)

// LoggingHealthStore decorates a store with logs and metrics.
type LoggingHealthStore struct {
	inner   HealthStore
	backend string
}

func NewLoggingHealthStore(inner HealthStore, backend string) HealthStore {
	if backend == "" {
		backend = "memory"
	}
	return &LoggingHealthStore{inner: inner, backend: backend}
}

func (s *LoggingHealthStore) Load(ctx context.Context, key string) (Snapshot, bool, error) {
	start := time.Now()
	snap, ok, err := s.inner.Load(ctx, key)

	result := "miss"
	switch {
	case err != nil:
		result = "error"
	case ok:
		result = "hit"
	}
	metrics.HealthStoreOpsTotal.WithLabelValues(s.backend, "load", result).Inc()

	fields := []zap.Field{
		zap.String("store_backend", s.backend),
		zap.String("store_key", key),
		zap.String("store_result", result),
		zap.Float64("latency_ms", float64(time.Since(start).Microseconds())/1000.0),
	}
	if err != nil {
		logging.L(ctx).Error("health_store_load", append(fields, zap.Error(err))...)
	} else {
		logging.L(ctx).Debug("health_store_load", fields...)
	}
	return snap, ok, err
}

func (s *LoggingHealthStore) Save(ctx context.Context, key string, snap Snapshot, ttl time.Duration) error {
	start := time.Now()
	err := s.inner.Save(ctx, key, snap, ttl)

	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.HealthStoreOpsTotal.WithLabelValues(s.backend, "save", result).Inc()

	fields := []zap.Field{
		zap.String("store_backend", s.backend),
		zap.String("store_key", key),
		zap.String("account", snap.Name),
		zap.Bool("healthy", snap.Healthy),
		zap.Float64("latency_ms", float64(time.Since(start).Microseconds())/1000.0),
	}
	if err != nil {
		logging.L(ctx).Error("health_store_save", append(fields, zap.Error(err))...)
	} else {
		logging.L(ctx).Debug("health_store_save", fields...)
	}
	return err
}

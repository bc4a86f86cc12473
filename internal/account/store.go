package account

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// HealthStore persists account snapshots so a restarted relay does not send
// traffic to an account it already knew to be failing.
type HealthStore interface {
	Load(ctx context.Context, key string) (Snapshot, bool, error)
	Save(ctx context.Context, key string, s Snapshot, ttl time.Duration) error
}

// StoreConfig selects and tunes the store backend.
type StoreConfig struct {
	Backend string // "memory" (default) or "redis"
	TTL     time.Duration
	Prefix  string
}

// NewHealthStore builds the configured backend. redisClient is only used for
// the redis backend.
func NewHealthStore(cfg StoreConfig, redisClient *redis.Client) HealthStore {
	switch cfg.Backend {
	case "redis":
		return NewRedisHealthStore(redisClient, cfg.Prefix)
	default:
		return NewMemoryHealthStore(0)
	}
}

// RestorePool loads every account of p from s. Missing entries are skipped and
// a store error aborts the restore; the pool keeps its fresh state for any
// account not yet restored.
func RestorePool(ctx context.Context, p *Pool, s HealthStore, logger *zap.Logger) (int, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	restored := 0
	for _, key := range p.Keys() {
		snap, ok, err := s.Load(ctx, key)
		if err != nil {
			return restored, err
		}
		if !ok {
			continue
		}
		if p.Restore(key, snap) {
			restored++
			logger.Info("account state restored",
				zap.String("account", snap.Name),
				zap.Bool("healthy", snap.Healthy),
				zap.Int("consecutive_failures", snap.ConsecutiveFailures),
			)
		}
	}
	return restored, nil
}

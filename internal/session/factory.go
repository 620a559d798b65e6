package session

import (
	"context"

	"go.uber.org/zap"

	"motion/internal/config"
	"motion/internal/logger"
)

// NewStore picks the Redis store when REDIS_HOST is configured and reachable,
// otherwise the in-memory store.
func NewStore(ctx context.Context, cfg *config.Config, log *zap.Logger) StoreInterface {
	log = logger.OrNop(log).Named("session")

	if cfg.RedisEnabled() {
		store, err := NewRedisStore(ctx, cfg.RedisHost, cfg.RedisPort, cfg.RedisUser, cfg.RedisPassword, cfg.SessionTTL, log)
		if err != nil {
			log.Warn("⚠️  Redis connection failed, falling back to in-memory session store", zap.Error(err))
			return NewMemoryStore(cfg.SessionTTL, WithLogger(log))
		}
		log.Info("💾 Using Redis session store", zap.String("host", cfg.RedisHost), zap.String("port", cfg.RedisPort))
		return store
	}

	log.Info("💾 Using in-memory session store")
	return NewMemoryStore(cfg.SessionTTL, WithLogger(log))
}

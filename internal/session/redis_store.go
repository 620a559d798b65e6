package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"motion/internal/constants"
	"motion/internal/logger"
)

type sessionData struct {
	Token     string    `json:"token"`
	CreatedAt time.Time `json:"created_at"`
	LastSeen  time.Time `json:"last_seen"`
}

// RedisStore keeps sessions as JSON values whose key TTL is the idle timeout,
// so Redis itself expires idle sessions.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	log    *zap.Logger
}

func NewRedisStore(ctx context.Context, host, port, username, password string, ttl time.Duration, log *zap.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         host + ":" + port,
		Username:     username,
		Password:     password,
		DB:           0,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStore{client: client, ttl: ttl, log: logger.OrNop(log)}, nil
}

// OnExpire is a no-op: Redis drops idle keys on its own and does not notify us.
func (st *RedisStore) OnExpire(func(token string)) {}

func (st *RedisStore) Issue(ctx context.Context) (string, error) {
	now := time.Now()
	data := sessionData{Token: uuid.New().String(), CreatedAt: now, LastSeen: now}
	raw, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to marshal session: %w", err)
	}
	ok, err := st.client.SetNX(ctx, constants.RedisKeyPrefix+data.Token, raw, st.ttl).Result()
	if err != nil {
		return "", fmt.Errorf("failed to save session to Redis: %w", err)
	}
	if !ok {
		return "", errors.New("session token collision")
	}
	return data.Token, nil
}

func (st *RedisStore) Validate(ctx context.Context, token string) bool {
	if token == "" {
		return false
	}
	key := constants.RedisKeyPrefix + token

	raw, err := st.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false
	}
	if err != nil {
		st.log.Warn("Failed to get session from Redis", zap.Error(err))
		return false
	}

	var data sessionData
	if err := json.Unmarshal(raw, &data); err != nil {
		st.log.Warn("Failed to unmarshal session", zap.Error(err))
		return false
	}

	data.LastSeen = time.Now()
	if raw, err = json.Marshal(data); err == nil {
		// XX keeps a concurrently expired key from being resurrected.
		if err := st.client.SetArgs(ctx, key, raw, redis.SetArgs{Mode: "XX", TTL: st.ttl}).Err(); err != nil && !errors.Is(err, redis.Nil) {
			st.log.Warn("Failed to refresh session TTL", zap.Error(err))
		}
	}
	return true
}

func (st *RedisStore) Close() error {
	return st.client.Close()
}

package session

import (
	"context"
	"sync"
	"time"
)

type Session struct {
	Token     string    `json:"token"`
	CreatedAt time.Time `json:"created_at"`
	LastSeen  time.Time `json:"last_seen"`
	mu        sync.Mutex
}

// IsExpired reports whether the session has been idle for longer than ttl.
func (s *Session) IsExpired(now time.Time, ttl time.Duration) bool {
	return now.Sub(s.LastSeen) > ttl
}

// StoreInterface issues and validates opaque session tokens.
//
// Validate never distinguishes an unknown token from an expired or malformed one.
type StoreInterface interface {
	Issue(ctx context.Context) (string, error)
	Validate(ctx context.Context, token string) bool
	OnExpire(func(token string))
	Close() error
}

package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"motion/internal/constants"
	"motion/internal/logger"
)

type MemoryOption func(*MemoryStore)

// WithClock replaces time.Now, mainly for expiry tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(st *MemoryStore) { st.now = now }
}

// WithSweepInterval sets how often expired sessions are removed. Zero disables the sweeper.
func WithSweepInterval(d time.Duration) MemoryOption {
	return func(st *MemoryStore) { st.sweepEvery = d }
}

func WithLogger(log *zap.Logger) MemoryOption {
	return func(st *MemoryStore) { st.log = logger.OrNop(log) }
}

type MemoryStore struct {
	sessions   sync.Map // token -> *Session
	ttl        time.Duration
	now        func() time.Time
	sweepEvery time.Duration
	log        *zap.Logger

	expireMu sync.RWMutex
	onExpire func(token string)

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewMemoryStore(ttl time.Duration, opts ...MemoryOption) *MemoryStore {
	st := &MemoryStore{
		ttl:        ttl,
		now:        time.Now,
		sweepEvery: constants.SessionSweepInterval,
		log:        zap.NewNop(),
		stop:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(st)
	}
	if st.sweepEvery > 0 {
		st.wg.Add(1)
		go st.cleanupLoop()
	}
	return st
}

func (st *MemoryStore) OnExpire(fn func(token string)) {
	st.expireMu.Lock()
	st.onExpire = fn
	st.expireMu.Unlock()
}

func (st *MemoryStore) Issue(_ context.Context) (string, error) {
	now := st.now()
	sess := &Session{
		Token:     uuid.New().String(),
		CreatedAt: now,
		LastSeen:  now,
	}
	st.sessions.Store(sess.Token, sess)
	st.log.Debug("💾 Session issued", zap.String("token_prefix", sess.Token[:8]))
	return sess.Token, nil
}

func (st *MemoryStore) Validate(_ context.Context, token string) bool {
	if token == "" {
		return false
	}
	val, ok := st.sessions.Load(token)
	if !ok {
		return false
	}
	sess := val.(*Session)
	now := st.now()

	sess.mu.Lock()
	expired := sess.IsExpired(now, st.ttl)
	if !expired {
		sess.LastSeen = now
	}
	sess.mu.Unlock()

	if expired {
		st.expire(token)
		return false
	}
	return true
}

// Len returns the number of live sessions.
func (st *MemoryStore) Len() int {
	n := 0
	st.sessions.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Sweep removes every session idle for longer than the TTL and returns how many were removed.
func (st *MemoryStore) Sweep() int {
	now := st.now()
	removed := 0
	st.sessions.Range(func(key, value any) bool {
		sess := value.(*Session)
		sess.mu.Lock()
		expired := sess.IsExpired(now, st.ttl)
		sess.mu.Unlock()
		if expired {
			if st.expire(key.(string)) {
				removed++
			}
		}
		return true
	})
	return removed
}

func (st *MemoryStore) expire(token string) bool {
	if _, loaded := st.sessions.LoadAndDelete(token); !loaded {
		return false
	}
	st.expireMu.RLock()
	fn := st.onExpire
	st.expireMu.RUnlock()
	if fn != nil {
		fn(token)
	}
	return true
}

func (st *MemoryStore) Close() error {
	st.stopOnce.Do(func() { close(st.stop) })
	st.wg.Wait()
	return nil
}

func (st *MemoryStore) cleanupLoop() {
	defer st.wg.Done()
	ticker := time.NewTicker(st.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-st.stop:
			return
		case <-ticker.C:
			if n := st.Sweep(); n > 0 {
				st.log.Info("🗑 Expired sessions cleaned up", zap.Int("count", n))
			}
		}
	}
}

package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"motion/internal/config"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T, ttl time.Duration) (*MemoryStore, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	st := NewMemoryStore(ttl, WithClock(clock.Now), WithSweepInterval(0))
	t.Cleanup(func() { st.Close() })
	return st, clock
}

func TestIssueAndValidate(t *testing.T) {
	st, _ := newTestStore(t, time.Hour)
	ctx := context.Background()

	token, err := st.Issue(ctx)
	require.NoError(t, err)
	assert.Len(t, token, 36)

	assert.True(t, st.Validate(ctx, token))
	assert.False(t, st.Validate(ctx, "not-a-token"))
	assert.False(t, st.Validate(ctx, ""))
}

func TestTokensAreUnique(t *testing.T) {
	st, _ := newTestStore(t, time.Hour)
	seen := make(map[string]bool)
	for i := 0; i < 500; i++ {
		token, err := st.Issue(context.Background())
		require.NoError(t, err)
		require.False(t, seen[token])
		seen[token] = true
	}
}

func TestValidateTouchesLastSeen(t *testing.T) {
	st, clock := newTestStore(t, time.Minute)
	ctx := context.Background()
	token, _ := st.Issue(ctx)

	// Keep the session alive by using it every 40s; it would expire after 60s idle.
	for i := 0; i < 5; i++ {
		clock.Advance(40 * time.Second)
		require.True(t, st.Validate(ctx, token), "iteration %d", i)
	}

	clock.Advance(61 * time.Second)
	assert.False(t, st.Validate(ctx, token))
	assert.Equal(t, 0, st.Len())
}

func TestSweepRemovesIdleSessions(t *testing.T) {
	st, clock := newTestStore(t, time.Minute)
	ctx := context.Background()

	var expired []string
	st.OnExpire(func(token string) { expired = append(expired, token) })

	stale, _ := st.Issue(ctx)
	clock.Advance(45 * time.Second)
	fresh, _ := st.Issue(ctx)
	clock.Advance(30 * time.Second)

	assert.Equal(t, 1, st.Sweep())
	assert.Equal(t, []string{stale}, expired)
	assert.False(t, st.Validate(ctx, stale))
	assert.True(t, st.Validate(ctx, fresh))
}

func TestConcurrentValidate(t *testing.T) {
	st, _ := newTestStore(t, time.Hour)
	token, _ := st.Issue(context.Background())

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				assert.True(t, st.Validate(context.Background(), token))
			}
		}()
	}
	wg.Wait()
}

func TestNewStore_FallsBackToMemory(t *testing.T) {
	cfg := config.Default()
	cfg.RedisHost = "127.0.0.1"
	cfg.RedisPort = "1"

	st := NewStore(context.Background(), cfg, nil)
	defer st.Close()

	_, ok := st.(*MemoryStore)
	assert.True(t, ok)
}

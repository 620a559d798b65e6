package security

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSendLimiter_MinInterval(t *testing.T) {
	sl := NewSendLimiter(30 * time.Millisecond)
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.True(t, sl.Allow("a", t0))
	assert.False(t, sl.Allow("a", t0.Add(10*time.Millisecond)))
	assert.True(t, sl.Allow("b", t0.Add(10*time.Millisecond)), "keys are independent")
	assert.True(t, sl.Allow("a", t0.Add(31*time.Millisecond)))
	assert.False(t, sl.Allow("a", t0.Add(40*time.Millisecond)))
}

func TestSendLimiter_ForgetAndDisabled(t *testing.T) {
	sl := NewSendLimiter(time.Second)
	now := time.Now()
	sl.Allow("a", now)
	assert.Equal(t, 1, sl.Len())
	sl.Forget("a")
	assert.Equal(t, 0, sl.Len())
	assert.True(t, sl.Allow("a", now), "forgotten key starts fresh")

	off := NewSendLimiter(0)
	for i := 0; i < 10; i++ {
		assert.True(t, off.Allow("a", now))
	}
}

func TestSendLimiter_PruneIdle(t *testing.T) {
	sl := NewSendLimiter(30 * time.Millisecond)
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	sl.Allow("idle", t0)
	sl.Allow("busy", t0.Add(20*time.Millisecond))

	assert.Equal(t, 1, sl.Prune(t0.Add(35*time.Millisecond)))
	assert.Equal(t, 1, sl.Len())
	assert.False(t, sl.Allow("busy", t0.Add(35*time.Millisecond)), "pruning keeps active keys gated")
	assert.True(t, sl.Allow("idle", t0.Add(35*time.Millisecond)))
}

func TestConnectionLimiter(t *testing.T) {
	cl := NewConnectionLimiter(2)
	assert.True(t, cl.TryConnect("1.2.3.4"))
	assert.True(t, cl.TryConnect("1.2.3.4"))
	assert.False(t, cl.TryConnect("1.2.3.4"))
	assert.True(t, cl.TryConnect("5.6.7.8"))

	cl.Disconnect("1.2.3.4")
	assert.True(t, cl.TryConnect("1.2.3.4"))
}

func TestBruteForceProtector(t *testing.T) {
	bf := NewBruteForceProtector(3, time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	bf.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		assert.True(t, bf.Check("ip"))
		bf.RecordFailure("ip")
	}
	assert.False(t, bf.Check("ip"))

	now = now.Add(2 * time.Minute)
	bf.Prune()
	assert.True(t, bf.Check("ip"))

	bf.RecordFailure("ip")
	bf.RecordSuccess("ip")
	assert.True(t, bf.Check("ip"))
}

func TestValidateProjectID(t *testing.T) {
	for _, ok := range []string{"demo", "Project_1", "a-b-c", "0"} {
		assert.True(t, ValidateProjectID(ok), ok)
	}
	for _, bad := range []string{"", "..", "a/b", "-lead", "a b", `a\b`, "x:y", string(make([]byte, 65))} {
		assert.False(t, ValidateProjectID(bad), bad)
	}
}

func TestValidateOrigin(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws/track", nil)
	assert.True(t, ValidateOrigin(r, []string{"https://app.example"}), "missing origin is same-origin")

	r.Header.Set("Origin", "https://evil.example")
	assert.False(t, ValidateOrigin(r, []string{"https://app.example"}))
	assert.True(t, ValidateOrigin(r, nil))
	assert.True(t, ValidateOrigin(r, []string{"*"}))

	r.Header.Set("Origin", "https://app.example")
	assert.True(t, ValidateOrigin(r, []string{"https://app.example"}))
}

func TestGetClientIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "127.0.0.1:5555"
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", GetClientIP(r))

	r.RemoteAddr = "198.51.100.7:5555"
	assert.Equal(t, "198.51.100.7", GetClientIP(r), "untrusted peers cannot spoof")
}

func TestHasEnoughDiskSpace(t *testing.T) {
	assert.True(t, HasEnoughDiskSpace(t.TempDir(), 1))
	assert.False(t, HasEnoughDiskSpace(t.TempDir(), 1<<62))
}

package security

import (
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// SendLimiter enforces a minimum interval between backend sends per session.
// A key may be shared by several sockets of the same session; each key has its own
// limiter so updates for one session never serialize behind another.
type SendLimiter struct {
	mu       sync.Mutex
	limiters map[string]*sendSlot
	interval time.Duration
}

type sendSlot struct {
	lim  *rate.Limiter
	last time.Time
}

func NewSendLimiter(interval time.Duration) *SendLimiter {
	return &SendLimiter{
		limiters: make(map[string]*sendSlot),
		interval: interval,
	}
}

// Allow reports whether a send for key may happen at now, and records it if so.
func (sl *SendLimiter) Allow(key string, now time.Time) bool {
	if sl.interval <= 0 {
		return true
	}

	sl.mu.Lock()
	slot, ok := sl.limiters[key]
	if !ok {
		slot = &sendSlot{lim: rate.NewLimiter(rate.Every(sl.interval), 1)}
		sl.limiters[key] = slot
	}
	if now.After(slot.last) {
		slot.last = now
	}
	sl.mu.Unlock()

	return slot.lim.AllowN(now, 1)
}

// Forget drops the limiter state for key, e.g. when its session expires.
func (sl *SendLimiter) Forget(key string) {
	sl.mu.Lock()
	delete(sl.limiters, key)
	sl.mu.Unlock()
}

// Prune drops keys idle for at least one interval. Their bucket has refilled, so
// a fresh limiter behaves the same.
func (sl *SendLimiter) Prune(now time.Time) int {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	n := 0
	for key, slot := range sl.limiters {
		if now.Sub(slot.last) >= sl.interval {
			delete(sl.limiters, key)
			n++
		}
	}
	return n
}

func (sl *SendLimiter) Len() int {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return len(sl.limiters)
}

type ConnectionLimiter struct {
	mu          sync.RWMutex
	connections map[string]int
	maxConn     int
}

func NewConnectionLimiter(maxConn int) *ConnectionLimiter {
	return &ConnectionLimiter{
		connections: make(map[string]int),
		maxConn:     maxConn,
	}
}

func (cl *ConnectionLimiter) TryConnect(ip string) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if cl.connections[ip] >= cl.maxConn {
		return false
	}
	cl.connections[ip]++
	return true
}

func (cl *ConnectionLimiter) Disconnect(ip string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if cl.connections[ip] > 0 {
		cl.connections[ip]--
		if cl.connections[ip] == 0 {
			delete(cl.connections, ip)
		}
	}
}

var (
	trustedProxies []*net.IPNet
	proxyOnce      sync.Once
)

func initTrustedProxies() {
	proxyOnce.Do(func() {
		defaultCIDRs := []string{"127.0.0.0/8", "::1/128", "10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16"}
		if env := os.Getenv("MOTION_TRUSTED_PROXIES"); env != "" {
			defaultCIDRs = strings.Split(env, ",")
		}
		for _, cidr := range defaultCIDRs {
			_, network, err := net.ParseCIDR(strings.TrimSpace(cidr))
			if err == nil {
				trustedProxies = append(trustedProxies, network)
			}
		}
	})
}

func isTrustedProxy(ip string) bool {
	initTrustedProxies()
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, network := range trustedProxies {
		if network.Contains(parsed) {
			return true
		}
	}
	return false
}

// GetClientIP extracts client IP, only trusting proxy headers from trusted sources.
func GetClientIP(r *http.Request) string {
	directIP, _, _ := net.SplitHostPort(r.RemoteAddr)
	if directIP == "" {
		directIP = r.RemoteAddr
	}

	if isTrustedProxy(directIP) {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			clientIP := strings.TrimSpace(strings.Split(xff, ",")[0])
			if net.ParseIP(clientIP) != nil {
				return clientIP
			}
		}
		if xri := strings.TrimSpace(r.Header.Get("X-Real-Ip")); xri != "" {
			if net.ParseIP(xri) != nil {
				return xri
			}
		}
	}

	return directIP
}

type BruteForceProtector struct {
	mu            sync.Mutex
	attempts      map[string]*ipAttempts
	maxAttempts   int
	blockDuration time.Duration
	now           func() time.Time
}

type ipAttempts struct {
	count     int
	blockedAt *time.Time
}

func NewBruteForceProtector(maxAttempts int, blockDuration time.Duration) *BruteForceProtector {
	return &BruteForceProtector{
		attempts:      make(map[string]*ipAttempts),
		maxAttempts:   maxAttempts,
		blockDuration: blockDuration,
		now:           time.Now,
	}
}

func (bf *BruteForceProtector) Check(ip string) bool {
	bf.mu.Lock()
	defer bf.mu.Unlock()

	attempts, exists := bf.attempts[ip]
	if !exists {
		return true
	}

	if attempts.blockedAt != nil {
		if bf.now().Sub(*attempts.blockedAt) < bf.blockDuration {
			return false
		}
		delete(bf.attempts, ip)
		return true
	}

	return attempts.count < bf.maxAttempts
}

func (bf *BruteForceProtector) RecordFailure(ip string) {
	bf.mu.Lock()
	defer bf.mu.Unlock()

	attempts, exists := bf.attempts[ip]
	if !exists {
		attempts = &ipAttempts{}
		bf.attempts[ip] = attempts
	}

	attempts.count++
	if attempts.count >= bf.maxAttempts {
		now := bf.now()
		attempts.blockedAt = &now
	}
}

func (bf *BruteForceProtector) RecordSuccess(ip string) {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	delete(bf.attempts, ip)
}

// Prune drops expired blocks; the server calls it from its housekeeping ticker.
func (bf *BruteForceProtector) Prune() {
	bf.mu.Lock()
	defer bf.mu.Unlock()

	now := bf.now()
	for ip, attempts := range bf.attempts {
		if attempts.blockedAt != nil && now.Sub(*attempts.blockedAt) > bf.blockDuration {
			delete(bf.attempts, ip)
		}
	}
}

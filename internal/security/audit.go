package security

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"motion/internal/constants"
	"motion/internal/logger"
)

// AuditLogger records security relevant events on a dedicated named logger,
// capped per minute so a flood of bad clients cannot flood the log.
type AuditLogger struct {
	mu          sync.Mutex
	log         *zap.Logger
	count       int
	windowStart time.Time
	now         func() time.Time
}

func NewAuditLogger(log *zap.Logger) *AuditLogger {
	return &AuditLogger{
		log:         logger.OrNop(log).Named("audit"),
		windowStart: time.Now(),
		now:         time.Now,
	}
}

func (al *AuditLogger) allow() bool {
	al.mu.Lock()
	defer al.mu.Unlock()

	now := al.now()
	if now.Sub(al.windowStart) > time.Minute {
		al.windowStart = now
		al.count = 0
	}
	if al.count >= constants.MaxAuditLogsPerMinute {
		return false
	}
	al.count++
	return true
}

func (al *AuditLogger) event(severity, eventType, ip, details string, fields ...zap.Field) {
	if al == nil || !al.allow() {
		return
	}
	fields = append(fields,
		zap.String("event_type", eventType),
		zap.String("ip", ip),
		zap.String("details", details),
	)
	switch severity {
	case "critical":
		al.log.Error("security event", fields...)
	case "warning":
		al.log.Warn("security event", fields...)
	default:
		al.log.Info("security event", fields...)
	}
}

func (al *AuditLogger) LogAuthFailure(ip, reason string) {
	al.event("warning", "auth_failure", ip, reason)
}

func (al *AuditLogger) LogBruteForce(ip string, attempts int) {
	al.event("critical", "brute_force", ip, "Multiple failed attempts", zap.Int("attempts", attempts))
}

func (al *AuditLogger) LogConnectionLimit(ip string) {
	al.event("warning", "connection_limit", ip, "Connection limit exceeded")
}

func (al *AuditLogger) LogOriginRejected(ip, origin string) {
	al.event("warning", "origin_rejected", ip, "Origin not allowed", zap.String("origin", origin))
}

func (al *AuditLogger) LogProtocolViolation(ip, reason string) {
	al.event("warning", "protocol_violation", ip, reason)
}

func (al *AuditLogger) LogUploadRejected(ip, project, kind string) {
	al.event("info", "upload_rejected", ip, kind, zap.String("project", project))
}

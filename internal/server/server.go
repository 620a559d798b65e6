package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"

	"motion/internal/config"
	"motion/internal/constants"
	"motion/internal/ingest"
	"motion/internal/logger"
	"motion/internal/project"
	"motion/internal/relay"
	"motion/internal/security"
	"motion/internal/session"
	"motion/internal/stats"
)

const (
	pruneInterval = time.Minute
	// room for multipart headers and boundaries around the archive itself
	multipartOverhead = 1 << 20
)

type Server struct {
	Config         *config.Config
	Store          session.StoreInterface
	Projects       *project.FileStore
	Ingest         *ingest.Pipeline
	Stats          *stats.Registry
	SendLimiter    *security.SendLimiter
	ConnLimiter    *security.ConnectionLimiter
	BruteProtector *security.BruteForceProtector
	AuditLogger    *security.AuditLogger
	UseTLS         bool

	log      *zap.Logger
	upgrader websocket.Upgrader
	dialer   *websocket.Dialer

	// bridges outlive their request once hijacked, so they run under this context
	ctx    context.Context
	cancel context.CancelFunc
}

func NewServer(cfg *config.Config, log *zap.Logger) (*Server, error) {
	log = logger.OrNop(log)

	projects, err := project.NewFileStore(cfg.DataDir, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize project store: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	store := session.NewStore(ctx, cfg, log)
	reg := stats.New()
	audit := security.NewAuditLogger(log)

	s := &Server{
		Config:         cfg,
		Store:          store,
		Projects:       projects,
		Stats:          reg,
		SendLimiter:    security.NewSendLimiter(cfg.MinSendInterval),
		ConnLimiter:    security.NewConnectionLimiter(cfg.MaxConnsPerIP),
		BruteProtector: security.NewBruteForceProtector(constants.MaxAuthAttempts, constants.BlockDuration),
		AuditLogger:    audit,
		log:            log.Named("server"),
		dialer:         relay.NewBackendDialer(),
		ctx:            ctx,
		cancel:         cancel,
	}
	s.Ingest = ingest.New(projects, ingest.Options{
		MaxUploadBytes:  cfg.MaxUploadBytes,
		MaxExtractBytes: cfg.MaxExtractBytes,
		MinFreeBytes:    constants.MinDiskSpaceRequired,
	}, reg, audit, log)

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  constants.WSBufferSize,
		WriteBufferSize: constants.WSBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			return security.ValidateOrigin(r, cfg.AllowedOrigins)
		},
	}

	if mem, ok := store.(*session.MemoryStore); ok {
		reg.SetSessionCounter(func() int64 { return int64(mem.Len()) })
	}

	s.Store.OnExpire(func(token string) {
		s.SendLimiter.Forget(token)
		s.log.Debug("🗑 Session expired", zap.String("token", token[:min(8, len(token))]))
	})

	return s, nil
}

// Handler builds the full middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+constants.EndpointSession, s.HandleSession)
	mux.HandleFunc("GET "+constants.EndpointTrack, s.HandleTrack)
	mux.Handle("POST "+constants.EndpointArchive,
		security.MaxBodySize(s.Config.MaxUploadBytes+multipartOverhead)(http.HandlerFunc(s.HandleUpload)))
	mux.Handle("GET "+constants.EndpointManifest, GzipMiddleware(http.HandlerFunc(s.HandleManifest)))
	mux.Handle("GET "+constants.EndpointStats, GzipMiddleware(http.HandlerFunc(s.Stats.HandleStats)))
	mux.HandleFunc("GET "+constants.EndpointHealth, s.HandleHealth)
	mux.Handle("GET "+modelFilePattern(s.Config.ModelURLPrefix), security.ModelAssetHeaders(http.HandlerFunc(s.HandleModelFile)))

	var handler http.Handler = mux
	handler = RecoveryMiddleware(s.log)(handler)
	handler = CorsMiddleware(s.Config.AllowedOrigins)(handler)
	handler = security.SecurityHeaders(handler)
	return handler
}

// Run serves until ctx is cancelled or SIGINT/SIGTERM arrives, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	useTLS := false
	if s.Config.EnableTLS {
		if _, err := os.Stat(s.Config.CertFile); err == nil {
			if _, err := os.Stat(s.Config.KeyFile); err == nil {
				useTLS = true
			}
		}
		if !useTLS {
			s.log.Warn("⚠️ MOTION_ENABLE_TLS is true but certs not found", zap.String("cert", s.Config.CertFile))
		}
	}
	s.UseTLS = useTLS

	handler := s.Handler()
	if !useTLS {
		handler = h2c.NewHandler(handler, &http2.Server{})
	}

	srv := &http.Server{
		Addr:              ":" + s.Config.Port,
		Handler:           handler,
		IdleTimeout:       constants.IdleTimeout,
		ReadHeaderTimeout: constants.ReadHeaderTimeout,
		MaxHeaderBytes:    constants.MaxHeaderBytes,
	}

	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", srv.Addr, err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var serveErr error
		if useTLS {
			s.log.Info("🔒 HTTPS enabled (HTTP/2)")
			serveErr = srv.ServeTLS(ln, s.Config.CertFile, s.Config.KeyFile)
		} else {
			s.log.Info("🌐 HTTP mode (HTTP/2 enabled)")
			serveErr = srv.Serve(ln)
		}
		if errors.Is(serveErr, http.ErrServerClosed) {
			return nil
		}
		return serveErr
	})

	g.Go(func() error {
		ticker := time.NewTicker(pruneInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				s.BruteProtector.Prune()
				s.SendLimiter.Prune(time.Now())
			}
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		s.log.Info("🛑 Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("⚠️ Server forced to shutdown", zap.Error(err))
		}
		return nil
	})

	s.log.Info("🚀 motion server starting",
		zap.String("port", s.Config.Port),
		zap.String("backend", s.Config.BackendWSURL),
		zap.String("data_dir", s.Config.DataDir),
	)

	err = g.Wait()
	s.Cleanup()
	s.log.Info("✅ Server stopped")
	return err
}

// Cleanup stops running bridges and releases the session store.
func (s *Server) Cleanup() {
	s.cancel()
	if err := s.Store.Close(); err != nil {
		s.log.Warn("⚠️ Session store close failed", zap.Error(err))
	}
}

func (s *Server) bridgeOptions(clientIP string) relay.Options {
	return relay.Options{
		BackendURL:      s.Config.BackendWSURL,
		MaxFrameBytes:   s.Config.MaxFrameBytes,
		InflightTimeout: s.Config.InflightTimeout,
		DialBackoffBase: constants.BackendDialBackoffBase,
		DialBackoffMax:  constants.BackendDialBackoffMax,
		Limiter:         s.SendLimiter,
		Sessions:        s.Store,
		Dialer:          s.dialer,
		Stats:           s.Stats,
		Logger:          s.log,
		OnAuthFailure: func() {
			s.BruteProtector.RecordFailure(clientIP)
			s.AuditLogger.LogAuthFailure(clientIP, "invalid in-band token")
		},
		OnViolation: func(code int, reason string) {
			s.AuditLogger.LogProtocolViolation(clientIP, fmt.Sprintf("%d %s", code, reason))
		},
	}
}

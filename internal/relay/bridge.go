package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"motion/internal/constants"
	"motion/internal/logger"
	"motion/internal/stats"
)

// TokenValidator is the part of the session store a bridge needs.
type TokenValidator interface {
	Validate(ctx context.Context, token string) bool
}

type Options struct {
	BackendURL      string
	MaxFrameBytes   int64
	InflightTimeout time.Duration
	DialBackoffBase time.Duration
	DialBackoffMax  time.Duration

	Limiter  Limiter
	Sessions TokenValidator
	Dialer   *websocket.Dialer
	Stats    *stats.Registry
	Logger   *zap.Logger

	// OnAuthFailure is called when an in-band token is rejected.
	OnAuthFailure func()
	// OnViolation is called for closes caused by the client breaking the protocol.
	// It may run on the client reader goroutine.
	OnViolation func(code int, reason string)
}

type allowAll struct{}

func (allowAll) Allow(string, time.Time) bool { return true }

// Bridge runs one client connection. Run owns the Machine; every other goroutine
// (client reader, backend readers, dialers, the in-flight timer) only posts events.
type Bridge struct {
	id      string
	opts    Options
	client  *websocket.Conn
	machine *Machine
	log     *zap.Logger

	events chan Event
	done   chan struct{}

	mu       sync.Mutex
	backends map[uint64]*backendConn
	closed   bool

	timer     *time.Timer
	published Stats
}

// NewBridge wraps an upgraded client socket. token is the session token when it was
// supplied and validated before the upgrade, empty otherwise.
func NewBridge(client *websocket.Conn, token string, opts Options) *Bridge {
	if opts.Limiter == nil {
		opts.Limiter = allowAll{}
	}
	if opts.Dialer == nil {
		opts.Dialer = NewBackendDialer()
	}
	if opts.InflightTimeout <= 0 {
		opts.InflightTimeout = constants.DefaultInflightTimeout
	}

	id := uuid.New().String()[:8]
	m := NewMachine(MachineConfig{
		MaxFrameBytes:   opts.MaxFrameBytes,
		InflightTimeout: opts.InflightTimeout,
		DialBackoffBase: opts.DialBackoffBase,
		DialBackoffMax:  opts.DialBackoffMax,
	}, opts.Limiter, token)

	return &Bridge{
		id:       id,
		opts:     opts,
		client:   client,
		machine:  m,
		log:      logger.OrNop(opts.Logger).Named("relay").With(zap.String("bridge", id)),
		events:   make(chan Event, constants.RelayEventQueueSize),
		done:     make(chan struct{}),
		backends: make(map[uint64]*backendConn),
	}
}

func (b *Bridge) ID() string { return b.id }

// Run serves the connection until the client leaves, a protocol rule closes it, or
// ctx is cancelled. It returns the bridge's final counters.
func (b *Bridge) Run(ctx context.Context) Stats {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	b.opts.Stats.IncActive()
	defer b.opts.Stats.DecActive()

	if b.opts.MaxFrameBytes > 0 {
		// one byte of headroom so an oversized message reaches the machine intact
		b.client.SetReadLimit(b.opts.MaxFrameBytes + 1)
	}

	b.log.Debug("🔌 Client connected", zap.String("remote", b.client.RemoteAddr().String()), zap.Stringer("state", b.machine.State()))

	go b.readClient()
	b.exec(ctx, b.machine.Start(time.Now()))
	b.publish()

	for b.machine.State() != StateClosed {
		select {
		case ev := <-b.events:
			b.handle(ctx, ev)
		case <-ctx.Done():
			b.handle(ctx, Event{Kind: ClientClosed})
		}
	}

	b.teardown()

	final := b.machine.Stats()
	b.log.Debug("👋 Client disconnected",
		zap.Int64("sent", final.Sent),
		zap.Int64("dropped", final.Dropped),
		zap.Int64("timeouts", final.Timeouts),
	)
	return final
}

func (b *Bridge) handle(ctx context.Context, ev Event) {
	switch ev.Kind {
	case BackendDialFailed:
		b.log.Debug("⚠️ Backend dial failed", zap.Uint64("gen", ev.Gen))
	case BackendClosed:
		b.dropBackend(ev.Gen, false)
	case InflightTimeout:
		b.log.Debug("⏱️ Backend response timed out", zap.Uint64("flight", ev.Flight))
	}

	b.exec(ctx, b.machine.Step(ev, time.Now()))
	b.publish()
}

func (b *Bridge) exec(ctx context.Context, effects []Effect) {
	for _, eff := range effects {
		switch eff.Kind {
		case ValidateToken:
			ok := b.opts.Sessions != nil && b.opts.Sessions.Validate(ctx, eff.Token)
			if !ok && b.opts.OnAuthFailure != nil {
				b.opts.OnAuthFailure()
			}
			b.handle(ctx, Event{Kind: TokenChecked, Token: eff.Token, OK: ok})

		case DialBackend:
			go b.dial(ctx, eff.Gen)

		case SendBackend:
			bc := b.backend(eff.Gen)
			if bc == nil {
				continue
			}
			if err := bc.write(eff.Data); err != nil {
				// the backend reader sees the dead socket and posts BackendClosed
				b.log.Debug("⚠️ Backend write failed", zap.Error(err))
				bc.abort()
			}

		case SendClient:
			b.client.SetWriteDeadline(time.Now().Add(constants.WSWriteTimeout))
			if err := b.client.WriteMessage(websocket.TextMessage, eff.Data); err != nil {
				b.log.Debug("⚠️ Client write failed", zap.Error(err))
				b.client.Close()
			}

		case StartTimer:
			b.stopTimer()
			flight := eff.Flight
			b.timer = time.AfterFunc(eff.Delay, func() {
				b.post(Event{Kind: InflightTimeout, Flight: flight})
			})

		case CancelTimer:
			b.stopTimer()

		case AbortBackend:
			b.dropBackend(eff.Gen, true)

		case CloseClient:
			b.log.Info("🚫 Closing client", zap.Int("code", eff.Code), zap.String("reason", eff.Reason))
			if eff.Code != constants.CloseAuthFailed {
				b.violation(eff.Code, eff.Reason)
			}
			msg := websocket.FormatCloseMessage(eff.Code, eff.Reason)
			b.client.WriteControl(websocket.CloseMessage, msg, time.Now().Add(constants.WSWriteTimeout))
		}
	}
}

func (b *Bridge) dial(ctx context.Context, gen uint64) {
	bc, err := dialBackend(ctx, b.opts.Dialer, b.opts.BackendURL, gen)
	if err != nil {
		b.log.Debug("backend dial error", zap.Error(err))
		b.post(Event{Kind: BackendDialFailed, Gen: gen})
		return
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		bc.abort()
		return
	}
	b.backends[gen] = bc
	b.mu.Unlock()

	if !b.post(Event{Kind: BackendOpened, Gen: gen}) {
		return
	}
	bc.readLoop(b.post)
}

func (b *Bridge) backend(gen uint64) *backendConn {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.backends[gen]
}

func (b *Bridge) dropBackend(gen uint64, abort bool) {
	b.mu.Lock()
	bc := b.backends[gen]
	delete(b.backends, gen)
	b.mu.Unlock()

	if bc == nil {
		return
	}
	if abort {
		bc.abort()
	} else {
		bc.conn.Close()
	}
}

func (b *Bridge) readClient() {
	for {
		mt, data, err := b.client.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				// gorilla has already sent the 1009 close
				b.log.Info("🚫 Client frame exceeded read limit")
				b.violation(constants.CloseFrameTooLarge, "message exceeded read limit")
			}
			b.post(Event{Kind: ClientClosed})
			return
		}

		kind := ClientBinary
		if mt == websocket.TextMessage {
			kind = ClientText
		}
		if !b.post(Event{Kind: kind, Data: data}) {
			return
		}
	}
}

func (b *Bridge) violation(code int, reason string) {
	if b.opts.OnViolation != nil {
		b.opts.OnViolation(code, reason)
	}
}

// post hands an event to the loop. It reports false once the bridge has stopped.
func (b *Bridge) post(ev Event) bool {
	select {
	case <-b.done:
		return false
	default:
	}
	select {
	case b.events <- ev:
		return true
	case <-b.done:
		return false
	}
}

func (b *Bridge) stopTimer() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

func (b *Bridge) publish() {
	now := b.machine.Stats()
	b.opts.Stats.AddRelay(now.Sub(b.published))
	b.published = now
}

func (b *Bridge) teardown() {
	close(b.done)
	b.stopTimer()

	b.mu.Lock()
	b.closed = true
	conns := b.backends
	b.backends = make(map[uint64]*backendConn)
	b.mu.Unlock()

	for _, bc := range conns {
		bc.abort()
	}
	b.client.Close()
}

// Package relay bridges one client WebSocket onto one inference backend WebSocket
// with at most one frame in flight at a time.
//
// Machine holds all per-connection decisions and performs no I/O. Bridge feeds it
// events from the sockets and timers and executes the effects it returns.
package relay

import (
	"encoding/json"
	"time"

	"motion/internal/constants"
	"motion/internal/protocol"
	"motion/internal/stats"
)

type State int

const (
	StateAwaitingToken State = iota
	StateIdle
	StateBusy
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitingToken:
		return "awaiting_token"
	case StateIdle:
		return "idle"
	case StateBusy:
		return "busy"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

type backendState int

const (
	backendNone backendState = iota
	backendConnecting
	backendOpen
)

type EventKind int

const (
	ClientText EventKind = iota
	ClientBinary
	ClientClosed
	TokenChecked
	BackendOpened
	BackendDialFailed
	BackendMessage
	BackendClosed
	InflightTimeout
)

// Event is an input to Machine.Step. Gen identifies the backend socket an event came
// from; Flight identifies the send a timer belongs to.
type Event struct {
	Kind   EventKind
	Data   []byte
	Token  string
	OK     bool
	Gen    uint64
	Flight uint64
}

type EffectKind int

const (
	ValidateToken EffectKind = iota
	DialBackend
	SendBackend
	SendClient
	StartTimer
	CancelTimer
	AbortBackend
	CloseClient
)

type Effect struct {
	Kind   EffectKind
	Data   []byte
	Token  string
	Gen    uint64
	Flight uint64
	Delay  time.Duration
	Code   int
	Reason string
}

// Limiter gates backend sends per session key.
type Limiter interface {
	Allow(key string, now time.Time) bool
}

type MachineConfig struct {
	MaxFrameBytes   int64
	InflightTimeout time.Duration
	DialBackoffBase time.Duration
	DialBackoffMax  time.Duration
}

type Stats = stats.RelayCounts

type Machine struct {
	cfg     MachineConfig
	limiter Limiter

	state      State
	validating bool
	token      string

	backend  backendState
	gen      uint64
	flight   uint64
	pending  []byte
	failures int
	dialAt   time.Time

	stats Stats
}

// NewMachine starts in StateIdle when token was already validated by the caller,
// otherwise in StateAwaitingToken.
func NewMachine(cfg MachineConfig, limiter Limiter, token string) *Machine {
	if cfg.DialBackoffBase <= 0 {
		cfg.DialBackoffBase = constants.BackendDialBackoffBase
	}
	if cfg.DialBackoffMax <= 0 {
		cfg.DialBackoffMax = constants.BackendDialBackoffMax
	}
	m := &Machine{cfg: cfg, limiter: limiter, state: StateAwaitingToken}
	if token != "" {
		m.state = StateIdle
		m.token = token
	}
	return m
}

func (m *Machine) State() State { return m.state }

func (m *Machine) Stats() Stats { return m.stats }

func (m *Machine) Token() string { return m.token }

func (m *Machine) HasPending() bool { return m.pending != nil }

// Start returns the effects for a freshly accepted connection. An already
// authenticated connection opens its backend right away.
func (m *Machine) Start(now time.Time) []Effect {
	if m.state != StateIdle {
		return nil
	}
	return m.maybeDial(nil, now)
}

func (m *Machine) Step(ev Event, now time.Time) []Effect {
	if m.state == StateClosed {
		if ev.Kind == BackendOpened {
			return []Effect{{Kind: AbortBackend, Gen: ev.Gen}}
		}
		return nil
	}

	switch ev.Kind {
	case ClientText:
		return m.onClientText(ev, now)
	case ClientBinary:
		return m.onClientBinary(ev, now)
	case ClientClosed:
		return m.shutdown(nil)
	case TokenChecked:
		return m.onTokenChecked(ev, now)
	case BackendOpened:
		return m.onBackendOpened(ev, now)
	case BackendDialFailed:
		return m.onDialFailed(ev, now)
	case BackendMessage:
		return m.onBackendMessage(ev, now)
	case BackendClosed:
		return m.onBackendClosed(ev, now)
	case InflightTimeout:
		return m.onTimeout(ev, now)
	}
	return nil
}

func (m *Machine) oversized(data []byte) bool {
	return m.cfg.MaxFrameBytes > 0 && int64(len(data)) > m.cfg.MaxFrameBytes
}

func (m *Machine) onClientText(ev Event, now time.Time) []Effect {
	if m.oversized(ev.Data) {
		return m.closeClient(constants.CloseFrameTooLarge, "message too large")
	}
	if m.state != StateAwaitingToken || m.validating {
		m.stats.Ignored++
		return nil
	}

	var msg protocol.ControlMessage
	if err := json.Unmarshal(ev.Data, &msg); err != nil {
		return m.closeClient(constants.CloseProtocolViolation, "malformed control message")
	}
	if msg.Token == "" {
		return m.closeClient(constants.CloseAuthFailed, "invalid token")
	}

	m.validating = true
	return []Effect{{Kind: ValidateToken, Token: msg.Token}}
}

func (m *Machine) onTokenChecked(ev Event, now time.Time) []Effect {
	if m.state != StateAwaitingToken || !m.validating {
		return nil
	}
	m.validating = false
	if !ev.OK {
		return m.closeClient(constants.CloseAuthFailed, "invalid token")
	}

	m.token = ev.Token
	m.state = StateIdle
	return m.maybeDial(nil, now)
}

func (m *Machine) onClientBinary(ev Event, now time.Time) []Effect {
	if m.oversized(ev.Data) {
		return m.closeClient(constants.CloseFrameTooLarge, "frame too large")
	}
	if m.state == StateAwaitingToken {
		return m.closeClient(constants.CloseAuthFailed, "authentication required")
	}

	m.stats.Received++

	if m.state == StateBusy || m.backend != backendOpen {
		m.stash(ev.Data)
		return m.maybeDial(nil, now)
	}
	return m.trySend(nil, ev.Data, now)
}

// stash keeps only the newest frame; an overwritten frame counts as dropped.
func (m *Machine) stash(data []byte) {
	if m.pending != nil {
		m.stats.Dropped++
	}
	m.pending = data
}

func (m *Machine) trySend(effects []Effect, data []byte, now time.Time) []Effect {
	if !m.limiter.Allow(m.token, now) {
		m.stats.RateLimited++
		return effects
	}

	m.flight++
	m.state = StateBusy
	m.stats.Sent++
	return append(effects,
		Effect{Kind: SendBackend, Data: data, Gen: m.gen},
		Effect{Kind: StartTimer, Flight: m.flight, Delay: m.cfg.InflightTimeout},
	)
}

func (m *Machine) flush(effects []Effect, now time.Time) []Effect {
	if m.pending == nil {
		return effects
	}
	if m.backend != backendOpen {
		return m.maybeDial(effects, now)
	}
	data := m.pending
	m.pending = nil
	return m.trySend(effects, data, now)
}

// maybeDial opens a backend unless one is already connecting or open, or a
// previous failure is still backing off.
func (m *Machine) maybeDial(effects []Effect, now time.Time) []Effect {
	if m.backend != backendNone {
		return effects
	}
	if !m.dialAt.IsZero() && now.Before(m.dialAt) {
		return effects
	}
	m.gen++
	m.backend = backendConnecting
	return append(effects, Effect{Kind: DialBackend, Gen: m.gen})
}

func (m *Machine) onBackendOpened(ev Event, now time.Time) []Effect {
	if ev.Gen != m.gen || m.backend != backendConnecting {
		return []Effect{{Kind: AbortBackend, Gen: ev.Gen}}
	}
	m.backend = backendOpen
	m.failures = 0
	m.dialAt = time.Time{}

	if m.state == StateIdle {
		return m.flush(nil, now)
	}
	return nil
}

func (m *Machine) onDialFailed(ev Event, now time.Time) []Effect {
	if ev.Gen != m.gen || m.backend != backendConnecting {
		return nil
	}
	m.backend = backendNone
	m.stats.BackendErrors++
	m.failures++
	m.dialAt = now.Add(dialBackoff(m.failures, m.cfg.DialBackoffBase, m.cfg.DialBackoffMax))
	return nil
}

func (m *Machine) onBackendMessage(ev Event, now time.Time) []Effect {
	if ev.Gen != m.gen || m.backend != backendOpen {
		return nil
	}

	effects := []Effect{{Kind: SendClient, Data: ev.Data}}
	if m.state != StateBusy {
		// unsolicited backend output is still passed through
		return effects
	}

	m.stats.Results++
	m.state = StateIdle
	effects = append(effects, Effect{Kind: CancelTimer, Flight: m.flight})
	return m.flush(effects, now)
}

func (m *Machine) onBackendClosed(ev Event, now time.Time) []Effect {
	if ev.Gen != m.gen || m.backend == backendNone {
		return nil
	}
	m.backend = backendNone

	var effects []Effect
	if m.state == StateBusy {
		m.stats.BackendErrors++
		m.state = StateIdle
		effects = append(effects, Effect{Kind: CancelTimer, Flight: m.flight})
	}
	return m.flush(effects, now)
}

func (m *Machine) onTimeout(ev Event, now time.Time) []Effect {
	if m.state != StateBusy || ev.Flight != m.flight {
		return nil
	}
	m.stats.Timeouts++
	m.state = StateIdle

	effects := []Effect{{Kind: AbortBackend, Gen: m.gen}}
	m.backend = backendNone
	return m.flush(effects, now)
}

func (m *Machine) closeClient(code int, reason string) []Effect {
	return m.shutdown([]Effect{{Kind: CloseClient, Code: code, Reason: reason}})
}

// shutdown moves to StateClosed, cancelling the timer and aborting the backend.
func (m *Machine) shutdown(effects []Effect) []Effect {
	if m.state == StateBusy {
		effects = append(effects, Effect{Kind: CancelTimer, Flight: m.flight})
	}
	if m.backend != backendNone {
		effects = append(effects, Effect{Kind: AbortBackend, Gen: m.gen})
		m.backend = backendNone
	}
	m.pending = nil
	m.state = StateClosed
	return effects
}

func dialBackoff(failures int, base, max time.Duration) time.Duration {
	d := base
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

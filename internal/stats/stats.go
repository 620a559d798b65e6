package stats

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

const defaultMaxEvents = 100

// RelayCounts are the per-bridge counters. Bridges publish deltas of these into the
// process-wide Registry as they change.
type RelayCounts struct {
	Received      int64 `json:"received"`
	Sent          int64 `json:"sent"`
	Results       int64 `json:"results"`
	Dropped       int64 `json:"dropped"`
	RateLimited   int64 `json:"rate_limited"`
	Timeouts      int64 `json:"timeouts"`
	BackendErrors int64 `json:"backend_errors"`
	Ignored       int64 `json:"ignored"`
}

func (c RelayCounts) Sub(o RelayCounts) RelayCounts {
	return RelayCounts{
		Received:      c.Received - o.Received,
		Sent:          c.Sent - o.Sent,
		Results:       c.Results - o.Results,
		Dropped:       c.Dropped - o.Dropped,
		RateLimited:   c.RateLimited - o.RateLimited,
		Timeouts:      c.Timeouts - o.Timeouts,
		BackendErrors: c.BackendErrors - o.BackendErrors,
		Ignored:       c.Ignored - o.Ignored,
	}
}

func (c RelayCounts) IsZero() bool {
	return c == RelayCounts{}
}

// Event is a notable occurrence kept in a bounded ring for the stats endpoint.
type Event struct {
	Time    time.Time `json:"time"`
	Kind    string    `json:"kind"`
	Project string    `json:"project,omitempty"`
	Detail  string    `json:"detail,omitempty"`
}

type Snapshot struct {
	UptimeSeconds  int64       `json:"uptime_seconds"`
	ActiveBridges  int64       `json:"active_bridges"`
	TotalBridges   int64       `json:"total_bridges"`
	Relay          RelayCounts `json:"relay"`
	UploadsOK      int64       `json:"uploads_ok"`
	UploadsFailed  int64       `json:"uploads_failed"`
	ActiveSessions int64       `json:"active_sessions"`
	Events         []Event     `json:"events"`
}

// Registry aggregates live counters. All methods are safe on a nil receiver so
// components can run without one in tests.
type Registry struct {
	started time.Time

	active int64
	total  int64

	received      atomic.Int64
	sent          atomic.Int64
	results       atomic.Int64
	dropped       atomic.Int64
	rateLimited   atomic.Int64
	timeouts      atomic.Int64
	backendErrors atomic.Int64
	ignored       atomic.Int64

	uploadsOK     atomic.Int64
	uploadsFailed atomic.Int64

	sessions func() int64

	mu        sync.RWMutex
	events    []Event
	maxEvents int
}

func New() *Registry {
	return &Registry{
		started:   time.Now(),
		maxEvents: defaultMaxEvents,
	}
}

// SetSessionCounter wires a gauge for the number of live sessions.
func (r *Registry) SetSessionCounter(fn func() int64) {
	if r == nil {
		return
	}
	r.sessions = fn
}

func (r *Registry) IncActive() {
	if r == nil {
		return
	}
	atomic.AddInt64(&r.active, 1)
	atomic.AddInt64(&r.total, 1)
}

func (r *Registry) DecActive() {
	if r == nil {
		return
	}
	atomic.AddInt64(&r.active, -1)
}

func (r *Registry) AddRelay(d RelayCounts) {
	if r == nil || d.IsZero() {
		return
	}
	r.received.Add(d.Received)
	r.sent.Add(d.Sent)
	r.results.Add(d.Results)
	r.dropped.Add(d.Dropped)
	r.rateLimited.Add(d.RateLimited)
	r.timeouts.Add(d.Timeouts)
	r.backendErrors.Add(d.BackendErrors)
	r.ignored.Add(d.Ignored)
}

// RecordUpload counts an ingestion attempt. kind is empty on success.
func (r *Registry) RecordUpload(project, kind, detail string) {
	if r == nil {
		return
	}
	if kind == "" {
		r.uploadsOK.Add(1)
		r.AddEvent(Event{Kind: "upload", Project: project, Detail: detail})
		return
	}
	r.uploadsFailed.Add(1)
	r.AddEvent(Event{Kind: "upload_" + kind, Project: project, Detail: detail})
}

func (r *Registry) AddEvent(ev Event) {
	if r == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	r.mu.Lock()
	r.events = append(r.events, ev)
	if len(r.events) > r.maxEvents {
		r.events = r.events[len(r.events)-r.maxEvents:]
	}
	r.mu.Unlock()
}

func (r *Registry) Relay() RelayCounts {
	if r == nil {
		return RelayCounts{}
	}
	return RelayCounts{
		Received:      r.received.Load(),
		Sent:          r.sent.Load(),
		Results:       r.results.Load(),
		Dropped:       r.dropped.Load(),
		RateLimited:   r.rateLimited.Load(),
		Timeouts:      r.timeouts.Load(),
		BackendErrors: r.backendErrors.Load(),
		Ignored:       r.ignored.Load(),
	}
}

func (r *Registry) Snapshot() Snapshot {
	if r == nil {
		return Snapshot{}
	}

	r.mu.RLock()
	events := make([]Event, len(r.events))
	copy(events, r.events)
	r.mu.RUnlock()

	snap := Snapshot{
		UptimeSeconds: int64(time.Since(r.started).Seconds()),
		ActiveBridges: atomic.LoadInt64(&r.active),
		TotalBridges:  atomic.LoadInt64(&r.total),
		Relay:         r.Relay(),
		UploadsOK:     r.uploadsOK.Load(),
		UploadsFailed: r.uploadsFailed.Load(),
		Events:        events,
	}
	if r.sessions != nil {
		snap.ActiveSessions = r.sessions()
	}
	return snap
}

func (r *Registry) HandleStats(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(r.Snapshot())
}

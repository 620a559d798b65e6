package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image/jpeg"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"motion/internal/constants"
	"motion/internal/logger"
	"motion/internal/protocol"
)

var errDone = errors.New("probe finished")

// Frame is one JPEG image ready to be streamed.
type Frame struct {
	Name   string
	Data   []byte
	Width  int
	Height int
}

// LoadFrames reads every .jpg/.jpeg file in dir, in name order.
func LoadFrames(dir string) ([]Frame, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var frames []Frame
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if !e.Type().IsRegular() || (ext != ".jpg" && ext != ".jpeg") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", e.Name(), err)
		}
		frames = append(frames, Frame{Name: e.Name(), Data: data, Width: cfg.Width, Height: cfg.Height})
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("no JPEG frames in %s", dir)
	}
	sort.Slice(frames, func(i, j int) bool { return frames[i].Name < frames[j].Name })
	return frames, nil
}

type ProbeOptions struct {
	FPS     int
	Quality float64
	// MaxFrames stops the probe after that many frames; zero streams until ctx ends.
	MaxFrames int
	// InBandToken sends {"token": ...} after connecting instead of using the query string.
	InBandToken bool
	// DrainQuiet ends the final drain once no result has arrived for this long.
	DrainQuiet time.Duration
	Backoff    *Backoff
	OnResult   func(protocol.TrackingResult, time.Duration)
	Logger     *zap.Logger
}

type Summary struct {
	Sent         int64
	Results      int64
	Errors       int64
	Reconnects   int64
	TotalLatency time.Duration
	MaxLatency   time.Duration
	Elapsed      time.Duration
}

// Unanswered counts frames that never got a result: dropped by the relay's
// latest-wins slot or its rate gate, or lost to a backend timeout.
func (s Summary) Unanswered() int64 {
	return max(0, s.Sent-s.Results)
}

func (s Summary) AvgLatency() time.Duration {
	if s.Results == 0 {
		return 0
	}
	return s.TotalLatency / time.Duration(s.Results)
}

// Probe streams frames to the relay and measures what comes back.
type Probe struct {
	api    *API
	frames []Frame
	opts   ProbeOptions
	log    *zap.Logger
	dialer *websocket.Dialer

	mu         sync.Mutex
	sum        Summary
	seq        uint64
	lastResult time.Time
}

func NewProbe(api *API, frames []Frame, opts ProbeOptions) *Probe {
	if opts.FPS <= 0 {
		opts.FPS = constants.DefaultProbeFPS
	}
	if opts.Quality <= 0 {
		opts.Quality = constants.DefaultProbeQuality
	}
	if opts.DrainQuiet <= 0 {
		opts.DrainQuiet = constants.ProbeDrainQuiet
	}
	if opts.Backoff == nil {
		opts.Backoff = NewBackoff(constants.ClientReconnectBase, constants.ClientReconnectMax)
	}

	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: constants.WSHandshakeTimeout,
		ReadBufferSize:   constants.WSBufferSize,
		WriteBufferSize:  constants.WSBufferSize,
	}
	if api.SkipTLSVerify {
		dialer.TLSClientConfig = api.http.Transport.(*http.Transport).TLSClientConfig
	}

	return &Probe{
		api:    api,
		frames: frames,
		opts:   opts,
		log:    logger.OrNop(opts.Logger).Named("probe"),
		dialer: dialer,
	}
}

// Run streams until MaxFrames is reached or ctx ends, reconnecting with backoff
// whenever the connection drops.
func (p *Probe) Run(ctx context.Context) (Summary, error) {
	if len(p.frames) == 0 {
		return Summary{}, errors.New("no frames to send")
	}
	start := time.Now()

	token, err := p.api.IssueSession(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("issue session: %w", err)
	}

	for {
		err := p.stream(ctx, token)
		if errors.Is(err, errDone) || ctx.Err() != nil {
			break
		}

		var apiErr *APIError
		if websocket.IsCloseError(err, constants.CloseAuthFailed) ||
			(errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized) {
			if fresh, issueErr := p.api.IssueSession(ctx); issueErr == nil {
				token = fresh
			} else {
				p.log.Warn("⚠️ Session re-issue failed", zap.Error(issueErr))
			}
		}

		wait := p.opts.Backoff.Next()
		p.log.Warn("🔄 Connection lost, reconnecting", zap.Duration("in", wait), zap.Error(err))
		p.mu.Lock()
		p.sum.Reconnects++
		p.mu.Unlock()

		select {
		case <-ctx.Done():
		case <-time.After(wait):
			continue
		}
		break
	}

	sum := p.Summary()
	sum.Elapsed = time.Since(start)
	return sum, nil
}

func (p *Probe) Summary() Summary {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sum
}

func (p *Probe) stream(ctx context.Context, token string) error {
	query := token
	if p.opts.InBandToken {
		query = ""
	}

	conn, resp, err := p.dialer.DialContext(ctx, p.api.TrackURL(query), nil)
	if err != nil {
		if resp != nil {
			return &APIError{Status: resp.StatusCode, Body: protocol.ErrorResponse{Error: http.StatusText(resp.StatusCode)}}
		}
		return err
	}
	defer conn.Close()
	p.opts.Backoff.Reset()
	p.log.Debug("🔌 Connected", zap.String("url", p.api.TrackURL("")))

	if p.opts.InBandToken {
		if err := conn.WriteJSON(protocol.ControlMessage{Token: token}); err != nil {
			return err
		}
	}

	readErr := make(chan error, 1)
	go func() { readErr <- p.readResults(conn) }()

	ticker := time.NewTicker(time.Second / time.Duration(p.opts.FPS))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			closeNormal(conn)
			return ctx.Err()
		case err := <-readErr:
			return err
		case <-ticker.C:
			if p.opts.MaxFrames > 0 && p.Summary().Sent >= int64(p.opts.MaxFrames) {
				return p.drain(conn, readErr)
			}
			if err := p.send(conn); err != nil {
				return err
			}
		}
	}
}

func (p *Probe) send(conn *websocket.Conn) error {
	p.mu.Lock()
	f := p.frames[p.seq%uint64(len(p.frames))]
	p.seq++
	seq := p.seq
	p.mu.Unlock()

	data, err := protocol.EncodeFrame(protocol.Header{
		TS:      time.Now().UnixMilli(),
		Width:   f.Width,
		Height:  f.Height,
		Format:  protocol.FormatJPEG,
		Quality: p.opts.Quality,
		Seq:     seq,
	}, f.Data)
	if err != nil {
		return err
	}

	conn.SetWriteDeadline(time.Now().Add(constants.WSWriteTimeout))
	if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return err
	}

	p.mu.Lock()
	p.sum.Sent++
	p.mu.Unlock()
	return nil
}

// drain waits for outstanding results, then closes the socket. The relay drops
// frames under load, so Results may never reach Sent: drain also ends once the
// results go quiet for DrainQuiet.
func (p *Probe) drain(conn *websocket.Conn, readErr <-chan error) error {
	deadline := time.NewTimer(constants.ProbeDrainTimeout)
	defer deadline.Stop()
	poll := time.NewTicker(10 * time.Millisecond)
	defer poll.Stop()

	start := time.Now()
	for !p.drained(start) {
		select {
		case <-deadline.C:
			closeNormal(conn)
			return errDone
		case <-readErr:
			return errDone
		case <-poll.C:
		}
	}
	closeNormal(conn)
	return errDone
}

func (p *Probe) drained(start time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.sum.Results >= p.sum.Sent {
		return true
	}
	last := p.lastResult
	if last.Before(start) {
		last = start
	}
	return time.Since(last) >= p.opts.DrainQuiet
}

func (p *Probe) readResults(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var res protocol.TrackingResult
		if err := json.Unmarshal(data, &res); err != nil {
			p.log.Debug("⚠️ Undecodable result", zap.Error(err))
			continue
		}
		latency := time.Since(time.UnixMilli(res.TS))

		p.mu.Lock()
		p.lastResult = time.Now()
		p.sum.Results++
		if res.Error != "" {
			p.sum.Errors++
		}
		p.sum.TotalLatency += latency
		if latency > p.sum.MaxLatency {
			p.sum.MaxLatency = latency
		}
		p.mu.Unlock()

		if p.opts.OnResult != nil {
			p.opts.OnResult(res, latency)
		}
	}
}

func closeNormal(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(constants.WSWriteTimeout))
}

package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"motion/internal/protocol"
	"motion/internal/session"
)

type fakeBackend struct {
	srv        *httptest.Server
	frames     atomic.Int64
	conns      atomic.Int64
	stallFirst bool
}

// newFakeBackend answers every frame with an empty result carrying the frame's ts.
// With stallFirst the first connection swallows frames without answering.
func newFakeBackend(t *testing.T, stallFirst bool) *fakeBackend {
	t.Helper()
	fb := &fakeBackend{stallFirst: stallFirst}
	upgrader := websocket.Upgrader{}

	fb.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		n := fb.conns.Add(1)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			fb.frames.Add(1)
			if fb.stallFirst && n == 1 {
				continue
			}

			f, err := protocol.DecodeFrame(data)
			if err != nil {
				conn.WriteJSON(protocol.TrackingResult{Error: err.Error()})
				continue
			}
			conn.WriteJSON(protocol.EmptyResult(f.Header.TS, true))
		}
	}))
	t.Cleanup(fb.srv.Close)
	return fb
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

type relayHarness struct {
	srv      *httptest.Server
	sessions *session.MemoryStore
	results  chan Stats
	authFail atomic.Int64
	violated atomic.Int64
}

func newRelay(t *testing.T, opts Options) *relayHarness {
	t.Helper()
	h := &relayHarness{
		sessions: session.NewMemoryStore(time.Hour, session.WithSweepInterval(0)),
		results:  make(chan Stats, 8),
	}
	t.Cleanup(func() { h.sessions.Close() })

	opts.Sessions = h.sessions
	opts.OnAuthFailure = func() { h.authFail.Add(1) }
	opts.OnViolation = func(int, string) { h.violated.Add(1) }
	upgrader := websocket.Upgrader{}

	h.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("token")
		if token != "" && !h.sessions.Validate(r.Context(), token) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.results <- NewBridge(conn, token, opts).Run(context.Background())
	}))
	t.Cleanup(h.srv.Close)
	return h
}

func (h *relayHarness) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(wsURL(h.srv.URL)+query, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	c.SetReadDeadline(time.Now().Add(5 * time.Second))
	return c
}

func (h *relayHarness) token(t *testing.T) string {
	t.Helper()
	tok, err := h.sessions.Issue(context.Background())
	require.NoError(t, err)
	return tok
}

func (h *relayHarness) finalStats(t *testing.T) Stats {
	t.Helper()
	select {
	case st := <-h.results:
		return st
	case <-time.After(5 * time.Second):
		t.Fatal("bridge did not finish")
		return Stats{}
	}
}

func sendFrame(t *testing.T, c *websocket.Conn, ts int64, seq uint64) {
	t.Helper()
	data, err := protocol.EncodeFrame(protocol.Header{TS: ts, Width: 2, Height: 2, Format: protocol.FormatJPEG, Quality: 0.7, Seq: seq}, []byte{0xff, 0xd8})
	require.NoError(t, err)
	require.NoError(t, c.WriteMessage(websocket.BinaryMessage, data))
}

func readResult(t *testing.T, c *websocket.Conn) protocol.TrackingResult {
	t.Helper()
	mt, data, err := c.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, mt)
	var res protocol.TrackingResult
	require.NoError(t, json.Unmarshal(data, &res))
	return res
}

func requireCloseCode(t *testing.T, c *websocket.Conn, code int) {
	t.Helper()
	for {
		_, _, err := c.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, code, ce.Code)
		return
	}
}

func TestBridge_InBandTokenRelaysResults(t *testing.T) {
	fb := newFakeBackend(t, false)
	h := newRelay(t, Options{BackendURL: wsURL(fb.srv.URL), MaxFrameBytes: 1024})

	c := h.dial(t, "")
	require.NoError(t, c.WriteJSON(protocol.ControlMessage{Token: h.token(t)}))

	for i := int64(1); i <= 3; i++ {
		sendFrame(t, c, 1000+i, uint64(i))
		res := readResult(t, c)
		assert.Equal(t, 1000+i, res.TS)
		assert.True(t, res.Present)
		assert.Equal(t, 1.0, res.Eye.LeftOpen)
	}

	c.Close()
	st := h.finalStats(t)
	assert.EqualValues(t, 3, st.Sent)
	assert.EqualValues(t, 3, st.Results)
	assert.EqualValues(t, 1, fb.conns.Load())
}

func TestBridge_PositionalToken(t *testing.T) {
	fb := newFakeBackend(t, false)
	h := newRelay(t, Options{BackendURL: wsURL(fb.srv.URL), MaxFrameBytes: 1024})

	c := h.dial(t, "?token="+h.token(t))
	sendFrame(t, c, 42, 1)
	assert.EqualValues(t, 42, readResult(t, c).TS)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(h.srv.URL)+"?token=nope", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestBridge_OversizedFrameClosesAndNeverReachesBackend(t *testing.T) {
	for _, size := range []int{65, 4096} {
		fb := newFakeBackend(t, false)
		h := newRelay(t, Options{BackendURL: wsURL(fb.srv.URL), MaxFrameBytes: 64})

		c := h.dial(t, "?token="+h.token(t))
		require.NoError(t, c.WriteMessage(websocket.BinaryMessage, make([]byte, size)))

		requireCloseCode(t, c, websocket.CloseMessageTooBig)
		st := h.finalStats(t)
		assert.EqualValues(t, 0, st.Sent, "size %d", size)
		assert.EqualValues(t, 0, fb.frames.Load(), "size %d", size)
		assert.EqualValues(t, 1, h.violated.Load(), "size %d", size)
	}
}

func TestBridge_BadTokenDoesNotPoisonNextConnection(t *testing.T) {
	fb := newFakeBackend(t, false)
	h := newRelay(t, Options{BackendURL: wsURL(fb.srv.URL), MaxFrameBytes: 1024})

	bad := h.dial(t, "")
	require.NoError(t, bad.WriteJSON(protocol.ControlMessage{Token: "bad"}))
	requireCloseCode(t, bad, 4001)
	h.finalStats(t)
	assert.EqualValues(t, 1, h.authFail.Load())
	assert.EqualValues(t, 0, h.violated.Load())
	assert.EqualValues(t, 0, fb.conns.Load())

	good := h.dial(t, "")
	require.NoError(t, good.WriteJSON(protocol.ControlMessage{Token: h.token(t)}))
	sendFrame(t, good, 7, 1)
	assert.EqualValues(t, 7, readResult(t, good).TS)
}

func TestBridge_MalformedControlMessage(t *testing.T) {
	fb := newFakeBackend(t, false)
	h := newRelay(t, Options{BackendURL: wsURL(fb.srv.URL), MaxFrameBytes: 1024})

	c := h.dial(t, "")
	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("not json")))
	requireCloseCode(t, c, 4002)
	h.finalStats(t)
	assert.EqualValues(t, 1, h.violated.Load())
}

func TestBridge_BinaryBeforeToken(t *testing.T) {
	fb := newFakeBackend(t, false)
	h := newRelay(t, Options{BackendURL: wsURL(fb.srv.URL), MaxFrameBytes: 1024})

	c := h.dial(t, "")
	sendFrame(t, c, 1, 1)
	requireCloseCode(t, c, 4001)
	assert.EqualValues(t, 0, fb.frames.Load())
}

func TestBridge_InflightTimeoutRedialsWithPendingFrame(t *testing.T) {
	fb := newFakeBackend(t, true)
	h := newRelay(t, Options{
		BackendURL:      wsURL(fb.srv.URL),
		MaxFrameBytes:   1024,
		InflightTimeout: 150 * time.Millisecond,
	})

	c := h.dial(t, "?token="+h.token(t))
	sendFrame(t, c, 1, 1)
	require.Eventually(t, func() bool { return fb.frames.Load() >= 1 }, 2*time.Second, 5*time.Millisecond)

	sendFrame(t, c, 2, 2)
	res := readResult(t, c)
	assert.EqualValues(t, 2, res.TS)
	assert.EqualValues(t, 2, fb.conns.Load())

	c.Close()
	st := h.finalStats(t)
	assert.EqualValues(t, 1, st.Timeouts)
	assert.EqualValues(t, 2, st.Sent)
	assert.EqualValues(t, 1, st.Results)
}

func TestBridge_BackendUnavailableIsNotSurfaced(t *testing.T) {
	h := newRelay(t, Options{
		BackendURL:      "ws://127.0.0.1:1/ws/track",
		MaxFrameBytes:   1024,
		DialBackoffBase: 10 * time.Millisecond,
		DialBackoffMax:  20 * time.Millisecond,
	})

	c := h.dial(t, "?token="+h.token(t))
	for i := 0; i < 5; i++ {
		sendFrame(t, c, int64(i), uint64(i))
		time.Sleep(15 * time.Millisecond)
	}

	// the client connection stays open: no close frame, no error payload
	c.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err := c.ReadMessage()
	var ne interface{ Timeout() bool }
	require.ErrorAs(t, err, &ne)
	assert.True(t, ne.Timeout())

	c.Close()
	st := h.finalStats(t)
	assert.Positive(t, st.BackendErrors)
	assert.EqualValues(t, 0, st.Sent)
}

package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"motion/internal/constants"
)

// backendConn is one socket to the inference service. Only the bridge loop writes
// to it; its reader goroutine only posts events.
type backendConn struct {
	gen  uint64
	conn *websocket.Conn
}

func NewBackendDialer() *websocket.Dialer {
	return &websocket.Dialer{
		ReadBufferSize:    constants.WSBufferSize,
		WriteBufferSize:   constants.WSBufferSize,
		EnableCompression: false,
		HandshakeTimeout:  constants.WSHandshakeTimeout,
	}
}

func dialBackend(ctx context.Context, dialer *websocket.Dialer, url string, gen uint64) (*backendConn, error) {
	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("backend returned %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to connect to backend: %w", err)
	}
	return &backendConn{gen: gen, conn: conn}, nil
}

func (b *backendConn) write(data []byte) error {
	b.conn.SetWriteDeadline(time.Now().Add(constants.WSWriteTimeout))
	return b.conn.WriteMessage(websocket.BinaryMessage, data)
}

// abort drops the TCP connection without a close handshake. A backend that missed
// its deadline is assumed wedged and would not answer a close frame either.
func (b *backendConn) abort() {
	if nc := b.conn.NetConn(); nc != nil {
		nc.Close()
		return
	}
	b.conn.Close()
}

// readLoop posts every text or binary message until the socket fails, then posts
// BackendClosed once.
func (b *backendConn) readLoop(post func(Event) bool) {
	for {
		_, data, err := b.conn.ReadMessage()
		if err != nil {
			post(Event{Kind: BackendClosed, Gen: b.gen})
			return
		}
		if !post(Event{Kind: BackendMessage, Gen: b.gen, Data: data}) {
			return
		}
	}
}

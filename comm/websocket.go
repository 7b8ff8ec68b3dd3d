// SPDX-License-Identifier: GPL-3.0-or-later
package comm

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketTransport speaks to a controller through a WebSocket bridge
// (FluidNC and ESP3D expose one). Text and binary frames are both decoded
// as UTF-8 and line-framed like the stream transports.
type WebSocketTransport struct {
	url     string
	timeout time.Duration

	mu sync.Mutex
	ws *websocket.Conn

	connected atomic.Bool
	framer    lineFramer
}

func NewWebSocketTransport(params WebSocketParams) *WebSocketTransport {
	return &WebSocketTransport{
		url:     params.URL,
		timeout: defaultConnectTimeout,
	}
}

// SetTimeout overrides the handshake timeout. Must be called before Open.
func (t *WebSocketTransport) SetTimeout(d time.Duration) { t.timeout = d }

func (t *WebSocketTransport) Open(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: t.timeout}
	ws, _, err := dialer.DialContext(ctx, t.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", t.url, err)
	}
	slog.Info("Connected to controller", "url", t.url)

	t.mu.Lock()
	t.ws = ws
	t.mu.Unlock()
	t.connected.Store(true)
	return nil
}

func (t *WebSocketTransport) Write(p []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ws == nil {
		return io.ErrClosedPipe
	}
	if err := t.ws.WriteMessage(websocket.TextMessage, p); err != nil {
		t.connected.Store(false)
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

func (t *WebSocketTransport) ReadLine() (string, error) {
	for {
		if frame, ok := t.framer.next(); ok {
			return frame, nil
		}

		t.mu.Lock()
		ws := t.ws
		t.mu.Unlock()
		if ws == nil {
			if frame, ok := t.framer.flush(); ok {
				return frame, nil
			}
			return "", io.EOF
		}

		_, data, err := ws.ReadMessage()
		if err != nil {
			t.connected.Store(false)
			if frame, ok := t.framer.flush(); ok {
				return frame, nil
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return "", io.EOF
			}
			return "", err
		}
		t.framer.push(data)
	}
}

func (t *WebSocketTransport) Close() error {
	t.connected.Store(false)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ws == nil {
		return nil
	}
	err := t.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	if err != nil {
		slog.Debug("Websocket close frame not sent", "error", err)
	}
	err = t.ws.Close()
	t.ws = nil
	return err
}

func (t *WebSocketTransport) Connected() bool { return t.connected.Load() }

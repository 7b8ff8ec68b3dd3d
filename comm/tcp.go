// SPDX-License-Identifier: GPL-3.0-or-later
package comm

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// TCPTransport speaks to a controller over a raw TCP socket, as exposed by
// network-attached boards and serial-to-TCP bridges.
type TCPTransport struct {
	addr    string
	timeout time.Duration

	mu   sync.Mutex
	conn net.Conn

	connected atomic.Bool
	framer    lineFramer
	readBuf   []byte
}

func NewTCPTransport(params TCPParams) *TCPTransport {
	return &TCPTransport{
		addr:    net.JoinHostPort(params.Host, strconv.Itoa(params.Port)),
		timeout: defaultConnectTimeout,
		readBuf: make([]byte, 4096),
	}
}

// SetTimeout overrides the dial timeout. Must be called before Open.
func (t *TCPTransport) SetTimeout(d time.Duration) { t.timeout = d }

func (t *TCPTransport) Open(ctx context.Context) error {
	dialer := net.Dialer{Timeout: t.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", t.addr, err)
	}
	slog.Info("Connected to controller", "addr", t.addr)

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	t.connected.Store(true)
	return nil
}

func (t *TCPTransport) Write(p []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return io.ErrClosedPipe
	}
	if _, err := conn.Write(p); err != nil {
		t.connected.Store(false)
		return fmt.Errorf("tcp write: %w", err)
	}
	return nil
}

func (t *TCPTransport) ReadLine() (string, error) {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return "", io.EOF
	}
	frame, err := readFramed(&t.framer, t.readBuf, conn.Read)
	if err != nil {
		t.connected.Store(false)
	}
	return frame, err
}

func (t *TCPTransport) Close() error {
	t.connected.Store(false)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}

func (t *TCPTransport) Connected() bool { return t.connected.Load() }

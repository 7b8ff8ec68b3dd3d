// SPDX-License-Identifier: GPL-3.0-or-later
package comm

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
)

// NoOpTransport is a test double: writes are discarded and reads never yield
// a frame. The connected flag is configurable.
type NoOpTransport struct {
	connected atomic.Bool

	mu     sync.Mutex
	closed chan struct{}
}

func NewNoOpTransport() *NoOpTransport {
	t := &NoOpTransport{closed: make(chan struct{})}
	t.connected.Store(true)
	return t
}

func (t *NoOpTransport) Open(ctx context.Context) error { return nil }

func (t *NoOpTransport) Write(p []byte) error { return nil }

// ReadLine blocks until Close, then reports EOF.
func (t *NoOpTransport) ReadLine() (string, error) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	<-closed
	return "", io.EOF
}

func (t *NoOpTransport) Close() error {
	t.connected.Store(false)
	t.mu.Lock()
	defer t.mu.Unlock()
	select {
	case <-t.closed:
	default:
		close(t.closed)
	}
	return nil
}

func (t *NoOpTransport) Connected() bool { return t.connected.Load() }

// SetConnected overrides the reported connection state.
func (t *NoOpTransport) SetConnected(v bool) { t.connected.Store(v) }

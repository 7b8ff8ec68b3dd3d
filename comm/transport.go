// SPDX-License-Identifier: GPL-3.0-or-later
package comm

import (
	"bytes"
	"context"
	"fmt"
	"io"
)

// Transport is a byte-duplex endpoint to a controller board. Implementations
// exist for serial ports, raw TCP sockets and WebSocket bridges, plus a NoOp
// double for tests.
//
// ReadLine blocks until a full LF-terminated frame is available and returns
// it without the terminator (a preceding CR is stripped). It returns io.EOF
// once the peer closes; a non-empty partial tail is delivered as a final
// frame before the EOF. ReadLine must be consumed by a single goroutine.
// Write is serialized by the caller; transports do not queue internally.
type Transport interface {
	Open(ctx context.Context) error
	Write(p []byte) error
	ReadLine() (string, error)
	Close() error
	Connected() bool
}

// newTransport maps ConnectionParams to a concrete transport. The transport
// is returned unopened.
func newTransport(params ConnectionParams) (Transport, error) {
	if err := params.validate(); err != nil {
		return nil, fmt.Errorf("connection params: %w", err)
	}
	switch params.Kind {
	case ConnSerial:
		return NewSerialTransport(params.Serial), nil
	case ConnTCP:
		return NewTCPTransport(params.TCP), nil
	case ConnWebSocket:
		return NewWebSocketTransport(params.WebSocket), nil
	}
	return nil, fmt.Errorf("unknown connection kind %d", params.Kind)
}

// lineFramer accumulates raw bytes and yields one frame per LF. The partial
// tail persists across pushes until more bytes arrive or the stream ends.
type lineFramer struct {
	frames []string
	tail   []byte
}

func (f *lineFramer) push(p []byte) {
	for len(p) > 0 {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			f.tail = append(f.tail, p...)
			return
		}
		f.tail = append(f.tail, p[:i]...)
		f.frames = append(f.frames, string(bytes.TrimSuffix(f.tail, []byte{'\r'})))
		f.tail = f.tail[:0]
		p = p[i+1:]
	}
}

func (f *lineFramer) next() (string, bool) {
	if len(f.frames) == 0 {
		return "", false
	}
	frame := f.frames[0]
	f.frames = f.frames[1:]
	return frame, true
}

// flush emits the retained tail as a final frame, if any. Called on EOF.
func (f *lineFramer) flush() (string, bool) {
	if len(f.tail) == 0 {
		return "", false
	}
	frame := string(bytes.TrimSuffix(f.tail, []byte{'\r'}))
	f.tail = f.tail[:0]
	return frame, true
}

// readFramed drives a framer from chunked reads. Shared by the stream-shaped
// transports (serial, tcp).
func readFramed(f *lineFramer, buf []byte, read func([]byte) (int, error)) (string, error) {
	for {
		if frame, ok := f.next(); ok {
			return frame, nil
		}
		n, err := read(buf)
		if n > 0 {
			f.push(buf[:n])
			continue
		}
		if err == nil {
			// Zero-byte read on a stream means EOF.
			err = io.EOF
		}
		if frame, ok := f.flush(); ok {
			return frame, nil
		}
		return "", err
	}
}

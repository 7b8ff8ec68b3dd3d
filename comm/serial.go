// SPDX-License-Identifier: GPL-3.0-or-later
package comm

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// SerialTransport speaks to a controller over a local serial port.
type SerialTransport struct {
	params SerialParams

	mu   sync.Mutex
	port serial.Port

	connected atomic.Bool
	framer    lineFramer
	readBuf   []byte
}

func NewSerialTransport(params SerialParams) *SerialTransport {
	return &SerialTransport{
		params:  params,
		readBuf: make([]byte, 4096),
	}
}

func (t *SerialTransport) Open(ctx context.Context) error {
	mode := &serial.Mode{
		BaudRate: t.params.Baud,
		DataBits: t.params.DataBits,
	}
	if mode.DataBits == 0 {
		mode.DataBits = 8
	}
	switch t.params.Parity {
	case ParityEven:
		mode.Parity = serial.EvenParity
	case ParityOdd:
		mode.Parity = serial.OddParity
	default:
		mode.Parity = serial.NoParity
	}
	if t.params.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	} else {
		mode.StopBits = serial.OneStopBit
	}

	port, err := serial.Open(t.params.Port, mode)
	if err != nil {
		return fmt.Errorf("open serial port %s: %w", t.params.Port, err)
	}
	slog.Info("Opened serial port", "port", t.params.Port, "baud", t.params.Baud)

	t.mu.Lock()
	t.port = port
	t.mu.Unlock()
	t.connected.Store(true)
	return nil
}

func (t *SerialTransport) Write(p []byte) error {
	t.mu.Lock()
	port := t.port
	t.mu.Unlock()
	if port == nil {
		return io.ErrClosedPipe
	}
	if _, err := port.Write(p); err != nil {
		t.connected.Store(false)
		return fmt.Errorf("serial write: %w", err)
	}
	return nil
}

func (t *SerialTransport) ReadLine() (string, error) {
	t.mu.Lock()
	port := t.port
	t.mu.Unlock()
	if port == nil {
		return "", io.EOF
	}
	frame, err := readFramed(&t.framer, t.readBuf, port.Read)
	if err != nil {
		t.connected.Store(false)
	}
	return frame, err
}

func (t *SerialTransport) Close() error {
	t.connected.Store(false)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port == nil {
		return nil
	}
	err := t.port.Close()
	t.port = nil
	return err
}

func (t *SerialTransport) Connected() bool { return t.connected.Load() }

// PortInfo describes one enumerated serial port.
type PortInfo struct {
	Name         string
	Product      string
	SerialNumber string
	VID, PID     string
}

// ListPorts enumerates serial ports visible to the OS, with USB metadata
// where available.
func ListPorts() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("enumerate serial ports: %w", err)
	}
	ports := make([]PortInfo, 0, len(details))
	for _, d := range details {
		info := PortInfo{Name: d.Name}
		if d.IsUSB {
			info.Product = d.Product
			info.SerialNumber = d.SerialNumber
			info.VID = d.VID
			info.PID = d.PID
		}
		ports = append(ports, info)
	}
	return ports, nil
}

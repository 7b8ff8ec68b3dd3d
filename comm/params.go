// SPDX-License-Identifier: GPL-3.0-or-later
package comm

import (
	"errors"
	"fmt"
	"time"
)

// ConnKind selects which transport a connection uses.
type ConnKind int

const (
	ConnSerial ConnKind = iota
	ConnTCP
	ConnWebSocket
)

func (k ConnKind) String() string {
	switch k {
	case ConnSerial:
		return "serial"
	case ConnTCP:
		return "tcp"
	case ConnWebSocket:
		return "websocket"
	}
	return "unknown"
}

type Parity int

const (
	ParityNone Parity = iota
	ParityEven
	ParityOdd
)

type SerialParams struct {
	Port     string
	Baud     int
	Parity   Parity
	DataBits int // 5..8, 0 means 8
	StopBits int // 1 or 2, 0 means 1
}

type TCPParams struct {
	Host string
	Port int
}

type WebSocketParams struct {
	URL string
}

// ConnectionParams describes one device endpoint. Kind determines which
// parameter subset is read; the others are ignored.
type ConnectionParams struct {
	Kind      ConnKind
	Serial    SerialParams
	TCP       TCPParams
	WebSocket WebSocketParams
}

func (p ConnectionParams) validate() error {
	switch p.Kind {
	case ConnSerial:
		if p.Serial.Port == "" {
			return errors.New("serial port name is empty")
		}
		if p.Serial.Baud <= 0 {
			return fmt.Errorf("invalid baud rate %d", p.Serial.Baud)
		}
		if p.Serial.DataBits != 0 && (p.Serial.DataBits < 5 || p.Serial.DataBits > 8) {
			return fmt.Errorf("invalid data bits %d", p.Serial.DataBits)
		}
		if p.Serial.StopBits != 0 && p.Serial.StopBits != 1 && p.Serial.StopBits != 2 {
			return fmt.Errorf("invalid stop bits %d", p.Serial.StopBits)
		}
	case ConnTCP:
		if p.TCP.Host == "" {
			return errors.New("tcp host is empty")
		}
		if p.TCP.Port <= 0 || p.TCP.Port > 65535 {
			return fmt.Errorf("invalid tcp port %d", p.TCP.Port)
		}
	case ConnWebSocket:
		if p.WebSocket.URL == "" {
			return errors.New("websocket url is empty")
		}
	default:
		return fmt.Errorf("unknown connection kind %d", p.Kind)
	}
	return nil
}

const (
	defaultPollInterval     = 100 * time.Millisecond
	minPollInterval         = 20 * time.Millisecond
	maxPollInterval         = time.Second
	defaultConnectTimeout   = 5 * time.Second
	defaultHandshakeTimeout = 3 * time.Second
)

// Config tunes a Comm instance. The zero value gives usable defaults.
type Config struct {
	// PollInterval is the status-query period. Clamped to [20ms, 1s].
	PollInterval time.Duration

	// ConnectTimeout bounds transport open (TCP dial, WS handshake).
	ConnectTimeout time.Duration

	// HandshakeTimeout bounds the wait for the firmware welcome banner.
	HandshakeTimeout time.Duration

	// HaltOnError pauses the stream on the first per-line error:N response.
	// Default is to keep streaming and report each error as an event.
	HaltOnError bool

	// RxBufferLimit overrides the firmware dialect's serial-RX buffer size
	// in bytes. Zero keeps the dialect default.
	RxBufferLimit int
}

func (cfg Config) withDefaults() Config {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.PollInterval < minPollInterval {
		cfg.PollInterval = minPollInterval
	}
	if cfg.PollInterval > maxPollInterval {
		cfg.PollInterval = maxPollInterval
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	return cfg
}

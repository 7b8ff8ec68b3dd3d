// SPDX-License-Identifier: GPL-3.0-or-later
package comm

import "errors"

// API misuse errors, returned synchronously from Comm methods.
var (
	ErrInvalidState = errors.New("comm: operation not valid in current state")
	ErrLineTooLong  = errors.New("comm: line exceeds device rx buffer")
	ErrLineBreak    = errors.New("comm: line must not contain a newline")
	ErrUnsupported  = errors.New("comm: not supported by detected firmware")
	ErrClosed       = errors.New("comm: closed")
)

// ErrorKind classifies failures surfaced through EventError.
type ErrorKind int

const (
	ErrKindIO ErrorKind = iota
	ErrKindTimeout
	ErrKindParseFailure
	ErrKindFirmwareError
	ErrKindAlarm
	ErrKindNoHandshake
	ErrKindInvalidState
	// ErrKindBufferOverflow should be unreachable: the send cycle never
	// writes a line that would exceed the rx buffer. Seeing it means a bug.
	ErrKindBufferOverflow
)

func (k ErrorKind) String() string {
	switch k {
	case ErrKindIO:
		return "io"
	case ErrKindTimeout:
		return "timeout"
	case ErrKindParseFailure:
		return "parse-failure"
	case ErrKindFirmwareError:
		return "firmware-error"
	case ErrKindAlarm:
		return "alarm"
	case ErrKindNoHandshake:
		return "no-handshake"
	case ErrKindInvalidState:
		return "invalid-state"
	case ErrKindBufferOverflow:
		return "buffer-overflow-attempt"
	}
	return "unknown"
}

// SPDX-License-Identifier: GPL-3.0-or-later
package comm

import (
	"strconv"
	"strings"
)

// Response is one parsed line received from the firmware. The concrete type
// tags the variant; payloads are carried by value.
type Response interface {
	response()
}

// Ok acknowledges the oldest unacknowledged line.
type Ok struct{}

// FirmwareError is a per-line "error:N" rejection.
type FirmwareError struct {
	Code uint8
}

// Alarm is a device-global "ALARM:N" condition.
type Alarm struct {
	Code uint8
}

// StatusReport is a parsed <...> status frame.
type StatusReport struct {
	Status DeviceStatus
}

// Setting is a "$N=V" settings dump line.
type Setting struct {
	Num   uint8
	Value string
}

// Welcome is the firmware boot banner.
type Welcome struct {
	Banner string
}

// Feedback is a bracketed "[...]" message.
type Feedback struct {
	Text string
}

// Unrecognized carries any line no other variant matched. Such lines are
// reported for diagnostics and otherwise ignored.
type Unrecognized struct {
	Text string
}

func (Ok) response()            {}
func (FirmwareError) response() {}
func (Alarm) response()         {}
func (StatusReport) response()  {}
func (Setting) response()       {}
func (Welcome) response()       {}
func (Feedback) response()      {}
func (Unrecognized) response()  {}

// ParseResponse classifies one received line (terminator already stripped).
// It is total: any byte sequence yields a Response, malformed input falls
// through to Unrecognized.
func ParseResponse(line string) Response {
	trimmed := strings.TrimSpace(line)

	switch {
	case trimmed == "ok":
		return Ok{}

	case strings.HasPrefix(trimmed, "error:"):
		code, err := strconv.ParseUint(trimmed[len("error:"):], 10, 8)
		if err != nil {
			return Unrecognized{Text: line}
		}
		return FirmwareError{Code: uint8(code)}

	case strings.HasPrefix(trimmed, "ALARM:"):
		code, err := strconv.ParseUint(trimmed[len("ALARM:"):], 10, 8)
		if err != nil {
			return Unrecognized{Text: line}
		}
		return Alarm{Code: uint8(code)}

	case strings.HasPrefix(trimmed, "<"):
		ds, ok := ParseStatus(trimmed)
		if !ok {
			return Unrecognized{Text: line}
		}
		return StatusReport{Status: ds}

	case strings.HasPrefix(trimmed, "$"):
		num, value, found := strings.Cut(trimmed[1:], "=")
		if !found {
			return Unrecognized{Text: line}
		}
		n, err := strconv.ParseUint(num, 10, 8)
		if err != nil {
			return Unrecognized{Text: line}
		}
		return Setting{Num: uint8(n), Value: value}

	case strings.HasPrefix(trimmed, "["):
		if !strings.HasSuffix(trimmed, "]") || len(trimmed) < 2 {
			return Unrecognized{Text: line}
		}
		return Feedback{Text: trimmed[1 : len(trimmed)-1]}
	}

	if DetectFirmware(trimmed) != FirmwareUnknown {
		return Welcome{Banner: trimmed}
	}
	return Unrecognized{Text: line}
}

// SPDX-License-Identifier: GPL-3.0-or-later
package comm

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MachineState is the firmware-reported machine state letter code.
type MachineState string

const (
	StateIdle    MachineState = "Idle"
	StateRun     MachineState = "Run"
	StateHold    MachineState = "Hold"
	StateJog     MachineState = "Jog"
	StateAlarm   MachineState = "Alarm"
	StateCheck   MachineState = "Check"
	StateHome    MachineState = "Home"
	StateSleep   MachineState = "Sleep"
	StateDoor    MachineState = "Door"
	StateUnknown MachineState = "Unknown"
)

var knownStates = []MachineState{
	StateIdle, StateRun, StateHold, StateJog, StateAlarm,
	StateCheck, StateHome, StateSleep, StateDoor,
}

// machineStateFrom maps the first token of a status frame to a MachineState.
// Matching is case-insensitive and ignores sub-state suffixes ("Hold:0").
// Unknown states map to StateUnknown, never to a rejection.
func machineStateFrom(tok string) MachineState {
	tok, _, _ = strings.Cut(tok, ":")
	for _, s := range knownStates {
		if strings.EqualFold(tok, string(s)) {
			return s
		}
	}
	return StateUnknown
}

type Position struct {
	X, Y, Z float64
}

// BufferCount mirrors the Bf: field: free planner blocks first, then free
// rx-buffer bytes.
type BufferCount struct {
	Planner int
	RX      int
}

// OverrideSet holds the active override percentages from the Ov: field.
type OverrideSet struct {
	Feed    int
	Rapid   int
	Spindle int
}

// DeviceStatus is a parsed snapshot of one <...> status report. It is an
// immutable value; each report replaces the previous snapshot wholesale.
type DeviceStatus struct {
	State    MachineState
	MPos     Position
	WPos     Position
	WCO      Position
	Feed     float64
	Spindle  float64
	Buffer   BufferCount
	Override OverrideSet
	Pins     string
	Access   string

	Received time.Time
}

func parseTriple(s string) (Position, bool) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return Position{}, false
	}
	var vals [3]float64
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return Position{}, false
		}
		vals[i] = v
	}
	return Position{X: vals[0], Y: vals[1], Z: vals[2]}, true
}

func parseIntPair(s string) (int, int, bool) {
	a, b, found := strings.Cut(s, ",")
	if !found {
		return 0, 0, false
	}
	av, err1 := strconv.Atoi(strings.TrimSpace(a))
	bv, err2 := strconv.Atoi(strings.TrimSpace(b))
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return av, bv, true
}

// ParseStatus parses one framed status report. Field order is free except
// that the state comes first; unknown keys are skipped for forward
// compatibility. Returns false for anything that is not a well-formed
// status frame.
func ParseStatus(line string) (DeviceStatus, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "<") || !strings.HasSuffix(line, ">") {
		return DeviceStatus{}, false
	}
	line = strings.TrimSuffix(strings.TrimPrefix(line, "<"), ">")
	parts := strings.Split(line, "|")
	if parts[0] == "" {
		return DeviceStatus{}, false
	}

	ds := DeviceStatus{State: machineStateFrom(parts[0]), Received: time.Now()}

	var useMPos bool
	for _, part := range parts[1:] {
		key, val, found := strings.Cut(part, ":")
		if !found {
			return DeviceStatus{}, false
		}
		switch key {
		case "MPos":
			pos, ok := parseTriple(val)
			if !ok {
				return DeviceStatus{}, false
			}
			useMPos = true
			ds.MPos = pos
			ds.WPos = Position{X: pos.X - ds.WCO.X, Y: pos.Y - ds.WCO.Y, Z: pos.Z - ds.WCO.Z}
		case "WPos":
			pos, ok := parseTriple(val)
			if !ok {
				return DeviceStatus{}, false
			}
			ds.WPos = pos
			ds.MPos = Position{X: pos.X + ds.WCO.X, Y: pos.Y + ds.WCO.Y, Z: pos.Z + ds.WCO.Z}
		case "WCO":
			pos, ok := parseTriple(val)
			if !ok {
				return DeviceStatus{}, false
			}
			ds.WCO = pos
			if useMPos {
				ds.WPos = Position{X: ds.MPos.X - pos.X, Y: ds.MPos.Y - pos.Y, Z: ds.MPos.Z - pos.Z}
			} else {
				ds.MPos = Position{X: ds.WPos.X + pos.X, Y: ds.WPos.Y + pos.Y, Z: ds.WPos.Z + pos.Z}
			}
		case "F":
			v, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
			if err != nil {
				return DeviceStatus{}, false
			}
			ds.Feed = v
		case "FS":
			f, s, found := strings.Cut(val, ",")
			if !found {
				return DeviceStatus{}, false
			}
			fv, err1 := strconv.ParseFloat(strings.TrimSpace(f), 64)
			sv, err2 := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if err1 != nil || err2 != nil {
				return DeviceStatus{}, false
			}
			ds.Feed, ds.Spindle = fv, sv
		case "S":
			v, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
			if err != nil {
				return DeviceStatus{}, false
			}
			ds.Spindle = v
		case "Bf":
			planner, rx, ok := parseIntPair(val)
			if !ok {
				return DeviceStatus{}, false
			}
			ds.Buffer = BufferCount{Planner: planner, RX: rx}
		case "Ov":
			vals := strings.Split(val, ",")
			if len(vals) != 3 {
				return DeviceStatus{}, false
			}
			f, err1 := strconv.Atoi(strings.TrimSpace(vals[0]))
			r, err2 := strconv.Atoi(strings.TrimSpace(vals[1]))
			s, err3 := strconv.Atoi(strings.TrimSpace(vals[2]))
			if err1 != nil || err2 != nil || err3 != nil {
				return DeviceStatus{}, false
			}
			ds.Override = OverrideSet{Feed: f, Rapid: r, Spindle: s}
		case "Pn":
			ds.Pins = val
		case "A":
			ds.Access = val
		default:
			// Unknown field, skip.
		}
	}
	return ds, true
}

func formatTriple(p Position) string {
	return fmt.Sprintf("%.3f,%.3f,%.3f", p.X, p.Y, p.Z)
}

// Canonical renders the snapshot back into a status frame. WPos is implied
// by MPos and WCO, matching how GRBL reports with $10=1.
func (ds DeviceStatus) Canonical() string {
	var b strings.Builder
	b.WriteByte('<')
	b.WriteString(string(ds.State))
	fmt.Fprintf(&b, "|MPos:%s", formatTriple(ds.MPos))
	fmt.Fprintf(&b, "|WCO:%s", formatTriple(ds.WCO))
	fmt.Fprintf(&b, "|Bf:%d,%d", ds.Buffer.Planner, ds.Buffer.RX)
	fmt.Fprintf(&b, "|FS:%g,%g", ds.Feed, ds.Spindle)
	fmt.Fprintf(&b, "|Ov:%d,%d,%d", ds.Override.Feed, ds.Override.Rapid, ds.Override.Spindle)
	if ds.Pins != "" {
		fmt.Fprintf(&b, "|Pn:%s", ds.Pins)
	}
	if ds.Access != "" {
		fmt.Fprintf(&b, "|A:%s", ds.Access)
	}
	b.WriteByte('>')
	return b.String()
}

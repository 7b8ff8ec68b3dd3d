// SPDX-License-Identifier: GPL-3.0-or-later
package comm

import "strings"

// Firmware identifies the controller firmware family, classified from the
// welcome banner.
type Firmware int

const (
	FirmwareUnknown Firmware = iota
	FirmwareGrbl
	FirmwareGrblHAL
	FirmwareTinyG
	FirmwareG2Core
	FirmwareSmoothieware
	FirmwareFluidNC
)

func (f Firmware) String() string {
	switch f {
	case FirmwareGrbl:
		return "Grbl"
	case FirmwareGrblHAL:
		return "grblHAL"
	case FirmwareTinyG:
		return "TinyG"
	case FirmwareG2Core:
		return "g2core"
	case FirmwareSmoothieware:
		return "Smoothieware"
	case FirmwareFluidNC:
		return "FluidNC"
	}
	return "unknown"
}

// Banner prefix table. Order matters: grblHAL banners also start with "Grbl"
// on some builds, so the more specific prefixes come first.
var bannerPrefixes = []struct {
	prefix string
	fw     Firmware
}{
	{"GrblHAL ", FirmwareGrblHAL},
	{"grblHAL ", FirmwareGrblHAL},
	{"Grbl ", FirmwareGrbl},
	{"TinyG", FirmwareTinyG},
	{"g2core", FirmwareG2Core},
	{"Smoothie", FirmwareSmoothieware},
	{"FluidNC", FirmwareFluidNC},
}

// DetectFirmware classifies a received line as a firmware welcome banner.
// Returns FirmwareUnknown when the line is not a banner.
func DetectFirmware(line string) Firmware {
	for _, e := range bannerPrefixes {
		if strings.HasPrefix(line, e.prefix) {
			return e.fw
		}
	}
	return FirmwareUnknown
}

// Realtime command bytes (GRBL 1.1 set; shared by grblHAL and FluidNC).
const (
	rtStatusQuery = '?'
	rtFeedHold    = '!'
	rtCycleStart  = '~'
	rtSoftReset   = 0x18

	rtFeedReset     = 0x90
	rtFeedPlus10    = 0x91
	rtFeedMinus10   = 0x92
	rtFeedPlus1     = 0x93
	rtFeedMinus1    = 0x94
	rtRapid100      = 0x95
	rtRapid50       = 0x96
	rtRapid25       = 0x97
	rtSpindleReset  = 0x99
	rtSpindlePlus10 = 0x9A
	rtSpindleMinus10 = 0x9B
	rtSpindlePlus1  = 0x9C
	rtSpindleMinus1 = 0x9D
)

// OverrideKind selects which realtime override a delta applies to.
type OverrideKind int

const (
	OverrideFeed OverrideKind = iota
	OverrideRapid
	OverrideSpindle
)

// Dialect is the firmware-specific protocol surface selected at handshake.
type Dialect struct {
	Firmware      Firmware
	RxBufferLimit int

	StatusQuery byte
	FeedHold    byte
	CycleStart  byte
	SoftReset   byte

	// Realtime override steps per GRBL 1.1. TinyG and g2core use line
	// commands instead and report no override capability.
	RealtimeOverrides bool

	UnlockCommand string
	HomeCommand   string
}

// DialectFor returns the protocol dialect for a firmware family. Unknown
// firmware gets the GRBL dialect with a conservative 128-byte buffer.
func DialectFor(fw Firmware) Dialect {
	d := Dialect{
		Firmware:          fw,
		RxBufferLimit:     128,
		StatusQuery:       rtStatusQuery,
		FeedHold:          rtFeedHold,
		CycleStart:        rtCycleStart,
		SoftReset:         rtSoftReset,
		RealtimeOverrides: true,
		UnlockCommand:     "$X",
		HomeCommand:       "$H",
	}
	switch fw {
	case FirmwareGrblHAL:
		d.RxBufferLimit = 1024
	case FirmwareTinyG, FirmwareG2Core:
		d.RxBufferLimit = 254
		d.RealtimeOverrides = false
	case FirmwareSmoothieware:
		d.RxBufferLimit = 64
		d.RealtimeOverrides = false
	}
	return d
}

// overrideByte maps an override request to its realtime byte. Feed and
// spindle accept deltas 0 (reset to 100%), ±1 and ±10; rapid accepts the
// target percentages 100, 50 and 25.
func (d Dialect) overrideByte(kind OverrideKind, delta int) (byte, bool) {
	if !d.RealtimeOverrides {
		return 0, false
	}
	switch kind {
	case OverrideFeed:
		switch delta {
		case 0:
			return rtFeedReset, true
		case 10:
			return rtFeedPlus10, true
		case -10:
			return rtFeedMinus10, true
		case 1:
			return rtFeedPlus1, true
		case -1:
			return rtFeedMinus1, true
		}
	case OverrideRapid:
		switch delta {
		case 100:
			return rtRapid100, true
		case 50:
			return rtRapid50, true
		case 25:
			return rtRapid25, true
		}
	case OverrideSpindle:
		switch delta {
		case 0:
			return rtSpindleReset, true
		case 10:
			return rtSpindlePlus10, true
		case -10:
			return rtSpindleMinus10, true
		case 1:
			return rtSpindlePlus1, true
		case -1:
			return rtSpindleMinus1, true
		}
	}
	return 0, false
}

// Capabilities exposes a flat feature map for UI gating.
func (d Dialect) Capabilities() map[string]any {
	return map[string]any{
		"firmware":           d.Firmware.String(),
		"rx_buffer":          d.RxBufferLimit,
		"realtime_overrides": d.RealtimeOverrides,
		"feed_hold":          true,
		"soft_reset":         true,
		"unlock":             d.UnlockCommand != "",
		"homing":             d.HomeCommand != "",
	}
}

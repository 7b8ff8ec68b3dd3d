// SPDX-License-Identifier: GPL-3.0-or-later

// Package comm implements the controller communication core of gcodekit:
// transports to GRBL-family firmware over serial, TCP or WebSocket, a
// response parser, a character-counting streaming engine, and a poll-driven
// controller state machine fanning events out to listeners.
package comm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// ControllerState is the top-level lifecycle phase of a Comm.
type ControllerState int

const (
	Disconnected ControllerState = iota
	Connecting
	Handshaking
	Ready
	Streaming
	Paused
	Alarmed
)

func (s ControllerState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Handshaking:
		return "handshaking"
	case Ready:
		return "ready"
	case Streaming:
		return "streaming"
	case Paused:
		return "paused"
	case Alarmed:
		return "alarmed"
	}
	return "unknown"
}

// Comm drives one controller connection. It owns the transport and both
// command queues exclusively; callers interact through the public API and
// observe progress through subscribed listeners.
//
// All queue and state mutation happens under one mutex. Listeners are
// invoked from a separate dispatch goroutine and may call back into the
// public API, but must not call Close from the delivery context.
type Comm struct {
	cfg     Config
	bus     *EventBus
	history *History

	mu       sync.Mutex
	state    ControllerState
	tran     Transport
	firmware Firmware
	dialect  Dialect
	strm     *streamer
	status   *DeviceStatus
	nextID   int64

	// gen invalidates goroutines of previous connections.
	gen int

	streamTotal int
	streamSent  int
	streamAcked int

	unlockID       int64
	awaitingReset  bool
	statusPending  bool
	missedPolls    int
	handshakeTimer *time.Timer
	pollStop       chan struct{}
}

// New creates an idle Comm. The zero Config gives GRBL defaults.
func New(cfg Config) *Comm {
	return &Comm{
		cfg:     cfg.withDefaults(),
		bus:     NewEventBus(),
		history: NewHistory(),
		state:   Disconnected,
		dialect: DialectFor(FirmwareUnknown),
		nextID:  1,
	}
}

// Subscribe registers an event listener and returns its handle.
func (c *Comm) Subscribe(fn func(Event)) Handle { return c.bus.Subscribe(fn) }

// Unsubscribe removes a listener; unknown handles are a no-op.
func (c *Comm) Unsubscribe(h Handle) { c.bus.Unsubscribe(h) }

// History returns the session wire log.
func (c *Comm) History() *History { return c.history }

// State returns the current controller phase.
func (c *Comm) State() ControllerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status returns the most recent device status snapshot, if any arrived
// on this connection.
func (c *Comm) Status() (DeviceStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == nil {
		return DeviceStatus{}, false
	}
	return *c.status, true
}

// Firmware returns the detected firmware family.
func (c *Comm) Firmware() Firmware {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.firmware
}

// Capabilities returns the feature map of the active dialect.
func (c *Comm) Capabilities() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dialect.Capabilities()
}

// IsConnected reports whether the transport is open.
func (c *Comm) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tran != nil && c.tran.Connected()
}

// emit enqueues an event. Called with c.mu held so that event order always
// matches mutation order; the bus delivers asynchronously.
func (c *Comm) emit(ev Event) { c.bus.Publish(ev) }

func (c *Comm) setStateLocked(s ControllerState) {
	if c.state == s {
		return
	}
	c.state = s
	c.emit(Event{Type: EventStateChange, State: s})
}

// Connect opens the transport described by params and starts the handshake.
// It returns once the transport is open; readiness is reported through
// events when the welcome banner arrives.
func (c *Comm) Connect(params ConnectionParams) error {
	tran, err := newTransport(params)
	if err != nil {
		return err
	}
	return c.connect(tran)
}

func (c *Comm) connect(tran Transport) error {
	c.mu.Lock()
	if c.state != Disconnected {
		c.mu.Unlock()
		return ErrInvalidState
	}
	c.gen++
	gen := c.gen
	c.tran = tran
	c.setStateLocked(Connecting)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
	defer cancel()
	if err := tran.Open(ctx); err != nil {
		c.mu.Lock()
		if c.gen == gen {
			c.tran = nil
			c.emit(Event{Type: EventError, Kind: ErrKindIO, Detail: err.Error()})
			c.setStateLocked(Disconnected)
		}
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	if c.gen != gen {
		// Disconnected while opening.
		c.mu.Unlock()
		tran.Close()
		return ErrClosed
	}
	c.dialect = DialectFor(FirmwareUnknown)
	if c.cfg.RxBufferLimit > 0 {
		c.dialect.RxBufferLimit = c.cfg.RxBufferLimit
	}
	c.strm = newStreamer(c.dialect.RxBufferLimit)
	c.status = nil
	c.statusPending = false
	c.missedPolls = 0
	c.awaitingReset = false
	c.unlockID = 0
	c.pollStop = make(chan struct{})
	c.handshakeTimer = time.AfterFunc(c.cfg.HandshakeTimeout, func() { c.handshakeExpired(gen) })
	c.emit(Event{Type: EventConnected})
	c.setStateLocked(Handshaking)
	stop := c.pollStop
	c.mu.Unlock()

	go c.readLoop(tran, gen)
	go c.pollLoop(gen, stop)
	return nil
}

// Disconnect closes the connection. Queued and in-flight lines end up
// Cancelled; the final event is Disconnected.
func (c *Comm) Disconnect() error {
	c.mu.Lock()
	if c.state == Disconnected {
		c.mu.Unlock()
		return nil
	}
	gen := c.gen
	c.mu.Unlock()
	c.teardown(gen, nil)
	return nil
}

// Close disconnects and stops event delivery. The Comm cannot be reused.
func (c *Comm) Close() {
	c.Disconnect()
	c.bus.Close()
}

func (c *Comm) handshakeExpired(gen int) {
	c.mu.Lock()
	if c.gen != gen || c.state != Handshaking {
		c.mu.Unlock()
		return
	}
	c.emit(Event{Type: EventError, Kind: ErrKindNoHandshake, Detail: "no welcome banner from device"})
	c.mu.Unlock()
	slog.Warn("Handshake timed out", "timeout", c.cfg.HandshakeTimeout)
	c.teardown(gen, nil)
}

// teardown ends the connection identified by gen exactly once.
func (c *Comm) teardown(gen int, cause error) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.gen++
	if c.handshakeTimer != nil {
		c.handshakeTimer.Stop()
		c.handshakeTimer = nil
	}
	if c.pollStop != nil {
		close(c.pollStop)
		c.pollStop = nil
	}
	tran := c.tran
	c.tran = nil

	if c.strm != nil {
		for _, cmd := range c.strm.drainOutbound() {
			c.emit(Event{Type: EventLineCancelled, ID: cmd.ID, Line: cmd.Text})
		}
		for _, cmd := range c.strm.clearInFlight() {
			c.emit(Event{Type: EventLineCancelled, ID: cmd.ID, Line: cmd.Text})
		}
		c.strm = nil
	}
	c.status = nil
	c.awaitingReset = false
	c.unlockID = 0
	c.statusPending = false

	if cause != nil && !errors.Is(cause, io.EOF) {
		c.emit(Event{Type: EventError, Kind: ErrKindIO, Detail: cause.Error()})
	}
	c.setStateLocked(Disconnected)
	c.emit(Event{Type: EventDisconnected})
	c.mu.Unlock()

	if tran != nil {
		tran.Close()
	}
	slog.Info("Disconnected from controller")
}

func (c *Comm) readLoop(tran Transport, gen int) {
	for {
		line, err := tran.ReadLine()
		if err != nil {
			c.teardown(gen, err)
			return
		}
		c.handleLine(gen, line)
	}
}

func (c *Comm) handleLine(gen int, raw string) {
	line := strings.TrimSpace(raw)
	if line == "" {
		return
	}
	resp := ParseResponse(line)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return
	}
	c.history.Add(DirUp, line)
	c.emit(Event{Type: EventLineReceived, Line: line})

	switch r := resp.(type) {
	case Ok:
		c.handleAckLocked(true, 0)
	case FirmwareError:
		c.handleAckLocked(false, int(r.Code))
	case Alarm:
		c.handleAlarmLocked(int(r.Code))
	case StatusReport:
		c.handleStatusLocked(r.Status)
	case Welcome:
		c.handleWelcomeLocked(r.Banner)
	case Setting, Feedback:
		// Informational; the LineReceived event above is enough.
	case Unrecognized:
		c.emit(Event{Type: EventUnknownLine, Line: line})
	}
}

func (c *Comm) handleAckLocked(ok bool, code int) {
	if c.strm == nil {
		return
	}
	cmd := c.strm.ack(ok, code)
	if cmd == nil {
		return
	}

	if ok {
		c.emit(Event{Type: EventLineAcked, ID: cmd.ID, Line: cmd.Text})
	} else {
		c.emit(Event{Type: EventLineError, ID: cmd.ID, Line: cmd.Text, Code: code})
	}

	if cmd.ID == c.unlockID {
		c.unlockID = 0
		if ok && c.state == Alarmed {
			slog.Info("Alarm lock cleared")
			c.setStateLocked(Ready)
		}
		return
	}

	if c.state == Streaming || c.state == Paused {
		c.streamAcked++
		c.emit(Event{Type: EventProgress, Sent: c.streamSent, Acked: c.streamAcked, Total: c.streamTotal})
	}

	if !ok && c.cfg.HaltOnError && c.state == Streaming {
		slog.Warn("Pausing stream on firmware error", "code", code)
		if c.writeRealtimeLocked(c.dialect.FeedHold) == nil {
			c.setStateLocked(Paused)
		}
	}

	c.fillLocked()
	c.checkStreamDoneLocked()
}

func (c *Comm) handleAlarmLocked(code int) {
	slog.Warn("Device alarm", "code", code)
	c.emit(Event{Type: EventAlarm, Code: code})
	if c.strm != nil {
		for _, cmd := range c.strm.drainOutbound() {
			c.emit(Event{Type: EventLineCancelled, ID: cmd.ID, Line: cmd.Text})
		}
		for _, cmd := range c.strm.clearInFlight() {
			c.emit(Event{Type: EventLineCancelled, ID: cmd.ID, Line: cmd.Text})
		}
	}
	c.streamTotal, c.streamSent, c.streamAcked = 0, 0, 0
	switch c.state {
	case Ready, Streaming, Paused, Handshaking:
		c.setStateLocked(Alarmed)
	}
}

func (c *Comm) handleStatusLocked(ds DeviceStatus) {
	c.statusPending = false
	c.missedPolls = 0

	// Stale frames are dropped; snapshots move forward only.
	if c.status != nil && ds.Received.Before(c.status.Received) {
		return
	}
	c.status = &ds

	switch {
	case c.state == Paused && ds.State == StateRun:
		// Cycle start took effect (possibly issued on the device itself).
		c.setStateLocked(Streaming)
	case c.state == Streaming && (ds.State == StateHold || ds.State == StateDoor):
		c.setStateLocked(Paused)
	}

	c.emit(Event{Type: EventStatusUpdate, Status: ds})
}

func (c *Comm) handleWelcomeLocked(banner string) {
	fw := DetectFirmware(banner)

	if c.awaitingReset {
		// Soft reset issued by Abort has completed; the device buffer is
		// empty, so in-flight lines are gone for good.
		if c.strm != nil {
			for _, cmd := range c.strm.clearInFlight() {
				c.emit(Event{Type: EventLineCancelled, ID: cmd.ID, Line: cmd.Text})
			}
		}
		c.awaitingReset = false
		c.statusPending = false
		c.streamTotal, c.streamSent, c.streamAcked = 0, 0, 0
		c.setStateLocked(Ready)
		c.emit(Event{Type: EventAborted})
		return
	}

	if c.state == Handshaking {
		if c.handshakeTimer != nil {
			c.handshakeTimer.Stop()
			c.handshakeTimer = nil
		}
		c.applyDialectLocked(fw)
		slog.Info("Firmware detected", "firmware", fw.String(), "banner", banner,
			"rxBuffer", c.dialect.RxBufferLimit)
		c.setStateLocked(Ready)
		return
	}

	// Unexpected reboot: whatever was queued or in flight is lost.
	slog.Warn("Device reset unexpectedly", "banner", banner)
	if c.strm != nil {
		for _, cmd := range c.strm.drainOutbound() {
			c.emit(Event{Type: EventLineCancelled, ID: cmd.ID, Line: cmd.Text})
		}
		for _, cmd := range c.strm.clearInFlight() {
			c.emit(Event{Type: EventLineCancelled, ID: cmd.ID, Line: cmd.Text})
		}
	}
	c.streamTotal, c.streamSent, c.streamAcked = 0, 0, 0
	c.statusPending = false
	c.applyDialectLocked(fw)
	c.setStateLocked(Ready)
}

func (c *Comm) applyDialectLocked(fw Firmware) {
	c.firmware = fw
	c.dialect = DialectFor(fw)
	if c.cfg.RxBufferLimit > 0 {
		c.dialect.RxBufferLimit = c.cfg.RxBufferLimit
	}
	if c.strm != nil {
		c.strm.limit = c.dialect.RxBufferLimit
	}
}

// fillLocked runs the send cycle: pushes queued lines onto the wire while
// the character count stays within the device rx buffer.
func (c *Comm) fillLocked() {
	if c.tran == nil || c.strm == nil || c.awaitingReset {
		return
	}
	for {
		cmd := c.strm.sendable()
		if cmd == nil {
			return
		}
		if err := c.tran.Write([]byte(cmd.Text + "\n")); err != nil {
			c.strm.unsend(cmd)
			c.emit(Event{Type: EventError, Kind: ErrKindIO, Detail: err.Error()})
			// The reader observes the dead transport and tears down.
			c.tran.Close()
			return
		}
		c.history.Add(DirDown, cmd.Text)
		c.emit(Event{Type: EventLineSent, ID: cmd.ID, Line: cmd.Text})
		if c.state == Streaming || c.state == Paused {
			c.streamSent++
		}
	}
}

func (c *Comm) checkStreamDoneLocked() {
	if c.state != Streaming || c.awaitingReset || c.strm == nil || !c.strm.empty() {
		return
	}
	c.emit(Event{Type: EventStreamComplete})
	c.setStateLocked(Ready)
	c.streamTotal, c.streamSent, c.streamAcked = 0, 0, 0
}

func (c *Comm) writeRealtimeLocked(b byte) error {
	if c.tran == nil {
		return ErrInvalidState
	}
	if err := c.tran.Write([]byte{b}); err != nil {
		c.emit(Event{Type: EventError, Kind: ErrKindIO, Detail: err.Error()})
		c.tran.Close()
		return err
	}
	return nil
}

func (c *Comm) enqueueLocked(text string) (int64, error) {
	if strings.ContainsRune(text, '\n') {
		return 0, ErrLineBreak
	}
	if len(text)+1 > c.strm.limit {
		return 0, ErrLineTooLong
	}
	id := c.nextID
	c.nextID++
	c.strm.push(&BufferedCommand{ID: id, Text: text, Size: len(text) + 1})
	return id, nil
}

// SendLine queues one line for transmission and returns its monotonic id.
// Valid in Ready, Streaming and Paused.
func (c *Comm) SendLine(text string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case Ready, Streaming, Paused:
	default:
		return 0, ErrInvalidState
	}
	id, err := c.enqueueLocked(text)
	if err != nil {
		return 0, err
	}
	c.fillLocked()
	return id, nil
}

// Stream enqueues a whole G-code program. The controller moves to Streaming
// and returns to Ready once every line has been acknowledged, publishing
// StreamComplete. Valid only in Ready.
func (c *Comm) Stream(lines []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Ready {
		return ErrInvalidState
	}
	for _, line := range lines {
		if strings.ContainsRune(line, '\n') {
			return ErrLineBreak
		}
		if len(line)+1 > c.strm.limit {
			return fmt.Errorf("%w: %q", ErrLineTooLong, line)
		}
	}

	c.streamTotal = len(lines)
	c.streamSent = 0
	c.streamAcked = 0
	c.setStateLocked(Streaming)
	for _, line := range lines {
		// Validated above; enqueue cannot fail.
		c.enqueueLocked(line)
	}
	c.fillLocked()
	c.checkStreamDoneLocked()
	return nil
}

// Pause sends the feed-hold realtime byte. Queues are untouched.
func (c *Comm) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Streaming {
		return ErrInvalidState
	}
	if err := c.writeRealtimeLocked(c.dialect.FeedHold); err != nil {
		return err
	}
	c.setStateLocked(Paused)
	return nil
}

// Resume sends the cycle-start realtime byte.
func (c *Comm) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Paused {
		return ErrInvalidState
	}
	if err := c.writeRealtimeLocked(c.dialect.CycleStart); err != nil {
		return err
	}
	c.setStateLocked(Streaming)
	return nil
}

// Abort drops every queued line, soft-resets the device and, once the
// post-reset banner arrives, clears the in-flight queue and publishes
// Aborted. On return no new lines will be sent; acks for already-sent
// lines may still be observed until the reset settles.
func (c *Comm) Abort() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case Ready, Streaming, Paused, Alarmed:
	default:
		return ErrInvalidState
	}
	for _, cmd := range c.strm.drainOutbound() {
		c.emit(Event{Type: EventLineCancelled, ID: cmd.ID, Line: cmd.Text})
	}
	if err := c.writeRealtimeLocked(c.dialect.SoftReset); err != nil {
		return err
	}
	c.awaitingReset = true
	c.statusPending = false
	return nil
}

// Unlock clears an alarm with the firmware's unlock command. The transition
// back to Ready happens when the firmware acknowledges it.
func (c *Comm) Unlock() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Alarmed {
		return ErrInvalidState
	}
	id, err := c.enqueueLocked(c.dialect.UnlockCommand)
	if err != nil {
		return err
	}
	c.unlockID = id
	c.fillLocked()
	return nil
}

// SetOverride issues a realtime override step. Feed and spindle accept
// deltas 0 (reset), ±1 and ±10 percent; rapid accepts the targets 100, 50
// and 25 percent. Realtime bytes bypass the queue and the character count.
func (c *Comm) SetOverride(kind OverrideKind, delta int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case Ready, Streaming, Paused:
	default:
		return ErrInvalidState
	}
	if !c.dialect.RealtimeOverrides {
		return ErrUnsupported
	}
	b, ok := c.dialect.overrideByte(kind, delta)
	if !ok {
		return fmt.Errorf("comm: invalid override delta %d", delta)
	}
	return c.writeRealtimeLocked(b)
}

// Jog issues a relative jog in millimetres on one axis.
func (c *Comm) Jog(axis rune, mm, feed float64) error {
	_, err := c.SendLine(fmt.Sprintf("$J=G21G91F%.0f%c%.4g", feed, axis, mm))
	return err
}

// Home runs the firmware homing cycle.
func (c *Comm) Home() error {
	c.mu.Lock()
	cmd := c.dialect.HomeCommand
	c.mu.Unlock()
	_, err := c.SendLine(cmd)
	return err
}

func (c *Comm) pollLoop(gen int, stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.pollOnce(gen)
		}
	}
}

// pollOnce sends a status query unless the previous one is still
// unanswered; flooding a stalled device only makes recovery slower.
func (c *Comm) pollOnce(gen int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen || c.tran == nil || c.awaitingReset {
		return
	}
	switch c.state {
	case Ready, Streaming, Paused:
	default:
		return
	}
	if c.statusPending {
		c.missedPolls++
		if c.missedPolls == 3 {
			slog.Warn("Status query unanswered", "missed", c.missedPolls,
				"interval", c.cfg.PollInterval)
		}
		return
	}
	if c.writeRealtimeLocked(c.dialect.StatusQuery) == nil {
		c.statusPending = true
	}
}

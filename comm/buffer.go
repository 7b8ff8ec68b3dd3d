// SPDX-License-Identifier: GPL-3.0-or-later
package comm

// LineStatus tracks a buffered line through its lifecycle.
type LineStatus int

const (
	LineQueued LineStatus = iota
	LineSent
	LineOk
	LineError
	LineCancelled
)

func (s LineStatus) String() string {
	switch s {
	case LineQueued:
		return "queued"
	case LineSent:
		return "sent"
	case LineOk:
		return "ok"
	case LineError:
		return "error"
	case LineCancelled:
		return "cancelled"
	}
	return "unknown"
}

// BufferedCommand is one outbound G-code line. Size is its UTF-8 byte count
// including the trailing LF, which is the unit of the character-counting
// protocol.
type BufferedCommand struct {
	ID     int64
	Text   string
	Size   int
	Status LineStatus
	Code   int // firmware error code when Status == LineError
}

// streamer implements the GRBL character-counting discipline: the sum of
// sent-but-unacknowledged line sizes never exceeds the device's serial-RX
// buffer. It is not goroutine-safe; Comm mutates it under its own lock.
type streamer struct {
	limit int

	outbound      []*BufferedCommand
	inFlight      []*BufferedCommand
	inFlightBytes int
}

func newStreamer(limit int) *streamer {
	return &streamer{limit: limit}
}

func (s *streamer) push(cmd *BufferedCommand) {
	cmd.Status = LineQueued
	s.outbound = append(s.outbound, cmd)
}

// sendable pops the next queued line if it fits in the remaining rx budget.
func (s *streamer) sendable() *BufferedCommand {
	if len(s.outbound) == 0 {
		return nil
	}
	head := s.outbound[0]
	if s.inFlightBytes+head.Size > s.limit {
		return nil
	}
	s.outbound = s.outbound[1:]
	head.Status = LineSent
	s.inFlight = append(s.inFlight, head)
	s.inFlightBytes += head.Size
	return head
}

// unsend returns a line to the front of the queue after a failed write.
func (s *streamer) unsend(cmd *BufferedCommand) {
	if n := len(s.inFlight); n > 0 && s.inFlight[n-1] == cmd {
		s.inFlight = s.inFlight[:n-1]
		s.inFlightBytes -= cmd.Size
	}
	cmd.Status = LineQueued
	s.outbound = append([]*BufferedCommand{cmd}, s.outbound...)
}

// ack resolves the oldest in-flight line. ok selects the terminal status;
// code is the firmware error code for the error case.
func (s *streamer) ack(ok bool, code int) *BufferedCommand {
	if len(s.inFlight) == 0 {
		return nil
	}
	head := s.inFlight[0]
	s.inFlight = s.inFlight[1:]
	s.inFlightBytes -= head.Size
	if ok {
		head.Status = LineOk
	} else {
		head.Status = LineError
		head.Code = code
	}
	return head
}

// drainOutbound cancels every still-queued line.
func (s *streamer) drainOutbound() []*BufferedCommand {
	drained := s.outbound
	s.outbound = nil
	for _, cmd := range drained {
		cmd.Status = LineCancelled
	}
	return drained
}

// clearInFlight cancels every sent-but-unacknowledged line, resetting the
// byte count. Used after a soft reset wiped the device buffer.
func (s *streamer) clearInFlight() []*BufferedCommand {
	cleared := s.inFlight
	s.inFlight = nil
	s.inFlightBytes = 0
	for _, cmd := range cleared {
		cmd.Status = LineCancelled
	}
	return cleared
}

func (s *streamer) empty() bool {
	return len(s.outbound) == 0 && len(s.inFlight) == 0
}

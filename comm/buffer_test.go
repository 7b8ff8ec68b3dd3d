// SPDX-License-Identifier: GPL-3.0-or-later
package comm

import (
	"fmt"
	"testing"

	"pgregory.net/rapid"
)

func mkCmd(id int64, text string) *BufferedCommand {
	return &BufferedCommand{ID: id, Text: text, Size: len(text) + 1}
}

func TestStreamerFillAndAck(t *testing.T) {
	// 20-byte budget, 7-byte lines: two fit, the third waits for an ack.
	s := newStreamer(20)
	for i := int64(1); i <= 3; i++ {
		s.push(mkCmd(i, "G1 X1"))
	}

	a := s.sendable()
	b := s.sendable()
	if a == nil || b == nil {
		t.Fatal("first two lines should fit")
	}
	if a.ID != 1 || b.ID != 2 {
		t.Errorf("sent ids %d,%d, want 1,2", a.ID, b.ID)
	}
	if s.inFlightBytes != 14 {
		t.Errorf("inFlightBytes = %d, want 14", s.inFlightBytes)
	}
	if c := s.sendable(); c != nil {
		t.Errorf("third line sent at %d/%d bytes, want held back", s.inFlightBytes, s.limit)
	}

	acked := s.ack(true, 0)
	if acked == nil || acked.ID != 1 || acked.Status != LineOk {
		t.Fatalf("ack = %+v, want line 1 ok", acked)
	}
	c := s.sendable()
	if c == nil || c.ID != 3 {
		t.Fatalf("after ack, line 3 should fit, got %+v", c)
	}
}

func TestStreamerAckOrder(t *testing.T) {
	s := newStreamer(128)
	s.push(mkCmd(1, "G0 X0"))
	s.push(mkCmd(2, "G0 X1"))
	s.sendable()
	s.sendable()

	first := s.ack(false, 33)
	if first.ID != 1 || first.Status != LineError || first.Code != 33 {
		t.Errorf("first ack = %+v, want line 1 error:33", first)
	}
	second := s.ack(true, 0)
	if second.ID != 2 || second.Status != LineOk {
		t.Errorf("second ack = %+v, want line 2 ok", second)
	}
	if s.ack(true, 0) != nil {
		t.Error("ack on empty in-flight queue should return nil")
	}
	if !s.empty() {
		t.Error("streamer should be empty")
	}
}

func TestStreamerUnsend(t *testing.T) {
	s := newStreamer(128)
	s.push(mkCmd(1, "G0 X0"))
	s.push(mkCmd(2, "G0 X1"))
	cmd := s.sendable()

	s.unsend(cmd)
	if s.inFlightBytes != 0 {
		t.Errorf("inFlightBytes = %d after unsend, want 0", s.inFlightBytes)
	}
	if cmd.Status != LineQueued {
		t.Errorf("status = %v after unsend, want queued", cmd.Status)
	}
	again := s.sendable()
	if again != cmd {
		t.Error("unsent line must go back to the front of the queue")
	}
}

func TestStreamerEmptyLineCostsOneByte(t *testing.T) {
	s := newStreamer(2)
	s.push(mkCmd(1, ""))
	s.push(mkCmd(2, ""))
	s.push(mkCmd(3, ""))
	if s.sendable() == nil || s.sendable() == nil {
		t.Fatal("two bare newlines fit a 2-byte budget")
	}
	if s.sendable() != nil {
		t.Error("third newline should be held back")
	}
}

func TestStreamerDrainAndClear(t *testing.T) {
	s := newStreamer(128)
	for i := int64(1); i <= 4; i++ {
		s.push(mkCmd(i, "G4 P0"))
	}
	s.sendable()
	s.sendable()

	drained := s.drainOutbound()
	if len(drained) != 2 {
		t.Fatalf("drained %d queued lines, want 2", len(drained))
	}
	for _, cmd := range drained {
		if cmd.Status != LineCancelled {
			t.Errorf("line %d status = %v, want cancelled", cmd.ID, cmd.Status)
		}
	}

	cleared := s.clearInFlight()
	if len(cleared) != 2 || s.inFlightBytes != 0 {
		t.Fatalf("cleared %d in-flight lines (bytes=%d), want 2 (0)", len(cleared), s.inFlightBytes)
	}
	if !s.empty() {
		t.Error("streamer should be empty after drain and clear")
	}
}

// The character-counting invariant: under any interleaving of pushes, sends
// and acks, the in-flight byte total never exceeds the budget, and it always
// equals the sum of the sizes of the lines marked sent.
func TestStreamerFlowControlInvariant(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		limit := rapid.IntRange(8, 128).Draw(t, "limit")
		s := newStreamer(limit)
		var nextID int64

		steps := rapid.IntRange(1, 200).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			switch rapid.IntRange(0, 2).Draw(t, fmt.Sprintf("op%d", i)) {
			case 0:
				nextID++
				n := rapid.IntRange(0, limit-1).Draw(t, fmt.Sprintf("len%d", i))
				text := make([]byte, n)
				for j := range text {
					text[j] = 'G'
				}
				s.push(mkCmd(nextID, string(text)))
			case 1:
				s.sendable()
			case 2:
				s.ack(rapid.Bool().Draw(t, fmt.Sprintf("ok%d", i)), 2)
			}

			if s.inFlightBytes > s.limit {
				t.Fatalf("in-flight bytes %d exceed budget %d", s.inFlightBytes, s.limit)
			}
			sum := 0
			for _, cmd := range s.inFlight {
				if cmd.Status != LineSent {
					t.Fatalf("in-flight line %d has status %v", cmd.ID, cmd.Status)
				}
				sum += cmd.Size
			}
			if sum != s.inFlightBytes {
				t.Fatalf("byte accounting drifted: tracked %d, actual %d", s.inFlightBytes, sum)
			}
		}

		// Drain everything; ordering is FIFO per queue.
		var prev int64
		for {
			cmd := s.ack(true, 0)
			if cmd == nil {
				break
			}
			if cmd.ID <= prev {
				t.Fatalf("acks out of order: %d after %d", cmd.ID, prev)
			}
			prev = cmd.ID
		}
	})
}

// SPDX-License-Identifier: GPL-3.0-or-later
package comm

import (
	"sync"
	"time"
)

// EventType identifies the kind of event emitted by a Comm.
type EventType int

const (
	// EventConnected is emitted once the transport is open.
	EventConnected EventType = iota

	// EventDisconnected is the last event of a connection; nothing follows
	// it except a Connected from a later Connect call.
	EventDisconnected

	// EventStateChange reports a controller phase transition. State holds
	// the new phase.
	EventStateChange

	// EventLineSent is emitted when a queued line goes on the wire, in
	// enqueue order. ID and Line identify it.
	EventLineSent

	// EventLineAcked is emitted when the firmware answers "ok" for the
	// line, always after its EventLineSent.
	EventLineAcked

	// EventLineError is emitted when the firmware answers "error:N".
	// Code holds N.
	EventLineError

	// EventLineCancelled is emitted for lines terminally dropped by abort,
	// alarm or disconnect.
	EventLineCancelled

	// EventStatusUpdate carries the newest device status snapshot.
	EventStatusUpdate

	// EventProgress reports stream counters after each acknowledgement.
	EventProgress

	// EventStreamComplete is emitted when the last streamed line has been
	// acknowledged.
	EventStreamComplete

	// EventAborted is emitted once an abort has fully settled (post-reset
	// banner observed, queues cleared).
	EventAborted

	// EventAlarm reports an ALARM:N message. Code holds N.
	EventAlarm

	// EventLineReceived is emitted for every framed line from the device.
	EventLineReceived

	// EventUnknownLine reports a received line no parser variant matched.
	// Diagnostics only.
	EventUnknownLine

	// EventError reports a failure; Kind classifies it.
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventStateChange:
		return "state-change"
	case EventLineSent:
		return "line-sent"
	case EventLineAcked:
		return "line-acked"
	case EventLineError:
		return "line-error"
	case EventLineCancelled:
		return "line-cancelled"
	case EventStatusUpdate:
		return "status-update"
	case EventProgress:
		return "progress"
	case EventStreamComplete:
		return "stream-complete"
	case EventAborted:
		return "aborted"
	case EventAlarm:
		return "alarm"
	case EventLineReceived:
		return "line-received"
	case EventUnknownLine:
		return "unknown-line"
	case EventError:
		return "error"
	}
	return "unknown"
}

// Event is delivered by value to every listener, in emission order.
type Event struct {
	Type EventType
	Time time.Time

	State  ControllerState // StateChange
	ID     int64           // LineSent/LineAcked/LineError/LineCancelled
	Line   string          // line events, LineReceived, UnknownLine
	Code   int             // LineError, Alarm
	Status DeviceStatus    // StatusUpdate
	Kind   ErrorKind       // Error
	Detail string          // Error

	Sent, Acked, Total int // Progress
}

// Handle identifies one subscription. Handles are unique for the lifetime
// of the bus.
type Handle int64

type subscriber struct {
	h  Handle
	fn func(Event)
}

// EventBus fans events out to zero or more listeners. A single dispatcher
// goroutine drains an ordered queue, so listeners observe every event in
// emission order and may safely call back into Comm's public API from the
// delivery context (re-entrant Close is the one exception).
type EventBus struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Event
	subs   []subscriber
	nextID Handle
	closed bool
	done   chan struct{}
}

func NewEventBus() *EventBus {
	b := &EventBus{nextID: 1, done: make(chan struct{})}
	b.cond = sync.NewCond(&b.mu)
	go b.dispatch()
	return b
}

// Subscribe registers a listener and returns its handle.
func (b *EventBus) Subscribe(fn func(Event)) Handle {
	b.mu.Lock()
	defer b.mu.Unlock()
	h := b.nextID
	b.nextID++
	b.subs = append(b.subs, subscriber{h: h, fn: fn})
	return h
}

// Unsubscribe removes a listener. Unknown or already-removed handles are
// a no-op.
func (b *EventBus) Unsubscribe(h Handle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.h == h {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish enqueues an event for delivery. The queue is unbounded so that
// publishers holding locks can never deadlock against a slow listener.
func (b *EventBus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.queue = append(b.queue, ev)
	b.mu.Unlock()
	b.cond.Signal()
}

func (b *EventBus) dispatch() {
	defer close(b.done)
	for {
		b.mu.Lock()
		for len(b.queue) == 0 && !b.closed {
			b.cond.Wait()
		}
		if len(b.queue) == 0 && b.closed {
			b.mu.Unlock()
			return
		}
		ev := b.queue[0]
		b.queue = b.queue[1:]
		subs := make([]subscriber, len(b.subs))
		copy(subs, b.subs)
		b.mu.Unlock()

		for _, s := range subs {
			s.fn(ev)
		}
	}
}

// Close drains remaining events, then stops the dispatcher and drops all
// listeners. Must not be called from a listener.
func (b *EventBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		<-b.done
		return
	}
	b.closed = true
	b.mu.Unlock()
	b.cond.Signal()
	<-b.done

	b.mu.Lock()
	b.subs = nil
	b.mu.Unlock()
}

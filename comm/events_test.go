// SPDX-License-Identifier: GPL-3.0-or-later
package comm

import (
	"sync"
	"testing"
	"time"
)

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestEventBusOrdering(t *testing.T) {
	b := NewEventBus()
	defer b.Close()

	var mu sync.Mutex
	var got []int64
	b.Subscribe(func(ev Event) {
		mu.Lock()
		got = append(got, ev.ID)
		mu.Unlock()
	})

	const n = 500
	for i := int64(1); i <= n; i++ {
		b.Publish(Event{Type: EventLineAcked, ID: i})
	}
	b.Close() // drains the queue before returning

	mu.Lock()
	defer mu.Unlock()
	if len(got) != n {
		t.Fatalf("delivered %d events, want %d", len(got), n)
	}
	for i, id := range got {
		if id != int64(i+1) {
			t.Fatalf("event %d has id %d, want %d", i, id, i+1)
		}
	}
}

func TestEventBusFanOut(t *testing.T) {
	b := NewEventBus()
	var mu sync.Mutex
	counts := make(map[Handle]int)
	sub := func() Handle {
		var h Handle
		h = b.Subscribe(func(Event) {
			mu.Lock()
			counts[h]++
			mu.Unlock()
		})
		return h
	}
	h1 := sub()
	h2 := sub()
	h3 := sub()

	b.Publish(Event{Type: EventConnected})
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return counts[h2] == 1
	})
	b.Unsubscribe(h2)
	b.Publish(Event{Type: EventDisconnected})
	b.Close()

	mu.Lock()
	defer mu.Unlock()
	if counts[h1] != 2 || counts[h3] != 2 {
		t.Errorf("remaining listeners got %d and %d events, want 2 each", counts[h1], counts[h3])
	}
	if counts[h2] != 1 {
		t.Errorf("unsubscribed listener got %d events, want 1", counts[h2])
	}
}

func TestEventBusUnsubscribeUnknown(t *testing.T) {
	b := NewEventBus()
	defer b.Close()
	h := b.Subscribe(func(Event) {})
	b.Unsubscribe(h)
	b.Unsubscribe(h)   // double removal
	b.Unsubscribe(999) // never issued
}

func TestEventBusZeroListeners(t *testing.T) {
	b := NewEventBus()
	b.Publish(Event{Type: EventError})
	b.Close()
	// Publish after Close is discarded silently.
	b.Publish(Event{Type: EventError})
}

func TestEventBusReentrantSubscribe(t *testing.T) {
	b := NewEventBus()
	var mu sync.Mutex
	var lateDeliveries int
	b.Subscribe(func(ev Event) {
		if ev.ID != 1 {
			return
		}
		// Subscribing from a delivery callback must not deadlock; the new
		// listener sees only later events.
		b.Subscribe(func(Event) {
			mu.Lock()
			lateDeliveries++
			mu.Unlock()
		})
	})

	b.Publish(Event{Type: EventLineSent, ID: 1})
	b.Publish(Event{Type: EventLineSent, ID: 2})
	b.Close()

	mu.Lock()
	defer mu.Unlock()
	if lateDeliveries != 1 {
		t.Errorf("late subscriber got %d events, want 1", lateDeliveries)
	}
}

func TestEventBusPublishStampsTime(t *testing.T) {
	b := NewEventBus()
	done := make(chan Event, 1)
	b.Subscribe(func(ev Event) { done <- ev })
	b.Publish(Event{Type: EventConnected})
	ev := <-done
	b.Close()
	if ev.Time.IsZero() {
		t.Error("Publish should stamp a zero Time")
	}
}

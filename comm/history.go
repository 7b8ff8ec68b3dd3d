// SPDX-License-Identifier: GPL-3.0-or-later
package comm

import (
	"regexp"
	"sync"
	"time"
)

// Direction marks which way a line travelled on the wire.
type Direction string

const (
	DirUp   Direction = "up"   // device -> host
	DirDown Direction = "down" // host -> device
)

// HistoryEntry is one recorded wire line.
type HistoryEntry struct {
	Num  int
	Dir  Direction
	Text string
	Time time.Time
}

// History is an in-memory session log of everything sent and received,
// for console views and post-mortem inspection. Line numbers increase
// from 1 across both directions.
type History struct {
	mu      sync.RWMutex
	entries []HistoryEntry
	next    int
}

func NewHistory() *History {
	return &History{next: 1}
}

// Add records a line and returns its number. Goroutine-safe.
func (h *History) Add(dir Direction, text string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	num := h.next
	h.next++
	h.entries = append(h.entries, HistoryEntry{
		Num:  num,
		Dir:  dir,
		Text: text,
		Time: time.Now(),
	})
	return num
}

// HistoryQuery filters a history scan. All filters combine with AND; zero
// values mean "no filter". Tail, when positive, keeps only the last N
// matches.
type HistoryQuery struct {
	Dir    Direction
	Filter *regexp.Regexp
	Tail   int
}

// Query returns matching entries in line-number order. Goroutine-safe.
func (h *History) Query(q HistoryQuery) []HistoryEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var result []HistoryEntry
	for _, e := range h.entries {
		if q.Dir != "" && e.Dir != q.Dir {
			continue
		}
		if q.Filter != nil && !q.Filter.MatchString(e.Text) {
			continue
		}
		result = append(result, e)
	}
	if q.Tail > 0 && len(result) > q.Tail {
		result = result[len(result)-q.Tail:]
	}
	return result
}

// Len reports the number of recorded lines.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}

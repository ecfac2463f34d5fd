package redo

import (
	"sort"
	"sync"
	"time"

	"github.com/coachpo/sqs-entity-resolution/internal/observability"
)

// Drop is one redo record the processor gave up on.
type Drop struct {
	Record   string
	Reason   string
	Cause    string
	Attempts int
	At       time.Time
}

// DropLedger keeps the most recent drops in a ring plus lifetime totals per
// reason. Totals survive eviction from the ring.
type DropLedger struct {
	mu       sync.Mutex
	capacity int
	ring     []Drop
	next     int
	totals   map[string]int
}

// NewDropLedger returns a ledger remembering up to capacity recent drops.
// capacity <= 0 keeps totals only.
func NewDropLedger(capacity int) *DropLedger {
	if capacity < 0 {
		capacity = 0
	}
	return &DropLedger{
		capacity: capacity,
		ring:     make([]Drop, 0, capacity),
		totals:   make(map[string]int),
	}
}

func (l *DropLedger) add(d Drop) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.totals[d.Reason]++
	if l.capacity == 0 {
		return
	}
	if len(l.ring) < l.capacity {
		l.ring = append(l.ring, d)
		return
	}
	l.ring[l.next] = d
	l.next = (l.next + 1) % l.capacity
}

// Recent returns the retained drops, oldest first.
func (l *DropLedger) Recent() []Drop {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Drop, 0, len(l.ring))
	out = append(out, l.ring[l.next:]...)
	return append(out, l.ring[:l.next]...)
}

// Totals returns the number of drops per reason since the ledger was created.
func (l *DropLedger) Totals() map[string]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]int, len(l.totals))
	for reason, n := range l.totals {
		out[reason] = n
	}
	return out
}

// Summary renders the totals and the retained records as log fields.
func (l *DropLedger) Summary() []observability.Field {
	totals := l.Totals()
	sum := 0
	reasons := make([]string, 0, len(totals))
	for reason, n := range totals {
		sum += n
		reasons = append(reasons, reason)
	}
	sort.Strings(reasons)
	fields := []observability.Field{observability.F("dropped_total", sum)}
	for _, reason := range reasons {
		fields = append(fields, observability.F("dropped_"+reason, totals[reason]))
	}
	recent := l.Recent()
	records := make([]string, 0, len(recent))
	for _, d := range recent {
		records = append(records, d.Record)
	}
	return append(fields, observability.F("recent_records", records))
}

package tracking

import (
	"log/slog"
	"sort"
)

// Ledger keeps one reference counter per bundle name. Counters never go
// below zero.
type Ledger struct {
	log    *slog.Logger
	counts map[string]int
}

// NewLedger creates an empty ledger.
func NewLedger(logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{log: logger, counts: make(map[string]int)}
}

// Count returns the current counter for name.
func (l *Ledger) Count(name string) int {
	return l.counts[name]
}

// Retain increments every counter in names by one.
func (l *Ledger) Retain(names []string) {
	for _, name := range names {
		l.counts[name]++
	}
}

// Drop decrements every counter in names by one and returns the names whose
// counter went from positive to zero, in input order.
func (l *Ledger) Drop(names []string) []string {
	var zeroed []string
	for _, name := range names {
		n, ok := l.counts[name]
		if !ok || n <= 0 {
			l.log.Error("reference count underflow", "bundle", name)
			continue
		}
		if n == 1 {
			delete(l.counts, name)
			zeroed = append(zeroed, name)
			continue
		}
		l.counts[name] = n - 1
	}
	return zeroed
}

// Snapshot copies every non-zero counter.
func (l *Ledger) Snapshot() map[string]int {
	out := make(map[string]int, len(l.counts))
	for name, n := range l.counts {
		out[name] = n
	}
	return out
}

// Referenced returns the names with a positive counter, sorted.
func (l *Ledger) Referenced() []string {
	out := make([]string, 0, len(l.counts))
	for name := range l.counts {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

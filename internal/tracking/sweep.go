package tracking

import "time"

// Sweep visits a slice of the table sized so that the whole table is seen
// at least once per sweep window, and releases entries whose owner is no
// longer live. It returns the number of entries reclaimed.
func (t *Table) Sweep() int {
	now := t.clock.Now()
	elapsed := now.Sub(t.swept)
	t.swept = now
	if t.liveness == nil || len(t.keys) == 0 {
		return 0
	}

	budget := sweepBudget(len(t.keys), elapsed, t.window)
	reclaimed := 0
	for i := 0; i < budget && len(t.keys) > 0; i++ {
		if t.cursor >= len(t.keys) {
			t.cursor = 0
		}
		h := t.keys[t.cursor]
		info := t.entries[h]
		if info.Owner != nil && !t.liveness.IsLive(info.Owner) {
			// remove swaps the last key into the cursor slot
			t.remove(h)
			reclaimed++
			continue
		}
		t.cursor++
	}
	if reclaimed > 0 {
		t.log.Debug("tracking sweep reclaimed entries", "count", reclaimed, "remaining", len(t.keys))
	}
	return reclaimed
}

func sweepBudget(n int, elapsed, window time.Duration) int {
	if elapsed <= 0 {
		return 1
	}
	if elapsed >= window {
		return n
	}
	// ceil(n * elapsed / window)
	budget := int((int64(n)*int64(elapsed) + int64(window) - 1) / int64(window))
	if budget < 1 {
		budget = 1
	}
	if budget > n {
		budget = n
	}
	return budget
}

// MarkPending starts the auto-release timer for h. The entry is released by
// SweepPending unless ClaimPending is called first.
func (t *Table) MarkPending(h Handle) error {
	if _, ok := t.entries[h]; !ok {
		return ErrInvalidHandle
	}
	if _, ok := t.pendingSet[h]; ok {
		return nil
	}
	now := t.clock.Now()
	t.pendingSet[h] = now
	t.pending = append(t.pending, pendingEntry{handle: h, since: now})
	return nil
}

// ClaimPending stops the auto-release timer for h. It reports whether h was
// still pending.
func (t *Table) ClaimPending(h Handle) bool {
	if _, ok := t.pendingSet[h]; !ok {
		return false
	}
	delete(t.pendingSet, h)
	return true
}

// IsPending reports whether h is waiting to be claimed.
func (t *Table) IsPending(h Handle) bool {
	_, ok := t.pendingSet[h]
	return ok
}

// SweepPending releases pending entries older than the auto-release
// timeout. Entries are queued in completion order, so only expired ones at
// the head of the queue are visited.
func (t *Table) SweepPending() int {
	now := t.clock.Now()
	released := 0
	for len(t.pending) > 0 {
		head := t.pending[0]
		if since, ok := t.pendingSet[head.handle]; !ok || !since.Equal(head.since) {
			t.pending = t.pending[1:]
			continue
		}
		if now.Sub(head.since) < t.autoTimeout {
			break
		}
		t.pending = t.pending[1:]
		delete(t.pendingSet, head.handle)
		if _, ok := t.entries[head.handle]; ok {
			t.remove(head.handle)
			released++
		}
	}
	if len(t.pending) == 0 {
		t.pending = nil
	}
	if released > 0 {
		t.log.Debug("auto-released unclaimed entries", "count", released)
	}
	return released
}

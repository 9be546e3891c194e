package tracking

import (
	"errors"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
)

// ErrInvalidHandle is returned for released or unknown handles.
var ErrInvalidHandle = errors.New("invalid track handle")

const (
	DefaultSweepWindow        = 5 * time.Second
	DefaultAutoReleaseTimeout = time.Second
)

// Handle identifies one tracked asset or instance. Zero is never issued.
type Handle uint64

const InvalidHandle Handle = 0

func (h Handle) Valid() bool { return h != InvalidHandle }

// Liveness reports whether an owner supplied by the host is still alive.
type Liveness interface {
	IsLive(owner any) bool
}

// LivenessFunc adapts a function to Liveness.
type LivenessFunc func(owner any) bool

func (f LivenessFunc) IsLive(owner any) bool { return f(owner) }

// Info is one tracked entry. A nil Owner means the entry lives until it is
// released explicitly.
type Info struct {
	Owner        any
	Asset        any
	Bundle       string
	Dependencies []string
	Instance     bool
}

// Options configures a Table.
type Options struct {
	Logger   *slog.Logger
	Clock    clock.Clock
	Liveness Liveness
	// SweepWindow bounds how long a full pass over the table may take.
	SweepWindow time.Duration
	// AutoReleaseTimeout is how long a pending entry may stay unclaimed.
	AutoReleaseTimeout time.Duration
	// OnZero is called for every bundle whose counter drops to zero.
	OnZero func(bundle string)
}

type pendingEntry struct {
	handle Handle
	since  time.Time
}

// Table records every tracked entry and keeps the ledger in step with it.
// It is not safe for concurrent use; the session serializes access.
type Table struct {
	log      *slog.Logger
	clock    clock.Clock
	ledger   *Ledger
	liveness Liveness
	onZero   func(string)

	window      time.Duration
	autoTimeout time.Duration

	next    Handle
	entries map[Handle]*Info
	keys    []Handle
	pos     map[Handle]int
	cursor  int
	swept   time.Time

	pending    []pendingEntry
	pendingSet map[Handle]time.Time
}

// NewTable creates a table bound to ledger.
func NewTable(ledger *Ledger, opts Options) *Table {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.SweepWindow <= 0 {
		opts.SweepWindow = DefaultSweepWindow
	}
	if opts.AutoReleaseTimeout <= 0 {
		opts.AutoReleaseTimeout = DefaultAutoReleaseTimeout
	}
	if ledger == nil {
		ledger = NewLedger(opts.Logger)
	}
	return &Table{
		log:         opts.Logger,
		clock:       opts.Clock,
		ledger:      ledger,
		liveness:    opts.Liveness,
		onZero:      opts.OnZero,
		window:      opts.SweepWindow,
		autoTimeout: opts.AutoReleaseTimeout,
		entries:     make(map[Handle]*Info),
		pos:         make(map[Handle]int),
		swept:       opts.Clock.Now(),
		pendingSet:  make(map[Handle]time.Time),
	}
}

// Ledger returns the ledger the table drives.
func (t *Table) Ledger() *Ledger { return t.ledger }

// Len returns the number of tracked entries.
func (t *Table) Len() int { return len(t.entries) }

// Track registers asset, sourced from bundle, under owner and retains every
// bundle in deps. The bundle itself is always counted.
func (t *Table) Track(owner, asset any, bundle string, deps []string, instance bool) Handle {
	info := &Info{
		Owner:        owner,
		Asset:        asset,
		Bundle:       bundle,
		Dependencies: withSelf(bundle, deps),
		Instance:     instance,
	}
	return t.insert(info)
}

// TrackWithOwner adds another entry with the same bundle attribution as h.
func (t *Table) TrackWithOwner(h Handle, owner any) (Handle, error) {
	src, ok := t.entries[h]
	if !ok {
		return InvalidHandle, ErrInvalidHandle
	}
	info := *src
	info.Owner = owner
	info.Dependencies = append([]string(nil), src.Dependencies...)
	return t.insert(&info), nil
}

// TrackExplicit adds an entry for the same asset as h that lives until it
// is released.
func (t *Table) TrackExplicit(h Handle) (Handle, error) {
	return t.TrackWithOwner(h, nil)
}

// TrackInstance adds an entry for an object instantiated from h's asset.
func (t *Table) TrackInstance(h Handle, owner, instance any) (Handle, error) {
	src, ok := t.entries[h]
	if !ok {
		return InvalidHandle, ErrInvalidHandle
	}
	return t.Track(owner, instance, src.Bundle, src.Dependencies, true), nil
}

// ChangeOwner repoints h without touching counters.
func (t *Table) ChangeOwner(h Handle, owner any) error {
	info, ok := t.entries[h]
	if !ok {
		return ErrInvalidHandle
	}
	info.Owner = owner
	return nil
}

// Info returns a copy of the entry for h.
func (t *Table) Info(h Handle) (Info, bool) {
	info, ok := t.entries[h]
	if !ok {
		return Info{}, false
	}
	return *info, true
}

// Release removes h and drops its counters.
func (t *Table) Release(h Handle) error {
	if _, ok := t.entries[h]; !ok {
		return ErrInvalidHandle
	}
	t.remove(h)
	return nil
}

// Owned returns copies of every entry owned by owner, in tracking order.
func (t *Table) Owned(owner any) []Info {
	if owner == nil {
		return nil
	}
	var out []Info
	for _, h := range t.keys {
		if info := t.entries[h]; info.Owner == owner {
			out = append(out, *info)
		}
	}
	return out
}

// ReleaseOwner removes every entry owned by owner and returns how many
// were removed.
func (t *Table) ReleaseOwner(owner any) int {
	if owner == nil {
		return 0
	}
	var victims []Handle
	for _, h := range t.keys {
		if t.entries[h].Owner == owner {
			victims = append(victims, h)
		}
	}
	for _, h := range victims {
		t.remove(h)
	}
	return len(victims)
}

// Clear drops every entry without firing zero callbacks.
func (t *Table) Clear() {
	t.entries = make(map[Handle]*Info)
	t.pos = make(map[Handle]int)
	t.keys = nil
	t.cursor = 0
	t.pending = nil
	t.pendingSet = make(map[Handle]time.Time)
	t.ledger.counts = make(map[string]int)
}

func (t *Table) insert(info *Info) Handle {
	t.next++
	h := t.next
	t.entries[h] = info
	t.pos[h] = len(t.keys)
	t.keys = append(t.keys, h)
	t.ledger.Retain(info.Dependencies)
	return h
}

func (t *Table) remove(h Handle) {
	info := t.entries[h]
	delete(t.entries, h)
	delete(t.pendingSet, h)

	i := t.pos[h]
	last := len(t.keys) - 1
	if i != last {
		moved := t.keys[last]
		t.keys[i] = moved
		t.pos[moved] = i
	}
	t.keys = t.keys[:last]
	delete(t.pos, h)

	for _, name := range t.ledger.Drop(info.Dependencies) {
		if t.onZero != nil {
			t.onZero(name)
		}
	}
}

func withSelf(bundle string, deps []string) []string {
	out := make([]string, 0, len(deps)+1)
	hasSelf := false
	seen := make(map[string]struct{}, len(deps)+1)
	for _, dep := range deps {
		if _, dup := seen[dep]; dup {
			continue
		}
		seen[dep] = struct{}{}
		if dep == bundle {
			hasSelf = true
		}
		out = append(out, dep)
	}
	if !hasSelf && bundle != "" {
		out = append([]string{bundle}, out...)
	}
	return out
}

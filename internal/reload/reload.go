// Package reload refreshes bundle payloads in the background once nothing
// references them, swapping the fresh payload in on the main thread.
package reload

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"bundlekit/internal/registry"
)

// State is the reload state of one bundle name.
type State int

const (
	Idle State = iota
	Reloading
	Deferred
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Reloading:
		return "reloading"
	case Deferred:
		return "deferred"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Outcome labels how a reload ended.
type Outcome string

const (
	Swapped   Outcome = "swapped"
	Postponed Outcome = "deferred"
	Installed Outcome = "installed"
	Stale     Outcome = "stale"
	Failed    Outcome = "failed"
)

// FetchFunc fetches and decodes the payload for the given bundle snapshot.
// It runs on its own goroutine.
type FetchFunc func(ctx context.Context, b registry.LoadedBundle) (registry.Payload, error)

// Counter reports the current reference count of a bundle.
type Counter interface {
	Count(name string) int
}

type Options struct {
	Logger  *slog.Logger
	Observe func(name string, outcome Outcome)
}

type entry struct {
	state State
	gen   uint64
	hash  string
	stash registry.Payload
}

type result struct {
	name    string
	gen     uint64
	payload registry.Payload
	err     error
}

// Coordinator runs the per-bundle reload state machine. Trigger, Poll,
// Forget and Close must be called from the goroutine that owns the
// registry; only fetches run elsewhere.
type Coordinator struct {
	log     *slog.Logger
	reg     *registry.Registry
	counts  Counter
	fetch   FetchFunc
	observe func(string, Outcome)

	states map[string]*entry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	done  []result
	ready chan struct{}
}

func New(reg *registry.Registry, counts Counter, fetch FetchFunc, opts Options) *Coordinator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		log:     opts.Logger,
		reg:     reg,
		counts:  counts,
		fetch:   fetch,
		observe: opts.Observe,
		states:  make(map[string]*entry),
		ctx:     ctx,
		cancel:  cancel,
		ready:   make(chan struct{}, 1),
	}
}

// State returns the reload state of name.
func (c *Coordinator) State(name string) State {
	if e, ok := c.states[name]; ok {
		return e.state
	}
	return Idle
}

// Active returns the names with a reload in progress or a swap pending,
// sorted.
func (c *Coordinator) Active() []string {
	out := make([]string, 0, len(c.states))
	for name := range c.states {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Ready is signalled whenever a background fetch finishes.
func (c *Coordinator) Ready() <-chan struct{} { return c.ready }

// Trigger reacts to the reference count of name reaching zero. It never
// blocks: a fetch is started in the background, or a payload stashed by an
// earlier reload is installed.
func (c *Coordinator) Trigger(name string) {
	if c.ctx.Err() != nil {
		return
	}
	b, ok := c.reg.Get(name)
	if e, tracked := c.states[name]; tracked {
		switch e.state {
		case Reloading:
			return
		case Deferred:
			if c.counts.Count(name) > 0 {
				return
			}
			delete(c.states, name)
			if ok && b.Generation == e.gen && b.Hash == e.hash {
				c.reg.SwapPayload(name, e.stash)
				c.log.Info("installed deferred reload", "bundle", name)
				c.report(name, Installed)
				return
			}
			c.log.Warn("dropping stale deferred reload", "bundle", name)
			e.stash.Unload()
			c.report(name, Stale)
		}
	}
	if !ok || c.fetch == nil {
		return
	}

	e := &entry{state: Reloading, gen: b.Generation, hash: b.Hash}
	c.states[name] = e
	snapshot := *b
	snapshot.Dependencies = append([]string(nil), b.Dependencies...)
	snapshot.Payload = nil

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		p, err := c.fetch(c.ctx, snapshot)
		c.post(result{name: name, gen: e.gen, payload: p, err: err})
	}()
	c.log.Debug("reload started", "bundle", name, "hash", b.Hash)
}

func (c *Coordinator) post(r result) {
	c.mu.Lock()
	c.done = append(c.done, r)
	c.mu.Unlock()
	select {
	case c.ready <- struct{}{}:
	default:
	}
}

// Poll applies every finished fetch and returns how many were handled.
func (c *Coordinator) Poll() int {
	c.mu.Lock()
	done := c.done
	c.done = nil
	c.mu.Unlock()

	for _, r := range done {
		c.apply(r)
	}
	return len(done)
}

func (c *Coordinator) apply(r result) {
	e, ok := c.states[r.name]
	if !ok || e.state != Reloading || e.gen != r.gen {
		// superseded by Forget or a newer reload
		if r.payload != nil {
			r.payload.Unload()
		}
		return
	}
	if r.err != nil || r.payload == nil {
		delete(c.states, r.name)
		if r.err == nil {
			r.err = fmt.Errorf("fetch returned no payload")
		}
		c.log.Warn("hot reload failed, keeping loaded payload", "bundle", r.name, "error", r.err)
		c.report(r.name, Failed)
		return
	}
	b, loaded := c.reg.Get(r.name)
	if !loaded || b.Generation != e.gen || b.Hash != e.hash {
		delete(c.states, r.name)
		r.payload.Unload()
		c.log.Info("discarding stale reload", "bundle", r.name)
		c.report(r.name, Stale)
		return
	}
	if c.counts.Count(r.name) == 0 {
		delete(c.states, r.name)
		c.reg.SwapPayload(r.name, r.payload)
		c.log.Info("bundle reloaded", "bundle", r.name, "hash", b.Hash)
		c.report(r.name, Swapped)
		return
	}
	e.state = Deferred
	e.stash = r.payload
	c.log.Debug("reload deferred, bundle in use", "bundle", r.name, "refs", c.counts.Count(r.name))
	c.report(r.name, Postponed)
}

// Forget drops any reload state for name, e.g. when it is evicted.
func (c *Coordinator) Forget(name string) {
	e, ok := c.states[name]
	if !ok {
		return
	}
	delete(c.states, name)
	if e.stash != nil {
		e.stash.Unload()
	}
}

// Close cancels in-flight fetches, waits for them, and releases every
// payload that was never installed.
func (c *Coordinator) Close() {
	c.cancel()
	c.wg.Wait()
	c.mu.Lock()
	done := c.done
	c.done = nil
	c.mu.Unlock()
	for _, r := range done {
		if r.payload != nil {
			r.payload.Unload()
		}
	}
	for name := range c.states {
		c.Forget(name)
	}
}

func (c *Coordinator) report(name string, o Outcome) {
	if c.observe != nil {
		c.observe(name, o)
	}
}

// Package session ties the bundle registry, reference counting, hot reload
// and the download orchestrator into one value owned by the host.
package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"bundlekit/internal/download"
	"bundlekit/internal/manifest"
	"bundlekit/internal/manifeststore"
	"bundlekit/internal/metrics"
	"bundlekit/internal/origin"
	"bundlekit/internal/pack"
	"bundlekit/internal/registry"
	"bundlekit/internal/reload"
	"bundlekit/internal/task"
	"bundlekit/internal/tracking"
)

// Session owns every piece of runtime bundle state. Mutations are
// serialized by one mutex; network fetches run outside it and their
// results are applied from Tick.
type Session struct {
	log         *slog.Logger
	clock       clock.Clock
	strict      bool
	metrics     *metrics.Metrics
	instantiate Instantiator
	store       manifeststore.Store

	mu     sync.Mutex
	reg    *registry.Registry
	ledger *tracking.Ledger
	table  *tracking.Table
	coord  *reload.Coordinator
	zeroed []string

	orch *download.Orchestrator

	qmu   sync.Mutex
	queue []func()
	wake  chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
}

// New builds a session. Nothing is fetched until Init.
func New(opts ...Option) (*Session, error) {
	cfg := settings{strict: true}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if cfg.clock == nil {
		cfg.clock = clock.New()
	}
	if cfg.decoder == nil {
		cfg.decoder = pack.Decoder{}
		if !cfg.verifySet {
			cfg.verify = pack.VerifyHash
		}
	}
	if cfg.instantiator == nil {
		cfg.instantiator = InstantiatorFunc(func(asset any) (any, error) { return asset, nil })
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		log:         cfg.logger,
		clock:       cfg.clock,
		strict:      cfg.strict,
		metrics:     cfg.metrics,
		instantiate: cfg.instantiator,
		store:       cfg.store,
		reg:         registry.New(cfg.logger),
		ledger:      tracking.NewLedger(cfg.logger),
		wake:        make(chan struct{}, 1),
		ctx:         ctx,
		cancel:      cancel,
	}
	s.table = tracking.NewTable(s.ledger, tracking.Options{
		Logger:             cfg.logger,
		Clock:              cfg.clock,
		Liveness:           cfg.liveness,
		SweepWindow:        cfg.sweepWindow,
		AutoReleaseTimeout: cfg.autoRelease,
		OnZero:             s.onZero,
	})

	fetcher := cfg.fetcher
	if fetcher == nil {
		var byteCache origin.ByteCache
		if cfg.cache != nil {
			byteCache = cfg.cache
		}
		fetcher = origin.NewFetcher(origin.FetcherOptions{
			Local:   cfg.local,
			Remote:  cfg.remote,
			Cache:   byteCache,
			Verify:  cfg.verify,
			Logger:  cfg.logger,
			Observe: func(src origin.Source, err error) { s.metrics.ObserveFetch(string(src), err) },
		})
	}
	var dlCache download.Cache
	if cfg.cache != nil {
		dlCache = cfg.cache
	}
	orch, err := download.New(download.Options{
		Registry:    s.reg,
		Lock:        &s.mu,
		Fetcher:     fetcher,
		Decoder:     cfg.decoder,
		Cache:       dlCache,
		Store:       cfg.store,
		BuildTarget: cfg.buildTarget,
		RetainBytes: cfg.retainBytes,
		Logger:      cfg.logger,
		Clock:       cfg.clock,
		Dispatch:    s.post,
		InUse:       func(name string) bool { return s.ledger.Count(name) > 0 },
		OnReplace:   func(name string) { s.coord.Forget(name) },
		Observe: func(op string, code task.Code, elapsed time.Duration) {
			s.metrics.ObserveRun(op, code.String(), elapsed)
		},
	})
	if err != nil {
		cancel()
		return nil, err
	}
	s.orch = orch
	s.coord = reload.New(s.reg, s.ledger, orch.Refetch, reload.Options{
		Logger:  cfg.logger,
		Observe: func(_ string, o reload.Outcome) { s.metrics.ObserveReload(string(o)) },
	})
	return s, nil
}

// Init loads the local manifest and local bundles. Continuations attached
// with Then run from Tick.
func (s *Session) Init(ctx context.Context) *task.Task[download.Report] {
	ctx, release := s.runContext(ctx)
	t := s.orch.Init(ctx)
	t.Then(func(*task.Task[download.Report]) { release() })
	return t
}

// Download brings the closure of names up to date with the remote
// manifest. Empty names means every bundle.
func (s *Session) Download(ctx context.Context, names []string) *task.Task[download.Report] {
	ctx, release := s.runContext(ctx)
	t := s.orch.Download(ctx, names)
	t.Then(func(*task.Task[download.Report]) { release() })
	return t
}

// runContext ties ctx to the session lifetime.
func (s *Session) runContext(parent context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(s.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (s *Session) Initialized() bool { return s.orch.Initialized() }

func (s *Session) LocalManifest() *manifest.Manifest { return s.orch.LocalManifest() }

func (s *Session) RemoteManifest() *manifest.Manifest { return s.orch.RemoteManifest() }

// Shutdown cancels running work, releases every payload and closes the
// manifest store. It is safe to call more than once.
func (s *Session) Shutdown() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.cancel()
	s.orch.Close()

	s.mu.Lock()
	s.coord.Close()
	s.table.Clear()
	s.reg.Clear()
	s.zeroed = nil
	s.mu.Unlock()

	s.qmu.Lock()
	s.queue = nil
	s.qmu.Unlock()

	var err error
	if s.store != nil {
		err = multierr.Append(err, s.store.Close())
	}
	s.log.Info("bundle session shut down")
	return err
}

// post queues fn for the next Tick.
func (s *Session) post(fn func()) {
	if s.closed.Load() {
		return
	}
	s.qmu.Lock()
	s.queue = append(s.queue, fn)
	s.qmu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// onZero runs with s.mu held, from inside a release. Reloads are only
// started from Tick so a release never recurses into a fetch.
func (s *Session) onZero(name string) {
	s.zeroed = append(s.zeroed, name)
}

// Tick runs queued continuations, applies finished reloads, advances both
// sweeps and starts reloads for bundles whose count reached zero.
func (s *Session) Tick() {
	if s.closed.Load() {
		return
	}
	s.qmu.Lock()
	queue := s.queue
	s.queue = nil
	s.qmu.Unlock()
	for _, fn := range queue {
		fn()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.coord.Poll()
	reclaimed := s.table.Sweep()
	expired := s.table.SweepPending()
	s.metrics.AddReclaimed("owner", reclaimed)
	s.metrics.AddReclaimed("pending", expired)

	zeroed := s.zeroed
	s.zeroed = nil
	seen := make(map[string]struct{}, len(zeroed))
	for _, name := range zeroed {
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		if s.ledger.Count(name) > 0 {
			continue
		}
		s.coord.Trigger(name)
	}
	if reclaimed+expired > 0 || len(zeroed) > 0 {
		s.syncGaugesLocked(zeroed)
	}
}

// Run calls Tick every interval, and early whenever work is queued or a
// reload fetch finishes, until ctx ends.
func (s *Session) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := s.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.ctx.Done():
			return ErrClosed
		case <-ticker.C:
		case <-s.wake:
		case <-s.coord.Ready():
		}
		s.Tick()
	}
}

func (s *Session) syncGaugesLocked(names []string) {
	if s.metrics == nil {
		return
	}
	s.metrics.SetTracked(s.table.Len())
	for _, name := range names {
		s.metrics.SetRefCount(name, s.ledger.Count(name))
	}
}

// violation reports misuse. In strict mode it panics; the caller must not
// hold s.mu without a deferred unlock.
func (s *Session) violation(op string, err error) error {
	pe := &PreconditionError{Op: op, Err: err}
	if s.strict {
		panic(pe)
	}
	s.log.Error("bundle session misuse", "op", op, "error", err)
	return pe
}

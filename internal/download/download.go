// Package download sequences manifest fetches and bundle loads: the init
// pass over the bundles packaged with the player and on-demand download
// cycles against the remote manifest.
package download

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"bundlekit/internal/manifest"
	"bundlekit/internal/manifeststore"
	"bundlekit/internal/origin"
	"bundlekit/internal/registry"
	"bundlekit/internal/task"
)

// ErrNotInitialized is returned by Download before Init has succeeded.
var ErrNotInitialized = errors.New("bundle manager not initialized")

// ErrClosed is returned by runs that were cut short by Close.
var ErrClosed = fmt.Errorf("orchestrator closed: %w", context.Canceled)

// Cache is the byte cache the orchestrator consults and prunes.
type Cache interface {
	IsCached(name, hash string) bool
	MarkUsed(name, hash string)
	ClearTo(targetBytes int64) error
}

// Report summarizes one init or download run.
type Report struct {
	Manifest *manifest.Manifest
	Loaded   []string
	Skipped  []string
	Evicted  []string
	Missing  []string
	// FromCache counts bundles served from the byte cache.
	FromCache int
}

type Options struct {
	Registry *registry.Registry
	// Lock guards the registry. Fetches run without it.
	Lock    sync.Locker
	Fetcher *origin.Fetcher
	Decoder registry.Decoder
	Cache   Cache
	Store   manifeststore.Store

	BuildTarget string
	// RetainBytes is the byte cache size kept after each download cycle.
	// Zero disables pruning.
	RetainBytes int64

	Logger   *slog.Logger
	Clock    clock.Clock
	Dispatch task.Dispatcher
	// InUse reports whether a bundle still has live references. Such
	// bundles survive eviction.
	InUse func(name string) bool
	// OnReplace is called with the lock held whenever a loaded bundle is
	// replaced or evicted.
	OnReplace func(name string)
	// Observe receives the outcome of every run.
	Observe func(op string, code task.Code, elapsed time.Duration)
}

// Orchestrator runs init and download cycles. Runs are serialized.
type Orchestrator struct {
	reg     *registry.Registry
	lock    sync.Locker
	fetcher *origin.Fetcher
	decoder registry.Decoder
	cache   Cache
	store   manifeststore.Store
	target  string
	retain  int64
	log     *slog.Logger
	clock   clock.Clock
	opts    Options

	runMu sync.Mutex

	mu          sync.RWMutex
	closed      bool
	initialized bool
	local       *manifest.Manifest
	cached      *manifest.Manifest
	remote      *manifest.Manifest
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if opts.Fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if opts.Decoder == nil {
		return nil, fmt.Errorf("decoder is required")
	}
	if opts.Lock == nil {
		opts.Lock = &sync.Mutex{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Orchestrator{
		reg:     opts.Registry,
		lock:    opts.Lock,
		fetcher: opts.Fetcher,
		decoder: opts.Decoder,
		cache:   opts.Cache,
		store:   opts.Store,
		target:  strings.TrimSpace(opts.BuildTarget),
		retain:  opts.RetainBytes,
		log:     opts.Logger,
		clock:   opts.Clock,
		opts:    opts,
	}, nil
}

// Initialized reports whether Init has completed successfully.
func (o *Orchestrator) Initialized() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.initialized
}

// LocalManifest returns the manifest packaged with the player.
func (o *Orchestrator) LocalManifest() *manifest.Manifest {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.local
}

// RemoteManifest returns the manifest of the last successful download.
func (o *Orchestrator) RemoteManifest() *manifest.Manifest {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.remote
}

// Close makes every later install fail with ErrClosed. Runs in flight stop
// at their next install; nothing is installed once Close returns.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
}

func (o *Orchestrator) isClosed() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.closed
}

// localCopy reports whether the packaged manifest ships name at hash.
func (o *Orchestrator) localCopy(name, hash string) bool {
	li, ok := o.LocalManifest().TryGetBundleInfo(name)
	return ok && li.IsLocal && li.Hash == hash
}

func (o *Orchestrator) manifestPath() string {
	return origin.Join(o.target, manifest.FileName)
}

func (o *Orchestrator) bundlePath(name string) string {
	return origin.Join(o.target, name)
}

// Init loads the local manifest and every bundle it marks local, preferring
// a newer cached version when the byte cache still holds it.
func (o *Orchestrator) Init(ctx context.Context) *task.Task[Report] {
	return o.start(ctx, "init", o.runInit)
}

// Download fetches the remote manifest and brings the closure of names (all
// bundles when names is empty) up to date.
func (o *Orchestrator) Download(ctx context.Context, names []string) *task.Task[Report] {
	names = append([]string(nil), names...)
	return o.start(ctx, "download", func(ctx context.Context, t *task.Task[Report]) (Report, error) {
		return o.runDownload(ctx, t, names)
	})
}

type runFunc func(ctx context.Context, t *task.Task[Report]) (Report, error)

func (o *Orchestrator) start(parent context.Context, op string, run runFunc) *task.Task[Report] {
	ctx, cancel := context.WithCancel(parent)
	t := task.New[Report](o.opts.Dispatch, cancel)
	go func() {
		o.runMu.Lock()
		defer o.runMu.Unlock()
		began := o.clock.Now()
		o.log.Info("bundle "+op+" started", "target", o.target)

		var (
			rep Report
			err error
		)
		if o.isClosed() {
			err = ErrClosed
		} else {
			rep, err = run(ctx, t)
		}
		code := task.CodeOf(err, task.NetworkError)
		if code == task.Success {
			o.log.Info("bundle "+op+" finished", "loaded", len(rep.Loaded), "skipped", len(rep.Skipped), "evicted", len(rep.Evicted))
		} else {
			o.log.Warn("bundle "+op+" failed", "code", code.String(), "error", err)
		}
		if o.opts.Observe != nil {
			o.opts.Observe(op, code, o.clock.Since(began))
		}
		t.Complete(rep, code, err)
	}()
	return t
}

func (o *Orchestrator) fetchManifest(ctx context.Context, mode origin.Mode) (*manifest.Manifest, []byte, error) {
	res, err := o.fetcher.Fetch(ctx, origin.Request{Name: manifest.FileName, Path: o.manifestPath(), Mode: mode}, nil)
	if err != nil {
		return nil, nil, task.Fail(task.CodeOf(err, task.NetworkError), fmt.Errorf("fetch %s manifest: %w", mode, err))
	}
	m, err := manifest.TryParse(res.Data)
	if err != nil {
		return nil, nil, task.Fail(task.ManifestParseError, fmt.Errorf("%s manifest: %w", mode, err))
	}
	return m, res.Data, nil
}

func (o *Orchestrator) loadCachedManifest(ctx context.Context) *manifest.Manifest {
	if o.store == nil {
		return nil
	}
	raw, ok, err := o.store.Load(ctx, manifeststore.Key(o.target))
	if err != nil {
		o.log.Warn("read cached manifest failed", "error", err)
		return nil
	}
	if !ok {
		return nil
	}
	m, err := manifest.TryParse(raw)
	if err != nil {
		o.log.Warn("ignoring unreadable cached manifest", "error", err)
		return nil
	}
	return m
}

func (o *Orchestrator) runInit(ctx context.Context, t *task.Task[Report]) (Report, error) {
	var rep Report
	local, _, err := o.fetchManifest(ctx, origin.Local)
	if err != nil {
		return rep, err
	}
	cached := o.loadCachedManifest(ctx)
	useCache := cached != nil && cached.NewerThan(local) && o.cache != nil

	o.mu.Lock()
	o.local, o.cached = local, cached
	o.mu.Unlock()
	rep.Manifest = local

	var todo []manifest.BundleInfo
	for _, info := range local.Bundles {
		if info.IsLocal {
			todo = append(todo, info)
		}
	}
	for i, info := range todo {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		req := origin.Request{Name: info.Name, Path: o.bundlePath(info.Name), Hash: info.Hash, Mode: origin.Local}
		use := info
		if useCache {
			if ci, ok := cached.TryGetBundleInfo(info.Name); ok && ci.Hash != info.Hash && o.cache.IsCached(ci.Name, ci.Hash) {
				req.Mode, req.Hash = origin.Cached, ci.Hash
				use = ci
				use.IsLocal = true
			}
		}
		loaded, fromCache, err := o.loadOne(ctx, t, i, len(todo), use, req)
		if err != nil {
			return rep, err
		}
		if !loaded {
			rep.Skipped = append(rep.Skipped, info.Name)
			continue
		}
		rep.Loaded = append(rep.Loaded, info.Name)
		if fromCache {
			rep.FromCache++
		}
	}

	o.mu.Lock()
	o.initialized = true
	o.mu.Unlock()
	return rep, nil
}

func (o *Orchestrator) runDownload(ctx context.Context, t *task.Task[Report], names []string) (Report, error) {
	var rep Report
	if !o.Initialized() {
		return rep, task.Fail(task.NotInitialized, ErrNotInitialized)
	}
	if !o.fetcher.HasRemote() {
		return rep, task.Fail(task.NetworkError, fmt.Errorf("no remote origin configured"))
	}
	remote, raw, err := o.fetchManifest(ctx, origin.Direct)
	if err != nil {
		return rep, err
	}
	rep.Manifest = remote
	if len(names) == 0 {
		names = remote.Names()
	}
	infos, missing := remote.CollectSubset(names)
	if len(missing) > 0 {
		o.log.Warn("requested bundles not in remote manifest", "names", missing)
		rep.Missing = missing
	}
	for i, info := range infos {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		req := origin.Request{Name: info.Name, Path: o.bundlePath(info.Name), Hash: info.Hash, Mode: origin.Cached}
		use := info
		use.IsLocal = o.localCopy(info.Name, info.Hash)
		if use.IsLocal {
			req.Mode = origin.Local
		}
		loaded, fromCache, err := o.loadOne(ctx, t, i, len(infos), use, req)
		if err != nil && req.Mode == origin.Local && errors.Is(err, origin.ErrNotFound) {
			o.log.Warn("packaged bundle missing, fetching remote copy", "bundle", info.Name)
			req.Mode, use.IsLocal = origin.Cached, false
			loaded, fromCache, err = o.loadOne(ctx, t, i, len(infos), use, req)
		}
		if err != nil {
			return rep, err
		}
		if !loaded {
			rep.Skipped = append(rep.Skipped, info.Name)
			continue
		}
		rep.Loaded = append(rep.Loaded, info.Name)
		if fromCache {
			rep.FromCache++
		}
	}

	rep.Evicted = o.evictOutside(infos)
	o.pruneCache(infos)

	if o.store != nil {
		if err := o.store.Save(ctx, manifeststore.Key(o.target), raw); err != nil {
			o.log.Warn("persist manifest failed", "error", err)
		}
	}
	o.mu.Lock()
	o.remote = remote
	o.mu.Unlock()
	return rep, nil
}

// loadOne fetches, decodes and installs one bundle unless the registry
// already holds that hash.
func (o *Orchestrator) loadOne(ctx context.Context, t *task.Task[Report], i, n int, info manifest.BundleInfo, req origin.Request) (loaded, fromCache bool, err error) {
	t.Report(task.Progress{Current: i, Total: n})

	o.lock.Lock()
	if cur, ok := o.reg.Get(info.Name); ok && cur.Hash == info.Hash {
		cur.Dependencies = append([]string(nil), info.Dependencies...)
		o.lock.Unlock()
		o.log.Debug("bundle up to date", "bundle", info.Name, "hash", info.Hash)
		return false, false, nil
	}
	o.lock.Unlock()

	o.log.Debug("fetching bundle", "bundle", info.Name, "mode", req.Mode.String(), "hash", info.Hash)
	res, err := o.fetcher.Fetch(ctx, req, func(p float64, cached bool) {
		t.Report(task.Progress{Current: i, Total: n, Fraction: p, Cached: cached})
	})
	if err != nil {
		return false, false, task.Fail(task.CodeOf(err, task.NetworkError), fmt.Errorf("bundle %s: %w", info.Name, err))
	}
	if err := ctx.Err(); err != nil {
		return false, false, err
	}
	payload, err := o.decoder.Decode(info.Name, res.Data)
	if err != nil {
		return false, false, task.Fail(task.NetworkError, fmt.Errorf("decode bundle %s: %w", info.Name, err))
	}

	o.lock.Lock()
	defer o.lock.Unlock()
	if o.isClosed() || ctx.Err() != nil {
		payload.Unload()
		if o.isClosed() {
			return false, false, ErrClosed
		}
		return false, false, ctx.Err()
	}
	if _, replacing := o.reg.Get(info.Name); replacing && o.opts.OnReplace != nil {
		o.opts.OnReplace(info.Name)
	}
	o.reg.Install(&registry.LoadedBundle{
		Name:         info.Name,
		Payload:      payload,
		Hash:         info.Hash,
		Dependencies: append([]string(nil), info.Dependencies...),
		IsLocal:      info.IsLocal,
		LoadPath:     req.Path,
	})
	return true, res.Source == origin.SourceCache, nil
}

func (o *Orchestrator) evictOutside(infos []manifest.BundleInfo) []string {
	keep := make(map[string]struct{}, len(infos))
	for _, info := range infos {
		keep[info.Name] = struct{}{}
	}
	o.lock.Lock()
	defer o.lock.Unlock()
	var evicted []string
	for _, name := range o.reg.Names() {
		if _, ok := keep[name]; ok {
			continue
		}
		b, _ := o.reg.Get(name)
		if b.IsLocal {
			continue
		}
		if o.opts.InUse != nil && o.opts.InUse(name) {
			o.log.Warn("keeping referenced bundle outside download set", "bundle", name)
			continue
		}
		if o.opts.OnReplace != nil {
			o.opts.OnReplace(name)
		}
		o.reg.Evict(name)
		evicted = append(evicted, name)
	}
	if len(evicted) > 0 {
		o.log.Info("evicted bundles", "names", evicted)
	}
	return evicted
}

func (o *Orchestrator) pruneCache(infos []manifest.BundleInfo) {
	if o.cache == nil {
		return
	}
	for _, info := range infos {
		o.cache.MarkUsed(info.Name, info.Hash)
	}
	if o.retain <= 0 {
		return
	}
	if err := o.cache.ClearTo(o.retain); err != nil {
		o.log.Warn("prune bundle cache failed", "error", err)
	}
}

// Refetch loads a fresh payload for an installed bundle at its current
// hash: from the byte cache when it holds that version, from the local
// package when the packaged hash matches, otherwise from the remote origin.
func (o *Orchestrator) Refetch(ctx context.Context, b registry.LoadedBundle) (registry.Payload, error) {
	req := origin.Request{Name: b.Name, Path: b.LoadPath, Hash: b.Hash, Mode: origin.Cached}
	if req.Path == "" {
		req.Path = o.bundlePath(b.Name)
	}
	cached := o.cache != nil && b.Hash != "" && o.cache.IsCached(b.Name, b.Hash)
	if !cached && o.localCopy(b.Name, b.Hash) {
		req.Mode = origin.Local
	}
	res, err := o.fetcher.Fetch(ctx, req, nil)
	if err != nil {
		return nil, err
	}
	return o.decoder.Decode(b.Name, res.Data)
}

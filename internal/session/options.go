package session

import (
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"bundlekit/internal/download"
	"bundlekit/internal/manifeststore"
	"bundlekit/internal/metrics"
	"bundlekit/internal/origin"
	"bundlekit/internal/registry"
	"bundlekit/internal/tracking"
)

// Cache is a byte cache usable both by the fetcher and by the download
// orchestrator's retention pass. *disk.LRUStore satisfies it.
type Cache interface {
	origin.ByteCache
	download.Cache
}

// Instantiator creates a new object from a loaded asset.
type Instantiator interface {
	Instantiate(asset any) (any, error)
}

// InstantiatorFunc adapts a function to Instantiator.
type InstantiatorFunc func(asset any) (any, error)

func (f InstantiatorFunc) Instantiate(asset any) (any, error) { return f(asset) }

type Option func(*settings)

type settings struct {
	logger       *slog.Logger
	clock        clock.Clock
	liveness     tracking.Liveness
	instantiator Instantiator
	decoder      registry.Decoder
	verify       func([]byte, string) bool
	verifySet    bool
	local        origin.Store
	remote       origin.Store
	fetcher      *origin.Fetcher
	cache        Cache
	store        manifeststore.Store
	metrics      *metrics.Metrics
	sweepWindow  time.Duration
	autoRelease  time.Duration
	strict       bool
	buildTarget  string
	retainBytes  int64
}

func WithLogger(l *slog.Logger) Option {
	return func(s *settings) { s.logger = l }
}

func WithClock(c clock.Clock) Option {
	return func(s *settings) { s.clock = c }
}

// WithLiveness sets the host capability the owner sweep asks. Without it
// only explicit releases free entries.
func WithLiveness(l tracking.Liveness) Option {
	return func(s *settings) { s.liveness = l }
}

func WithInstantiator(i Instantiator) Option {
	return func(s *settings) { s.instantiator = i }
}

// WithDecoder replaces the payload decoder. The default reads the pack
// container format.
func WithDecoder(d registry.Decoder) Option {
	return func(s *settings) { s.decoder = d }
}

// WithVerifier replaces the payload hash check applied to remote fetches.
// Nil disables it.
func WithVerifier(v func(data []byte, hash string) bool) Option {
	return func(s *settings) {
		s.verify = v
		s.verifySet = true
	}
}

// WithOrigins sets the local package store and the remote origin.
func WithOrigins(local, remote origin.Store) Option {
	return func(s *settings) {
		s.local = local
		s.remote = remote
	}
}

// WithFetcher supplies a ready fetcher. WithOrigins, WithVerifier and the
// byte cache are then ignored for fetching.
func WithFetcher(f *origin.Fetcher) Option {
	return func(s *settings) { s.fetcher = f }
}

func WithCache(c Cache) Option {
	return func(s *settings) { s.cache = c }
}

// WithManifestStore sets where the last downloaded manifest is kept. The
// session closes it on Shutdown.
func WithManifestStore(store manifeststore.Store) Option {
	return func(s *settings) { s.store = store }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *settings) { s.metrics = m }
}

func WithSweepWindow(d time.Duration) Option {
	return func(s *settings) { s.sweepWindow = d }
}

func WithAutoReleaseTimeout(d time.Duration) Option {
	return func(s *settings) { s.autoRelease = d }
}

// WithStrictPreconditions controls whether misuse panics (the default) or
// is returned as a *PreconditionError.
func WithStrictPreconditions(strict bool) Option {
	return func(s *settings) { s.strict = strict }
}

func WithBuildTarget(target string) Option {
	return func(s *settings) { s.buildTarget = target }
}

// WithRetainBytes sets the byte cache size kept after each download.
func WithRetainBytes(n int64) Option {
	return func(s *settings) { s.retainBytes = n }
}

package origin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"golang.org/x/sync/singleflight"
)

// Mode selects where and how a payload is fetched.
type Mode int

const (
	// Local reads from the packaged store and trusts its content.
	Local Mode = iota
	// Cached pins the expected hash and consults the byte cache before the
	// remote store.
	Cached
	// Direct always reads the remote store. Used for manifests.
	Direct
)

func (m Mode) String() string {
	switch m {
	case Local:
		return "local"
	case Cached:
		return "cached"
	case Direct:
		return "direct"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Source tells where the bytes of a fetch came from.
type Source string

const (
	SourceLocal  Source = "local"
	SourceCache  Source = "cache"
	SourceRemote Source = "remote"
)

// ByteCache stores payloads by bundle name and hash.
type ByteCache interface {
	Get(ctx context.Context, name, hash string) ([]byte, bool, error)
	Put(ctx context.Context, name, hash string, data []byte) error
}

type Request struct {
	Name string
	Path string
	Hash string
	Mode Mode
}

type Result struct {
	Data   []byte
	Source Source
}

// ProgressFunc receives the byte progress of the current fetch in [0,1].
type ProgressFunc func(fraction float64, cached bool)

type FetcherOptions struct {
	Local  Store
	Remote Store
	Cache  ByteCache
	// Verify checks a payload against its expected hash. Nil skips the
	// check.
	Verify func(data []byte, hash string) bool
	Logger *slog.Logger
	// Observe is called once per completed fetch.
	Observe func(src Source, err error)
}

// Fetcher resolves payload requests against the local and remote stores.
// Concurrent requests for the same object share one transfer.
type Fetcher struct {
	local   Store
	remote  Store
	cache   ByteCache
	verify  func([]byte, string) bool
	log     *slog.Logger
	observe func(Source, error)
	group   singleflight.Group
}

func NewFetcher(opts FetcherOptions) *Fetcher {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Fetcher{
		local:   opts.Local,
		remote:  opts.Remote,
		cache:   opts.Cache,
		verify:  opts.Verify,
		log:     opts.Logger,
		observe: opts.Observe,
	}
}

// HasRemote reports whether a remote store is configured.
func (f *Fetcher) HasRemote() bool { return f != nil && f.remote != nil }

// Fetch returns the bytes for req.
func (f *Fetcher) Fetch(ctx context.Context, req Request, progress ProgressFunc) (Result, error) {
	if f == nil {
		return Result{}, fmt.Errorf("fetcher is nil")
	}
	if strings.TrimSpace(req.Path) == "" {
		return Result{}, fmt.Errorf("path is required")
	}
	if progress == nil {
		progress = func(float64, bool) {}
	}
	key := req.Mode.String() + "|" + req.Path + "|" + req.Hash
	v, err, shared := f.group.Do(key, func() (any, error) {
		return f.fetch(ctx, req, progress)
	})
	if err != nil && shared && ctx.Err() == nil && isContextErr(err) {
		// the leader was cancelled, not us
		v, err = f.fetch(ctx, req, progress)
	}
	var res Result
	if err == nil {
		res = v.(Result)
		if shared {
			res.Data = append([]byte(nil), res.Data...)
		}
	}
	if f.observe != nil {
		f.observe(res.Source, err)
	}
	return res, err
}

func (f *Fetcher) fetch(ctx context.Context, req Request, progress ProgressFunc) (Result, error) {
	switch req.Mode {
	case Local:
		if f.local == nil {
			return Result{}, fmt.Errorf("fetch %s: no local store", req.Path)
		}
		data, err := read(ctx, f.local, req.Path, func(p float64) { progress(p, false) })
		if err != nil {
			return Result{}, fmt.Errorf("fetch local %s: %w", req.Path, err)
		}
		return Result{Data: data, Source: SourceLocal}, nil

	case Cached:
		if f.cache != nil && req.Hash != "" {
			data, ok, err := f.cache.Get(ctx, req.Name, req.Hash)
			if err != nil {
				f.log.Warn("byte cache read failed", "bundle", req.Name, "error", err)
			}
			if ok {
				progress(1, true)
				return Result{Data: data, Source: SourceCache}, nil
			}
		}
		data, err := f.fetchRemote(ctx, req, progress)
		if err != nil {
			return Result{}, err
		}
		if f.verify != nil && req.Hash != "" && !f.verify(data, req.Hash) {
			return Result{}, fmt.Errorf("fetch %s: %w", req.Path, ErrHashMismatch)
		}
		if f.cache != nil && req.Hash != "" {
			if err := f.cache.Put(ctx, req.Name, req.Hash, data); err != nil {
				f.log.Warn("byte cache write failed", "bundle", req.Name, "error", err)
			}
		}
		return Result{Data: data, Source: SourceRemote}, nil

	case Direct:
		data, err := f.fetchRemote(ctx, req, progress)
		if err != nil {
			return Result{}, err
		}
		return Result{Data: data, Source: SourceRemote}, nil
	}
	return Result{}, fmt.Errorf("fetch %s: unknown mode %v", req.Path, req.Mode)
}

func (f *Fetcher) fetchRemote(ctx context.Context, req Request, progress ProgressFunc) ([]byte, error) {
	if f.remote == nil {
		return nil, fmt.Errorf("fetch %s: no remote store", req.Path)
	}
	data, err := read(ctx, f.remote, req.Path, func(p float64) { progress(p, false) })
	if err != nil {
		return nil, fmt.Errorf("fetch remote %s: %w", req.Path, err)
	}
	return data, nil
}

const chunkSize = 32 * 1024

func read(ctx context.Context, store Store, path string, progress func(float64)) ([]byte, error) {
	opener, ok := store.(Opener)
	if !ok {
		data, err := store.Get(ctx, path)
		if err != nil {
			return nil, err
		}
		progress(1)
		return data, nil
	}
	rc, size, err := opener.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	buf := make([]byte, 0, max(size, 0))
	chunk := make([]byte, chunkSize)
	progress(0)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := rc.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if size > 0 && n > 0 {
			progress(min(float64(len(buf))/float64(size), 1))
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	progress(1)
	return buf, nil
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

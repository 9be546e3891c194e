package session

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bundlekit/internal/cache/disk"
	"bundlekit/internal/deptree"
	"bundlekit/internal/download"
	"bundlekit/internal/metrics"
	"bundlekit/internal/origin"
	"bundlekit/internal/pack"
	"bundlekit/internal/publish"
	"bundlekit/internal/reload"
	"bundlekit/internal/task"
	"bundlekit/internal/tracking"
)

type owner struct {
	name string
	dead bool
}

var liveness = tracking.LivenessFunc(func(o any) bool {
	ow, ok := o.(*owner)
	return !ok || !ow.dead
})

type graph map[string][]string

func (g graph) Dependencies(asset string) []string { return g[asset] }

func (g graph) Read(asset string) ([]byte, error) { return []byte("content:" + asset), nil }

var shared = deptree.SharedBundleName("", "x.mat")

type fixture struct {
	s     *Session
	clock *clock.Mock
	local *origin.MemoryStore
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	out, err := publish.Assemble(publish.Build{
		BuildTarget: "linux",
		BuildTime:   time.UnixMilli(1_700_000_000_000),
		Definitions: []deptree.Definition{
			{Name: "A", Assets: []string{"a.prefab"}, IncludeInPlayer: true, AutoShared: true},
			{Name: "B", Assets: []string{"b.prefab"}, AutoShared: true, Compress: true},
			{Name: "Level", Assets: []string{"levels/one.scene"}, IncludeInPlayer: true, AutoShared: true},
		},
	}, graph{"a.prefab": {"x.mat"}, "b.prefab": {"x.mat"}})
	require.NoError(t, err)

	f := &fixture{clock: clock.NewMock(), local: origin.NewMemoryStore()}
	remote := origin.NewMemoryStore()
	require.NoError(t, publish.Write(context.Background(), out, remote, f.local, nil))

	cache, err := disk.NewLRUStore(disk.Config{Root: t.TempDir(), Clock: f.clock})
	require.NoError(t, err)

	base := []Option{
		WithClock(f.clock),
		WithLiveness(liveness),
		WithOrigins(f.local, remote),
		WithCache(cache),
		WithBuildTarget("linux"),
		WithSweepWindow(5 * time.Second),
		WithAutoReleaseTimeout(time.Second),
	}
	s, err := New(append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown() })
	f.s = s
	return f
}

func await[T any](t *testing.T, tk *task.Task[T]) T {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	v, code, err := tk.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, task.Success, code)
	return v
}

func (f *fixture) init(t *testing.T) {
	t.Helper()
	await(t, f.s.Init(context.Background()))
}

func (f *fixture) reloadState(name string) reload.State {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	return f.s.coord.State(name)
}

// settle ticks until no reload fetch is in flight for names.
func (f *fixture) settle(t *testing.T, names ...string) {
	t.Helper()
	require.Eventually(t, func() bool {
		f.s.Tick()
		for _, name := range names {
			if f.reloadState(name) == reload.Reloading {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)
}

func TestLoadBeforeInit(t *testing.T) {
	f := newFixture(t)
	assert.Panics(t, func() { _, _, _ = f.s.Load(nil, "A", "a.prefab") })

	lax := newFixture(t, WithStrictPreconditions(false))
	_, _, err := lax.s.Load(nil, "A", "a.prefab")
	assert.ErrorIs(t, err, ErrNotInitialized)
	var pe *PreconditionError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "load", pe.Op)
}

func TestInitLoadsLocalSet(t *testing.T) {
	f := newFixture(t)
	f.init(t)
	assert.True(t, f.s.Initialized())
	assert.ElementsMatch(t, []string{"A", "Level", shared}, f.s.BundleNames())

	b, ok := f.s.Bundle("A")
	require.True(t, ok)
	assert.True(t, b.IsLocal)
	assert.Equal(t, []string{"A", shared}, b.Dependencies)
}

func TestSharedDependencyCounting(t *testing.T) {
	f := newFixture(t)
	f.init(t)
	rep := await(t, f.s.Download(context.Background(), nil))
	assert.Contains(t, rep.Loaded, "B")
	b, ok := f.s.Bundle("B")
	require.True(t, ok)
	assert.False(t, b.IsLocal, "B is not shipped in the local package")

	ha, va, err := f.s.Load(&owner{name: "a"}, "A", "a.prefab")
	require.NoError(t, err)
	assert.Equal(t, []byte("content:a.prefab"), va)
	hb, _, err := f.s.Load(&owner{name: "b"}, "B", "b.prefab")
	require.NoError(t, err)

	assert.Equal(t, 2, f.s.RefCount(shared))
	require.NoError(t, f.s.Release(ha))
	assert.Equal(t, 0, f.s.RefCount("A"))
	assert.Equal(t, 1, f.s.RefCount(shared), "B still holds the shared bundle")
	require.NoError(t, f.s.Release(hb))
	assert.Equal(t, 0, f.s.RefCount(shared))
	assert.Zero(t, f.s.Tracked())
}

func TestLoadUnknownAsset(t *testing.T) {
	f := newFixture(t)
	f.init(t)
	h, v, err := f.s.Load(nil, "A", "nope")
	assert.ErrorIs(t, err, ErrAssetNotFound)
	assert.False(t, h.Valid())
	assert.Nil(t, v)
	_, _, err = f.s.Load(nil, "B", "b.prefab")
	assert.ErrorIs(t, err, ErrBundleNotLoaded)
	assert.Zero(t, f.s.RefCount("A"))
}

func TestReleaseInvalidHandle(t *testing.T) {
	f := newFixture(t)
	f.init(t)
	assert.Panics(t, func() { _ = f.s.Release(tracking.Handle(42)) })

	lax := newFixture(t, WithStrictPreconditions(false))
	lax.init(t)
	assert.ErrorIs(t, lax.s.Release(tracking.Handle(42)), tracking.ErrInvalidHandle)
	assert.ErrorIs(t, lax.s.ChangeOwner(tracking.Handle(42), nil), tracking.ErrInvalidHandle)
}

func TestHotSwapWhenUnreferenced(t *testing.T) {
	f := newFixture(t)
	f.init(t)
	before, _ := f.s.Bundle("A")

	h, _, err := f.s.Load(nil, "A", "a.prefab")
	require.NoError(t, err)
	require.NoError(t, f.s.Release(h))
	assert.Equal(t, reload.Idle, f.reloadState("A"), "release never starts a fetch inline")

	f.settle(t, "A", shared)
	after, _ := f.s.Bundle("A")
	assert.NotSame(t, before.Payload, after.Payload)
	assert.Greater(t, after.Generation, before.Generation)
	assert.False(t, before.Payload.(*pack.Payload).Loaded(), "old payload unloaded")
	v, ok := after.Payload.Asset("a.prefab")
	require.True(t, ok)
	assert.Equal(t, []byte("content:a.prefab"), v)
}

func TestDeferredHotSwap(t *testing.T) {
	f := newFixture(t)
	f.init(t)
	before, _ := f.s.Bundle("A")

	h, _, err := f.s.Load(nil, "A", "a.prefab")
	require.NoError(t, err)
	require.NoError(t, f.s.Release(h))
	f.s.Tick() // starts the reload
	require.Equal(t, reload.Reloading, f.reloadState("A"))

	// re-acquired while the fetch is in flight
	h, _, err = f.s.Load(nil, "A", "a.prefab")
	require.NoError(t, err)
	f.settle(t, "A", shared)

	require.Equal(t, reload.Deferred, f.reloadState("A"))
	mid, _ := f.s.Bundle("A")
	assert.Same(t, before.Payload, mid.Payload, "payload in use is never swapped")
	assert.True(t, before.Payload.(*pack.Payload).Loaded())

	require.NoError(t, f.s.Release(h))
	f.s.Tick()
	assert.Equal(t, reload.Idle, f.reloadState("A"))
	after, _ := f.s.Bundle("A")
	assert.NotSame(t, before.Payload, after.Payload)
	assert.False(t, before.Payload.(*pack.Payload).Loaded())
}

func TestRetakenBeforeTickDoesNotReload(t *testing.T) {
	f := newFixture(t)
	f.init(t)
	before, _ := f.s.Bundle("A")

	h, _, err := f.s.Load(nil, "A", "a.prefab")
	require.NoError(t, err)
	require.NoError(t, f.s.Release(h))
	h, _, err = f.s.Load(nil, "A", "a.prefab")
	require.NoError(t, err)

	f.s.Tick()
	assert.Equal(t, reload.Idle, f.reloadState("A"))
	assert.Equal(t, reload.Idle, f.reloadState(shared))
	after, _ := f.s.Bundle("A")
	assert.Same(t, before.Payload, after.Payload)

	require.NoError(t, f.s.Release(h))
	f.s.Tick()
	assert.Equal(t, reload.Reloading, f.reloadState("A"))
	f.settle(t, "A", shared)
}

func TestLoadAsyncAutoRelease(t *testing.T) {
	f := newFixture(t)
	f.init(t)

	dropped := f.s.LoadAsync("A", "a.prefab")
	kept := f.s.LoadAsync("A", "a.prefab")
	_, err := kept.Claim(nil)
	assert.ErrorIs(t, err, ErrNotReady)

	f.s.Tick()
	require.True(t, dropped.IsDone())
	require.True(t, kept.IsDone())
	assert.Equal(t, 2, f.s.RefCount("A"))

	o := &owner{name: "holder"}
	h, err := kept.Claim(o)
	require.NoError(t, err)
	assert.Equal(t, kept.Handle(), h)

	f.clock.Add(1500 * time.Millisecond)
	f.s.Tick()
	assert.Equal(t, 1, f.s.RefCount("A"))
	_, err = dropped.Claim(o)
	assert.ErrorIs(t, err, ErrRequestExpired)

	missing := f.s.LoadAsync("A", "nope")
	f.s.Tick()
	_, code, err := missing.Result()
	assert.Equal(t, task.NotFound, code)
	assert.ErrorIs(t, err, ErrAssetNotFound)
}

func TestOwnerSweepReclaims(t *testing.T) {
	f := newFixture(t)
	f.init(t)
	o := &owner{name: "enemy"}
	for i := 0; i < 5; i++ {
		_, _, err := f.s.Load(o, "A", "a.prefab")
		require.NoError(t, err)
	}
	explicit, _, err := f.s.Load(nil, "A", "a.prefab")
	require.NoError(t, err)
	assert.Equal(t, 6, f.s.RefCount(shared))

	o.dead = true
	f.clock.Add(10 * time.Second)
	f.s.Tick()
	assert.Equal(t, 1, f.s.RefCount("A"))
	assert.Equal(t, 1, f.s.Tracked())
	require.NoError(t, f.s.Release(explicit))
}

func TestSceneLifecycle(t *testing.T) {
	f := newFixture(t)
	f.init(t)
	scene := &owner{name: "level one"}

	_, err := f.s.SceneLoaded(scene, "levels/one.scene")
	require.NoError(t, err)
	_, _, err = f.s.Load(scene, "A", "a.prefab")
	require.NoError(t, err)
	assert.Equal(t, 1, f.s.RefCount("Level"))

	_, err = f.s.SceneLoaded(scene, "levels/two.scene")
	assert.ErrorIs(t, err, ErrSceneNotFound)

	assert.Equal(t, 2, f.s.SceneUnloaded(scene))
	assert.Zero(t, f.s.RefCount("Level"))
	assert.Zero(t, f.s.RefCount("A"))
}

func TestInstantiateAndOwnership(t *testing.T) {
	f := newFixture(t, WithInstantiator(InstantiatorFunc(func(asset any) (any, error) {
		raw, ok := asset.([]byte)
		if !ok {
			return nil, errors.New("not instantiable")
		}
		return fmt.Sprintf("instance of %s", raw), nil
	})))
	f.init(t)

	h, _, err := f.s.Load(&owner{}, "A", "a.prefab")
	require.NoError(t, err)
	ih, inst, err := f.s.Instantiate(&owner{}, h)
	require.NoError(t, err)
	assert.Equal(t, "instance of content:a.prefab", inst)
	assert.Equal(t, 2, f.s.RefCount(shared))

	explicit, err := f.s.TrackExplicit(h)
	require.NoError(t, err)
	moved, err := f.s.TrackWithOwner(ih, &owner{})
	require.NoError(t, err)
	assert.Equal(t, 4, f.s.RefCount("A"))

	require.NoError(t, f.s.ChangeOwner(h, nil))
	assert.Equal(t, 4, f.s.RefCount("A"))
	for _, hh := range []tracking.Handle{h, ih, explicit, moved} {
		require.NoError(t, f.s.Release(hh))
	}
	assert.Zero(t, f.s.RefCount("A"))
}

func TestContinuationsRunOnTick(t *testing.T) {
	f := newFixture(t)
	tk := f.s.Init(context.Background())
	await(t, tk)

	ran := false
	tk.Then(func(done *task.Task[download.Report]) { ran = done.Succeeded() })
	assert.False(t, ran, "continuations wait for Tick")
	f.s.Tick()
	assert.True(t, ran)
}

func TestDownloadBeforeInitReportsCode(t *testing.T) {
	f := newFixture(t)
	tk := f.s.Download(context.Background(), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, code, err := tk.Wait(ctx)
	require.NoError(t, ctx.Err())
	assert.Equal(t, task.NotInitialized, code)
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestMetricsWired(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)
	f := newFixture(t, WithMetrics(m))
	f.init(t)
	_, _, err = f.s.Load(nil, "A", "a.prefab")
	require.NoError(t, err)

	n, err := testutil.GatherAndCount(reg, "bundlekit_tracked_handles", "bundlekit_bundle_ref_count", "bundlekit_fetches_total")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 4)
}

func TestSceneUnloadedClearsRefCountGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)
	f := newFixture(t, WithMetrics(m))
	f.init(t)
	scene := &owner{name: "level one"}

	_, err = f.s.SceneLoaded(scene, "levels/one.scene")
	require.NoError(t, err)
	_, _, err = f.s.Load(scene, "A", "a.prefab")
	require.NoError(t, err)
	n, err := testutil.GatherAndCount(reg, "bundlekit_bundle_ref_count")
	require.NoError(t, err)
	assert.Equal(t, 3, n, "Level, A and the shared bundle")

	require.Equal(t, 2, f.s.SceneUnloaded(scene))
	n, err = testutil.GatherAndCount(reg, "bundlekit_bundle_ref_count")
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = testutil.GatherAndCount(reg, "bundlekit_tracked_handles")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestShutdown(t *testing.T) {
	f := newFixture(t)
	f.init(t)
	_, _, err := f.s.Load(nil, "A", "a.prefab")
	require.NoError(t, err)
	require.NoError(t, f.s.Shutdown())
	require.NoError(t, f.s.Shutdown())
	assert.Empty(t, f.s.BundleNames())
	assert.Zero(t, f.s.Tracked())
	assert.ErrorIs(t, f.s.Run(context.Background(), time.Millisecond), ErrClosed)
}

func TestSessionsAreIndependent(t *testing.T) {
	a := newFixture(t)
	b := newFixture(t)
	a.init(t)
	b.init(t)
	_, _, err := a.s.Load(nil, "A", "a.prefab")
	require.NoError(t, err)
	assert.Equal(t, 1, a.s.RefCount("A"))
	assert.Zero(t, b.s.RefCount("A"))
}

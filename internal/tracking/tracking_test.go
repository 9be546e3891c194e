package tracking

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type owner struct {
	name string
	dead bool
}

var liveness = LivenessFunc(func(o any) bool {
	ow, ok := o.(*owner)
	return ok && !ow.dead
})

func newTestTable(t *testing.T) (*Table, *clock.Mock, *[]string) {
	t.Helper()
	mock := clock.NewMock()
	var zeroed []string
	table := NewTable(nil, Options{
		Clock:              mock,
		Liveness:           liveness,
		SweepWindow:        5 * time.Second,
		AutoReleaseTimeout: time.Second,
		OnZero:             func(b string) { zeroed = append(zeroed, b) },
	})
	return table, mock, &zeroed
}

func TestTrackRelease_RestoresCounters(t *testing.T) {
	table, _, zeroed := newTestTable(t)
	ledger := table.Ledger()
	ledger.Retain([]string{"Shared_X"})
	before := ledger.Snapshot()

	h := table.Track(&owner{name: "o"}, "asset", "A", []string{"A", "Shared_X"}, false)
	require.True(t, h.Valid())
	assert.Equal(t, 1, ledger.Count("A"))
	assert.Equal(t, 2, ledger.Count("Shared_X"))

	require.NoError(t, table.Release(h))
	assert.Equal(t, before, ledger.Snapshot())
	assert.Equal(t, []string{"A"}, *zeroed)

	assert.ErrorIs(t, table.Release(h), ErrInvalidHandle)
	assert.Equal(t, before, ledger.Snapshot())
}

func TestTrack_AddsSelfWhenMissing(t *testing.T) {
	table, _, _ := newTestTable(t)
	h := table.Track(nil, "asset", "A", []string{"Shared_X"}, false)
	info, ok := table.Info(h)
	require.True(t, ok)
	assert.Equal(t, []string{"A", "Shared_X"}, info.Dependencies)
	assert.Equal(t, 1, table.Ledger().Count("A"))
}

func TestLedger_NeverNegative(t *testing.T) {
	ledger := NewLedger(nil)
	assert.Empty(t, ledger.Drop([]string{"A"}))
	assert.Equal(t, 0, ledger.Count("A"))

	ledger.Retain([]string{"A", "A"})
	assert.Empty(t, ledger.Drop([]string{"A"}))
	assert.Equal(t, []string{"A"}, ledger.Drop([]string{"A"}))
	assert.Empty(t, ledger.Drop([]string{"A"}))
	assert.Equal(t, 0, ledger.Count("A"))
}

func TestSharedDependencyStaysReferenced(t *testing.T) {
	table, _, zeroed := newTestTable(t)
	ledger := table.Ledger()

	ha := table.Track(nil, "a", "A", []string{"A", "Shared_X"}, false)
	hb := table.Track(nil, "b", "B", []string{"B", "Shared_X"}, false)
	assert.Equal(t, 2, ledger.Count("Shared_X"))

	require.NoError(t, table.Release(ha))
	assert.Equal(t, 1, ledger.Count("Shared_X"))
	assert.Equal(t, 0, ledger.Count("A"))
	assert.Equal(t, []string{"A"}, *zeroed)

	require.NoError(t, table.Release(hb))
	assert.ElementsMatch(t, []string{"A", "B", "Shared_X"}, *zeroed)
}

func TestChangeOwnerAndTrackWithOwner(t *testing.T) {
	table, _, _ := newTestTable(t)
	first := &owner{name: "first"}
	second := &owner{name: "second"}

	h := table.Track(first, "tex", "A", []string{"A"}, false)
	require.NoError(t, table.ChangeOwner(h, second))
	assert.Equal(t, 1, table.Ledger().Count("A"))
	info, _ := table.Info(h)
	assert.Same(t, second, info.Owner)

	extra, err := table.TrackWithOwner(h, first)
	require.NoError(t, err)
	assert.Equal(t, 2, table.Ledger().Count("A"))
	extraInfo, _ := table.Info(extra)
	assert.Equal(t, "tex", extraInfo.Asset)
	assert.Equal(t, "A", extraInfo.Bundle)

	explicit, err := table.TrackExplicit(h)
	require.NoError(t, err)
	explicitInfo, _ := table.Info(explicit)
	assert.Nil(t, explicitInfo.Owner)
	assert.Equal(t, 3, table.Ledger().Count("A"))

	_, err = table.TrackWithOwner(Handle(999), first)
	assert.ErrorIs(t, err, ErrInvalidHandle)
	assert.ErrorIs(t, table.ChangeOwner(Handle(999), first), ErrInvalidHandle)
}

func TestTrackInstance(t *testing.T) {
	table, _, _ := newTestTable(t)
	h := table.Track(nil, "prefab", "A", []string{"A", "S"}, false)
	inst, err := table.TrackInstance(h, &owner{}, "clone")
	require.NoError(t, err)
	info, _ := table.Info(inst)
	assert.True(t, info.Instance)
	assert.Equal(t, "clone", info.Asset)
	assert.Equal(t, 2, table.Ledger().Count("S"))
}

func TestSweep_CoversTableWithinWindow(t *testing.T) {
	table, mock, zeroed := newTestTable(t)
	owners := make([]*owner, 0, 50)
	for i := 0; i < 50; i++ {
		o := &owner{}
		owners = append(owners, o)
		table.Track(o, i, "A", nil, false)
	}
	explicit := table.Track(nil, "kept", "A", nil, false)
	for _, o := range owners {
		o.dead = true
	}

	// Ticking at 100ms should cover the table within the 5s window.
	total := 0
	for elapsed := time.Duration(0); elapsed < 5*time.Second; elapsed += 100 * time.Millisecond {
		mock.Add(100 * time.Millisecond)
		n := table.Sweep()
		assert.LessOrEqual(t, n, 2, "sweep should be amortized")
		total += n
	}
	assert.Equal(t, 50, total)
	assert.Equal(t, 1, table.Len())
	_, ok := table.Info(explicit)
	assert.True(t, ok)
	assert.Empty(t, *zeroed)
	assert.Equal(t, 1, table.Ledger().Count("A"))
}

func TestSweep_LongPauseVisitsEverything(t *testing.T) {
	table, mock, zeroed := newTestTable(t)
	o := &owner{}
	for i := 0; i < 10; i++ {
		table.Track(o, i, "A", []string{"A", "S"}, false)
	}
	o.dead = true
	mock.Add(time.Minute)
	assert.Equal(t, 10, table.Sweep())
	assert.ElementsMatch(t, []string{"A", "S"}, *zeroed)
}

func TestSweepBudget(t *testing.T) {
	assert.Equal(t, 1, sweepBudget(100, 0, 5*time.Second))
	assert.Equal(t, 2, sweepBudget(100, 100*time.Millisecond, 5*time.Second))
	assert.Equal(t, 1, sweepBudget(3, time.Millisecond, 5*time.Second))
	assert.Equal(t, 100, sweepBudget(100, 10*time.Second, 5*time.Second))
}

func TestPendingAutoRelease(t *testing.T) {
	table, mock, zeroed := newTestTable(t)

	unclaimed := table.Track(nil, "a", "A", nil, false)
	claimed := table.Track(nil, "b", "B", nil, false)
	require.NoError(t, table.MarkPending(unclaimed))
	require.NoError(t, table.MarkPending(claimed))
	assert.True(t, table.IsPending(unclaimed))

	mock.Add(500 * time.Millisecond)
	assert.True(t, table.ClaimPending(claimed))
	assert.False(t, table.ClaimPending(claimed))
	assert.Zero(t, table.SweepPending())

	mock.Add(600 * time.Millisecond)
	assert.Equal(t, 1, table.SweepPending())
	_, ok := table.Info(unclaimed)
	assert.False(t, ok)
	_, ok = table.Info(claimed)
	assert.True(t, ok)
	assert.Equal(t, []string{"A"}, *zeroed)

	assert.ErrorIs(t, table.MarkPending(unclaimed), ErrInvalidHandle)
}

func TestPendingReleasedExplicitlyIsSkipped(t *testing.T) {
	table, mock, zeroed := newTestTable(t)
	h := table.Track(nil, "a", "A", nil, false)
	require.NoError(t, table.MarkPending(h))
	require.NoError(t, table.Release(h))
	mock.Add(2 * time.Second)
	assert.Zero(t, table.SweepPending())
	assert.Equal(t, []string{"A"}, *zeroed)
}

func TestReleaseOwner(t *testing.T) {
	table, _, _ := newTestTable(t)
	scene := &owner{name: "scene"}
	table.Track(scene, "s1", "Level", nil, false)
	table.Track(scene, "s2", "Level", nil, false)
	other := table.Track(&owner{}, "x", "Level", nil, false)

	owned := table.Owned(scene)
	require.Len(t, owned, 2)
	assert.Equal(t, "s1", owned[0].Asset)
	assert.Equal(t, []string{"Level"}, owned[1].Dependencies)
	assert.Empty(t, table.Owned(nil))

	assert.Equal(t, 2, table.ReleaseOwner(scene))
	assert.Empty(t, table.Owned(scene))
	assert.Equal(t, 1, table.Ledger().Count("Level"))
	_, ok := table.Info(other)
	assert.True(t, ok)
	assert.Zero(t, table.ReleaseOwner(nil))
}

package pool_test

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wippyai/wasm-sandbox/artifact"
	"github.com/wippyai/wasm-sandbox/engine"
	"github.com/wippyai/wasm-sandbox/engine/wazeroengine"
	"github.com/wippyai/wasm-sandbox/errors"
	"github.com/wippyai/wasm-sandbox/host"
	"github.com/wippyai/wasm-sandbox/internal/wasmtest"
	"github.com/wippyai/wasm-sandbox/pool"
)

type fixture struct {
	t     *testing.T
	cache *artifact.Cache
	pool  *pool.Pool
}

func newFixture(t *testing.T, cfg pool.Config) *fixture {
	t.Helper()
	a, err := wazeroengine.New(wazeroengine.Config{})
	require.NoError(t, err)
	return newFixtureWith(t, a, cfg)
}

func newFixtureWith(t *testing.T, a engine.Adapter, cfg pool.Config) *fixture {
	t.Helper()
	ctx := context.Background()
	reg := host.NewRegistry()
	cache := artifact.NewCache(a)
	p := pool.New(cache, func(info *engine.Info) (engine.Bindings, error) {
		return reg.Resolve(info.Imports)
	}, cfg)
	t.Cleanup(func() {
		assert.NoError(t, p.Close(ctx))
		assert.NoError(t, cache.Close(ctx))
		assert.NoError(t, a.Close(ctx))
	})
	return &fixture{t: t, cache: cache, pool: p}
}

func (f *fixture) compile(code []byte) artifact.Identity {
	f.t.Helper()
	id, err := f.cache.Compile(context.Background(), code, engine.CompileConfig{})
	require.NoError(f.t, err)
	return id
}

func (f *fixture) acquire(id artifact.Identity) *pool.Handle {
	f.t.Helper()
	h, err := f.pool.Acquire(context.Background(), id, 0)
	require.NoError(f.t, err)
	require.Equal(f.t, pool.StateActive, h.State())
	return h
}

func (f *fixture) release(h *pool.Handle, callErr error) {
	f.t.Helper()
	require.NoError(f.t, f.pool.Release(context.Background(), h, callErr))
}

func invoke(t *testing.T, h *pool.Handle, fn string, args ...uint64) ([]uint64, error) {
	t.Helper()
	return h.Instance().Invoke(context.Background(), fn, args)
}

func TestDeterministicUnderReuse(t *testing.T) {
	tests := []struct {
		policy pool.Policy
		reused bool
	}{
		{pool.PolicyRecreate, false},
		{pool.PolicyReset, true},
		{pool.PolicyPool, true},
	}
	for _, tc := range tests {
		t.Run(string(tc.policy), func(t *testing.T) {
			f := newFixture(t, pool.Config{Policy: tc.policy, Capacity: 4})
			id := f.compile(wasmtest.Counter())

			for i := 0; i < 5; i++ {
				h := f.acquire(id)
				assert.Equal(t, tc.reused && i > 0, h.Reused(), "call %d", i)

				out, err := invoke(t, h, "incr")
				require.NoError(t, err)
				assert.Equal(t, []uint64{1}, out, "call %d observed state of an earlier call", i)
				f.release(h, err)
			}
		})
	}
}

func TestDroppedSegmentRecreates(t *testing.T) {
	for _, policy := range []pool.Policy{pool.PolicyRecreate, pool.PolicyReset, pool.PolicyPool} {
		t.Run(string(policy), func(t *testing.T) {
			f := newFixture(t, pool.Config{Policy: policy, Capacity: 4})
			id := f.compile(wasmtest.Segments())

			for i := 0; i < 3; i++ {
				h := f.acquire(id)
				assert.False(t, h.Reused(), "call %d", i)

				out, err := invoke(t, h, "f")
				require.NoError(t, err, "call %d", i)
				assert.Equal(t, []uint64{0x04030201}, out, "call %d", i)
				f.release(h, err)
				assert.Equal(t, pool.StateDiscarded, h.State())
			}
			assert.Equal(t, 0, f.pool.Stats().Live)
		})
	}
}

func TestTrapDiscardsInstance(t *testing.T) {
	f := newFixture(t, pool.Config{Policy: pool.PolicyPool, Capacity: 4})
	id := f.compile(wasmtest.Store())

	h := f.acquire(id)
	_, err := invoke(t, h, "store", 65536, 1)
	require.Error(t, err)
	assert.Equal(t, errors.CauseOutOfBounds, errors.CauseOf(err))
	f.release(h, err)

	assert.Equal(t, pool.StateDiscarded, h.State())
	assert.Equal(t, 0, f.pool.Stats().Live)

	next := f.acquire(id)
	assert.False(t, next.Reused())
	f.release(next, nil)
}

func TestNonTrapErrorKeepsInstance(t *testing.T) {
	f := newFixture(t, pool.Config{Policy: pool.PolicyPool, Capacity: 4})
	id := f.compile(wasmtest.Add())

	h := f.acquire(id)
	_, err := invoke(t, h, "add", 1)
	require.Error(t, err)
	f.release(h, err)

	assert.Equal(t, pool.StateIdle, h.State())
	assert.Equal(t, 1, f.pool.Stats().Idle)
}

func TestResetFailureDiscards(t *testing.T) {
	f := newFixture(t, pool.Config{Policy: pool.PolicyPool, Capacity: 4})
	id := f.compile(wasmtest.Grow(1, 0))

	h := f.acquire(id)
	out, err := invoke(t, h, "grow", 1)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, out)
	f.release(h, nil)

	assert.Equal(t, pool.StateDiscarded, h.State())
	assert.Equal(t, 0, f.pool.Stats().Live)
}

func TestCheckedOutNeverEvicted(t *testing.T) {
	f := newFixture(t, pool.Config{Policy: pool.PolicyPool, Capacity: 1})
	a := f.compile(wasmtest.Add())
	b := f.compile(wasmtest.Counter())

	ha := f.acquire(a)
	hb := f.acquire(b)
	assert.Equal(t, 2, f.pool.Stats().Live, "capacity is exceeded rather than evicting checked-out instances")

	out, err := invoke(t, ha, "add", 2, 3)
	require.NoError(t, err)
	assert.Equal(t, []uint64{5}, out)

	f.release(ha, nil)
	assert.Equal(t, pool.StateDiscarded, ha.State(), "idle instance over capacity is evicted")

	out, err = invoke(t, hb, "incr")
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, out)
	f.release(hb, nil)

	s := f.pool.Stats()
	assert.Equal(t, 1, s.Live)
	assert.Equal(t, 1, s.Idle)
}

func TestLeastRecentlyUsedEviction(t *testing.T) {
	f := newFixture(t, pool.Config{Policy: pool.PolicyPool, Capacity: 2})
	a := f.compile(wasmtest.Add())
	b := f.compile(wasmtest.Counter())
	c := f.compile(wasmtest.Store())

	f.release(f.acquire(a), nil)
	f.release(f.acquire(b), nil)
	f.release(f.acquire(c), nil)

	var ids []artifact.Identity
	for _, g := range f.pool.Stats().Groups {
		ids = append(ids, g.Identity)
	}
	assert.ElementsMatch(t, []artifact.Identity{b, c}, ids)
}

func TestCostFunc(t *testing.T) {
	var a artifact.Identity
	f := newFixture(t, pool.Config{
		Policy:   pool.PolicyPool,
		Capacity: 2,
		Cost: func(g pool.GroupStats) float64 {
			if g.Identity == a {
				return 10
			}
			return 0
		},
	})
	a = f.compile(wasmtest.Add())
	b := f.compile(wasmtest.Counter())
	c := f.compile(wasmtest.Store())

	f.release(f.acquire(a), nil)
	f.release(f.acquire(b), nil)
	f.release(f.acquire(c), nil)

	var ids []artifact.Identity
	for _, g := range f.pool.Stats().Groups {
		ids = append(ids, g.Identity)
	}
	assert.Contains(t, ids, a, "expensive identity kept")
	assert.Len(t, ids, 2)
}

func TestIdleBounds(t *testing.T) {
	tests := []struct {
		name string
		cfg  pool.Config
		idle int
	}{
		{"pool", pool.Config{Policy: pool.PolicyPool, Capacity: 8, MaxIdlePerIdentity: 2}, 2},
		{"pool defaults to capacity", pool.Config{Policy: pool.PolicyPool, Capacity: 8}, 3},
		{"reset", pool.Config{Policy: pool.PolicyReset, Capacity: 8}, 1},
		{"recreate", pool.Config{Policy: pool.PolicyRecreate, Capacity: 8}, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, tc.cfg)
			id := f.compile(wasmtest.Add())

			hs := []*pool.Handle{f.acquire(id), f.acquire(id), f.acquire(id)}
			assert.Equal(t, 3, f.pool.Stats().Active)
			for _, h := range hs {
				f.release(h, nil)
			}

			s := f.pool.Stats()
			assert.Equal(t, tc.idle, s.Idle)
			assert.Equal(t, tc.idle, s.Live)
			assert.Zero(t, s.Active)
		})
	}
}

func TestResetNoneFallsBackToRecreate(t *testing.T) {
	a, err := wazeroengine.New(wazeroengine.Config{})
	require.NoError(t, err)
	f := newFixtureWith(t, noReset{a}, pool.Config{Policy: pool.PolicyPool})
	assert.Equal(t, pool.PolicyRecreate, f.pool.Policy())

	id := f.compile(wasmtest.Add())
	h := f.acquire(id)
	f.release(h, nil)
	assert.Equal(t, 0, f.pool.Stats().Live)
}

type noReset struct{ engine.Adapter }

func (noReset) ResetStrategy() engine.ResetStrategy { return engine.ResetNone }

func TestDoubleRelease(t *testing.T) {
	f := newFixture(t, pool.Config{Policy: pool.PolicyPool})
	h := f.acquire(f.compile(wasmtest.Add()))
	f.release(h, nil)

	err := f.pool.Release(context.Background(), h, nil)
	assert.Error(t, err)
	assert.Error(t, f.pool.Release(context.Background(), nil, nil))
}

func TestAcquireFailures(t *testing.T) {
	f := newFixture(t, pool.Config{Policy: pool.PolicyPool})

	id := f.compile(wasmtest.ImportsFunc("env", "missing"))
	_, err := f.pool.Acquire(context.Background(), id, 0)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrUnresolvedImport), "got %v", err)

	var e *errors.Error
	require.True(t, stderrors.As(err, &e))
	assert.Equal(t, id.String(), e.Identity)

	_, err = f.pool.Acquire(context.Background(), artifact.NewIdentity([]byte("unknown"), "interpreter", engine.CompileConfig{}), 0)
	assert.True(t, stderrors.Is(err, errors.ErrNotFound))

	s := f.pool.Stats()
	assert.Zero(t, s.Live)
	assert.Empty(t, s.Groups)
	assert.Zero(t, f.cache.Refs(id))
}

func TestHeapPagesGroups(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, pool.Config{Policy: pool.PolicyPool})
	id, err := f.cache.Compile(ctx, wasmtest.Grow(1, 0), engine.CompileConfig{HeapPages: 4})
	require.NoError(t, err)

	small, err := f.pool.Acquire(ctx, id, 1)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), small.Instance().Memory().Ceiling())
	f.release(small, nil)

	large, err := f.pool.Acquire(ctx, id, 0)
	require.NoError(t, err)
	assert.False(t, large.Reused(), "instances are not shared across heap sizes")
	assert.Equal(t, uint32(4), large.Instance().Memory().Ceiling())
	f.release(large, nil)

	assert.Len(t, f.pool.Stats().Groups, 2)
}

func TestPurge(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, pool.Config{Policy: pool.PolicyPool})
	id := f.compile(wasmtest.Add())

	h := f.acquire(id)
	assert.True(t, f.pool.InUse(id))
	_, err := f.pool.Purge(ctx, id)
	assert.Error(t, err)
	assert.Equal(t, pool.StateActive, h.State())

	f.release(h, nil)
	assert.False(t, f.pool.InUse(id))
	n, err := f.pool.Purge(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, f.cache.Refs(id))
}

func TestClose(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, pool.Config{Policy: pool.PolicyPool})
	id := f.compile(wasmtest.Add())

	idle := f.acquire(id)
	busy := f.acquire(id)
	f.release(idle, nil)

	require.NoError(t, f.pool.Close(ctx))
	assert.Equal(t, pool.StateDiscarded, idle.State())

	_, err := f.pool.Acquire(ctx, id, 0)
	assert.True(t, stderrors.Is(err, errors.ErrClosed))

	f.release(busy, nil)
	assert.Equal(t, pool.StateDiscarded, busy.State())
	assert.Zero(t, f.pool.Stats().Live)
}

func TestParsePolicy(t *testing.T) {
	for in, want := range map[string]pool.Policy{
		"recreate": pool.PolicyRecreate,
		" Reset ":  pool.PolicyReset,
		"POOL":     pool.PolicyPool,
	} {
		got, err := pool.ParsePolicy(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := pool.ParsePolicy("sometimes")
	assert.Error(t, err)
}

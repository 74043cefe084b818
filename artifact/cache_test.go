package artifact_test

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wippyai/wasm-sandbox/artifact"
	"github.com/wippyai/wasm-sandbox/engine"
	"github.com/wippyai/wasm-sandbox/engine/wazeroengine"
	"github.com/wippyai/wasm-sandbox/errors"
	"github.com/wippyai/wasm-sandbox/internal/wasmtest"
)

// countingAdapter counts compilations and closes of the artifacts it returns.
type countingAdapter struct {
	engine.Adapter
	compiles atomic.Int32
	closes   atomic.Int32
}

func (a *countingAdapter) Compile(ctx context.Context, code []byte, cfg engine.CompileConfig) (engine.Artifact, error) {
	a.compiles.Add(1)
	art, err := a.Adapter.Compile(ctx, code, cfg)
	if err != nil {
		return nil, err
	}
	return &countingArtifact{Artifact: art, closes: &a.closes}, nil
}

type countingArtifact struct {
	engine.Artifact
	closes *atomic.Int32
}

func (a *countingArtifact) Close(ctx context.Context) error {
	a.closes.Add(1)
	return a.Artifact.Close(ctx)
}

// serialAdapter persists the bytecode itself as its serialized form.
type serialAdapter struct {
	countingAdapter
	loads atomic.Int32
}

func (a *serialAdapter) Serialize(art engine.Artifact) ([]byte, error) {
	return []byte("compiled"), nil
}

func (a *serialAdapter) Deserialize(ctx context.Context, code, blob []byte, cfg engine.CompileConfig) (engine.Artifact, error) {
	if string(blob) != "compiled" {
		return nil, stderrors.New("corrupt blob")
	}
	a.loads.Add(1)
	return a.Adapter.Compile(ctx, code, cfg)
}

func newInterpreter(t *testing.T) engine.Adapter {
	t.Helper()
	a, err := wazeroengine.New(wazeroengine.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	return a
}

func newCounting(t *testing.T) *countingAdapter {
	return &countingAdapter{Adapter: newInterpreter(t)}
}

func newSerial(t *testing.T) *serialAdapter {
	a := &serialAdapter{}
	a.Adapter = newInterpreter(t)
	return a
}

func TestCacheCompileOnce(t *testing.T) {
	ctx := context.Background()
	a := newCounting(t)
	c := artifact.NewCache(a)
	defer c.Close(ctx)

	var wg sync.WaitGroup
	ids := make([]artifact.Identity, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := c.Compile(ctx, wasmtest.Add(), engine.CompileConfig{})
			assert.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, int32(1), a.compiles.Load())
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, []artifact.Identity{ids[0]}, c.Identities())

	art, ok := c.Get(ids[0])
	require.True(t, ok)
	assert.Equal(t, wazeroengine.Interpreter, art.Engine())
}

func TestCacheRemembersCompileFailure(t *testing.T) {
	ctx := context.Background()
	a := newCounting(t)
	c := artifact.NewCache(a)
	defer c.Close(ctx)

	id, err := c.Compile(ctx, wasmtest.Garbage(), engine.CompileConfig{})
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrCompile))

	var e *errors.Error
	require.True(t, stderrors.As(err, &e))
	assert.Equal(t, id.String(), e.Identity)

	_, err = c.Compile(ctx, wasmtest.Garbage(), engine.CompileConfig{})
	assert.True(t, stderrors.Is(err, errors.ErrCompile))
	assert.Equal(t, int32(1), a.compiles.Load())
	assert.Error(t, c.Failure(id))

	_, err = c.Retain(id)
	assert.True(t, stderrors.Is(err, errors.ErrCompile))
}

func TestCacheRefCounting(t *testing.T) {
	ctx := context.Background()
	a := newCounting(t)
	c := artifact.NewCache(a)
	defer c.Close(ctx)

	id, err := c.Compile(ctx, wasmtest.Add(), engine.CompileConfig{})
	require.NoError(t, err)

	first, err := c.Retain(id)
	require.NoError(t, err)
	second, err := c.Retain(id)
	require.NoError(t, err)
	assert.Equal(t, 2, c.Refs(id))

	evicted, err := c.Evict(ctx, id)
	require.NoError(t, err)
	assert.True(t, evicted)
	assert.Zero(t, a.closes.Load(), "referenced artifact closed on evict")

	_, err = c.Retain(id)
	assert.True(t, stderrors.Is(err, errors.ErrNotFound))

	require.NoError(t, c.Release(ctx, id, first))
	assert.Zero(t, a.closes.Load())
	require.NoError(t, c.Release(ctx, id, second))
	assert.Equal(t, int32(1), a.closes.Load())

	evicted, err = c.Evict(ctx, id)
	require.NoError(t, err)
	assert.False(t, evicted)
}

func TestCacheEvictUnreferenced(t *testing.T) {
	ctx := context.Background()
	a := newCounting(t)
	c := artifact.NewCache(a)
	defer c.Close(ctx)

	id, err := c.Compile(ctx, wasmtest.Add(), engine.CompileConfig{})
	require.NoError(t, err)

	art, err := c.Retain(id)
	require.NoError(t, err)
	require.NoError(t, c.Release(ctx, id, art))

	_, err = c.Evict(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int32(1), a.closes.Load())

	_, err = c.Compile(ctx, wasmtest.Add(), engine.CompileConfig{})
	require.NoError(t, err)
	assert.Equal(t, int32(2), a.compiles.Load())
}

func TestCacheClose(t *testing.T) {
	ctx := context.Background()
	a := newCounting(t)
	c := artifact.NewCache(a)

	_, err := c.Compile(ctx, wasmtest.Add(), engine.CompileConfig{})
	require.NoError(t, err)
	id, err := c.Compile(ctx, wasmtest.Counter(), engine.CompileConfig{})
	require.NoError(t, err)
	_, err = c.Retain(id)
	require.NoError(t, err)

	require.NoError(t, c.Close(ctx))
	assert.Equal(t, int32(2), a.closes.Load())
	require.NoError(t, c.Close(ctx))

	_, err = c.Compile(ctx, wasmtest.Add(), engine.CompileConfig{})
	assert.True(t, stderrors.Is(err, errors.ErrClosed))
}

func TestCacheStore(t *testing.T) {
	ctx := context.Background()
	store := artifact.NewMemStore()

	a := newSerial(t)
	c := artifact.NewCache(a, artifact.WithStore(store))
	id, err := c.Compile(ctx, wasmtest.Add(), engine.CompileConfig{})
	require.NoError(t, err)
	require.NoError(t, c.Close(ctx))

	blob, ok, err := store.Load(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "compiled", string(blob))

	b := newSerial(t)
	c = artifact.NewCache(b, artifact.WithStore(store))
	defer c.Close(ctx)
	again, err := c.Compile(ctx, wasmtest.Add(), engine.CompileConfig{})
	require.NoError(t, err)
	assert.Equal(t, id, again)
	assert.Zero(t, b.compiles.Load())
	assert.Equal(t, int32(1), b.loads.Load())

	// an unusable blob falls back to compiling
	require.NoError(t, store.Save(ctx, id, []byte("garbage")))
	d := newSerial(t)
	c2 := artifact.NewCache(d, artifact.WithStore(store))
	defer c2.Close(ctx)
	_, err = c2.Compile(ctx, wasmtest.Add(), engine.CompileConfig{})
	require.NoError(t, err)
	assert.Equal(t, int32(1), d.compiles.Load())
}

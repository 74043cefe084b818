package wazeroengine_test

import (
	"context"
	stderrors "errors"
	goruntime "runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wippyai/wasm-sandbox/engine"
	"github.com/wippyai/wasm-sandbox/engine/enginetest"
	"github.com/wippyai/wasm-sandbox/engine/wazeroengine"
	"github.com/wippyai/wasm-sandbox/errors"
	"github.com/wippyai/wasm-sandbox/host"
	"github.com/wippyai/wasm-sandbox/internal/wasmtest"
)

func configs(t *testing.T) map[string]wazeroengine.Config {
	t.Helper()
	cfgs := map[string]wazeroengine.Config{
		"interpreter": {},
	}
	if wazeroengine.CompilerSupported() {
		cfgs["compiler"] = wazeroengine.Config{Compiler: true}
		cfgs["compiler-snapshot"] = wazeroengine.Config{Compiler: true, DisableCopyOnWrite: true}
	}
	return cfgs
}

func newAdapter(t *testing.T, cfg wazeroengine.Config) *wazeroengine.Adapter {
	t.Helper()
	a, err := wazeroengine.New(cfg)
	require.NoError(t, err)
	return a
}

func TestConformance(t *testing.T) {
	for name, cfg := range configs(t) {
		t.Run(name, func(t *testing.T) {
			enginetest.Run(t, func(t *testing.T) engine.Adapter {
				return newAdapter(t, cfg)
			})
		})
	}
}

func TestRegistered(t *testing.T) {
	names := engine.Names()
	assert.Contains(t, names, wazeroengine.Interpreter)
	assert.Contains(t, names, wazeroengine.Compiler)

	a, err := engine.New("Interpreter", engine.Options{})
	require.NoError(t, err)
	defer a.Close(context.Background())
	assert.Equal(t, wazeroengine.Interpreter, a.Name())
	assert.Equal(t, engine.ResetSnapshot, a.ResetStrategy())

	if !wazeroengine.CompilerSupported() {
		return
	}
	b, err := engine.New("engine-a", engine.Options{CacheDir: t.TempDir()})
	require.NoError(t, err)
	defer b.Close(context.Background())
	assert.Equal(t, wazeroengine.Compiler, b.Name())
}

func TestForeignArtifact(t *testing.T) {
	ctx := context.Background()
	a := newAdapter(t, wazeroengine.Config{})
	defer a.Close(ctx)
	b := newAdapter(t, wazeroengine.Config{})
	defer b.Close(ctx)

	art, err := a.Compile(ctx, wasmtest.Add(), engine.CompileConfig{})
	require.NoError(t, err)
	defer art.Close(ctx)

	_, err = b.Instantiate(ctx, art, 0, nil)
	assert.True(t, stderrors.Is(err, errors.ErrInstantiation), "got %v", err)
}

func TestDeterministicAcrossResets(t *testing.T) {
	ctx := context.Background()
	for name, cfg := range configs(t) {
		t.Run(name, func(t *testing.T) {
			a := newAdapter(t, cfg)
			defer a.Close(ctx)

			art, err := a.Compile(ctx, wasmtest.Counter(), engine.CompileConfig{})
			require.NoError(t, err)
			defer art.Close(ctx)

			inst, err := a.Instantiate(ctx, art, 0, nil)
			require.NoError(t, err)
			defer inst.Close(ctx)

			for round := 0; round < 5; round++ {
				for want := uint64(1); want <= 3; want++ {
					out, err := inst.Invoke(ctx, "incr", nil)
					require.NoError(t, err)
					assert.Equal(t, []uint64{want}, out, "round %d", round)
				}
				require.NoError(t, inst.Reset(ctx))
			}
		})
	}
}

func TestCopyOnWrite(t *testing.T) {
	if goruntime.GOOS != "linux" || !wazeroengine.CompilerSupported() {
		t.Skip("copy-on-write memory needs the compiler on linux")
	}
	ctx := context.Background()
	a := newAdapter(t, wazeroengine.Config{Compiler: true})
	defer a.Close(ctx)
	require.Equal(t, engine.ResetCopyOnWrite, a.ResetStrategy())

	art, err := a.Compile(ctx, wasmtest.Data(64, []byte("baseline")), engine.CompileConfig{HeapPages: 4})
	require.NoError(t, err)
	defer art.Close(ctx)

	first, err := a.Instantiate(ctx, art, 0, nil)
	require.NoError(t, err)
	defer first.Close(ctx)
	second, err := a.Instantiate(ctx, art, 2, nil)
	require.NoError(t, err)
	defer second.Close(ctx)

	assert.Equal(t, engine.ResetCopyOnWrite, first.Strategy())
	assert.Equal(t, uint32(2), second.Memory().Ceiling())

	require.NoError(t, first.Memory().Write(64, []byte("modified")))

	got, err := second.Memory().Read(64, 8)
	require.NoError(t, err)
	assert.Equal(t, []byte("baseline"), got, "writes leaked between instances")

	require.NoError(t, first.Reset(ctx))
	got, err = first.Memory().Read(64, 8)
	require.NoError(t, err)
	assert.Equal(t, []byte("baseline"), got)
}

func TestStartFunctionFallsBackToSnapshot(t *testing.T) {
	if !wazeroengine.CompilerSupported() {
		t.Skip("compiler not supported")
	}
	ctx := context.Background()
	a := newAdapter(t, wazeroengine.Config{Compiler: true})
	defer a.Close(ctx)

	art, err := a.Compile(ctx, wasmtest.Start(), engine.CompileConfig{})
	require.NoError(t, err)
	defer art.Close(ctx)

	inst, err := a.Instantiate(ctx, art, 0, nil)
	require.NoError(t, err)
	defer inst.Close(ctx)
	assert.Equal(t, engine.ResetSnapshot, inst.Strategy())
}

func TestNoMemory(t *testing.T) {
	ctx := context.Background()
	a := newAdapter(t, wazeroengine.Config{})
	defer a.Close(ctx)

	art, err := a.Compile(ctx, wasmtest.NoMemory(), engine.CompileConfig{})
	require.NoError(t, err)
	defer art.Close(ctx)

	inst, err := a.Instantiate(ctx, art, 0, nil)
	require.NoError(t, err)
	defer inst.Close(ctx)

	assert.Nil(t, inst.Memory())
	out, err := inst.Invoke(ctx, "add", []uint64{2, 3})
	require.NoError(t, err)
	assert.Equal(t, []uint64{5}, out)
	assert.NoError(t, inst.Reset(ctx))
}

func TestSharedHostModules(t *testing.T) {
	ctx := context.Background()
	a := newAdapter(t, wazeroengine.Config{})
	defer a.Close(ctx)

	art, err := a.Compile(ctx, wasmtest.HostCall(), engine.CompileConfig{})
	require.NoError(t, err)
	defer art.Close(ctx)

	instantiate := func(delta int32) engine.Instance {
		reg := host.NewRegistry()
		require.NoError(t, reg.RegisterFunc("env", "add_one", func(x int32) int32 { return x + delta }))
		b, err := reg.Resolve(art.Info().Imports)
		require.NoError(t, err)
		inst, err := a.Instantiate(ctx, art, 0, b)
		require.NoError(t, err)
		return inst
	}

	one := instantiate(1)
	defer one.Close(ctx)
	ten := instantiate(10)
	defer ten.Close(ctx)

	out, err := one.Invoke(ctx, "call", []uint64{5})
	require.NoError(t, err)
	assert.Equal(t, []uint64{6}, out)

	out, err = ten.Invoke(ctx, "call", []uint64{5})
	require.NoError(t, err)
	assert.Equal(t, []uint64{15}, out)
}

func TestClosedInstance(t *testing.T) {
	ctx := context.Background()
	a := newAdapter(t, wazeroengine.Config{})
	defer a.Close(ctx)

	art, err := a.Compile(ctx, wasmtest.Add(), engine.CompileConfig{})
	require.NoError(t, err)
	defer art.Close(ctx)

	inst, err := a.Instantiate(ctx, art, 0, nil)
	require.NoError(t, err)
	require.NoError(t, inst.Close(ctx))
	require.NoError(t, inst.Close(ctx))

	_, err = inst.Invoke(ctx, "add", []uint64{1, 2})
	assert.True(t, stderrors.Is(err, errors.ErrClosed))
	assert.True(t, stderrors.Is(inst.Reset(ctx), errors.ErrClosed))
}

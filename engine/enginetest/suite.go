// Package enginetest is a conformance suite every engine adapter must pass.
package enginetest

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wippyai/wasm-sandbox/engine"
	"github.com/wippyai/wasm-sandbox/errors"
	"github.com/wippyai/wasm-sandbox/host"
	"github.com/wippyai/wasm-sandbox/internal/wasmtest"
	"github.com/wippyai/wasm-sandbox/memory"
)

// Run executes the suite against adapters returned by newAdapter. The suite
// closes every adapter it creates.
func Run(t *testing.T, newAdapter func(t *testing.T) engine.Adapter) {
	t.Helper()

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := newAdapter(t)
			t.Cleanup(func() { _ = a.Close(context.Background()) })
			tc.run(t, &harness{t: t, a: a})
		})
	}
}

type harness struct {
	t *testing.T
	a engine.Adapter
}

func (h *harness) compile(code []byte, cfg engine.CompileConfig) engine.Artifact {
	h.t.Helper()
	art, err := h.a.Compile(context.Background(), code, cfg)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { _ = art.Close(context.Background()) })
	return art
}

func (h *harness) instantiate(art engine.Artifact, heapPages uint32, reg *host.Registry) engine.Instance {
	h.t.Helper()
	if reg == nil {
		reg = host.NewRegistry()
	}
	b, err := reg.Resolve(art.Info().Imports)
	require.NoError(h.t, err)
	inst, err := h.a.Instantiate(context.Background(), art, heapPages, b)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { _ = inst.Close(context.Background()) })
	return inst
}

func (h *harness) invoke(inst engine.Instance, fn string, args ...uint64) []uint64 {
	h.t.Helper()
	out, err := inst.Invoke(context.Background(), fn, args)
	require.NoError(h.t, err)
	return out
}

var cases = []struct {
	name string
	run  func(t *testing.T, h *harness)
}{
	{"Add", testAdd},
	{"Arith", testArith},
	{"UnknownExport", testUnknownExport},
	{"CompileError", testCompileError},
	{"UnboundImport", testUnboundImport},
	{"HostCall", testHostCall},
	{"HostError", testHostError},
	{"HostMemory", testHostMemory},
	{"OutOfBoundsTrap", testOutOfBoundsTrap},
	{"Unreachable", testUnreachable},
	{"DivideByZero", testDivideByZero},
	{"GuestGrowCeiling", testGuestGrowCeiling},
	{"BridgeGrowCeiling", testBridgeGrowCeiling},
	{"HeapPagesAboveCeiling", testHeapPagesAboveCeiling},
	{"InitialAboveHeapPages", testInitialAboveHeapPages},
	{"ResetRestoresState", testResetRestoresState},
	{"ResetAfterGrowFails", testResetAfterGrowFails},
	{"StartFunction", testStartFunction},
	{"Globals", testGlobals},
	{"HeapBase", testHeapBase},
	{"DataSegments", testDataSegments},
	{"NoMemory", testNoMemory},
	{"HostMemoryDuringStart", testHostMemoryDuringStart},
	{"PassiveSegments", testPassiveSegments},
	{"DroppedSegmentNotReset", testDroppedSegmentNotReset},
	{"HostResultCount", testHostResultCount},
}

func testAdd(t *testing.T, h *harness) {
	art := h.compile(wasmtest.Add(), engine.CompileConfig{})
	assert.Equal(t, h.a.Name(), art.Engine())

	inst := h.instantiate(art, 0, nil)
	assert.Equal(t, []uint64{5}, h.invoke(inst, "add", 2, 3))
}

func testArith(t *testing.T, h *harness) {
	inst := h.instantiate(h.compile(wasmtest.Arith(), engine.CompileConfig{}), 0, nil)

	assert.Equal(t, []uint64{uint64(uint32(0xffffffff))}, h.invoke(inst, "sub", 2, 3))
	assert.Equal(t, []uint64{42}, h.invoke(inst, "mul", 6, 7))
	assert.Equal(t, []uint64{1 << 40}, h.invoke(inst, "add64", 1<<39, 1<<39))
}

func testUnknownExport(t *testing.T, h *harness) {
	inst := h.instantiate(h.compile(wasmtest.Add(), engine.CompileConfig{}), 0, nil)

	_, err := inst.Invoke(context.Background(), "nope", nil)
	assert.True(t, stderrors.Is(err, errors.ErrNotFound), "got %v", err)

	_, err = inst.Invoke(context.Background(), "add", []uint64{1})
	require.Error(t, err)
	assert.False(t, errors.IsTrap(err))
}

func testCompileError(t *testing.T, h *harness) {
	_, err := h.a.Compile(context.Background(), wasmtest.Garbage(), engine.CompileConfig{})
	assert.True(t, stderrors.Is(err, errors.ErrCompile), "got %v", err)
}

func testUnboundImport(t *testing.T, h *harness) {
	art := h.compile(wasmtest.ImportsFunc("env", "f"), engine.CompileConfig{})

	_, err := host.NewRegistry().Resolve(art.Info().Imports)
	assert.True(t, stderrors.Is(err, errors.ErrUnresolvedImport))

	_, err = h.a.Instantiate(context.Background(), art, 0, nil)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrInstantiation), "got %v", err)
	assert.True(t, stderrors.Is(err, errors.ErrUnresolvedImport), "got %v", err)
}

func testHostCall(t *testing.T, h *harness) {
	reg := host.NewRegistry()
	require.NoError(t, reg.RegisterFunc("env", "add_one", func(x int32) int32 { return x + 1 }))

	inst := h.instantiate(h.compile(wasmtest.HostCall(), engine.CompileConfig{}), 0, reg)
	assert.Equal(t, []uint64{42}, h.invoke(inst, "call", 41))
}

func testHostError(t *testing.T, h *harness) {
	denied := stderrors.New("denied")
	reg := host.NewRegistry()
	require.NoError(t, reg.RegisterFunc("env", "add_one", func(int32) (int32, error) { return 0, denied }))

	inst := h.instantiate(h.compile(wasmtest.HostCall(), engine.CompileConfig{}), 0, reg)
	_, err := inst.Invoke(context.Background(), "call", []uint64{1})
	require.Error(t, err)
	assert.Equal(t, errors.CauseHostError, errors.CauseOf(err))
	assert.ErrorIs(t, err, denied)
}

func testHostMemory(t *testing.T, h *harness) {
	reg := host.NewRegistry()
	require.NoError(t, reg.RegisterFunc("env", "fill", func(c *host.Caller, ptr, n uint32) error {
		buf := make([]byte, n)
		for i := range buf {
			buf[i] = 0xab
		}
		return c.Memory().Write(ptr, buf)
	}))

	inst := h.instantiate(h.compile(wasmtest.HostMemory(), engine.CompileConfig{}), 0, reg)
	assert.Equal(t, []uint64{0xab}, h.invoke(inst, "fill_and_load", 128, 4))

	got, err := inst.Memory().Read(128, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xab, 0xab, 0xab, 0xab, 0}, got)

	_, err = inst.Invoke(context.Background(), "fill_and_load", []uint64{memory.PageSize - 2, 4})
	require.Error(t, err)
	assert.Equal(t, errors.CauseHostError, errors.CauseOf(err))
	assert.True(t, stderrors.Is(err, errors.ErrOutOfBounds), "got %v", err)
}

func testOutOfBoundsTrap(t *testing.T, h *harness) {
	inst := h.instantiate(h.compile(wasmtest.Store(), engine.CompileConfig{}), 0, nil)

	h.invoke(inst, "store", 100, 7)
	assert.Equal(t, []uint64{7}, h.invoke(inst, "load", 100))

	_, err := inst.Invoke(context.Background(), "store", []uint64{memory.PageSize, 1})
	require.Error(t, err)
	assert.True(t, errors.IsTrap(err))
	assert.Equal(t, errors.CauseOutOfBounds, errors.CauseOf(err))
	assert.True(t, stderrors.Is(err, errors.ErrOutOfBounds))
}

func testUnreachable(t *testing.T, h *harness) {
	inst := h.instantiate(h.compile(wasmtest.Unreachable(), engine.CompileConfig{}), 0, nil)

	_, err := inst.Invoke(context.Background(), "boom", nil)
	require.Error(t, err)
	assert.Equal(t, errors.CauseUnreachable, errors.CauseOf(err))

	var e *errors.Error
	require.True(t, stderrors.As(err, &e))
	assert.Equal(t, "boom", e.Function)
}

func testDivideByZero(t *testing.T, h *harness) {
	inst := h.instantiate(h.compile(wasmtest.Arith(), engine.CompileConfig{}), 0, nil)

	_, err := inst.Invoke(context.Background(), "div", []uint64{1, 0})
	require.Error(t, err)
	assert.Equal(t, errors.CauseDivideByZero, errors.CauseOf(err))
}

func testGuestGrowCeiling(t *testing.T, h *harness) {
	art := h.compile(wasmtest.Grow(1, 0), engine.CompileConfig{HeapPages: 4})
	assert.Equal(t, uint32(4), art.Info().Ceiling)

	inst := h.instantiate(art, 2, nil)
	assert.Equal(t, []uint64{1}, h.invoke(inst, "grow", 1))

	// memory.grow returns -1 past the ceiling, leaving the size unchanged
	out, err := inst.Invoke(context.Background(), "grow", []uint64{1})
	if err == nil {
		assert.Equal(t, []uint64{uint64(uint32(0xffffffff))}, out)
	} else {
		assert.True(t, stderrors.Is(err, errors.ErrMemoryLimit), "got %v", err)
	}
	assert.Equal(t, []uint64{2}, h.invoke(inst, "size"))
}

func testBridgeGrowCeiling(t *testing.T, h *harness) {
	inst := h.instantiate(h.compile(wasmtest.Grow(1, 0), engine.CompileConfig{HeapPages: 1}), 0, nil)
	mem := inst.Memory()
	require.NotNil(t, mem)

	_, err := mem.Grow(1)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrMemoryLimit))
	assert.Equal(t, uint32(1), mem.Pages())
	assert.Equal(t, []uint64{1}, h.invoke(inst, "size"))
}

func testHeapPagesAboveCeiling(t *testing.T, h *harness) {
	art := h.compile(wasmtest.Grow(1, 0), engine.CompileConfig{HeapPages: 4})
	_, err := h.a.Instantiate(context.Background(), art, 8, nil)
	assert.True(t, stderrors.Is(err, errors.ErrInstantiation), "got %v", err)
}

func testInitialAboveHeapPages(t *testing.T, h *harness) {
	art := h.compile(wasmtest.Grow(2, 0), engine.CompileConfig{HeapPages: 1})
	_, err := h.a.Instantiate(context.Background(), art, 0, nil)
	assert.True(t, stderrors.Is(err, errors.ErrInstantiation), "got %v", err)
}

func testResetRestoresState(t *testing.T, h *harness) {
	if !h.a.ResetStrategy().Reusable() {
		t.Skip("adapter cannot reset")
	}
	inst := h.instantiate(h.compile(wasmtest.Counter(), engine.CompileConfig{}), 0, nil)

	assert.Equal(t, []uint64{1}, h.invoke(inst, "incr"))
	assert.Equal(t, []uint64{2}, h.invoke(inst, "incr"))
	require.NoError(t, inst.Reset(context.Background()))

	v, err := inst.Memory().ReadU32(wasmtest.CounterAddr)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), v)
	assert.Equal(t, []uint64{0}, h.invoke(inst, "get"))
	assert.Equal(t, []uint64{1}, h.invoke(inst, "incr"))

	// pages written by the host are restored as well
	require.NoError(t, inst.Memory().Write(3*memory.PageSize/4, []byte("leak")))
	require.NoError(t, inst.Reset(context.Background()))
	got, err := inst.Memory().Read(3*memory.PageSize/4, 4)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 4), got)
}

func testResetAfterGrowFails(t *testing.T, h *harness) {
	if !h.a.ResetStrategy().Reusable() {
		t.Skip("adapter cannot reset")
	}
	inst := h.instantiate(h.compile(wasmtest.Grow(1, 0), engine.CompileConfig{HeapPages: 4}), 0, nil)

	assert.Equal(t, []uint64{1}, h.invoke(inst, "grow", 1))
	assert.Error(t, inst.Reset(context.Background()))
}

func testStartFunction(t *testing.T, h *harness) {
	inst := h.instantiate(h.compile(wasmtest.Start(), engine.CompileConfig{}), 0, nil)

	assert.Equal(t, []uint64{42}, h.invoke(inst, "get"))
	v, err := inst.Memory().ReadU32(0)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), v)

	if !h.a.ResetStrategy().Reusable() {
		return
	}
	assert.Equal(t, engine.ResetSnapshot, inst.Strategy())
	require.NoError(t, inst.Memory().WriteU32(0, 7))
	require.NoError(t, inst.Reset(context.Background()))
	v, err = inst.Memory().ReadU32(0)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), v)
}

func testGlobals(t *testing.T, h *harness) {
	inst := h.instantiate(h.compile(wasmtest.Start(), engine.CompileConfig{}), 0, nil)

	v, err := inst.Global("state")
	require.NoError(t, err)
	assert.Equal(t, uint64(42), v)

	_, err = inst.Global("missing")
	assert.True(t, stderrors.Is(err, errors.ErrNotFound))
}

func testHeapBase(t *testing.T, h *harness) {
	inst := h.instantiate(h.compile(wasmtest.HeapBase(4096), engine.CompileConfig{}), 0, nil)
	assert.Equal(t, uint32(4096), inst.Memory().HeapBase())

	got, err := inst.Memory().Read(8, 7)
	require.NoError(t, err)
	assert.Equal(t, []byte("sandbox"), got)
}

func testDataSegments(t *testing.T, h *harness) {
	art := h.compile(wasmtest.Data(200, []byte{1, 2, 3}), engine.CompileConfig{ExtraHeapPages: 1})
	inst := h.instantiate(art, 0, nil)

	assert.Equal(t, uint32(2), inst.Memory().Pages())
	assert.Equal(t, []uint64{2}, h.invoke(inst, "load8", 201))
	assert.Equal(t, uint32(208), inst.Memory().HeapBase())
}

func testNoMemory(t *testing.T, h *harness) {
	art := h.compile(wasmtest.NoMemory(), engine.CompileConfig{HeapPages: 4})
	assert.Empty(t, art.Info().MemoryExport)

	inst := h.instantiate(art, 0, nil)
	assert.Nil(t, inst.Memory())
	assert.Equal(t, []uint64{5}, h.invoke(inst, "add", 2, 3))
	if h.a.ResetStrategy().Reusable() {
		require.NoError(t, inst.Reset(context.Background()))
		assert.Equal(t, []uint64{9}, h.invoke(inst, "add", 4, 5))
	}
}

func testHostMemoryDuringStart(t *testing.T, h *harness) {
	reg := host.NewRegistry()
	require.NoError(t, reg.RegisterFunc("env", "init", func(c *host.Caller) error {
		if c.Memory() == nil {
			return stderrors.New("no memory during start")
		}
		return c.Memory().Write(0, []byte{7})
	}))

	inst := h.instantiate(h.compile(wasmtest.StartHost(), engine.CompileConfig{}), 0, reg)
	assert.Equal(t, []uint64{7}, h.invoke(inst, "get"))
}

func testPassiveSegments(t *testing.T, h *harness) {
	art := h.compile(wasmtest.SegmentsKept(), engine.CompileConfig{})
	assert.False(t, art.Info().ResidualState)

	inst := h.instantiate(art, 0, nil)
	assert.Equal(t, []uint64{0x04030201}, h.invoke(inst, "f"))
	if h.a.ResetStrategy().Reusable() {
		require.NoError(t, inst.Reset(context.Background()))
	}
	assert.Equal(t, []uint64{0x04030201}, h.invoke(inst, "f"))
}

func testDroppedSegmentNotReset(t *testing.T, h *harness) {
	art := h.compile(wasmtest.Segments(), engine.CompileConfig{})
	require.True(t, art.Info().ResidualState)

	inst := h.instantiate(art, 0, nil)
	assert.Equal(t, engine.ResetNone, inst.Strategy())
	assert.Equal(t, []uint64{0x04030201}, h.invoke(inst, "f"))
	assert.Error(t, inst.Reset(context.Background()))

	// a fresh instance starts with the segment again
	assert.Equal(t, []uint64{0x04030201}, h.invoke(h.instantiate(art, 0, nil), "f"))
}

func testHostResultCount(t *testing.T, h *harness) {
	art := h.compile(wasmtest.HostCall(), engine.CompileConfig{})
	imp := art.Info().Imports[0]

	for _, out := range [][]uint64{{}, {1, 2}} {
		b := engine.Bindings{{Import: imp, Func: func(context.Context, *memory.Bridge, []uint64) ([]uint64, error) {
			return out, nil
		}}}
		inst, err := h.a.Instantiate(context.Background(), art, 0, b)
		require.NoError(t, err)

		_, err = inst.Invoke(context.Background(), "call", []uint64{1})
		require.Error(t, err, "host returned %d results", len(out))
		assert.Equal(t, errors.CauseHostError, errors.CauseOf(err))
		assert.True(t, stderrors.Is(err, errors.ErrHostBinding), "got %v", err)
		require.NoError(t, inst.Close(context.Background()))
	}
}

//go:build cgo

package wasmerengine

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/wasmerio/wasmer-go/wasmer"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-sandbox/engine"
	"github.com/wippyai/wasm-sandbox/errors"
	"github.com/wippyai/wasm-sandbox/memory"
)

// global is a mutable global with its post-instantiation value.
type global struct {
	g     *wasmer.Global
	kind  wasmer.ValueKind
	value any
}

// instance is NOT safe for concurrent use.
type instance struct {
	artifact *artifact
	inst     *wasmer.Instance
	bindings engine.Bindings
	bridge   *memory.Bridge
	ceiling  uint32
	funcs    map[string]*wasmer.Function
	strategy engine.ResetStrategy

	// set for the duration of a call
	ctx     context.Context
	hostErr error

	memBase *memory.Snapshot
	globals []global
	broken  bool
}

func (a *artifact) instantiate(ctx context.Context, heapPages uint32, bindings engine.Bindings) (engine.Instance, error) {
	info := a.info
	ceiling := info.Ceiling
	if heapPages != 0 {
		if info.MemoryExport != "" && heapPages > info.Ceiling {
			return nil, errors.Instantiation(
				fmt.Sprintf("heap pages %d exceed the compiled ceiling of %d pages", heapPages, info.Ceiling), nil)
		}
		ceiling = min(heapPages, memory.MaxPages)
	}
	if info.MemoryExport != "" && info.InitialPages > ceiling {
		return nil, errors.Instantiation(
			fmt.Sprintf("initial memory of %d pages exceeds heap pages %d", info.InitialPages, ceiling), nil)
	}
	if err := engine.CheckBindings(info.Imports, bindings); err != nil {
		return nil, err
	}

	mod, err := a.moduleFor(ceiling)
	if err != nil {
		var e *errors.Error
		if stderrors.As(err, &e) && e.Kind == errors.KindClosed {
			return nil, err
		}
		return nil, errors.Instantiation("prepare module", err)
	}

	i := &instance{
		artifact: a,
		bindings: bindings,
		ceiling:  ceiling,
		funcs:    make(map[string]*wasmer.Function),
		ctx:      ctx,
	}

	wi, err := wasmer.NewInstance(mod, i.importObject())
	if err != nil {
		if i.hostErr != nil {
			return nil, errors.Instantiation("start function failed", errors.HostTrap(i.hostErr, "start"))
		}
		return nil, errors.Instantiation("instantiate module", errors.Opaque(err))
	}
	i.inst = wi

	if err := i.bindMemory(); err != nil {
		return nil, err
	}
	if err := i.start(); err != nil {
		return nil, err
	}
	i.ctx, i.hostErr = nil, nil

	if err := i.init(); err != nil {
		return nil, err
	}
	return i, nil
}

// importObject binds every import slot to a function calling into the
// instance's bindings.
func (i *instance) importObject() *wasmer.ImportObject {
	byNS := make(map[string]map[string]wasmer.IntoExtern)
	for _, imp := range i.artifact.info.Imports {
		ns, ok := byNS[imp.Namespace]
		if !ok {
			ns = make(map[string]wasmer.IntoExtern)
			byNS[imp.Namespace] = ns
		}
		if _, ok := ns[imp.Name]; ok {
			continue
		}
		ns[imp.Name] = wasmer.NewFunction(i.artifact.store,
			wasmer.NewFunctionType(valueTypes(imp.Signature.Params), valueTypes(imp.Signature.Results)),
			i.hostFunc(imp))
	}

	obj := wasmer.NewImportObject()
	for ns, fns := range byNS {
		obj.Register(ns, fns)
	}
	return obj
}

func (i *instance) hostFunc(imp engine.Import) func([]wasmer.Value) ([]wasmer.Value, error) {
	return func(args []wasmer.Value) ([]wasmer.Value, error) {
		raw, err := fromValues(args)
		if err != nil {
			i.hostErr = err
			return nil, err
		}
		ctx := i.ctx
		if ctx == nil {
			ctx = context.Background()
		}
		out, err := i.bindings[imp.Index].Func(ctx, i.bridge, raw)
		if err == nil {
			err = engine.CheckResults(imp, out)
		}
		if err != nil {
			i.hostErr = err
			return nil, err
		}
		vals := make([]wasmer.Value, len(out))
		for idx, v := range out {
			vals[idx] = toValue(v, imp.Signature.Results[idx])
		}
		return vals, nil
	}
}

// bindMemory wires the memory bridge. It runs before the start function so
// host functions called from it see memory.
func (i *instance) bindMemory() error {
	name := i.artifact.info.MemoryExport
	if name == "" {
		return nil
	}
	mem, err := i.inst.Exports.GetMemory(name)
	if err != nil {
		return errors.Instantiation("memory export", errors.Opaque(err))
	}
	i.bridge = memory.NewBridge(&raw{mem: mem}, i.ceiling, i.artifact.info.HeapBase)
	return nil
}

// start runs the start function that instrumentation turned into an export.
func (i *instance) start() error {
	name := i.artifact.info.StartExport
	if name == "" {
		return nil
	}
	fn, err := i.inst.Exports.GetRawFunction(name)
	if err != nil {
		return errors.Instantiation("start function export", errors.Opaque(err))
	}
	if _, err := fn.Call(); err != nil {
		if i.hostErr != nil {
			return errors.Instantiation("start function failed", errors.HostTrap(i.hostErr, "start"))
		}
		return errors.Instantiation("start function failed", errors.FromEngine(err, "", "start"))
	}
	return nil
}

// init records the reset baseline.
func (i *instance) init() error {
	info := i.artifact.info

	i.strategy = engine.ResetSnapshot
	if info.ResidualState {
		i.strategy = engine.ResetNone
		return nil
	}

	if i.bridge != nil {
		if info.StaticBaseline() {
			i.memBase = info.Baseline
		} else {
			i.memBase = memory.Capture(i.bridge.Raw().Bytes())
		}
	}

	for _, name := range info.Globals {
		g, err := i.inst.Exports.GetGlobal(name)
		if err != nil {
			return errors.Instantiation(fmt.Sprintf("global %q", name), errors.Opaque(err))
		}
		v, err := g.Get()
		if err != nil {
			return errors.Instantiation(fmt.Sprintf("read global %q", name), errors.Opaque(err))
		}
		i.globals = append(i.globals, global{g: g, kind: g.Type().ValueType().Kind(), value: v})
	}
	return nil
}

func (i *instance) Memory() *memory.Bridge         { return i.bridge }
func (i *instance) Strategy() engine.ResetStrategy { return i.strategy }

// Invoke calls an exported function.
func (i *instance) Invoke(ctx context.Context, name string, args []uint64) ([]uint64, error) {
	if i.inst == nil {
		return nil, errors.Closed(errors.PhaseExecute, "instance")
	}
	sig, ok := i.artifact.info.Export(name)
	if !ok {
		return nil, errors.NotFound(errors.PhaseExecute, "export", name)
	}
	if len(args) != len(sig.Params) {
		return nil, errors.New(errors.PhaseExecute, errors.KindInvalidInput).
			Function(name).
			Detail("got %d arguments, want %d for %s", len(args), len(sig.Params), sig).
			Build()
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.New(errors.PhaseExecute, errors.KindTrap).
			Trap(errors.CauseUnknown).
			Function(name).
			Cause(err).
			Build()
	}

	fn, ok := i.funcs[name]
	if !ok {
		f, err := i.inst.Exports.GetRawFunction(name)
		if err != nil {
			return nil, errors.NotFound(errors.PhaseExecute, "export", name)
		}
		fn = f
		i.funcs[name] = f
	}

	params := make([]any, len(args))
	for idx, a := range args {
		params[idx] = toGo(a, sig.Params[idx])
	}

	i.ctx, i.hostErr = ctx, nil
	out, err := fn.Call(params...)
	hostErr := i.hostErr
	i.ctx, i.hostErr = nil, nil

	if err != nil {
		if hostErr != nil {
			return nil, errors.HostTrap(hostErr, name)
		}
		return nil, errors.FromEngine(err, "", name)
	}
	res, err := results(out)
	if err != nil {
		return nil, errors.New(errors.PhaseExecute, errors.KindTrap).
			Trap(errors.CauseUnknown).
			Function(name).
			Cause(err).
			Build()
	}
	return res, nil
}

// Global reads an exported global.
func (i *instance) Global(name string) (uint64, error) {
	if i.inst == nil {
		return 0, errors.Closed(errors.PhaseExecute, "instance")
	}
	g, err := i.inst.Exports.GetGlobal(name)
	if err != nil {
		return 0, errors.NotFound(errors.PhaseExecute, "global", name)
	}
	v, err := g.Get()
	if err != nil {
		return 0, errors.Wrap(errors.PhaseExecute, errors.KindInvalidInput, errors.Opaque(err), "read global")
	}
	return fromGo(v)
}

// Reset copies memory and mutable globals back. Memory that grew cannot be
// shrunk, so such instances fail to reset.
func (i *instance) Reset(context.Context) error {
	if i.inst == nil {
		return errors.Closed(errors.PhasePool, "instance")
	}
	if i.broken {
		return errors.New(errors.PhasePool, errors.KindInvalidInput).Detail("instance failed an earlier reset").Build()
	}
	if !i.strategy.Reusable() {
		return errors.New(errors.PhasePool, errors.KindInvalidInput).Detail("instance cannot be reset").Build()
	}

	if i.bridge != nil {
		if pages := i.bridge.Pages(); pages != i.artifact.info.InitialPages {
			i.broken = true
			return errors.Wrap(errors.PhasePool, errors.KindInvalidInput, memory.ErrSizeChanged,
				fmt.Sprintf("memory grew from %d to %d pages", i.artifact.info.InitialPages, pages))
		}
		dirty, err := i.memBase.Restore(i.bridge.Raw().Bytes())
		if err != nil {
			i.broken = true
			return errors.Wrap(errors.PhasePool, errors.KindInvalidInput, err, "restore memory")
		}
		if ce := engine.Logger().Check(zap.DebugLevel, "restored memory"); ce != nil {
			ce.Write(zap.Int("dirty_pages", dirty), zap.Uint32("pages", i.bridge.Pages()))
		}
	}

	for _, g := range i.globals {
		if err := g.g.Set(g.value, g.kind); err != nil {
			i.broken = true
			return errors.Wrap(errors.PhasePool, errors.KindInvalidInput, errors.Opaque(err), "restore global")
		}
	}
	return nil
}

// Close drops the instance. wasmer frees it once unreachable.
func (i *instance) Close(context.Context) error {
	i.inst = nil
	i.bridge = nil
	i.funcs = nil
	return nil
}

// raw adapts wasmer.Memory to memory.Raw.
type raw struct {
	mem *wasmer.Memory
}

func (r *raw) Bytes() []byte { return r.mem.Data() }

func (r *raw) Grow(delta uint32) (uint32, bool) {
	prev := uint32(r.mem.Size())
	return prev, r.mem.Grow(wasmer.Pages(delta))
}

var (
	_ engine.Instance = (*instance)(nil)
	_ memory.Raw      = (*raw)(nil)
)

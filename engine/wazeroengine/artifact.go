package wazeroengine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-sandbox/engine"
	"github.com/wippyai/wasm-sandbox/errors"
	"github.com/wippyai/wasm-sandbox/memory"
)

// artifact is a compiled module together with the runtime that owns it and
// the host modules satisfying its imports.
type artifact struct {
	adapter  *Adapter
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	info     *engine.Info
	seq      atomic.Uint64

	imageOnce sync.Once
	image     *image
	imageErr  error

	closeOnce sync.Once
	closeErr  error
}

func (a *artifact) Engine() string     { return a.adapter.name }
func (a *artifact) Info() *engine.Info { return a.info }

// Close tears down the runtime, which closes every instance still open.
func (a *artifact) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		a.closeErr = a.runtime.Close(ctx)
		if a.image != nil {
			a.closeErr = multierr.Append(a.closeErr, a.image.close())
		}
	})
	return a.closeErr
}

// instantiateHostModules defines one host module per import namespace. Every
// function dispatches to the binding of the instance making the call, so the
// modules are shared by all instances of the artifact.
func (a *artifact) instantiateHostModules(ctx context.Context) error {
	byNS := make(map[string][]engine.Import)
	var order []string
	for _, imp := range a.info.Imports {
		if _, ok := byNS[imp.Namespace]; !ok {
			order = append(order, imp.Namespace)
		}
		byNS[imp.Namespace] = append(byNS[imp.Namespace], imp)
	}

	for _, ns := range order {
		builder := a.runtime.NewHostModuleBuilder(ns)
		seen := make(map[string]bool)
		for _, imp := range byNS[ns] {
			if seen[imp.Name] {
				continue
			}
			seen[imp.Name] = true
			builder.NewFunctionBuilder().
				WithGoModuleFunction(hostDispatch(imp), valueTypes(imp.Signature.Params), valueTypes(imp.Signature.Results)).
				WithName(imp.Key()).
				Export(imp.Name)
		}
		if _, err := builder.Instantiate(ctx); err != nil {
			return errors.Compile(fmt.Sprintf("define host module %q", ns), errors.Opaque(err))
		}
	}
	return nil
}

func valueTypes(ts []engine.ValueType) []api.ValueType {
	out := make([]api.ValueType, len(ts))
	for i, t := range ts {
		out[i] = api.ValueType(t)
	}
	return out
}

// instantiate validates the requested ceiling and bindings, then instantiates
// the module with a memory allocator bounded by that ceiling.
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

	strategy := a.adapter.ResetStrategy()
	switch {
	case info.ResidualState:
		strategy = engine.ResetNone
	case strategy == engine.ResetCopyOnWrite && (info.MemoryExport == "" || !info.StaticBaseline()):
		strategy = engine.ResetSnapshot
	}

	inst := &instance{
		artifact: a,
		bindings: bindings,
		ceiling:  ceiling,
		strategy: strategy,
	}

	alloc := &allocator{limit: uint64(ceiling) * memory.PageSize}
	if strategy == engine.ResetCopyOnWrite {
		img, err := a.cowImage()
		if err != nil {
			engine.Logger().Warn("copy-on-write image unavailable, falling back to snapshot reset",
				zap.Error(err))
			inst.strategy = engine.ResetSnapshot
		} else {
			alloc.image = img
		}
	}
	inst.alloc = alloc

	st := &callState{inst: inst}
	ictx := withCall(experimental.WithMemoryAllocator(ctx, alloc), st)

	name := fmt.Sprintf("sandbox-%d", a.seq.Add(1))
	mod, err := a.runtime.InstantiateModule(ictx, a.compiled,
		wazero.NewModuleConfig().WithName(name).WithStartFunctions())
	if err != nil {
		alloc.free()
		if st.hostErr != nil {
			return nil, errors.Instantiation("start function failed", errors.HostTrap(st.hostErr, "start"))
		}
		return nil, errors.Instantiation("instantiate module", errors.Opaque(err))
	}
	inst.module = mod

	if err := inst.init(); err != nil {
		_ = inst.Close(ctx)
		return nil, err
	}
	return inst, nil
}

// cowImage creates the shared baseline image on first use.
func (a *artifact) cowImage() (*image, error) {
	a.imageOnce.Do(func() {
		a.image, a.imageErr = newImage(a.info.Baseline, a.info.Ceiling)
	})
	return a.image, a.imageErr
}

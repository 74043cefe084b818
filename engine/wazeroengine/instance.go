package wazeroengine

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-sandbox/engine"
	"github.com/wippyai/wasm-sandbox/errors"
	"github.com/wippyai/wasm-sandbox/memory"
)

// instance is NOT safe for concurrent use.
type instance struct {
	artifact *artifact
	module   api.Module
	bindings engine.Bindings
	alloc    *allocator
	bridge   *memory.Bridge
	funcs    map[string]api.Function
	strategy engine.ResetStrategy
	ceiling  uint32

	// baseline taken right after instantiation
	memBase *memory.Snapshot
	globals []api.MutableGlobal
	values  []uint64

	broken bool
}

// init wires the memory bridge and records the reset baseline.
func (i *instance) init() error {
	info := i.artifact.info
	i.funcs = make(map[string]api.Function, len(info.Exports))

	// Memory() is a typed nil for memoryless modules, so go by the export.
	if info.MemoryExport != "" {
		mem := i.module.ExportedMemory(info.MemoryExport)
		if mem == nil {
			return errors.Instantiation(fmt.Sprintf("memory %q is not exported", info.MemoryExport), nil)
		}
		var r memory.Raw = &raw{mem: mem}
		if cm, ok := i.alloc.mem.(*cowMemory); ok && i.alloc.cow() {
			r = &cowRaw{raw: raw{mem: mem}, d: cm}
		} else if i.strategy == engine.ResetCopyOnWrite {
			i.strategy = engine.ResetSnapshot
		}
		i.bridge = memory.NewBridge(r, i.ceiling, info.HeapBase)
	}

	for _, name := range info.Globals {
		g, ok := i.module.ExportedGlobal(name).(api.MutableGlobal)
		if !ok {
			return errors.Instantiation(fmt.Sprintf("global %q is not exported as mutable", name), nil)
		}
		i.globals = append(i.globals, g)
		i.values = append(i.values, g.Get())
	}

	if i.strategy == engine.ResetSnapshot && i.bridge != nil {
		if info.StaticBaseline() {
			i.memBase = info.Baseline
		} else {
			i.memBase = memory.Capture(i.bridge.Raw().Bytes())
		}
	}
	return nil
}

func (i *instance) Memory() *memory.Bridge         { return i.bridge }
func (i *instance) Strategy() engine.ResetStrategy { return i.strategy }

func (i *instance) function(name string) api.Function {
	if fn, ok := i.funcs[name]; ok {
		return fn
	}
	fn := i.module.ExportedFunction(name)
	if fn != nil {
		i.funcs[name] = fn
	}
	return fn
}

// Invoke calls an exported function. Engine failures are mapped to traps;
// a failure recorded by a host function takes priority.
func (i *instance) Invoke(ctx context.Context, name string, args []uint64) ([]uint64, error) {
	if i.module == nil {
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
	fn := i.function(name)
	if fn == nil {
		return nil, errors.NotFound(errors.PhaseExecute, "export", name)
	}

	st := &callState{inst: i}
	results, err := fn.Call(withCall(ctx, st), args...)
	if err != nil {
		if st.hostErr != nil {
			return nil, errors.HostTrap(st.hostErr, name)
		}
		return nil, errors.FromEngine(err, "", name)
	}
	return results, nil
}

// Global reads an exported global.
func (i *instance) Global(name string) (uint64, error) {
	if i.module == nil {
		return 0, errors.Closed(errors.PhaseExecute, "instance")
	}
	g := i.module.ExportedGlobal(name)
	if g == nil {
		return 0, errors.NotFound(errors.PhaseExecute, "global", name)
	}
	return g.Get(), nil
}

// Reset restores memory and mutable globals. Memory that grew since
// instantiation cannot be shrunk back, so such instances fail to reset.
func (i *instance) Reset(ctx context.Context) error {
	if i.module == nil {
		return errors.Closed(errors.PhasePool, "instance")
	}
	if i.broken {
		return errors.New(errors.PhasePool, errors.KindInvalidInput).Detail("instance failed an earlier reset").Build()
	}
	if !i.strategy.Reusable() {
		return errors.New(errors.PhasePool, errors.KindInvalidInput).Detail("instance cannot be reset").Build()
	}

	if err := i.resetMemory(); err != nil {
		i.broken = true
		return err
	}
	for idx, g := range i.globals {
		g.Set(i.values[idx])
	}
	return nil
}

func (i *instance) resetMemory() error {
	if i.bridge == nil {
		return nil
	}
	if pages := i.bridge.Pages(); pages != i.artifact.info.InitialPages {
		return errors.Wrap(errors.PhasePool, errors.KindInvalidInput, memory.ErrSizeChanged,
			fmt.Sprintf("memory grew from %d to %d pages", i.artifact.info.InitialPages, pages))
	}

	switch i.strategy {
	case engine.ResetCopyOnWrite:
		if _, err := i.bridge.Decommit(); err != nil {
			return errors.Wrap(errors.PhasePool, errors.KindInvalidInput, errors.Opaque(err), "decommit memory")
		}
	case engine.ResetSnapshot:
		dirty, err := i.memBase.Restore(i.bridge.Raw().Bytes())
		if err != nil {
			return errors.Wrap(errors.PhasePool, errors.KindInvalidInput, err, "restore memory")
		}
		if ce := engine.Logger().Check(zap.DebugLevel, "restored memory"); ce != nil {
			ce.Write(zap.Int("dirty_pages", dirty), zap.Uint32("pages", i.bridge.Pages()))
		}
	}
	return nil
}

// Close closes the module and releases its memory.
func (i *instance) Close(ctx context.Context) error {
	if i.module == nil {
		return nil
	}
	err := i.module.Close(ctx)
	i.module = nil
	i.alloc.free()
	i.bridge = nil
	i.funcs = nil
	return err
}

var _ engine.Instance = (*instance)(nil)

package wazeroengine

import (
	"context"
	stderrors "errors"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-sandbox/engine"
	"github.com/wippyai/wasm-sandbox/memory"
)

type callKey struct{}

// callState tracks one guest call. A failing host function records its error
// here before unwinding the guest with a panic, so the trap keeps the host
// error instead of the engine's wrapping of it.
type callState struct {
	inst    *instance
	hostErr error
}

func withCall(ctx context.Context, st *callState) context.Context {
	return context.WithValue(ctx, callKey{}, st)
}

func callFrom(ctx context.Context) *callState {
	st, _ := ctx.Value(callKey{}).(*callState)
	return st
}

var errNoCall = stderrors.New("host function invoked outside of a sandbox call")

// hostDispatch returns the wazero function for an import slot.
func hostDispatch(imp engine.Import) api.GoModuleFunc {
	nparams := len(imp.Signature.Params)
	return func(ctx context.Context, mod api.Module, stack []uint64) {
		st := callFrom(ctx)
		if st == nil {
			panic(errNoCall)
		}

		args := make([]uint64, nparams)
		copy(args, stack[:nparams])

		results, err := st.inst.bindings[imp.Index].Func(ctx, st.inst.bridgeFor(mod), args)
		if err == nil {
			err = engine.CheckResults(imp, results)
		}
		if err != nil {
			st.hostErr = err
			panic(err)
		}
		copy(stack, results)
	}
}

// bridgeFor returns the bridge of the calling module. During instantiation the
// instance has no bridge yet, so one is built from the caller.
func (i *instance) bridgeFor(mod api.Module) *memory.Bridge {
	if i.bridge != nil {
		return i.bridge
	}
	name := i.artifact.info.MemoryExport
	if name == "" {
		return nil
	}
	mem := mod.ExportedMemory(name)
	if mem == nil {
		return nil
	}
	return memory.NewBridge(&raw{mem: mem}, i.ceiling, i.artifact.info.HeapBase)
}

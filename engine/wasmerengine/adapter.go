//go:build cgo

package wasmerengine

import (
	"context"
	"fmt"
	"sync"

	"github.com/wasmerio/wasmer-go/wasmer"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-sandbox/engine"
	"github.com/wippyai/wasm-sandbox/errors"
	"github.com/wippyai/wasm-sandbox/internal/blob"
)

// Name is the engine name registered by this package.
const Name = "jit"

func init() {
	engine.Register(Name, func(engine.Options) (engine.Adapter, error) {
		return New(), nil
	})
}

// Adapter runs modules on the wasmer JIT engine. Artifacts of one
// optimization level share a wasmer.Engine and each owns a wasmer.Store.
type Adapter struct {
	mu      sync.Mutex
	engines map[engine.OptLevel]*wasmer.Engine
}

// New creates an adapter.
func New() *Adapter {
	return &Adapter{engines: make(map[engine.OptLevel]*wasmer.Engine)}
}

// engineFor returns the engine compiling at level. Levels whose compiler is
// not built into the wasmer library fall back to the default compiler.
func (a *Adapter) engineFor(level engine.OptLevel) *wasmer.Engine {
	a.mu.Lock()
	defer a.mu.Unlock()

	if e, ok := a.engines[level]; ok {
		return e
	}
	var e *wasmer.Engine
	switch {
	case level == engine.OptNone && wasmer.IsCompilerAvailable(wasmer.SINGLEPASS):
		e = wasmer.NewEngineWithConfig(wasmer.NewConfig().UseSinglepassCompiler())
	case level == engine.OptSpeed && wasmer.IsCompilerAvailable(wasmer.LLVM):
		e = wasmer.NewEngineWithConfig(wasmer.NewConfig().UseLLVMCompiler())
	default:
		e = wasmer.NewEngine()
	}
	a.engines[level] = e
	return e
}

func (a *Adapter) Name() string { return Name }

func (a *Adapter) ResetStrategy() engine.ResetStrategy { return engine.ResetSnapshot }

// Compile instruments code and compiles it.
func (a *Adapter) Compile(ctx context.Context, code []byte, cfg engine.CompileConfig) (engine.Artifact, error) {
	mod, err := blob.Prepare(code, prepareOptions(cfg, cfg.HeapPages))
	if err != nil {
		return nil, err
	}

	store := wasmer.NewStore(a.engineFor(cfg.OptLevel))
	compiled, err := wasmer.NewModule(store, mod.Code)
	if err != nil {
		return nil, errors.Compile("compile module", errors.Opaque(err))
	}

	engine.Logger().Debug("compiled module",
		zap.String("engine", Name),
		zap.Int("imports", len(mod.Info.Imports)),
		zap.Int("exports", len(mod.Info.Exports)),
		zap.Stringer("opt_level", cfg.OptLevel),
		zap.Uint32("ceiling", mod.Info.Ceiling))

	return newArtifact(a, store, code, cfg, mod.Info, compiled), nil
}

// prepareOptions instruments for wasmer. Host functions only reach memory
// through the instance's exports, so the start function runs after
// instantiation returns.
func prepareOptions(cfg engine.CompileConfig, heapPages uint32) blob.Options {
	return blob.Options{HeapPages: heapPages, ExtraHeapPages: cfg.ExtraHeapPages, DeferStart: true}
}

// Serialize returns the compiled code of an artifact.
func (a *Adapter) Serialize(art engine.Artifact) ([]byte, error) {
	wa, err := a.own(art)
	if err != nil {
		return nil, err
	}
	b, err := wa.module.Serialize()
	if err != nil {
		return nil, errors.Compile("serialize module", errors.Opaque(err))
	}
	return b, nil
}

// Deserialize restores an artifact from Serialize output. code must be the
// bytecode the blob was compiled from; it is instrumented again to recover
// the module description.
func (a *Adapter) Deserialize(ctx context.Context, code, b []byte, cfg engine.CompileConfig) (engine.Artifact, error) {
	mod, err := blob.Prepare(code, prepareOptions(cfg, cfg.HeapPages))
	if err != nil {
		return nil, err
	}

	store := wasmer.NewStore(a.engineFor(cfg.OptLevel))
	compiled, err := wasmer.DeserializeModule(store, b)
	if err != nil {
		return nil, errors.Compile("deserialize module", errors.Opaque(err))
	}
	return newArtifact(a, store, code, cfg, mod.Info, compiled), nil
}

// Instantiate creates an instance of an artifact compiled by this adapter.
func (a *Adapter) Instantiate(ctx context.Context, art engine.Artifact, heapPages uint32, bindings engine.Bindings) (engine.Instance, error) {
	wa, err := a.own(art)
	if err != nil {
		return nil, errors.Instantiation(err.Error(), nil)
	}
	return wa.instantiate(ctx, heapPages, bindings)
}

func (a *Adapter) own(art engine.Artifact) (*artifact, error) {
	wa, ok := art.(*artifact)
	if !ok || wa.adapter != a {
		return nil, fmt.Errorf("artifact was not compiled by the %s engine", Name)
	}
	return wa, nil
}

// Close is a no-op; wasmer resources are released by finalizers.
func (a *Adapter) Close(context.Context) error { return nil }

var (
	_ engine.Adapter      = (*Adapter)(nil)
	_ engine.Serializer   = (*Adapter)(nil)
	_ engine.Deserializer = (*Adapter)(nil)
)

// artifact holds the compiled module and variants capped at lower ceilings.
type artifact struct {
	adapter *Adapter
	store   *wasmer.Store
	code    []byte
	cfg     engine.CompileConfig
	info    *engine.Info
	module  *wasmer.Module

	mu       sync.Mutex
	variants map[uint32]*wasmer.Module
	closed   bool
}

func newArtifact(a *Adapter, store *wasmer.Store, code []byte, cfg engine.CompileConfig, info *engine.Info, m *wasmer.Module) *artifact {
	return &artifact{
		adapter:  a,
		store:    store,
		code:     code,
		cfg:      cfg,
		info:     info,
		module:   m,
		variants: make(map[uint32]*wasmer.Module),
	}
}

func (a *artifact) Engine() string     { return Name }
func (a *artifact) Info() *engine.Info { return a.info }

func (a *artifact) Close(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	a.variants = nil
	return nil
}

// moduleFor returns the module whose memory maximum is ceiling.
func (a *artifact) moduleFor(ceiling uint32) (*wasmer.Module, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil, errors.Closed(errors.PhaseInstantiate, "artifact")
	}
	if a.info.MemoryExport == "" || ceiling == a.info.Ceiling {
		return a.module, nil
	}
	if m, ok := a.variants[ceiling]; ok {
		return m, nil
	}

	mod, err := blob.Prepare(a.code, prepareOptions(a.cfg, ceiling))
	if err != nil {
		return nil, err
	}
	m, err := wasmer.NewModule(a.store, mod.Code)
	if err != nil {
		return nil, errors.Compile(fmt.Sprintf("compile variant capped at %d pages", ceiling), errors.Opaque(err))
	}
	a.variants[ceiling] = m
	return m, nil
}

var _ engine.Artifact = (*artifact)(nil)

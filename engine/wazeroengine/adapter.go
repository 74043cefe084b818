package wazeroengine

import (
	"context"
	"fmt"
	goruntime "runtime"
	"sync"

	"github.com/tetratelabs/wazero"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-sandbox/engine"
	"github.com/wippyai/wasm-sandbox/errors"
	"github.com/wippyai/wasm-sandbox/internal/blob"
)

// Engine names registered by this package.
const (
	Interpreter = "interpreter"
	Compiler    = "compiler"
)

func init() {
	engine.Register(Interpreter, factory(false))
	engine.Register(Compiler, factory(true))
}

func factory(compiler bool) engine.Factory {
	return func(opts engine.Options) (engine.Adapter, error) {
		a, err := New(Config{Compiler: compiler, CacheDir: opts.CacheDir})
		if err != nil {
			return nil, err
		}
		return a, nil
	}
}

// Config selects the wazero backend.
type Config struct {
	// Compiler selects the ahead-of-time compiler instead of the interpreter.
	Compiler bool

	// CacheDir persists compiled code across processes. Only the compiler
	// uses it.
	CacheDir string

	// DisableCopyOnWrite forces snapshot resets even where copy-on-write
	// memory is available.
	DisableCopyOnWrite bool
}

// Adapter runs modules on wazero. Each artifact owns its own wazero.Runtime so
// host modules of different artifacts never collide; compiled code is shared
// through one compilation cache.
type Adapter struct {
	cache     wazero.CompilationCache
	name      string
	cfg       Config
	closeOnce sync.Once
}

// CompilerSupported reports whether the compiler backend runs on this platform.
func CompilerSupported() bool {
	switch goruntime.GOARCH {
	case "amd64", "arm64":
		return true
	}
	return false
}

// New creates an adapter.
func New(cfg Config) (*Adapter, error) {
	name := Interpreter
	if cfg.Compiler {
		name = Compiler
		if !CompilerSupported() {
			return nil, errors.New(errors.PhaseConfig, errors.KindInvalidInput).
				Detail("compiler engine is not supported on %s/%s", goruntime.GOOS, goruntime.GOARCH).
				Build()
		}
	}

	var cache wazero.CompilationCache
	if cfg.CacheDir != "" {
		c, err := wazero.NewCompilationCacheWithDir(cfg.CacheDir)
		if err != nil {
			return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "compilation cache directory")
		}
		cache = c
	} else {
		cache = wazero.NewCompilationCache()
	}

	return &Adapter{name: name, cfg: cfg, cache: cache}, nil
}

func (a *Adapter) Name() string { return a.name }

// ResetStrategy returns copy-on-write for the compiler where the platform
// supports it, snapshot otherwise.
func (a *Adapter) ResetStrategy() engine.ResetStrategy {
	if a.cfg.Compiler && cowSupported && !a.cfg.DisableCopyOnWrite {
		return engine.ResetCopyOnWrite
	}
	return engine.ResetSnapshot
}

func (a *Adapter) runtimeConfig() wazero.RuntimeConfig {
	var rc wazero.RuntimeConfig
	if a.cfg.Compiler {
		rc = wazero.NewRuntimeConfigCompiler()
	} else {
		rc = wazero.NewRuntimeConfigInterpreter()
	}
	return rc.WithCompilationCache(a.cache)
}

// Compile instruments code and compiles it into a fresh runtime. wazero has
// one compiler per mode, so cfg.OptLevel only affects the identity.
func (a *Adapter) Compile(ctx context.Context, code []byte, cfg engine.CompileConfig) (engine.Artifact, error) {
	mod, err := blob.Prepare(code, blob.Options{HeapPages: cfg.HeapPages, ExtraHeapPages: cfg.ExtraHeapPages})
	if err != nil {
		return nil, err
	}

	rt := wazero.NewRuntimeWithConfig(ctx, a.runtimeConfig())
	compiled, err := rt.CompileModule(ctx, mod.Code)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, errors.Compile("compile module", errors.Opaque(err))
	}

	art := &artifact{
		adapter:  a,
		runtime:  rt,
		compiled: compiled,
		info:     mod.Info,
	}
	if err := art.instantiateHostModules(ctx); err != nil {
		_ = rt.Close(ctx)
		return nil, err
	}

	engine.Logger().Debug("compiled module",
		zap.String("engine", a.name),
		zap.Int("imports", len(mod.Info.Imports)),
		zap.Int("exports", len(mod.Info.Exports)),
		zap.Uint32("initial_pages", mod.Info.InitialPages),
		zap.Uint32("ceiling", mod.Info.Ceiling))

	return art, nil
}

// Instantiate creates an instance of an artifact compiled by this adapter.
func (a *Adapter) Instantiate(ctx context.Context, art engine.Artifact, heapPages uint32, bindings engine.Bindings) (engine.Instance, error) {
	wa, ok := art.(*artifact)
	if !ok || wa.adapter != a {
		return nil, errors.Instantiation(fmt.Sprintf("artifact was not compiled by the %s engine", a.name), nil)
	}
	return wa.instantiate(ctx, heapPages, bindings)
}

// Close releases the compilation cache. Artifacts must be closed first.
func (a *Adapter) Close(ctx context.Context) error {
	var err error
	a.closeOnce.Do(func() {
		err = a.cache.Close(ctx)
	})
	return err
}

var _ engine.Adapter = (*Adapter)(nil)

package runtime

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-sandbox/artifact"
	"github.com/wippyai/wasm-sandbox/config"
	"github.com/wippyai/wasm-sandbox/engine"
	"github.com/wippyai/wasm-sandbox/errors"
	"github.com/wippyai/wasm-sandbox/host"
	"github.com/wippyai/wasm-sandbox/pool"

	// default adapters
	_ "github.com/wippyai/wasm-sandbox/engine/wasmerengine"
	_ "github.com/wippyai/wasm-sandbox/engine/wazeroengine"
)

// Runtime compiles modules and runs their exports on pooled instances.
// It is safe for concurrent use.
type Runtime struct {
	cfg       config.Config
	adapter   engine.Adapter
	ownsAdapt bool
	hosts     *host.Registry
	cache     *artifact.Cache
	pool      *pool.Pool
	logger    *zap.Logger
	observers []Observer

	mu     sync.RWMutex
	closed bool
}

// New creates a runtime for cfg. Zero fields of cfg take their defaults.
func New(cfg config.Config, opts ...Option) (*Runtime, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := options{logger: engine.Logger()}
	for _, opt := range opts {
		opt(&o)
	}

	r := &Runtime{
		cfg:       cfg,
		adapter:   o.adapter,
		hosts:     o.hosts,
		logger:    o.logger,
		observers: o.observers,
	}
	if r.hosts == nil {
		r.hosts = host.NewRegistry()
	}
	if r.adapter == nil {
		a, err := engine.New(cfg.Engine, engine.Options{CacheDir: cfg.CacheDir})
		if err != nil {
			return nil, err
		}
		r.adapter, r.ownsAdapt = a, true
	}

	store := o.store
	if store == nil && cfg.ArtifactDir != "" {
		s, err := artifact.NewDirStore(cfg.ArtifactDir)
		if err != nil {
			r.closeAdapter()
			return nil, err
		}
		store = s
	}
	cacheOpts := []artifact.Option{artifact.WithLogger(r.logger)}
	if store != nil {
		cacheOpts = append(cacheOpts, artifact.WithStore(store))
	}
	r.cache = artifact.NewCache(r.adapter, cacheOpts...)

	var metrics *pool.Metrics
	if o.metrics != nil {
		metrics = pool.NewMetrics(o.metrics)
	}
	r.pool = pool.New(r.cache, r.bind, pool.Config{
		Policy:             cfg.Policy(),
		Capacity:           cfg.Pool.Capacity,
		MaxIdlePerIdentity: cfg.Pool.MaxIdlePerIdentity,
		Cost:               o.cost,
		Metrics:            metrics,
		Logger:             r.logger,
	})

	r.logger.Debug("runtime created",
		zap.String("engine", r.adapter.Name()),
		zap.Uint32("heap_pages", cfg.HeapPages),
		zap.String("policy", string(r.pool.Policy())),
		zap.Stringer("reset", r.adapter.ResetStrategy()))
	return r, nil
}

func (r *Runtime) bind(info *engine.Info) (engine.Bindings, error) {
	return r.hosts.Resolve(info.Imports, host.AllowMissing(r.cfg.AllowMissingImports))
}

// Config returns the effective configuration.
func (r *Runtime) Config() config.Config { return r.cfg }

// Engine returns the adapter name.
func (r *Runtime) Engine() string { return r.adapter.Name() }

// Policy returns the reuse policy in effect.
func (r *Runtime) Policy() pool.Policy { return r.pool.Policy() }

// Hosts returns the host function registry.
func (r *Runtime) Hosts() *host.Registry { return r.hosts }

// RegisterFunc registers a typed Go function as namespace.name.
// Must be called BEFORE instantiating modules that import it.
func (r *Runtime) RegisterFunc(namespace, name string, fn any) error {
	return r.hosts.RegisterFunc(namespace, name, fn)
}

// RegisterHost registers all exported methods of h as host functions.
func (r *Runtime) RegisterHost(h host.Host) error {
	return r.hosts.RegisterHost(h)
}

// Register binds a raw host function with an explicit signature.
func (r *Runtime) Register(namespace, name string, sig engine.Signature, fn engine.HostFunc) error {
	return r.hosts.Register(namespace, name, sig, fn)
}

// Compile compiles code with the configured heap ceiling and returns its
// identity. Compiling the same code again is a cache hit, and so is a
// failure: a module that failed to compile fails again without recompiling.
func (r *Runtime) Compile(ctx context.Context, code []byte) (artifact.Identity, error) {
	if err := r.checkOpen(errors.PhaseCompile); err != nil {
		return "", err
	}
	return r.cache.Compile(ctx, code, r.cfg.CompileConfig())
}

// Call runs the export fn of id with args on an instance whose memory is
// capped at heapPages. Zero heapPages uses the compiled ceiling.
func (r *Runtime) Call(ctx context.Context, id artifact.Identity, fn string, args []uint64, heapPages uint32) ([]uint64, error) {
	if err := r.checkOpen(errors.PhaseExecute); err != nil {
		return nil, err
	}

	ex := r.newExecution(id, fn)
	ex.transition(StateDispatching)

	h, err := r.pool.Acquire(ctx, id, heapPages)
	if err != nil {
		ex.finish(nil, err)
		return nil, err
	}

	out, callErr := r.run(ctx, ex, h, fn, args)
	if err := r.pool.Release(ctx, h, callErr); err != nil {
		r.logger.Warn("release instance", zap.String("identity", id.Short()), zap.Error(err))
	}
	if callErr != nil {
		return nil, errors.Annotate(callErr, id.String(), fn)
	}
	return out, nil
}

// CallIndex runs the function at table index through the configured
// dispatcher export, which receives index as its first argument.
func (r *Runtime) CallIndex(ctx context.Context, id artifact.Identity, index uint32, args []uint64, heapPages uint32) ([]uint64, error) {
	if r.cfg.TableDispatcher == "" {
		return nil, errors.InvalidInput(errors.PhaseExecute, "no table dispatcher configured")
	}
	full := make([]uint64, 0, len(args)+1)
	full = append(full, uint64(index))
	full = append(full, args...)
	return r.Call(ctx, id, r.cfg.TableDispatcher, full, heapPages)
}

// run marshals args against the export signature and invokes it.
func (r *Runtime) run(ctx context.Context, ex *Execution, h *pool.Handle, fn string, args []uint64) ([]uint64, error) {
	sig, ok := h.Info().Export(fn)
	if !ok {
		err := errors.NotFound(errors.PhaseExecute, "export", fn)
		ex.finish(nil, err)
		return nil, err
	}
	if len(args) != len(sig.Params) {
		err := errors.New(errors.PhaseExecute, errors.KindInvalidInput).
			Function(fn).
			Detail("got %d arguments, want %d for %s", len(args), len(sig.Params), sig).
			Build()
		ex.finish(nil, err)
		return nil, err
	}

	ex.transition(StateRunning)
	out, err := h.Instance().Invoke(ctx, fn, args)
	ex.finish(out, err)
	return out, err
}

// Acquire checks out an instance of id for several calls. The session must
// be released.
func (r *Runtime) Acquire(ctx context.Context, id artifact.Identity, heapPages uint32) (*Session, error) {
	if err := r.checkOpen(errors.PhasePool); err != nil {
		return nil, err
	}
	h, err := r.pool.Acquire(ctx, id, heapPages)
	if err != nil {
		return nil, err
	}
	return &Session{runtime: r, handle: h}, nil
}

// Evict drops id: its idle instances and its compiled artifact. It fails
// while an instance of id is checked out.
func (r *Runtime) Evict(ctx context.Context, id artifact.Identity) error {
	n, err := r.pool.Purge(ctx, id)
	if err != nil {
		return err
	}
	evicted, err := r.cache.Evict(ctx, id)
	if evicted {
		r.logger.Debug("evicted code", zap.String("identity", id.Short()), zap.Int("instances", n))
	}
	return err
}

// Export is an exported function of a compiled module.
type Export struct {
	Name      string
	Signature engine.Signature
}

// Exports lists the exported functions of id, sorted by name.
func (r *Runtime) Exports(id artifact.Identity) ([]Export, error) {
	art, ok := r.cache.Get(id)
	if !ok {
		if err := r.cache.Failure(id); err != nil {
			return nil, err
		}
		return nil, errors.NotFound(errors.PhaseExecute, "artifact", id.String())
	}
	exports := make([]Export, 0, len(art.Info().Exports))
	for name, sig := range art.Info().Exports {
		exports = append(exports, Export{Name: name, Signature: sig})
	}
	sort.Slice(exports, func(i, j int) bool { return exports[i].Name < exports[j].Name })
	return exports, nil
}

// Identities returns the compiled identities.
func (r *Runtime) Identities() []artifact.Identity { return r.cache.Identities() }

// Stats returns a snapshot of the instance pool.
func (r *Runtime) Stats() pool.Stats { return r.pool.Stats() }

func (r *Runtime) checkOpen(phase errors.Phase) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return errors.Closed(phase, "runtime")
	}
	return nil
}

// Close releases all runtime resources. Sessions must be released before.
func (r *Runtime) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	err := r.pool.Close(ctx)
	err = multierr.Append(err, r.cache.Close(ctx))
	if r.ownsAdapt {
		err = multierr.Append(err, r.adapter.Close(ctx))
	}
	return err
}

func (r *Runtime) closeAdapter() {
	if r.ownsAdapt {
		_ = r.adapter.Close(context.Background())
	}
}

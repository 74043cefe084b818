package host

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/wippyai/wasm-sandbox/engine"
	"github.com/wippyai/wasm-sandbox/errors"
	"github.com/wippyai/wasm-sandbox/memory"
)

// Host is the interface for struct-based host modules.
// All exported methods (except Namespace and Register) are registered as
// host functions.
type Host interface {
	// Namespace returns the import module name (e.g., "env").
	Namespace() string
}

// ExplicitRegistrar allows hosts to provide exact import names when the
// automatic PascalCase-to-snake_case conversion doesn't apply
// (e.g., "ext_hashing_blake2_256").
type ExplicitRegistrar interface {
	Register() map[string]any
}

// Caller is handed to host functions that declare it as a parameter.
type Caller struct {
	mem *memory.Bridge
}

// Memory returns the linear memory of the calling instance, nil when the
// module has no memory.
func (c *Caller) Memory() *memory.Bridge {
	return c.mem
}

type function struct {
	sig engine.Signature
	fn  engine.HostFunc
}

// Registry maps (namespace, name) keys to host functions.
// It is safe for concurrent use.
type Registry struct {
	funcs map[string]map[string]*function
	mu    sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		funcs: make(map[string]map[string]*function),
	}
}

// Register binds fn under namespace.name with an explicit signature.
// Registering the same key again with the same signature replaces the
// function; a different signature is rejected.
func (r *Registry) Register(namespace, name string, sig engine.Signature, fn engine.HostFunc) error {
	if namespace == "" {
		return errors.InvalidInput(errors.PhaseHost, "namespace cannot be empty")
	}
	if name == "" {
		return errors.InvalidInput(errors.PhaseHost, "function name cannot be empty")
	}
	if fn == nil {
		return errors.HostBinding(namespace, name, "function is nil")
	}
	for _, t := range append(append([]engine.ValueType{}, sig.Params...), sig.Results...) {
		if !t.Valid() {
			return errors.HostBinding(namespace, name, fmt.Sprintf("invalid value type %s", t))
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.funcs[namespace] == nil {
		r.funcs[namespace] = make(map[string]*function)
	}
	if prev, ok := r.funcs[namespace][name]; ok && !prev.sig.Equal(sig) {
		return errors.HostBinding(namespace, name,
			fmt.Sprintf("already registered as %s, cannot re-register as %s", prev.sig, sig))
	}

	r.funcs[namespace][name] = &function{sig: sig, fn: fn}
	return nil
}

// RegisterFunc binds a typed Go function. Parameters and results must be
// int32, uint32, int64, uint64, float32 or float64. The function may take a
// leading context.Context and *Caller, and may return a trailing error.
func (r *Registry) RegisterFunc(namespace, name string, fn any) error {
	sig, hf, err := adapt(fn)
	if err != nil {
		return errors.HostBinding(namespace, name, err.Error())
	}
	return r.Register(namespace, name, sig, hf)
}

// RegisterHost registers every exported method of h in h.Namespace().
// Method names are converted to snake_case: GetValue becomes get_value.
func (r *Registry) RegisterHost(h Host) error {
	ns := h.Namespace()
	if ns == "" {
		return errors.InvalidInput(errors.PhaseHost, "namespace cannot be empty")
	}

	if er, ok := h.(ExplicitRegistrar); ok {
		funcs := er.Register()
		names := make([]string, 0, len(funcs))
		for name := range funcs {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if err := r.RegisterFunc(ns, name, funcs[name]); err != nil {
				return err
			}
		}
		return nil
	}

	rv := reflect.ValueOf(h)
	rt := rv.Type()

	for i := 0; i < rt.NumMethod(); i++ {
		method := rt.Method(i)
		if !method.IsExported() || method.Name == "Namespace" {
			continue
		}
		if err := r.RegisterFunc(ns, toSnakeCase(method.Name), rv.Method(i).Interface()); err != nil {
			return err
		}
	}
	return nil
}

// Lookup returns the signature registered under namespace.name.
func (r *Registry) Lookup(namespace, name string) (engine.Signature, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	f, ok := r.funcs[namespace][name]
	if !ok {
		return engine.Signature{}, false
	}
	return f.sig, true
}

// Namespaces returns the registered namespaces in sorted order.
func (r *Registry) Namespaces() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.funcs))
	for ns := range r.funcs {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out
}

// ResolveOption configures Resolve.
type ResolveOption func(*resolveOptions)

type resolveOptions struct {
	allowMissing bool
}

// AllowMissing binds imports without a registration to stubs that fail
// when called. Signature mismatches are still rejected.
func AllowMissing(allow bool) ResolveOption {
	return func(o *resolveOptions) {
		o.allowMissing = allow
	}
}

// Resolve binds every import to a registered function. All failing slots are
// reported at once in an *errors.UnresolvedImportError.
func (r *Registry) Resolve(imports []engine.Import, opts ...ResolveOption) (engine.Bindings, error) {
	var o resolveOptions
	for _, opt := range opts {
		opt(&o)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	bindings := make(engine.Bindings, 0, len(imports))
	var unresolved []errors.UnresolvedImport

	for _, imp := range imports {
		f, ok := r.funcs[imp.Namespace][imp.Name]
		switch {
		case ok && f.sig.Equal(imp.Signature):
			bindings = append(bindings, engine.Binding{Import: imp, Func: guard(imp, f.fn)})
		case ok:
			unresolved = append(unresolved, errors.UnresolvedImport{
				Namespace: imp.Namespace,
				Name:      imp.Name,
				Want:      imp.Signature.String(),
				Got:       f.sig.String(),
			})
		case o.allowMissing:
			bindings = append(bindings, engine.Binding{Import: imp, Func: missing(imp)})
		default:
			unresolved = append(unresolved, errors.UnresolvedImport{
				Namespace: imp.Namespace,
				Name:      imp.Name,
				Want:      imp.Signature.String(),
			})
		}
	}

	if len(unresolved) > 0 {
		return nil, &errors.UnresolvedImportError{Imports: unresolved}
	}
	return bindings, nil
}

// guard converts panics into errors and checks the result count so engines
// never see a malformed return.
func guard(imp engine.Import, fn engine.HostFunc) engine.HostFunc {
	want := len(imp.Signature.Results)
	return func(ctx context.Context, mem *memory.Bridge, args []uint64) (results []uint64, err error) {
		defer func() {
			if p := recover(); p != nil {
				results = nil
				err = errors.New(errors.PhaseHost, errors.KindTrap).
					Trap(errors.CauseHostError).
					Function(imp.Key()).
					Detail("host function panicked: %v", p).
					Build()
			}
		}()

		results, err = fn(ctx, mem, args)
		if err != nil {
			return nil, err
		}
		if len(results) != want {
			return nil, errors.New(errors.PhaseHost, errors.KindTrap).
				Trap(errors.CauseHostError).
				Function(imp.Key()).
				Detail("host function returned %d results, want %d", len(results), want).
				Build()
		}
		return results, nil
	}
}

func missing(imp engine.Import) engine.HostFunc {
	return func(context.Context, *memory.Bridge, []uint64) ([]uint64, error) {
		return nil, errors.New(errors.PhaseHost, errors.KindUnresolvedImport).
			Function(imp.Key()).
			Detail("import %s %s is not provided by the host", imp.Key(), imp.Signature).
			Build()
	}
}

package host

import (
	"context"
	stderrors "errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wippyai/wasm-sandbox/engine"
	"github.com/wippyai/wasm-sandbox/errors"
	"github.com/wippyai/wasm-sandbox/memory"
)

var (
	i32 = engine.ValueTypeI32
	i64 = engine.ValueTypeI64
	f32 = engine.ValueTypeF32
	f64 = engine.ValueTypeF64
)

func sig(params []engine.ValueType, results ...engine.ValueType) engine.Signature {
	return engine.Sig(params, results...)
}

type sliceRaw struct{ buf []byte }

func (r *sliceRaw) Bytes() []byte              { return r.buf }
func (r *sliceRaw) Grow(uint32) (uint32, bool) { return 0, false }

func newBridge() *memory.Bridge {
	return memory.NewBridge(&sliceRaw{buf: make([]byte, memory.PageSize)}, 1, 0)
}

func imp(ns, name string, s engine.Signature) engine.Import {
	return engine.Import{Namespace: ns, Name: name, Signature: s}
}

func TestRegister_Idempotent(t *testing.T) {
	r := NewRegistry()
	fn := func(context.Context, *memory.Bridge, []uint64) ([]uint64, error) { return nil, nil }

	require.NoError(t, r.Register("env", "f", sig(nil), fn))
	require.NoError(t, r.Register("env", "f", sig(nil), fn))

	err := r.Register("env", "f", sig([]engine.ValueType{i32}), fn)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrHostBinding))

	got, ok := r.Lookup("env", "f")
	require.True(t, ok)
	assert.Equal(t, "() -> ()", got.String())
}

func TestRegister_Invalid(t *testing.T) {
	r := NewRegistry()
	fn := func(context.Context, *memory.Bridge, []uint64) ([]uint64, error) { return nil, nil }

	assert.Error(t, r.Register("", "f", sig(nil), fn))
	assert.Error(t, r.Register("env", "", sig(nil), fn))
	assert.Error(t, r.Register("env", "f", sig(nil), nil))
	assert.Error(t, r.Register("env", "f", sig([]engine.ValueType{0x70}), fn))
}

func TestRegisterFunc_Signatures(t *testing.T) {
	tests := []struct {
		name string
		fn   any
		want engine.Signature
	}{
		{"empty", func() {}, sig(nil)},
		{"i32", func(int32, uint32) int32 { return 0 }, sig([]engine.ValueType{i32, i32}, i32)},
		{"i64", func(int64) uint64 { return 0 }, sig([]engine.ValueType{i64}, i64)},
		{"floats", func(float32, float64) (float32, float64) { return 0, 0 }, sig([]engine.ValueType{f32, f64}, f32, f64)},
		{"context and caller", func(context.Context, *Caller, uint32) error { return nil }, sig([]engine.ValueType{i32})},
		{"trailing error", func(uint32) (uint32, error) { return 0, nil }, sig([]engine.ValueType{i32}, i32)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			require.NoError(t, r.RegisterFunc("env", "f", tt.fn))
			got, ok := r.Lookup("env", "f")
			require.True(t, ok)
			assert.True(t, tt.want.Equal(got), "want %s, got %s", tt.want, got)
		})
	}
}

func TestRegisterFunc_Unsupported(t *testing.T) {
	tests := []struct {
		name string
		fn   any
	}{
		{"nil", nil},
		{"not a function", 42},
		{"string param", func(string) {}},
		{"bool result", func() bool { return false }},
		{"variadic", func(...int32) {}},
		{"caller not leading", func(uint32, *Caller) {}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewRegistry().RegisterFunc("env", "f", tt.fn)
			require.Error(t, err)
			assert.True(t, stderrors.Is(err, errors.ErrHostBinding), "got %v", err)
		})
	}
}

func TestRegisterFunc_Call(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterFunc("env", "neg", func(x int32) int32 { return -x }))
	require.NoError(t, r.RegisterFunc("env", "half", func(x float64) float64 { return x / 2 }))
	require.NoError(t, r.RegisterFunc("env", "poke", func(ctx context.Context, c *Caller, ptr uint32, v uint32) error {
		return c.Memory().WriteU32(ptr, v)
	}))

	b, err := r.Resolve([]engine.Import{
		imp("env", "neg", sig([]engine.ValueType{i32}, i32)),
		imp("env", "half", sig([]engine.ValueType{f64}, f64)),
		imp("env", "poke", sig([]engine.ValueType{i32, i32})),
	})
	require.NoError(t, err)
	require.Len(t, b, 3)

	ctx := context.Background()
	mem := newBridge()

	out, err := b[0].Func(ctx, mem, []uint64{5})
	require.NoError(t, err)
	assert.Equal(t, []uint64{uint64(uint32(0xfffffffb))}, out)

	out, err = b[1].Func(ctx, mem, []uint64{math.Float64bits(3)})
	require.NoError(t, err)
	assert.Equal(t, 1.5, math.Float64frombits(out[0]))

	_, err = b[2].Func(ctx, mem, []uint64{64, 7})
	require.NoError(t, err)
	v, err := mem.ReadU32(64)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), v)

	_, err = b[2].Func(ctx, mem, []uint64{memory.PageSize, 7})
	assert.True(t, stderrors.Is(err, errors.ErrOutOfBounds))
}

type handle uint32

func TestRegisterFunc_NamedTypes(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterFunc("env", "next", func(h handle) handle { return h + 1 }))

	b, err := r.Resolve([]engine.Import{imp("env", "next", sig([]engine.ValueType{i32}, i32))})
	require.NoError(t, err)

	out, err := b[0].Func(context.Background(), nil, []uint64{41})
	require.NoError(t, err)
	assert.Equal(t, []uint64{42}, out)
}

type env struct {
	base int32
}

func (env) Namespace() string            { return "env" }
func (e env) GetValue() int32            { return e.base }
func (e env) AddBase(x int32) int32      { return e.base + x }
func (env) ReadHTTPURL(c *Caller) uint32 { return c.Memory().Size() }

func TestRegisterHost(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterHost(env{base: 10}))

	for _, name := range []string{"get_value", "add_base", "read_http_url"} {
		_, ok := r.Lookup("env", name)
		assert.True(t, ok, name)
	}
	_, ok := r.Lookup("env", "namespace")
	assert.False(t, ok)

	b, err := r.Resolve([]engine.Import{imp("env", "add_base", sig([]engine.ValueType{i32}, i32))})
	require.NoError(t, err)
	out, err := b[0].Func(context.Background(), nil, []uint64{5})
	require.NoError(t, err)
	assert.Equal(t, []uint64{15}, out)
}

type explicit struct{}

func (explicit) Namespace() string { return "ext" }
func (explicit) Register() map[string]any {
	return map[string]any{
		"ext_misc_print_num_version_1": func(uint64) {},
		"ext_allocator_malloc_v1":      func(uint32) uint32 { return 0 },
	}
}

func TestRegisterHost_Explicit(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterHost(explicit{}))

	_, ok := r.Lookup("ext", "ext_misc_print_num_version_1")
	assert.True(t, ok)
	_, ok = r.Lookup("ext", "ext_allocator_malloc_v1")
	assert.True(t, ok)
	assert.Equal(t, []string{"ext"}, r.Namespaces())
}

type badHost struct{}

func (badHost) Namespace() string { return "env" }
func (badHost) Describe() string  { return "" }

func TestRegisterHost_UnsupportedMethod(t *testing.T) {
	err := NewRegistry().RegisterHost(badHost{})
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrHostBinding))
}

func TestResolve_Unresolved(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterFunc("env", "f", func(int32) {}))

	_, err := r.Resolve([]engine.Import{
		imp("env", "f", sig([]engine.ValueType{i64})),
		imp("env", "g", sig(nil)),
		imp("sys", "h", sig(nil, i32)),
	})
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrUnresolvedImport))

	var ue *errors.UnresolvedImportError
	require.True(t, stderrors.As(err, &ue))
	assert.Equal(t, []string{"env.f", "env.g", "sys.h"}, ue.Names())
	assert.True(t, ue.Imports[0].Mismatch())
	assert.False(t, ue.Imports[1].Mismatch())
}

func TestResolve_AllowMissing(t *testing.T) {
	r := NewRegistry()
	b, err := r.Resolve([]engine.Import{imp("env", "f", sig(nil))}, AllowMissing(true))
	require.NoError(t, err)
	require.Len(t, b, 1)

	_, err = b[0].Func(context.Background(), nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "env.f")

	require.NoError(t, r.RegisterFunc("env", "f", func(int32) {}))
	_, err = r.Resolve([]engine.Import{imp("env", "f", sig(nil))}, AllowMissing(true))
	assert.True(t, stderrors.Is(err, errors.ErrUnresolvedImport), "mismatch is never stubbed")
}

func TestResolve_Guard(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterFunc("env", "boom", func() { panic("kaput") }))
	require.NoError(t, r.Register("env", "short", sig(nil, i32),
		func(context.Context, *memory.Bridge, []uint64) ([]uint64, error) { return nil, nil }))

	b, err := r.Resolve([]engine.Import{
		imp("env", "boom", sig(nil)),
		imp("env", "short", sig(nil, i32)),
	})
	require.NoError(t, err)

	_, err = b[0].Func(context.Background(), nil, nil)
	require.Error(t, err)
	assert.Equal(t, errors.CauseHostError, errors.CauseOf(err))
	assert.Contains(t, err.Error(), "kaput")

	_, err = b[1].Func(context.Background(), nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "returned 0 results")
}

func TestResolve_HostError(t *testing.T) {
	r := NewRegistry()
	sentinel := stderrors.New("denied")
	require.NoError(t, r.RegisterFunc("env", "f", func() error { return sentinel }))

	b, err := r.Resolve([]engine.Import{imp("env", "f", sig(nil))})
	require.NoError(t, err)
	_, err = b[0].Func(context.Background(), nil, nil)
	assert.ErrorIs(t, err, sentinel)
}

func TestToSnakeCase(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"Get", "get"},
		{"GetValue", "get_value"},
		{"ReadHTTPURL", "read_http_url"},
		{"HTTPServer", "http_server"},
		{"Blake2_256", "blake2_256"},
		{"Ext_Print", "ext_print"},
		{"ID", "id"},
		{"GetJSONAPI", "get_json_api"},
		{"IOStream", "io_stream"},
		{"ParseABCValue", "parse_abc_value"},
		{"LoadABCURL", "load_abc_url"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, toSnakeCase(tt.in), tt.in)
	}
}

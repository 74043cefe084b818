package host

import (
	"context"
	stderrors "errors"
	"fmt"
	"math"
	"reflect"

	"github.com/wippyai/wasm-sandbox/engine"
	"github.com/wippyai/wasm-sandbox/memory"
)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	callerType  = reflect.TypeOf((*Caller)(nil))
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// codec converts between a Go kind and the uint64 value encoding.
type codec struct {
	vt     engine.ValueType
	decode func(uint64) reflect.Value
	encode func(reflect.Value) uint64
}

var codecs = map[reflect.Kind]codec{
	reflect.Int32: {
		vt:     engine.ValueTypeI32,
		decode: func(v uint64) reflect.Value { return reflect.ValueOf(int32(uint32(v))) },
		encode: func(v reflect.Value) uint64 { return uint64(uint32(v.Int())) },
	},
	reflect.Uint32: {
		vt:     engine.ValueTypeI32,
		decode: func(v uint64) reflect.Value { return reflect.ValueOf(uint32(v)) },
		encode: func(v reflect.Value) uint64 { return uint64(uint32(v.Uint())) },
	},
	reflect.Int64: {
		vt:     engine.ValueTypeI64,
		decode: func(v uint64) reflect.Value { return reflect.ValueOf(int64(v)) },
		encode: func(v reflect.Value) uint64 { return uint64(v.Int()) },
	},
	reflect.Uint64: {
		vt:     engine.ValueTypeI64,
		decode: func(v uint64) reflect.Value { return reflect.ValueOf(v) },
		encode: func(v reflect.Value) uint64 { return v.Uint() },
	},
	reflect.Float32: {
		vt:     engine.ValueTypeF32,
		decode: func(v uint64) reflect.Value { return reflect.ValueOf(math.Float32frombits(uint32(v))) },
		encode: func(v reflect.Value) uint64 { return uint64(math.Float32bits(float32(v.Float()))) },
	},
	reflect.Float64: {
		vt:     engine.ValueTypeF64,
		decode: func(v uint64) reflect.Value { return reflect.ValueOf(math.Float64frombits(v)) },
		encode: func(v reflect.Value) uint64 { return math.Float64bits(v.Float()) },
	},
}

// adapt derives the signature of a typed Go function and wraps it as an
// engine.HostFunc.
func adapt(fn any) (engine.Signature, engine.HostFunc, error) {
	if fn == nil {
		return engine.Signature{}, nil, stderrors.New("handler is nil")
	}
	rv := reflect.ValueOf(fn)
	rt := rv.Type()
	if rt.Kind() != reflect.Func {
		return engine.Signature{}, nil, fmt.Errorf("handler must be a function, got %s", rt)
	}
	if rt.IsVariadic() {
		return engine.Signature{}, nil, fmt.Errorf("variadic handler %s is not supported", rt)
	}

	in := 0
	wantCtx := in < rt.NumIn() && rt.In(in) == contextType
	if wantCtx {
		in++
	}
	wantCaller := in < rt.NumIn() && rt.In(in) == callerType
	if wantCaller {
		in++
	}

	var sig engine.Signature
	params := make([]codec, 0, rt.NumIn()-in)
	for i := in; i < rt.NumIn(); i++ {
		c, ok := codecs[rt.In(i).Kind()]
		if !ok {
			return engine.Signature{}, nil, fmt.Errorf("parameter %d has unsupported type %s", i, rt.In(i))
		}
		params = append(params, c)
		sig.Params = append(sig.Params, c.vt)
	}

	out := rt.NumOut()
	returnsErr := out > 0 && rt.Out(out-1) == errorType
	if returnsErr {
		out--
	}
	results := make([]codec, 0, out)
	for i := 0; i < out; i++ {
		c, ok := codecs[rt.Out(i).Kind()]
		if !ok {
			return engine.Signature{}, nil, fmt.Errorf("result %d has unsupported type %s", i, rt.Out(i))
		}
		results = append(results, c)
		sig.Results = append(sig.Results, c.vt)
	}

	hf := func(ctx context.Context, mem *memory.Bridge, args []uint64) ([]uint64, error) {
		if len(args) != len(params) {
			return nil, fmt.Errorf("got %d arguments, want %d", len(args), len(params))
		}
		callArgs := make([]reflect.Value, 0, in+len(params))
		if wantCtx {
			if ctx == nil {
				ctx = context.Background()
			}
			callArgs = append(callArgs, reflect.ValueOf(ctx))
		}
		if wantCaller {
			callArgs = append(callArgs, reflect.ValueOf(&Caller{mem: mem}))
		}
		for i, c := range params {
			// named Go types such as `type Handle uint32` need a conversion
			callArgs = append(callArgs, c.decode(args[i]).Convert(rt.In(in+i)))
		}

		outs := rv.Call(callArgs)
		if returnsErr {
			if errv := outs[len(outs)-1]; !errv.IsNil() {
				return nil, errv.Interface().(error)
			}
		}
		vals := make([]uint64, len(results))
		for i, c := range results {
			vals[i] = c.encode(outs[i])
		}
		return vals, nil
	}

	return sig, hf, nil
}

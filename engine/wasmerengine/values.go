//go:build cgo

package wasmerengine

import (
	"fmt"
	"math"

	"github.com/wasmerio/wasmer-go/wasmer"

	"github.com/wippyai/wasm-sandbox/engine"
)

func valueKind(t engine.ValueType) wasmer.ValueKind {
	switch t {
	case engine.ValueTypeI64:
		return wasmer.I64
	case engine.ValueTypeF32:
		return wasmer.F32
	case engine.ValueTypeF64:
		return wasmer.F64
	}
	return wasmer.I32
}

func valueTypes(ts []engine.ValueType) []*wasmer.ValueType {
	kinds := make([]wasmer.ValueKind, len(ts))
	for i, t := range ts {
		kinds[i] = valueKind(t)
	}
	return wasmer.NewValueTypes(kinds...)
}

// toGo decodes a uint64 into the Go value wasmer expects for t.
func toGo(v uint64, t engine.ValueType) any {
	switch t {
	case engine.ValueTypeI64:
		return int64(v)
	case engine.ValueTypeF32:
		return math.Float32frombits(uint32(v))
	case engine.ValueTypeF64:
		return math.Float64frombits(v)
	}
	return int32(uint32(v))
}

// fromGo encodes a value returned by wasmer as uint64.
func fromGo(v any) (uint64, error) {
	switch x := v.(type) {
	case int32:
		return uint64(uint32(x)), nil
	case int64:
		return uint64(x), nil
	case float32:
		return uint64(math.Float32bits(x)), nil
	case float64:
		return math.Float64bits(x), nil
	}
	return 0, fmt.Errorf("unsupported value %T", v)
}

func toValue(v uint64, t engine.ValueType) wasmer.Value {
	return wasmer.NewValue(toGo(v, t), valueKind(t))
}

func fromValues(vals []wasmer.Value) ([]uint64, error) {
	out := make([]uint64, len(vals))
	for i := range vals {
		u, err := fromGo(vals[i].Unwrap())
		if err != nil {
			return nil, err
		}
		out[i] = u
	}
	return out, nil
}

// results flattens what wasmer.Function.Call returns: nil, one value, or a
// slice for multiple results.
func results(v any) ([]uint64, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case []any:
		out := make([]uint64, len(x))
		for i, r := range x {
			u, err := fromGo(r)
			if err != nil {
				return nil, err
			}
			out[i] = u
		}
		return out, nil
	}
	u, err := fromGo(v)
	if err != nil {
		return nil, err
	}
	return []uint64{u}, nil
}

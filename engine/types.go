package engine

import (
	"fmt"
	"strings"

	"github.com/wippyai/wasm-sandbox/errors"
)

// ValueType is a WebAssembly number type. Values use the binary encoding.
type ValueType byte

const (
	ValueTypeI32 ValueType = 0x7f
	ValueTypeI64 ValueType = 0x7e
	ValueTypeF32 ValueType = 0x7d
	ValueTypeF64 ValueType = 0x7c
)

func (v ValueType) String() string {
	switch v {
	case ValueTypeI32:
		return "i32"
	case ValueTypeI64:
		return "i64"
	case ValueTypeF32:
		return "f32"
	case ValueTypeF64:
		return "f64"
	}
	return fmt.Sprintf("unknown(%#x)", byte(v))
}

// Valid reports whether v is one of the four number types.
func (v ValueType) Valid() bool {
	switch v {
	case ValueTypeI32, ValueTypeI64, ValueTypeF32, ValueTypeF64:
		return true
	}
	return false
}

// Signature is a function type. Values cross the boundary as uint64 in the
// wazero encoding: i32 zero-extended, floats as IEEE-754 bits.
type Signature struct {
	Params  []ValueType
	Results []ValueType
}

// Sig is a shorthand for building a Signature.
func Sig(params []ValueType, results ...ValueType) Signature {
	return Signature{Params: params, Results: results}
}

// Equal reports whether both signatures have identical params and results.
func (s Signature) Equal(o Signature) bool {
	return equalTypes(s.Params, o.Params) && equalTypes(s.Results, o.Results)
}

func (s Signature) String() string {
	return "(" + joinTypes(s.Params) + ") -> (" + joinTypes(s.Results) + ")"
}

func equalTypes(a, b []ValueType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func joinTypes(ts []ValueType) string {
	parts := make([]string, len(ts))
	for i, t := range ts {
		parts[i] = t.String()
	}
	return strings.Join(parts, ", ")
}

// Import is a function import slot declared by a module.
// Index is the position among the module's function imports.
type Import struct {
	Namespace string
	Name      string
	Signature Signature
	Index     int
}

// Key returns "namespace.name".
func (i Import) Key() string {
	return i.Namespace + "." + i.Name
}

// OptLevel trades compile time for code speed. It is part of the code
// identity even on adapters that compile every level the same way.
type OptLevel string

const (
	// OptDefault is the adapter's usual compiler.
	OptDefault OptLevel = ""
	// OptNone compiles as fast as possible.
	OptNone OptLevel = "none"
	// OptSpeed spends more time compiling for faster code.
	OptSpeed OptLevel = "speed"
)

// ParseOptLevel parses an optimization level name. "default" and the empty
// string are OptDefault.
func ParseOptLevel(s string) (OptLevel, error) {
	switch l := OptLevel(strings.ToLower(strings.TrimSpace(s))); l {
	case OptDefault, OptNone, OptSpeed:
		return l, nil
	case "default":
		return OptDefault, nil
	}
	return "", errors.InvalidInput(errors.PhaseConfig,
		fmt.Sprintf("unknown optimization level %q (want default, none or speed)", s))
}

func (l OptLevel) String() string {
	if l == OptDefault {
		return "default"
	}
	return string(l)
}

// ResetStrategy is how an adapter returns an instance to its baseline.
type ResetStrategy int

const (
	// ResetNone means instances cannot be reset and are always recreated.
	ResetNone ResetStrategy = iota
	// ResetSnapshot copies memory and mutable globals back from a saved baseline.
	ResetSnapshot
	// ResetCopyOnWrite maps memory privately over a shared baseline image and
	// drops the dirtied pages on reset.
	ResetCopyOnWrite
)

func (s ResetStrategy) String() string {
	switch s {
	case ResetNone:
		return "none"
	case ResetSnapshot:
		return "snapshot"
	case ResetCopyOnWrite:
		return "copy-on-write"
	}
	return fmt.Sprintf("ResetStrategy(%d)", int(s))
}

// Reusable reports whether instances can be reset instead of recreated.
func (s ResetStrategy) Reusable() bool {
	return s != ResetNone
}

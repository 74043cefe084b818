package engine

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/wippyai/wasm-sandbox/errors"
)

// ParseValue parses s as a value of type t in the uint64 encoding. Integers
// accept any base strconv understands and may be given signed or unsigned.
func ParseValue(s string, t ValueType) (uint64, error) {
	s = strings.TrimSpace(s)
	var (
		v   uint64
		err error
	)
	switch t {
	case ValueTypeI32:
		v, err = parseInt(s, 32)
	case ValueTypeI64:
		v, err = parseInt(s, 64)
	case ValueTypeF32:
		var f float64
		f, err = strconv.ParseFloat(s, 32)
		v = uint64(math.Float32bits(float32(f)))
	case ValueTypeF64:
		var f float64
		f, err = strconv.ParseFloat(s, 64)
		v = math.Float64bits(f)
	default:
		return 0, errors.InvalidInput(errors.PhaseExecute, fmt.Sprintf("unsupported value type %s", t))
	}
	if err != nil {
		return 0, errors.Wrap(errors.PhaseExecute, errors.KindInvalidInput, err, fmt.Sprintf("parse %q as %s", s, t))
	}
	return v, nil
}

func parseInt(s string, bits int) (uint64, error) {
	if i, err := strconv.ParseInt(s, 0, bits); err == nil {
		if bits == 32 {
			return uint64(uint32(int32(i))), nil
		}
		return uint64(i), nil
	}
	return strconv.ParseUint(s, 0, bits)
}

// FormatValue formats v of type t, integers as signed decimals.
func FormatValue(v uint64, t ValueType) string {
	switch t {
	case ValueTypeI32:
		return strconv.FormatInt(int64(int32(uint32(v))), 10)
	case ValueTypeI64:
		return strconv.FormatInt(int64(v), 10)
	case ValueTypeF32:
		return strconv.FormatFloat(float64(math.Float32frombits(uint32(v))), 'g', -1, 32)
	case ValueTypeF64:
		return strconv.FormatFloat(math.Float64frombits(v), 'g', -1, 64)
	}
	return strconv.FormatUint(v, 10)
}

package errors

import (
	stderrors "errors"
	"strings"
)

// trapMessages maps fragments of engine trap messages to causes. Both wazero
// and wasmer report traps with the wording of the WebAssembly reference test
// suite, so one table serves every adapter.
var trapMessages = []struct {
	fragment string
	cause    TrapCause
}{
	{"out of bounds memory access", CauseOutOfBounds},
	{"memory out of bounds", CauseOutOfBounds},
	{"heap_get_oob", CauseOutOfBounds},
	{"unreachable", CauseUnreachable},
	{"stack overflow", CauseStackExhausted},
	{"call stack exhausted", CauseStackExhausted},
	{"stack_overflow", CauseStackExhausted},
	{"integer divide by zero", CauseDivideByZero},
	{"int_divz", CauseDivideByZero},
	{"integer overflow", CauseIntegerOverflow},
	{"int_ovf", CauseIntegerOverflow},
	{"invalid conversion to integer", CauseInvalidConversion},
	{"bad_conversion_to_integer", CauseInvalidConversion},
	{"indirect call type mismatch", CauseIndirectCall},
	{"invalid table access", CauseIndirectCall},
	{"undefined element", CauseIndirectCall},
	{"uninitialized element", CauseIndirectCall},
	{"bad_signature", CauseIndirectCall},
	{"table_get_oob", CauseIndirectCall},
}

// ClassifyTrap maps an engine trap message onto a TrapCause.
func ClassifyTrap(msg string) TrapCause {
	lower := strings.ToLower(msg)
	for _, m := range trapMessages {
		if strings.Contains(lower, m.fragment) {
			return m.cause
		}
	}
	return CauseUnknown
}

// engineError carries the text of an engine error without its concrete type,
// so callers cannot type-assert into engine internals.
type engineError struct {
	msg string
}

func (e *engineError) Error() string { return e.msg }

// FromEngine converts an engine failure observed while executing fn into a Trap.
// The engine error value itself is dropped; only its message survives.
func FromEngine(err error, identity, fn string) *Error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	e := Trap(ClassifyTrap(msg), &engineError{msg: firstLine(msg)})
	e.Identity = identity
	e.Function = fn
	return e
}

// Opaque strips the concrete type of an engine error while keeping its text.
func Opaque(err error) error {
	if err == nil {
		return nil
	}
	return &engineError{msg: err.Error()}
}

// firstLine drops the wasm stack trace some engines append to trap messages.
func firstLine(msg string) string {
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		return msg[:i]
	}
	return msg
}

// HostTrap converts a failure returned by a host function into a trap on fn.
// Traps raised by the host keep their cause.
func HostTrap(err error, fn string) *Error {
	var e *Error
	if stderrors.As(err, &e) && e.Kind == KindTrap {
		cp := *e
		cp.Phase = PhaseExecute
		if cp.Function == "" {
			cp.Function = fn
		}
		return &cp
	}
	return New(PhaseExecute, KindTrap).
		Trap(CauseHostError).
		Function(fn).
		Cause(err).
		Build()
}

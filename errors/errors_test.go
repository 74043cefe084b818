package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		contains []string
	}{
		{
			name: "full error",
			err: New(PhaseExecute, KindTrap).
				Trap(CauseOutOfBounds).
				Function("store").
				Identity("sha256:0123456789abcdef0123").
				Offset(0x10000).
				Detail("write past end").
				Build(),
			contains: []string{"[execute]", "trap(out_of_bounds)", "in store", "of 0123456789ab", "0x10000", "write past end"},
		},
		{
			name: "minimal error",
			err: &Error{
				Phase: PhaseCompile,
				Kind:  KindCompile,
			},
			contains: []string{"[compile]", "compile"},
		},
		{
			name: "error with cause",
			err: &Error{
				Phase:  PhaseInstantiate,
				Kind:   KindInstantiation,
				Detail: "initial memory too large",
				Cause:  errors.New("underlying error"),
			},
			contains: []string{"[instantiate]", "instantiation", "initial memory too large", "caused by", "underlying error"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.err.Error()
			for _, s := range tt.contains {
				if !strings.Contains(msg, s) {
					t.Errorf("error message %q does not contain %q", msg, s)
				}
			}
		})
	}
}

func TestError_NoOffsetByDefault(t *testing.T) {
	err := &Error{Phase: PhaseMemory, Kind: KindMemoryLimit}
	if strings.Contains(err.Error(), "offset") {
		t.Errorf("unexpected offset in %q", err.Error())
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := Compile("bad magic", cause)

	if !errors.Is(err.Unwrap(), cause) {
		t.Error("Unwrap did not return cause")
	}
	if !errors.Is(err, cause) {
		t.Error("errors.Is did not find cause through chain")
	}
}

func TestError_Is(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
		want   bool
	}{
		{"same kind", Compile("x", nil), ErrCompile, true},
		{"different kind", Compile("x", nil), ErrInstantiation, false},
		{"trap template", Trap(CauseUnreachable, nil), ErrTrap, true},
		{"oob trap matches oob", Trap(CauseOutOfBounds, nil), ErrOutOfBounds, true},
		{"limit trap matches limit", Trap(CauseMemoryLimit, nil), ErrMemoryLimit, true},
		{"unreachable is not oob", Trap(CauseUnreachable, nil), ErrOutOfBounds, false},
		{"host oob", OutOfBounds(10, 4, 8), ErrOutOfBounds, true},
		{"host oob is not trap", OutOfBounds(10, 4, 8), ErrTrap, false},
		{"phase mismatch", MemoryLimit(1, 1, 1), &Error{Phase: PhaseExecute, Kind: KindMemoryLimit}, false},
		{"trap cause filter", Trap(CauseHostError, nil), &Error{Kind: KindTrap, Trap: CauseHostError}, true},
		{"wrapped", fmt.Errorf("call: %w", Trap(CauseStackExhausted, nil)), ErrTrap, true},
		{"non error target", Compile("x", nil), errors.New("x"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errors.Is(tt.err, tt.target); got != tt.want {
				t.Errorf("errors.Is = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBuilder(t *testing.T) {
	cause := errors.New("cause")
	err := New(PhaseHost, KindHostBinding).
		Function("ext_print").
		Cause(cause).
		Detail("value %d", 42).
		Build()

	if err.Phase != PhaseHost || err.Kind != KindHostBinding {
		t.Errorf("unexpected phase/kind: %s/%s", err.Phase, err.Kind)
	}
	if err.Detail != "value 42" {
		t.Errorf("Detail = %q", err.Detail)
	}
	if err.Cause != cause {
		t.Error("Cause not set")
	}
	if err.HasOffset {
		t.Error("HasOffset set without Offset call")
	}
}

func TestAnnotate(t *testing.T) {
	base := Trap(CauseUnreachable, nil)

	got := Annotate(base, "sha256:abc", "run")
	e, ok := got.(*Error)
	if !ok {
		t.Fatalf("Annotate returned %T", got)
	}
	if e.Identity != "sha256:abc" || e.Function != "run" {
		t.Errorf("Annotate did not fill context: %+v", e)
	}
	if base.Identity != "" {
		t.Error("Annotate mutated the original error")
	}

	preset := New(PhaseExecute, KindTrap).Function("inner").Build()
	if got := Annotate(preset, "", "outer").(*Error); got.Function != "inner" {
		t.Errorf("Annotate overwrote function: %q", got.Function)
	}

	plain := errors.New("plain")
	if Annotate(plain, "id", "fn") != plain {
		t.Error("Annotate changed a foreign error")
	}
}

func TestIsTrapAndCauseOf(t *testing.T) {
	trap := fmt.Errorf("wrapped: %w", Trap(CauseDivideByZero, nil))
	if !IsTrap(trap) {
		t.Error("IsTrap = false for wrapped trap")
	}
	if CauseOf(trap) != CauseDivideByZero {
		t.Errorf("CauseOf = %q", CauseOf(trap))
	}
	if IsTrap(Compile("x", nil)) {
		t.Error("IsTrap = true for compile error")
	}
	if CauseOf(errors.New("x")) != "" {
		t.Error("CauseOf non-empty for foreign error")
	}
}

func TestClassifyTrap(t *testing.T) {
	tests := []struct {
		msg  string
		want TrapCause
	}{
		{"wasm error: out of bounds memory access\nwasm stack trace:\n\tstore", CauseOutOfBounds},
		{"wasm error: unreachable", CauseUnreachable},
		{"wasm error: stack overflow", CauseStackExhausted},
		{"RuntimeError: call stack exhausted", CauseStackExhausted},
		{"wasm error: integer divide by zero", CauseDivideByZero},
		{"wasm error: integer overflow", CauseIntegerOverflow},
		{"wasm error: invalid conversion to integer", CauseInvalidConversion},
		{"wasm error: indirect call type mismatch", CauseIndirectCall},
		{"RuntimeError: undefined element: out of bounds table access", CauseIndirectCall},
		{"something else entirely", CauseUnknown},
	}

	for _, tt := range tests {
		t.Run(string(tt.want), func(t *testing.T) {
			if got := ClassifyTrap(tt.msg); got != tt.want {
				t.Errorf("ClassifyTrap(%q) = %q, want %q", tt.msg, got, tt.want)
			}
		})
	}
}

type fakeEngineError struct{ msg string }

func (e *fakeEngineError) Error() string { return e.msg }

func TestFromEngine(t *testing.T) {
	raw := &fakeEngineError{msg: "wasm error: out of bounds memory access\nwasm stack trace:\n\tf"}
	err := FromEngine(raw, "sha256:ff", "f")

	if err.Kind != KindTrap || err.Trap != CauseOutOfBounds {
		t.Fatalf("unexpected classification: %s", err)
	}
	var leaked *fakeEngineError
	if errors.As(err, &leaked) {
		t.Error("engine error type leaked through FromEngine")
	}
	if strings.Contains(err.Error(), "stack trace") {
		t.Errorf("stack trace not trimmed: %q", err.Error())
	}
	if FromEngine(nil, "", "") != nil {
		t.Error("FromEngine(nil) != nil")
	}
}

func TestUnresolvedImportError(t *testing.T) {
	err := &UnresolvedImportError{
		Imports: []UnresolvedImport{
			{Namespace: "env", Name: "ext_missing", Want: "(i32) -> ()"},
			{Namespace: "env", Name: "ext_typed", Want: "(i32) -> (i32)", Got: "(i64) -> (i32)"},
			{Namespace: "other", Name: "f"},
		},
	}

	msg := err.Error()
	for _, s := range []string{"3 import(s)", "env:", "ext_missing", "not registered", "ext_typed", "signature mismatch", "other:"} {
		if !strings.Contains(msg, s) {
			t.Errorf("message %q missing %q", msg, s)
		}
	}
	if strings.Index(msg, "env:") > strings.Index(msg, "other:") {
		t.Error("namespaces not kept in first-seen order")
	}

	wrapped := Instantiation("resolve imports", err)
	if !errors.Is(wrapped, ErrUnresolvedImport) {
		t.Error("errors.Is(ErrUnresolvedImport) failed through Instantiation")
	}
	if !errors.Is(wrapped, ErrInstantiation) {
		t.Error("errors.Is(ErrInstantiation) failed")
	}
	var target *UnresolvedImportError
	if !errors.As(wrapped, &target) {
		t.Fatal("errors.As failed")
	}
	if got := target.Names(); len(got) != 3 || got[0] != "env.ext_missing" {
		t.Errorf("Names() = %v", got)
	}

	if (&UnresolvedImportError{}).Error() == "" {
		t.Error("empty error message")
	}
}

func TestHostTrap(t *testing.T) {
	plain := errors.New("denied")
	err := HostTrap(plain, "run")
	if err.Kind != KindTrap || err.Trap != CauseHostError || err.Function != "run" {
		t.Errorf("unexpected trap: %+v", err)
	}
	if !errors.Is(err, plain) {
		t.Error("host error should be preserved as the cause")
	}

	raised := New(PhaseHost, KindTrap).Trap(CauseOutOfBounds).Build()
	err = HostTrap(raised, "run")
	if err.Phase != PhaseExecute || err.Trap != CauseOutOfBounds || err.Function != "run" {
		t.Errorf("unexpected trap: %+v", err)
	}
	if raised.Phase != PhaseHost {
		t.Error("original error must not be modified")
	}
}

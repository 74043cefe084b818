package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// Phase indicates where in processing the error occurred
type Phase string

const (
	PhaseCompile     Phase = "compile"     // bytecode to artifact
	PhaseInstantiate Phase = "instantiate" // artifact to instance
	PhaseExecute     Phase = "execute"     // function invocation
	PhaseMemory      Phase = "memory"      // host access to linear memory
	PhaseHost        Phase = "host"        // host function registration and resolution
	PhasePool        Phase = "pool"        // instance lifecycle
	PhaseConfig      Phase = "config"      // configuration loading
)

// Kind categorizes the error
type Kind string

const (
	KindCompile          Kind = "compile"
	KindInstantiation    Kind = "instantiation"
	KindOutOfBounds      Kind = "out_of_bounds"
	KindMemoryLimit      Kind = "memory_limit"
	KindTrap             Kind = "trap"
	KindHostBinding      Kind = "host_binding"
	KindUnresolvedImport Kind = "unresolved_import"
	KindInvalidInput     Kind = "invalid_input"
	KindNotFound         Kind = "not_found"
	KindClosed           Kind = "closed"
)

// TrapCause says why an execution trapped.
type TrapCause string

const (
	CauseOutOfBounds       TrapCause = "out_of_bounds"
	CauseMemoryLimit       TrapCause = "memory_limit"
	CauseUnreachable       TrapCause = "unreachable"
	CauseStackExhausted    TrapCause = "stack_exhausted"
	CauseDivideByZero      TrapCause = "divide_by_zero"
	CauseIntegerOverflow   TrapCause = "integer_overflow"
	CauseInvalidConversion TrapCause = "invalid_conversion"
	CauseIndirectCall      TrapCause = "indirect_call"
	CauseHostError         TrapCause = "host_error"
	CauseUnknown           TrapCause = "unknown"
)

// Error is the structured error type returned across the sandbox boundary.
// Engine specific errors are never exposed directly; they are classified and
// carried as a plain message in Cause.
type Error struct {
	Cause     error
	Phase     Phase
	Kind      Kind
	Trap      TrapCause
	Identity  string
	Function  string
	Detail    string
	Offset    uint64
	HasOffset bool
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))
	if e.Trap != "" {
		b.WriteByte('(')
		b.WriteString(string(e.Trap))
		b.WriteByte(')')
	}

	if e.Function != "" {
		b.WriteString(" in ")
		b.WriteString(e.Function)
	}
	if e.Identity != "" {
		b.WriteString(" of ")
		b.WriteString(shortIdentity(e.Identity))
	}
	if e.HasOffset {
		fmt.Fprintf(&b, " at offset %#x", e.Offset)
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error.
// Empty fields of the target act as wildcards. A trap caused by an out of bounds
// access or a memory limit also matches the corresponding non-trap kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Phase != "" && t.Phase != e.Phase {
		return false
	}
	if t.Trap != "" && t.Trap != e.Trap {
		return false
	}
	if t.Kind == "" || t.Kind == e.Kind {
		return true
	}
	if e.Kind == KindTrap {
		switch t.Kind {
		case KindOutOfBounds:
			return e.Trap == CauseOutOfBounds
		case KindMemoryLimit:
			return e.Trap == CauseMemoryLimit
		}
	}
	return false
}

// Templates for errors.Is checks.
var (
	ErrCompile       = &Error{Kind: KindCompile}
	ErrInstantiation = &Error{Kind: KindInstantiation}
	ErrOutOfBounds   = &Error{Kind: KindOutOfBounds}
	ErrMemoryLimit   = &Error{Kind: KindMemoryLimit}
	ErrTrap          = &Error{Kind: KindTrap}
	ErrHostBinding   = &Error{Kind: KindHostBinding}
	ErrNotFound      = &Error{Kind: KindNotFound}
	ErrClosed        = &Error{Kind: KindClosed}
)

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Trap sets the trap cause
func (b *Builder) Trap(cause TrapCause) *Builder {
	b.err.Trap = cause
	return b
}

// Identity sets the code identity the error belongs to
func (b *Builder) Identity(id string) *Builder {
	b.err.Identity = id
	return b
}

// Function sets the function name
func (b *Builder) Function(name string) *Builder {
	b.err.Function = name
	return b
}

// Offset sets the linear memory address involved
func (b *Builder) Offset(offset uint64) *Builder {
	b.err.Offset = offset
	b.err.HasOffset = true
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Convenience constructors for the taxonomy

// Compile creates a compile error for malformed or unsupported bytecode
func Compile(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseCompile,
		Kind:   KindCompile,
		Detail: detail,
		Cause:  cause,
	}
}

// Instantiation creates an instantiation error
func Instantiation(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseInstantiate,
		Kind:   KindInstantiation,
		Detail: detail,
		Cause:  cause,
	}
}

// OutOfBounds creates an out of bounds error for a host side memory access
func OutOfBounds(offset uint64, length uint64, size uint64) *Error {
	return &Error{
		Phase:     PhaseMemory,
		Kind:      KindOutOfBounds,
		Detail:    fmt.Sprintf("access of %d bytes exceeds memory size %d", length, size),
		Offset:    offset,
		HasOffset: true,
	}
}

// MemoryLimit creates a memory limit error for a rejected grow request
func MemoryLimit(current, delta, ceiling uint32) *Error {
	return &Error{
		Phase:  PhaseMemory,
		Kind:   KindMemoryLimit,
		Detail: fmt.Sprintf("grow by %d pages from %d exceeds ceiling of %d pages", delta, current, ceiling),
	}
}

// Trap creates an execution trap
func Trap(cause TrapCause, err error) *Error {
	return &Error{
		Phase: PhaseExecute,
		Kind:  KindTrap,
		Trap:  cause,
		Cause: err,
	}
}

// HostBinding creates a host function configuration error
func HostBinding(namespace, name, detail string) *Error {
	return &Error{
		Phase:  PhaseHost,
		Kind:   KindHostBinding,
		Detail: fmt.Sprintf("%s.%s: %s", namespace, name, detail),
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: detail,
	}
}

// NotFound creates a not-found error
func NotFound(phase Phase, what, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("%s %q not found", what, name),
	}
}

// Closed creates an error for use after close
func Closed(phase Phase, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindClosed,
		Detail: fmt.Sprintf("%s is closed", what),
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}

// Annotate fills the identity and function of err when it is an *Error that
// does not carry them yet. Other errors are returned unchanged.
func Annotate(err error, identity, function string) error {
	e, ok := err.(*Error)
	if !ok {
		return err
	}
	if (e.Identity != "" || identity == "") && (e.Function != "" || function == "") {
		return e
	}
	cp := *e
	if cp.Identity == "" {
		cp.Identity = identity
	}
	if cp.Function == "" {
		cp.Function = function
	}
	return &cp
}

// IsTrap reports whether err is an execution trap.
func IsTrap(err error) bool {
	var e *Error
	return stderrors.As(err, &e) && e.Kind == KindTrap
}

// CauseOf returns the trap cause of err, or an empty cause for non-traps.
func CauseOf(err error) TrapCause {
	var e *Error
	if stderrors.As(err, &e) && e.Kind == KindTrap {
		return e.Trap
	}
	return ""
}

func shortIdentity(id string) string {
	_, hex, found := strings.Cut(id, ":")
	if !found {
		hex = id
	}
	if len(hex) > 12 {
		return hex[:12]
	}
	return hex
}

// Package errors provides the error taxonomy of the sandbox.
//
// Errors are categorized by Phase (where the error occurred) and Kind (error category).
// Execution failures carry Kind trap together with a TrapCause. The Error type also
// records the code identity, function name and memory offset involved.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseExecute, errors.KindTrap).
//		Trap(errors.CauseOutOfBounds).
//		Function("write").
//		Offset(0x10000).
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.OutOfBounds(offset, length, size)
//	err := errors.MemoryLimit(current, delta, ceiling)
//
// All errors support errors.Is against the Err* templates. A trap caused by an
// out of bounds access matches both ErrTrap and ErrOutOfBounds.
package errors

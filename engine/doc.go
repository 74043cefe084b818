// Package engine defines the contract every execution engine implements.
//
// An Adapter turns bytecode into an immutable Artifact and artifacts into
// Instances. Adapters self-register by name from their package init functions:
//
//	import _ "github.com/wippyai/wasm-sandbox/engine/wazeroengine" // interpreter, compiler
//	import _ "github.com/wippyai/wasm-sandbox/engine/wasmerengine" // jit (cgo)
//
//	adapter, err := engine.New("interpreter", engine.Options{})
//
// # Architecture
//
//	Adapter   - compiles bytecode and creates instances for one engine
//	Artifact  - compiled module plus its Info, shared read-only
//	Instance  - one live module with its own memory, used by one caller at a time
//
// # Values
//
// Arguments and results are passed as uint64 regardless of engine:
//
//	Type   Encoding
//	─────────────────────────────────────
//	i32    zero-extended to 64 bits
//	i64    as is
//	f32    math.Float32bits, zero-extended
//	f64    math.Float64bits
//
// # Reset Strategies
//
// Adapters declare how an instance returns to its post-instantiation baseline:
//
//	ResetNone         - not supported, the pool recreates instances
//	ResetSnapshot     - memory pages and mutable globals are copied back
//	ResetCopyOnWrite  - memory is a private mapping of a shared image; reset
//	                    drops the private pages
//
// Every strategy refuses to reset an instance whose memory grew, since memory
// cannot shrink back to the baseline size. The pool discards such instances.
//
// # Thread Safety
//
// Adapters and Artifacts are safe for concurrent use. Instances are NOT
// thread-safe and must be used by a single goroutine.
package engine

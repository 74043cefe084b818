// Package wasmerengine runs modules on wasmer and registers the "jit" engine.
//
// The engine needs cgo. Without it the package is empty and "jit" is not
// registered, so engine.New("jit", ...) reports the engine as not found.
//
// wasmer offers no hook into memory allocation. A per-instance heap ceiling
// below the compiled one is enforced by compiling a variant of the module
// whose memory maximum is that ceiling; variants are cached per artifact.
// Instances reset by snapshot.
//
// Host functions called from a start function receive a nil memory bridge,
// since the instance's exports are not reachable before instantiation ends.
// Calls cannot be interrupted; context cancellation is only observed before
// a call starts.
package wasmerengine

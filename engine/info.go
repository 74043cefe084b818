package engine

import "github.com/wippyai/wasm-sandbox/memory"

// Info describes an instrumented module. It is computed once at compile time
// and shared read-only by every instance.
type Info struct {
	// Imports lists function imports in import index order.
	Imports []Import

	// Exports maps exported function names to their signatures.
	Exports map[string]Signature

	// Globals lists the export names of every mutable global, in global index
	// order. Resetting an instance restores these.
	Globals []string

	// MemoryExport is the export name of the linear memory, empty when the
	// module has no memory.
	MemoryExport string

	// InitialPages is the memory size right after instantiation.
	InitialPages uint32

	// Ceiling is the maximum page count, the lower of the declared maximum
	// and the configured heap pages.
	Ceiling uint32

	// HeapBase is the first address free for an external allocator.
	HeapBase uint32

	// HasStart is set when the module declares a start function.
	HasStart bool

	// StartExport names the start function when instrumentation deferred it
	// to an export. The adapter calls it once the instance can reach memory.
	StartExport string

	// ResidualState is set when code drops segments or writes table entries.
	// A reset does not restore those, so such instances are never reused.
	ResidualState bool

	// Baseline is the memory contents a fresh instance starts with, or nil when
	// it cannot be derived statically.
	Baseline *memory.Snapshot
}

// Export returns the signature of an exported function.
func (i *Info) Export(name string) (Signature, bool) {
	sig, ok := i.Exports[name]
	return sig, ok
}

// StaticBaseline reports whether every fresh instance has Baseline as its
// memory contents: no start function runs and all data is known up front.
func (i *Info) StaticBaseline() bool {
	return !i.HasStart && i.Baseline != nil
}

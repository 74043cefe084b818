package engine

import (
	"context"

	"github.com/wippyai/wasm-sandbox/memory"
)

// Adapter compiles and executes modules on one concrete engine.
// Adapters and their artifacts are safe for concurrent use; instances are not.
type Adapter interface {
	// Name returns the registered engine name.
	Name() string

	// ResetStrategy returns the fastest reset the adapter supports.
	// Individual instances may fall back to a slower strategy.
	ResetStrategy() ResetStrategy

	// Compile validates and compiles code. Failures are compile errors.
	Compile(ctx context.Context, code []byte, cfg CompileConfig) (Artifact, error)

	// Instantiate creates a Fresh instance. heapPages lowers the artifact's
	// ceiling for this instance; zero keeps it. bindings must be aligned with
	// Artifact.Info().Imports. Failures are instantiation errors.
	Instantiate(ctx context.Context, a Artifact, heapPages uint32, bindings Bindings) (Instance, error)

	// Close releases engine wide resources.
	Close(ctx context.Context) error
}

// Artifact is an immutable compiled module shared by all its instances.
type Artifact interface {
	Engine() string
	Info() *Info
	Close(ctx context.Context) error
}

// Instance is one executable realization of an Artifact. It is used by one
// caller at a time.
type Instance interface {
	// Invoke calls an exported function synchronously.
	// Execution failures are traps; unknown exports and argument count
	// mismatches are invalid input errors.
	Invoke(ctx context.Context, name string, args []uint64) ([]uint64, error)

	// Memory returns the linear memory bridge, or nil when the module has none.
	Memory() *memory.Bridge

	// Global reads an exported global.
	Global(name string) (uint64, error)

	// Strategy returns the reset strategy this instance actually uses.
	Strategy() ResetStrategy

	// Reset restores the post-instantiation baseline. A failed reset leaves the
	// instance unusable.
	Reset(ctx context.Context) error

	Close(ctx context.Context) error
}

// HostFunc is a host implemented import. mem is the caller's memory bridge and
// is nil for modules without memory. Returning an error traps the guest.
type HostFunc func(ctx context.Context, mem *memory.Bridge, args []uint64) ([]uint64, error)

// Binding resolves one import slot.
type Binding struct {
	Import Import
	Func   HostFunc
}

// Bindings is aligned with Info.Imports.
type Bindings []Binding

// CompileConfig is the compilation part of the code identity.
type CompileConfig struct {
	// HeapPages is the ceiling on linear memory in 64KiB pages.
	HeapPages uint32

	// ExtraHeapPages is added to the module's declared initial memory.
	ExtraHeapPages uint32

	// OptLevel selects the compiler where the adapter offers a choice.
	OptLevel OptLevel
}

// Serializer is implemented by adapters whose artifacts can be persisted.
type Serializer interface {
	Serialize(a Artifact) ([]byte, error)
}

// Deserializer restores artifacts persisted by a Serializer. code is the
// original bytecode the blob was produced from.
type Deserializer interface {
	Deserialize(ctx context.Context, code, blob []byte, cfg CompileConfig) (Artifact, error)
}

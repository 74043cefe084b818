// Package wazeroengine runs modules on wazero and registers the
// "interpreter" and "compiler" engines.
//
// Every artifact owns a wazero.Runtime holding the compiled module and one
// host module per import namespace. Host functions look up the calling
// instance through the context, so instances of one artifact share the host
// modules but keep their own bindings.
//
// Linear memory is allocated through experimental.WithMemoryAllocator and is
// bounded by the instance ceiling. On linux the compiler backs memory with a
// private mapping of a memfd holding the artifact's baseline; reset then
// discards the written pages with madvise. Elsewhere, and for modules whose
// baseline depends on a start function, reset copies back a snapshot.
package wazeroengine

// Package artifact identifies compiled modules and caches them.
//
// An Identity is a digest over the bytecode and everything that changes the
// compiled result: engine, heap ceiling, extra heap pages and the
// instrumentation version. The Cache compiles each identity at most once,
// remembers compile failures for good, and reference counts artifacts so an
// evicted artifact is closed only after its last instance is gone.
//
// A Store persists compiled code across processes for adapters that
// implement engine.Serializer and engine.Deserializer.
package artifact

// Package memory bridges the host's byte-addressable view of guest linear memory
// and the engine's native representation.
//
// A Bridge enforces bounds on every access, a page ceiling on growth and reports
// the heap base an external allocator may manage. Snapshot captures memory contents
// sparsely so an instance can be restored to its baseline by rewriting only the
// pages that changed.
package memory

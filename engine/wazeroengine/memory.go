package wazeroengine

import (
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"

	"github.com/wippyai/wasm-sandbox/memory"
)

// linearMemory is a memory buffer handed to wazero.
type linearMemory interface {
	experimental.LinearMemory
	free()
}

// allocator implements experimental.MemoryAllocator for a single
// instantiation. It caps the memory at the instance ceiling, so guest
// memory.grow beyond it returns -1, and keeps the buffer for the instance.
type allocator struct {
	limit uint64
	image *image
	mem   linearMemory
}

func (a *allocator) Allocate(capacity, max uint64) experimental.LinearMemory {
	limit := min(max, a.limit)
	if a.image != nil {
		if m, err := a.image.mapPrivate(limit); err == nil {
			a.mem = m
			return m
		}
		a.image = nil
	}
	a.mem = &sliceMemory{limit: limit, buf: make([]byte, 0, min(capacity, limit))}
	return a.mem
}

// cow reports whether the allocated memory is a private image mapping.
func (a *allocator) cow() bool {
	return a.image != nil && a.mem != nil
}

func (a *allocator) free() {
	if a.mem != nil {
		a.mem.free()
	}
}

// sliceMemory is a heap backed memory bounded by limit.
type sliceMemory struct {
	buf   []byte
	limit uint64
}

func (m *sliceMemory) Reallocate(size uint64) []byte {
	if size > m.limit {
		return nil
	}
	if size <= uint64(cap(m.buf)) {
		// never shrinks, so the tail is still zero
		m.buf = m.buf[:size]
		return m.buf
	}
	grown := make([]byte, size, min(max(size, 2*uint64(cap(m.buf))), m.limit))
	copy(grown, m.buf)
	m.buf = grown
	return m.buf
}

func (m *sliceMemory) Free() { m.free() }

func (m *sliceMemory) free() { m.buf = nil }

// raw adapts api.Memory to memory.Raw.
type raw struct {
	mem api.Memory
}

func (r *raw) Bytes() []byte {
	b, _ := r.mem.Read(0, r.mem.Size())
	return b
}

func (r *raw) Grow(delta uint32) (uint32, bool) {
	return r.mem.Grow(delta)
}

// cowRaw additionally drops private pages back to the shared image.
type cowRaw struct {
	raw
	d memory.Decommitter
}

func (r *cowRaw) Decommit() error { return r.d.Decommit() }

var (
	_ memory.Raw         = (*raw)(nil)
	_ memory.Decommitter = (*cowRaw)(nil)
)

//go:build linux

package wazeroengine

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/wippyai/wasm-sandbox/memory"
)

const cowSupported = true

// image is a memfd holding the baseline memory of an artifact. Instances map
// it privately, so untouched pages are shared and reset only has to drop the
// pages an instance wrote.
type image struct {
	fd   int
	size uint64
	mu   sync.Mutex
}

func newImage(baseline *memory.Snapshot, ceiling uint32) (*image, error) {
	if baseline == nil {
		return nil, fmt.Errorf("no static baseline")
	}
	size := uint64(ceiling) * memory.PageSize
	if size == 0 || size < baseline.Size() {
		return nil, fmt.Errorf("image of %d bytes cannot hold a %d byte baseline", size, baseline.Size())
	}

	fd, err := unix.MemfdCreate("wasm-sandbox-baseline", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("ftruncate: %w", err)
	}

	if n := baseline.Size(); n > 0 {
		shared, err := unix.Mmap(fd, 0, int(n), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("mmap baseline: %w", err)
		}
		baseline.WriteTo(shared)
		if err := unix.Munmap(shared); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("munmap baseline: %w", err)
		}
	}

	return &image{fd: fd, size: size}, nil
}

// mapPrivate maps limit bytes of the image copy-on-write.
func (img *image) mapPrivate(limit uint64) (*cowMemory, error) {
	img.mu.Lock()
	defer img.mu.Unlock()

	if img.fd < 0 {
		return nil, fmt.Errorf("image closed")
	}
	if limit == 0 || limit > img.size {
		return nil, fmt.Errorf("mapping of %d bytes outside image of %d bytes", limit, img.size)
	}
	buf, err := unix.Mmap(img.fd, 0, int(limit), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mmap private: %w", err)
	}
	return &cowMemory{buf: buf}, nil
}

// close releases the descriptor. Existing mappings stay valid.
func (img *image) close() error {
	img.mu.Lock()
	defer img.mu.Unlock()

	if img.fd < 0 {
		return nil
	}
	err := unix.Close(img.fd)
	img.fd = -1
	return err
}

// cowMemory is a private mapping of an image reserved up to the ceiling.
type cowMemory struct {
	buf  []byte
	size uint64
}

func (m *cowMemory) Reallocate(size uint64) []byte {
	if m.buf == nil || size > uint64(len(m.buf)) {
		return nil
	}
	m.size = size
	return m.buf[:size]
}

// Decommit discards written pages. The next access reads the image again.
func (m *cowMemory) Decommit() error {
	if m.size == 0 {
		return nil
	}
	return unix.Madvise(m.buf[:m.size], unix.MADV_DONTNEED)
}

func (m *cowMemory) Free() { m.free() }

func (m *cowMemory) free() {
	if m.buf == nil {
		return
	}
	_ = unix.Munmap(m.buf)
	m.buf = nil
}

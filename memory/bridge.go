package memory

import (
	"encoding/binary"

	wasmsandbox "github.com/wippyai/wasm-sandbox"
	"github.com/wippyai/wasm-sandbox/errors"
)

// PageSize is the size of one WebAssembly page in bytes.
const PageSize = 65536

// MaxPages is the largest page count addressable by 32-bit memory.
const MaxPages = 65536

// Raw is the engine native memory a Bridge wraps.
type Raw interface {
	// Bytes returns the current backing slice. The slice is invalidated by Grow.
	Bytes() []byte
	// Grow adds delta zeroed pages, returning the previous page count.
	Grow(delta uint32) (previous uint32, ok bool)
}

// Decommitter is implemented by raw memories that can release their pages back
// to the operating system while keeping the contents observable as the baseline.
type Decommitter interface {
	Decommit() error
}

var (
	_ wasmsandbox.Memory       = (*Bridge)(nil)
	_ wasmsandbox.MemorySizer  = (*Bridge)(nil)
	_ wasmsandbox.HeapReporter = (*Bridge)(nil)
)

// Bridge is the host view of one instance's linear memory.
// It is owned by the instance and must not be used after the call that
// obtained it returns.
type Bridge struct {
	raw      Raw
	ceiling  uint32
	heapBase uint32
}

// NewBridge wraps raw memory. ceiling is the maximum page count; zero means
// MaxPages. heapBase is clamped to the current size.
func NewBridge(raw Raw, ceiling, heapBase uint32) *Bridge {
	if ceiling == 0 || ceiling > MaxPages {
		ceiling = MaxPages
	}
	return &Bridge{raw: raw, ceiling: ceiling, heapBase: heapBase}
}

// Raw returns the wrapped engine memory.
func (b *Bridge) Raw() Raw {
	return b.raw
}

// Size returns the memory size in bytes.
// A full 4GiB memory reports 0, as with wazero's api.Memory.
func (b *Bridge) Size() uint32 {
	return uint32(len(b.raw.Bytes()))
}

func (b *Bridge) size64() uint64 {
	return uint64(len(b.raw.Bytes()))
}

// Pages returns the current page count.
func (b *Bridge) Pages() uint32 {
	return uint32(b.size64() / PageSize)
}

// Ceiling returns the maximum page count growth may reach.
func (b *Bridge) Ceiling() uint32 {
	return b.ceiling
}

// HeapBase returns the first address available to an external allocator.
// It never exceeds the current size.
func (b *Bridge) HeapBase() uint32 {
	if size := b.size64(); uint64(b.heapBase) > size {
		return uint32(size)
	}
	return b.heapBase
}

// View returns the live bytes of [offset, offset+length) without copying.
// The slice is invalidated by growth.
func (b *Bridge) View(offset uint32, length uint32) ([]byte, error) {
	buf := b.raw.Bytes()
	end := uint64(offset) + uint64(length)
	if end > uint64(len(buf)) {
		return nil, errors.OutOfBounds(uint64(offset), uint64(length), uint64(len(buf)))
	}
	return buf[offset:end:end], nil
}

// Read returns a copy of [offset, offset+length).
func (b *Bridge) Read(offset uint32, length uint32) ([]byte, error) {
	view, err := b.View(offset, length)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(view))
	copy(out, view)
	return out, nil
}

// Write copies data to offset.
func (b *Bridge) Write(offset uint32, data []byte) error {
	view, err := b.View(offset, uint32(len(data)))
	if err != nil {
		return err
	}
	copy(view, data)
	return nil
}

func (b *Bridge) ReadU8(offset uint32) (uint8, error) {
	view, err := b.View(offset, 1)
	if err != nil {
		return 0, err
	}
	return view[0], nil
}

func (b *Bridge) ReadU16(offset uint32) (uint16, error) {
	view, err := b.View(offset, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(view), nil
}

func (b *Bridge) ReadU32(offset uint32) (uint32, error) {
	view, err := b.View(offset, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(view), nil
}

func (b *Bridge) ReadU64(offset uint32) (uint64, error) {
	view, err := b.View(offset, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(view), nil
}

func (b *Bridge) WriteU8(offset uint32, value uint8) error {
	view, err := b.View(offset, 1)
	if err != nil {
		return err
	}
	view[0] = value
	return nil
}

func (b *Bridge) WriteU16(offset uint32, value uint16) error {
	view, err := b.View(offset, 2)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(view, value)
	return nil
}

func (b *Bridge) WriteU32(offset uint32, value uint32) error {
	view, err := b.View(offset, 4)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(view, value)
	return nil
}

func (b *Bridge) WriteU64(offset uint32, value uint64) error {
	view, err := b.View(offset, 8)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(view, value)
	return nil
}

// Grow adds delta zeroed pages and returns the previous page count.
// Growth past the ceiling fails with a memory limit error and leaves the
// size unchanged.
func (b *Bridge) Grow(delta uint32) (uint32, error) {
	current := b.Pages()
	if uint64(current)+uint64(delta) > uint64(b.ceiling) {
		return current, errors.MemoryLimit(current, delta, b.ceiling)
	}
	if delta == 0 {
		return current, nil
	}
	previous, ok := b.raw.Grow(delta)
	if !ok {
		return current, errors.MemoryLimit(current, delta, b.ceiling)
	}
	return previous, nil
}

// Decommit releases the pages of the underlying memory when supported.
// It reports whether the engine memory supports decommit.
func (b *Bridge) Decommit() (bool, error) {
	d, ok := b.raw.(Decommitter)
	if !ok {
		return false, nil
	}
	return true, d.Decommit()
}

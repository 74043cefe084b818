package memory

import (
	"bytes"
	stderrors "errors"
	"slices"
)

// ErrSizeChanged is returned by Restore when the memory no longer has the size
// the snapshot was taken at. Memory cannot shrink, so such an instance cannot
// return to its baseline.
var ErrSizeChanged = stderrors.New("memory size differs from snapshot")

// Segment is an active data segment placed at a constant offset.
type Segment struct {
	Offset uint32
	Data   []byte
}

// Snapshot is a sparse copy of linear memory: only pages holding non-zero bytes
// are stored.
type Snapshot struct {
	pages map[uint32][]byte
	size  uint64
}

// Capture snapshots the given memory contents.
func Capture(data []byte) *Snapshot {
	s := &Snapshot{pages: make(map[uint32][]byte), size: uint64(len(data))}
	for off := uint64(0); off < s.size; off += PageSize {
		page := data[off:min(off+PageSize, s.size)]
		if !isZero(page) {
			s.pages[uint32(off/PageSize)] = bytes.Clone(page)
		}
	}
	return s
}

// FromSegments builds the snapshot a fresh instance has after its data segments
// were applied to zeroed memory of the given page count. Segments are applied in
// order, later ones overwriting earlier ones. It returns false when a segment
// does not fit.
func FromSegments(pages uint32, segments []Segment) (*Snapshot, bool) {
	s := &Snapshot{pages: make(map[uint32][]byte), size: uint64(pages) * PageSize}
	for _, seg := range segments {
		end := uint64(seg.Offset) + uint64(len(seg.Data))
		if end > s.size {
			return nil, false
		}
		s.put(uint64(seg.Offset), seg.Data)
	}
	return s, true
}

func (s *Snapshot) put(offset uint64, data []byte) {
	for len(data) > 0 {
		idx := uint32(offset / PageSize)
		within := offset % PageSize
		n := min(uint64(len(data)), PageSize-within)
		page, ok := s.pages[idx]
		if !ok {
			page = make([]byte, min(PageSize, s.size-uint64(idx)*PageSize))
			s.pages[idx] = page
		}
		copy(page[within:], data[:n])
		data = data[n:]
		offset += n
	}
}

// Size returns the memory size in bytes the snapshot was taken at.
func (s *Snapshot) Size() uint64 {
	return s.size
}

// Pages returns the page count the snapshot was taken at.
func (s *Snapshot) Pages() uint32 {
	return uint32(s.size / PageSize)
}

// Resident returns the number of stored non-zero pages.
func (s *Snapshot) Resident() int {
	return len(s.pages)
}

// Restore rewrites dst to the snapshot contents, touching only pages that differ.
// It returns the number of rewritten pages.
func (s *Snapshot) Restore(dst []byte) (int, error) {
	if uint64(len(dst)) != s.size {
		return 0, ErrSizeChanged
	}
	dirty := 0
	for off := uint64(0); off < s.size; off += PageSize {
		page := dst[off:min(off+PageSize, s.size)]
		want, ok := s.pages[uint32(off/PageSize)]
		switch {
		case !ok:
			if !isZero(page) {
				clear(page)
				dirty++
			}
		case !bytes.Equal(page, want):
			copy(page, want)
			dirty++
		}
	}
	return dirty, nil
}

// WriteTo materializes the snapshot into dst, which must be at least Size bytes
// and zeroed.
func (s *Snapshot) WriteTo(dst []byte) {
	idx := make([]uint32, 0, len(s.pages))
	for i := range s.pages {
		idx = append(idx, i)
	}
	slices.Sort(idx)
	for _, i := range idx {
		copy(dst[uint64(i)*PageSize:], s.pages[i])
	}
}

func isZero(b []byte) bool {
	for len(b) >= 8 {
		if b[0]|b[1]|b[2]|b[3]|b[4]|b[5]|b[6]|b[7] != 0 {
			return false
		}
		b = b[8:]
	}
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

package blob

import (
	"bytes"
	"fmt"
	"io"

	"github.com/tetratelabs/wabin/binary"
	"github.com/tetratelabs/wabin/leb128"
	"github.com/tetratelabs/wabin/wasm"
)

const headerSize = 8

// sectionOrder ranks known sections in the order the binary format requires.
// The data count section sits between the element and code sections.
var sectionOrder = map[wasm.SectionID]int{
	wasm.SectionIDType:      1,
	wasm.SectionIDImport:    2,
	wasm.SectionIDFunction:  3,
	wasm.SectionIDTable:     4,
	wasm.SectionIDMemory:    5,
	wasm.SectionIDGlobal:    6,
	wasm.SectionIDExport:    7,
	wasm.SectionIDStart:     8,
	wasm.SectionIDElement:   9,
	wasm.SectionIDDataCount: 10,
	wasm.SectionIDCode:      11,
	wasm.SectionIDData:      12,
}

// Encode encodes m. Unlike binary.EncodeModule it keeps the data count
// section, which bulk memory instructions require.
func Encode(m *wasm.Module) []byte {
	code := binary.EncodeModule(m)
	if m.DataCountSection == nil {
		return code
	}
	out, err := splice(code, map[wasm.SectionID][]byte{
		wasm.SectionIDDataCount: section(wasm.SectionIDDataCount, leb128.EncodeUint32(*m.DataCountSection)),
	})
	if err != nil {
		// binary.EncodeModule output is always well formed
		panic(err)
	}
	return out
}

// encodeSections returns the encoded sections of m that instrumentation
// rewrites. An empty entry drops the section.
func encodeSections(m *wasm.Module) map[wasm.SectionID][]byte {
	return map[wasm.SectionID][]byte{
		wasm.SectionIDImport: stripHeader(binary.EncodeModule(&wasm.Module{ImportSection: m.ImportSection})),
		wasm.SectionIDMemory: stripHeader(binary.EncodeModule(&wasm.Module{MemorySection: m.MemorySection})),
		wasm.SectionIDExport: stripHeader(binary.EncodeModule(&wasm.Module{ExportSection: m.ExportSection})),
		wasm.SectionIDStart:  stripHeader(binary.EncodeModule(&wasm.Module{StartSection: m.StartSection})),
	}
}

func stripHeader(code []byte) []byte {
	return code[headerSize:]
}

func section(id wasm.SectionID, contents []byte) []byte {
	out := append([]byte{id}, leb128.EncodeUint32(uint32(len(contents)))...)
	return append(out, contents...)
}

// splice copies code section by section, substituting the sections in
// replace. Replacements for sections code lacks are inserted at their
// position in the section order. Everything else, custom sections included,
// is kept byte for byte.
func splice(code []byte, replace map[wasm.SectionID][]byte) ([]byte, error) {
	if len(code) < headerSize {
		return nil, fmt.Errorf("module of %d bytes has no header", len(code))
	}
	out := append(make([]byte, 0, len(code)+64), code[:headerSize]...)
	done := make(map[wasm.SectionID]bool, len(replace))

	flush := func(before int) {
		for rank := 1; rank < before; rank++ {
			for id, b := range replace {
				if sectionOrder[id] == rank && !done[id] {
					out = append(out, b...)
					done[id] = true
				}
			}
		}
	}

	r := bytes.NewReader(code[headerSize:])
	for r.Len() > 0 {
		start := len(code) - r.Len()
		id, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		size, _, err := leb128.DecodeUint32(r)
		if err != nil {
			return nil, fmt.Errorf("section %d: %w", id, err)
		}
		if uint64(size) > uint64(r.Len()) {
			return nil, fmt.Errorf("section %d: size %d exceeds the remaining %d bytes", id, size, r.Len())
		}
		end := len(code) - r.Len() + int(size)
		if _, err := r.Seek(int64(size), io.SeekCurrent); err != nil {
			return nil, err
		}

		if id == wasm.SectionIDCustom {
			out = append(out, code[start:end]...)
			continue
		}
		rank, ok := sectionOrder[id]
		if !ok {
			return nil, fmt.Errorf("unknown section id %d", id)
		}
		flush(rank)
		if b, ok := replace[id]; ok {
			out = append(out, b...)
			done[id] = true
			continue
		}
		out = append(out, code[start:end]...)
	}
	flush(len(sectionOrder) + 1)
	return out, nil
}

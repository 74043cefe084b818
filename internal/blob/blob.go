// Package blob instruments module bytecode before it is handed to an engine.
//
// Instrumentation makes every engine observe the same module shape:
//
//   - an imported memory becomes a defined, exported memory
//   - the memory maximum is lowered to the heap page ceiling and the initial
//     size is extended by the extra heap pages
//   - every mutable global is exported so instance state can be restored
//
// Decoding is done by wabin. Only the rewritten sections are re-encoded, the
// rest of the module is copied as is. Code bodies are walked but never
// validated, that is left to the engines.
package blob

import (
	"bytes"
	"fmt"

	"github.com/tetratelabs/wabin/binary"
	"github.com/tetratelabs/wabin/leb128"
	"github.com/tetratelabs/wabin/wasm"

	"github.com/wippyai/wasm-sandbox/engine"
	"github.com/wippyai/wasm-sandbox/errors"
	"github.com/wippyai/wasm-sandbox/memory"
)

const (
	// MemoryExport is the name a memory is exported under when the module
	// does not export it itself.
	MemoryExport = "memory"

	// HeapBaseExport is the conventional global holding the heap start.
	HeapBaseExport = "__heap_base"

	// StartExport is the export name of a deferred start function.
	StartExport = "__sandbox_start"

	globalExportPrefix = "__sandbox_global_"
	fallbackMemory     = "__sandbox_memory"
	heapAlign          = 16
)

// Options control instrumentation.
type Options struct {
	// HeapPages caps memory growth. Zero means the 32-bit maximum.
	HeapPages uint32

	// ExtraHeapPages is added to the declared initial memory.
	ExtraHeapPages uint32

	// DeferStart removes the start section and exports the start function
	// instead, for engines whose host functions cannot reach memory before
	// instantiation returns. The caller runs it right after instantiating.
	DeferStart bool
}

// Module is an instrumented module.
type Module struct {
	Code []byte
	Info *engine.Info
}

// Prepare decodes code, instruments it and encodes the result.
// Malformed code and imports the sandbox can never provide fail with a compile error.
func Prepare(code []byte, opts Options) (*Module, error) {
	m, err := binary.DecodeModule(code, wasm.CoreFeaturesV2)
	if err != nil {
		return nil, errors.Compile("decode module", errors.Opaque(err))
	}

	info := &engine.Info{Exports: make(map[string]engine.Signature)}

	funcImports, err := rewriteImports(m, info)
	if err != nil {
		return nil, err
	}

	if err := limitMemory(m, info, opts); err != nil {
		return nil, err
	}

	if err := collectExports(m, info, funcImports); err != nil {
		return nil, err
	}

	exportGlobals(m, info)

	info.HasStart = m.StartSection != nil
	if info.HasStart && opts.DeferStart {
		deferStart(m, info)
	}
	info.ResidualState = residualState(m.CodeSection)

	segments, static, dataEnd := dataSegments(m)
	if m.MemorySection != nil && static {
		if snap, ok := memory.FromSegments(info.InitialPages, segments); ok {
			info.Baseline = snap
		}
	}

	if base, ok := heapBaseGlobal(m); ok {
		info.HeapBase = base
	} else {
		info.HeapBase = alignUp(dataEnd, heapAlign)
	}

	out, err := splice(code, encodeSections(m))
	if err != nil {
		return nil, errors.Compile("encode module", err)
	}
	return &Module{Code: out, Info: info}, nil
}

// rewriteImports collects function imports and turns a memory import into a
// defined memory. It returns the number of function imports.
func rewriteImports(m *wasm.Module, info *engine.Info) (uint32, error) {
	kept := m.ImportSection[:0]
	var funcImports uint32

	for _, imp := range m.ImportSection {
		switch imp.Type {
		case wasm.ExternTypeFunc:
			if int(imp.DescFunc) >= len(m.TypeSection) {
				return 0, errors.Compile(fmt.Sprintf("import %s.%s: type index %d out of range", imp.Module, imp.Name, imp.DescFunc), nil)
			}
			info.Imports = append(info.Imports, engine.Import{
				Namespace: imp.Module,
				Name:      imp.Name,
				Signature: signature(m.TypeSection[imp.DescFunc]),
				Index:     int(funcImports),
			})
			funcImports++
			kept = append(kept, imp)
		case wasm.ExternTypeMemory:
			if m.MemorySection != nil {
				return 0, errors.Compile("multiple memories are not supported", nil)
			}
			m.MemorySection = imp.DescMem
		default:
			return 0, errors.Compile(fmt.Sprintf("import %s.%s: only function and memory imports can be provided", imp.Module, imp.Name), nil)
		}
	}

	m.ImportSection = kept
	return funcImports, nil
}

// limitMemory applies the extra pages and ceiling to the memory and makes sure
// it is exported.
func limitMemory(m *wasm.Module, info *engine.Info, opts Options) error {
	mem := m.MemorySection
	if mem == nil {
		return nil
	}

	ceiling := opts.HeapPages
	if ceiling == 0 || ceiling > memory.MaxPages {
		ceiling = memory.MaxPages
	}
	if mem.IsMaxEncoded && mem.Max < ceiling {
		ceiling = mem.Max
	}

	initial := uint64(mem.Min) + uint64(opts.ExtraHeapPages)
	if initial > memory.MaxPages {
		return errors.Compile(fmt.Sprintf("initial memory of %d pages exceeds the 32-bit limit", initial), nil)
	}

	mem.Min = uint32(initial)
	// An initial size above the ceiling is rejected per instance at
	// instantiation, so keep the module itself valid.
	mem.Max = max(ceiling, mem.Min)
	mem.IsMaxEncoded = true

	info.InitialPages = mem.Min
	info.Ceiling = ceiling

	for _, exp := range m.ExportSection {
		if exp.Type == wasm.ExternTypeMemory {
			info.MemoryExport = exp.Name
			return nil
		}
	}

	name := MemoryExport
	if hasExport(m, name) {
		name = fallbackMemory
	}
	m.ExportSection = append(m.ExportSection, &wasm.Export{Type: wasm.ExternTypeMemory, Name: name, Index: 0})
	info.MemoryExport = name
	return nil
}

func collectExports(m *wasm.Module, info *engine.Info, funcImports uint32) error {
	for _, exp := range m.ExportSection {
		if exp.Type != wasm.ExternTypeFunc {
			continue
		}
		typeIdx, ok := funcType(m, exp.Index, funcImports)
		if !ok {
			return errors.Compile(fmt.Sprintf("export %q: function index %d out of range", exp.Name, exp.Index), nil)
		}
		info.Exports[exp.Name] = signature(m.TypeSection[typeIdx])
	}
	return nil
}

func funcType(m *wasm.Module, idx, funcImports uint32) (uint32, bool) {
	if idx < funcImports {
		n := uint32(0)
		for _, imp := range m.ImportSection {
			if imp.Type != wasm.ExternTypeFunc {
				continue
			}
			if n == idx {
				return imp.DescFunc, int(imp.DescFunc) < len(m.TypeSection)
			}
			n++
		}
		return 0, false
	}
	local := idx - funcImports
	if int(local) >= len(m.FunctionSection) {
		return 0, false
	}
	t := m.FunctionSection[local]
	return t, int(t) < len(m.TypeSection)
}

// exportGlobals exports every mutable global that is not exported yet.
// Imported globals are rejected earlier, so global indices start at zero.
func exportGlobals(m *wasm.Module, info *engine.Info) {
	exported := make(map[uint32]string)
	for _, exp := range m.ExportSection {
		if exp.Type == wasm.ExternTypeGlobal {
			if _, ok := exported[exp.Index]; !ok {
				exported[exp.Index] = exp.Name
			}
		}
	}

	for i, g := range m.GlobalSection {
		if !g.Type.Mutable {
			continue
		}
		idx := uint32(i)
		name, ok := exported[idx]
		if !ok {
			name = fmt.Sprintf("%s%d", globalExportPrefix, idx)
			m.ExportSection = append(m.ExportSection, &wasm.Export{Type: wasm.ExternTypeGlobal, Name: name, Index: idx})
		}
		info.Globals = append(info.Globals, name)
	}
}

// dataSegments returns the active segments. static is false when an offset
// is not a constant. dataEnd is the highest byte written by any segment.
func dataSegments(m *wasm.Module) (segments []memory.Segment, static bool, dataEnd uint32) {
	static = true
	for _, d := range m.DataSection {
		if d.OffsetExpression == nil {
			continue // passive
		}
		offset, ok := constI32(d.OffsetExpression)
		if !ok {
			static = false
			continue
		}
		end := uint64(uint32(offset)) + uint64(len(d.Init))
		if end > uint64(dataEnd) && end <= 1<<32-1 {
			dataEnd = uint32(end)
		}
		segments = append(segments, memory.Segment{Offset: uint32(offset), Data: d.Init})
	}
	return segments, static, dataEnd
}

// deferStart turns the start section into an export. Exports are collected
// before this runs, so the start function never shows up as callable.
func deferStart(m *wasm.Module, info *engine.Info) {
	name := StartExport
	for n := 0; hasExport(m, name); n++ {
		name = fmt.Sprintf("%s%d", StartExport, n)
	}
	m.ExportSection = append(m.ExportSection, &wasm.Export{Type: wasm.ExternTypeFunc, Name: name, Index: *m.StartSection})
	m.StartSection = nil
	info.StartExport = name
}

func heapBaseGlobal(m *wasm.Module) (uint32, bool) {
	for _, exp := range m.ExportSection {
		if exp.Type != wasm.ExternTypeGlobal || exp.Name != HeapBaseExport {
			continue
		}
		if int(exp.Index) >= len(m.GlobalSection) {
			return 0, false
		}
		v, ok := constI32(m.GlobalSection[exp.Index].Init)
		return uint32(v), ok
	}
	return 0, false
}

func constI32(expr *wasm.ConstantExpression) (int32, bool) {
	if expr == nil || expr.Opcode != wasm.OpcodeI32Const {
		return 0, false
	}
	v, _, err := leb128.DecodeInt32(bytes.NewReader(expr.Data))
	if err != nil {
		return 0, false
	}
	return v, true
}

func hasExport(m *wasm.Module, name string) bool {
	for _, exp := range m.ExportSection {
		if exp.Name == name {
			return true
		}
	}
	return false
}

func signature(ft *wasm.FunctionType) engine.Signature {
	sig := engine.Signature{
		Params:  make([]engine.ValueType, len(ft.Params)),
		Results: make([]engine.ValueType, len(ft.Results)),
	}
	for i, p := range ft.Params {
		sig.Params[i] = engine.ValueType(p)
	}
	for i, r := range ft.Results {
		sig.Results[i] = engine.ValueType(r)
	}
	return sig
}

func alignUp(v, align uint32) uint32 {
	r := (uint64(v) + uint64(align) - 1) / uint64(align) * uint64(align)
	if r > 1<<32-1 {
		return v
	}
	return uint32(r)
}

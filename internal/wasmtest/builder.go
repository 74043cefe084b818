// Package wasmtest builds small modules for tests without a toolchain.
package wasmtest

import (
	"github.com/tetratelabs/wabin/leb128"
	"github.com/tetratelabs/wabin/wasm"

	"github.com/wippyai/wasm-sandbox/internal/blob"
)

// Value types.
const (
	I32 = wasm.ValueTypeI32
	I64 = wasm.ValueTypeI64
	F32 = wasm.ValueTypeF32
	F64 = wasm.ValueTypeF64
)

// Opcodes used by the fixtures.
const (
	OpUnreachable  byte = 0x00
	OpBlock        byte = 0x02
	OpLoop         byte = 0x03
	OpIf           byte = 0x04
	OpElse         byte = 0x05
	OpEnd          byte = 0x0b
	OpBr           byte = 0x0c
	OpBrIf         byte = 0x0d
	OpReturn       byte = 0x0f
	OpCall         byte = 0x10
	OpDrop         byte = 0x1a
	OpLocalGet     byte = 0x20
	OpLocalSet     byte = 0x21
	OpLocalTee     byte = 0x22
	OpGlobalGet    byte = 0x23
	OpGlobalSet    byte = 0x24
	OpI32Load      byte = 0x28
	OpI64Load      byte = 0x29
	OpI32Load8U    byte = 0x2d
	OpI32Store     byte = 0x36
	OpI64Store     byte = 0x37
	OpI32Store8    byte = 0x3a
	OpMemorySize   byte = 0x3f
	OpMemoryGrow   byte = 0x40
	OpI32Const     byte = 0x41
	OpI64Const     byte = 0x42
	OpI32Eqz       byte = 0x45
	OpI32Eq        byte = 0x46
	OpI32Add       byte = 0x6a
	OpI32Sub       byte = 0x6b
	OpI32Mul       byte = 0x6c
	OpI32DivS      byte = 0x6d
	OpI64Add       byte = 0x7c
	BlockTypeEmpty byte = 0x40
)

// Builder assembles a module. Function imports must be added before any
// defined function so indices stay stable.
type Builder struct {
	m           *wasm.Module
	funcImports uint32
	defined     bool
	dataCount   bool
}

// New returns an empty module builder.
func New() *Builder {
	return &Builder{m: &wasm.Module{}}
}

func (b *Builder) typeIndex(params, results []wasm.ValueType) uint32 {
	for i, ft := range b.m.TypeSection {
		if equalTypes(ft.Params, params) && equalTypes(ft.Results, results) {
			return uint32(i)
		}
	}
	b.m.TypeSection = append(b.m.TypeSection, &wasm.FunctionType{Params: params, Results: results})
	return uint32(len(b.m.TypeSection) - 1)
}

// ImportFunc adds a function import and returns its function index.
func (b *Builder) ImportFunc(ns, name string, params, results []wasm.ValueType) uint32 {
	if b.defined {
		panic("wasmtest: function import after defined function")
	}
	b.m.ImportSection = append(b.m.ImportSection, &wasm.Import{
		Type:     wasm.ExternTypeFunc,
		Module:   ns,
		Name:     name,
		DescFunc: b.typeIndex(params, results),
	})
	b.funcImports++
	return b.funcImports - 1
}

// ImportMemory adds a memory import.
func (b *Builder) ImportMemory(ns, name string, min uint32) *Builder {
	b.m.ImportSection = append(b.m.ImportSection, &wasm.Import{
		Type:    wasm.ExternTypeMemory,
		Module:  ns,
		Name:    name,
		DescMem: &wasm.Memory{Min: min},
	})
	return b
}

// ImportGlobal adds a global import. Sandboxed modules reject these.
func (b *Builder) ImportGlobal(ns, name string) *Builder {
	b.m.ImportSection = append(b.m.ImportSection, &wasm.Import{
		Type:       wasm.ExternTypeGlobal,
		Module:     ns,
		Name:       name,
		DescGlobal: &wasm.GlobalType{ValType: I32},
	})
	return b
}

// Memory defines the memory. A zero max leaves it unbounded.
func (b *Builder) Memory(min, max uint32) *Builder {
	b.m.MemorySection = &wasm.Memory{Min: min, Max: max, IsMaxEncoded: max > 0}
	return b
}

// ExportMemory exports the memory under name.
func (b *Builder) ExportMemory(name string) *Builder {
	b.m.ExportSection = append(b.m.ExportSection, &wasm.Export{Type: wasm.ExternTypeMemory, Name: name})
	return b
}

// Func defines a function and exports it when name is not empty.
// body must not include the trailing end opcode.
func (b *Builder) Func(name string, params, results, locals []wasm.ValueType, body ...byte) uint32 {
	b.defined = true
	b.m.FunctionSection = append(b.m.FunctionSection, b.typeIndex(params, results))
	b.m.CodeSection = append(b.m.CodeSection, &wasm.Code{
		LocalTypes: locals,
		Body:       append(append([]byte{}, body...), OpEnd),
	})
	idx := b.funcImports + uint32(len(b.m.FunctionSection)) - 1
	if name != "" {
		b.m.ExportSection = append(b.m.ExportSection, &wasm.Export{Type: wasm.ExternTypeFunc, Name: name, Index: idx})
	}
	return idx
}

// Global defines an i32 global and exports it when name is not empty.
func (b *Builder) Global(name string, mutable bool, init int32) uint32 {
	b.m.GlobalSection = append(b.m.GlobalSection, &wasm.Global{
		Type: &wasm.GlobalType{ValType: I32, Mutable: mutable},
		Init: &wasm.ConstantExpression{Opcode: wasm.OpcodeI32Const, Data: leb128.EncodeInt32(init)},
	})
	idx := uint32(len(b.m.GlobalSection) - 1)
	if name != "" {
		b.m.ExportSection = append(b.m.ExportSection, &wasm.Export{Type: wasm.ExternTypeGlobal, Name: name, Index: idx})
	}
	return idx
}

// Data adds an active data segment at a constant offset.
func (b *Builder) Data(offset uint32, data []byte) *Builder {
	b.m.DataSection = append(b.m.DataSection, &wasm.DataSegment{
		OffsetExpression: &wasm.ConstantExpression{Opcode: wasm.OpcodeI32Const, Data: leb128.EncodeInt32(int32(offset))},
		Init:             data,
	})
	return b
}

// DataAtGlobal adds an active data segment whose offset is read from a global.
func (b *Builder) DataAtGlobal(global uint32, data []byte) *Builder {
	b.m.DataSection = append(b.m.DataSection, &wasm.DataSegment{
		OffsetExpression: &wasm.ConstantExpression{Opcode: wasm.OpcodeGlobalGet, Data: leb128.EncodeUint32(global)},
		Init:             data,
	})
	return b
}

// PassiveData adds a passive data segment and returns its index. The module
// then carries a data count section.
func (b *Builder) PassiveData(data []byte) uint32 {
	b.m.DataSection = append(b.m.DataSection, &wasm.DataSegment{Init: data})
	b.dataCount = true
	return uint32(len(b.m.DataSection) - 1)
}

// Start sets the start function.
func (b *Builder) Start(fn uint32) *Builder {
	b.m.StartSection = &fn
	return b
}

// Bytes encodes the module.
func (b *Builder) Bytes() []byte {
	if b.dataCount {
		n := uint32(len(b.m.DataSection))
		b.m.DataCountSection = &n
	}
	return blob.Encode(b.m)
}

// Instruction helpers.

// I32Const encodes i32.const v.
func I32Const(v int32) []byte {
	return append([]byte{OpI32Const}, leb128.EncodeInt32(v)...)
}

// I64Const encodes i64.const v.
func I64Const(v int64) []byte {
	return append([]byte{OpI64Const}, leb128.EncodeInt64(v)...)
}

// LocalGet encodes local.get i.
func LocalGet(i uint32) []byte {
	return append([]byte{OpLocalGet}, leb128.EncodeUint32(i)...)
}

// GlobalGet encodes global.get i.
func GlobalGet(i uint32) []byte {
	return append([]byte{OpGlobalGet}, leb128.EncodeUint32(i)...)
}

// GlobalSet encodes global.set i.
func GlobalSet(i uint32) []byte {
	return append([]byte{OpGlobalSet}, leb128.EncodeUint32(i)...)
}

// Call encodes call fn.
func Call(fn uint32) []byte {
	return append([]byte{OpCall}, leb128.EncodeUint32(fn)...)
}

// Mem encodes a memory access with the given alignment exponent and offset.
func Mem(op byte, align, offset uint32) []byte {
	out := []byte{op}
	out = append(out, leb128.EncodeUint32(align)...)
	return append(out, leb128.EncodeUint32(offset)...)
}

// MemoryInit encodes memory.init seg, copying into memory 0.
func MemoryInit(seg uint32) []byte {
	out := append([]byte{wasm.OpcodeMiscPrefix}, leb128.EncodeUint32(uint32(wasm.OpcodeMiscMemoryInit))...)
	out = append(out, leb128.EncodeUint32(seg)...)
	return append(out, 0x00)
}

// DataDrop encodes data.drop seg.
func DataDrop(seg uint32) []byte {
	out := append([]byte{wasm.OpcodeMiscPrefix}, leb128.EncodeUint32(uint32(wasm.OpcodeMiscDataDrop))...)
	return append(out, leb128.EncodeUint32(seg)...)
}

// Code concatenates instruction fragments.
func Code(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// Op wraps single byte opcodes for Code.
func Op(ops ...byte) []byte {
	return ops
}

// Types is shorthand for a value type list.
func Types(ts ...wasm.ValueType) []wasm.ValueType {
	return ts
}

func equalTypes(a, b []wasm.ValueType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

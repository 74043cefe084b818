package wasmtest

// Fixture modules shared by the engine, pool and runtime tests.

// CounterAddr is where Counter stores its latest value.
const CounterAddr = 16

// Add exports add(i32, i32) -> i32 and a one page memory.
func Add() []byte {
	b := New().Memory(1, 0)
	b.Func("add", Types(I32, I32), Types(I32), nil,
		Code(LocalGet(0), LocalGet(1), Op(OpI32Add))...)
	return b.Bytes()
}

// Arith exports add, sub, mul and div over i32 plus add64 over i64.
func Arith() []byte {
	b := New().Memory(1, 0)
	b.Func("add", Types(I32, I32), Types(I32), nil, Code(LocalGet(0), LocalGet(1), Op(OpI32Add))...)
	b.Func("sub", Types(I32, I32), Types(I32), nil, Code(LocalGet(0), LocalGet(1), Op(OpI32Sub))...)
	b.Func("mul", Types(I32, I32), Types(I32), nil, Code(LocalGet(0), LocalGet(1), Op(OpI32Mul))...)
	b.Func("div", Types(I32, I32), Types(I32), nil, Code(LocalGet(0), LocalGet(1), Op(OpI32DivS))...)
	b.Func("add64", Types(I64, I64), Types(I64), nil, Code(LocalGet(0), LocalGet(1), Op(OpI64Add))...)
	return b.Bytes()
}

// ImportsFunc imports ns.name with no params or results and exports run,
// which calls it.
func ImportsFunc(ns, name string) []byte {
	b := New().Memory(1, 0)
	f := b.ImportFunc(ns, name, nil, nil)
	b.Func("run", nil, nil, nil, Call(f)...)
	return b.Bytes()
}

// HostCall imports env.add_one(i32) -> i32 and exports call(i32) -> i32,
// which returns env.add_one(x).
func HostCall() []byte {
	b := New().Memory(1, 0)
	f := b.ImportFunc("env", "add_one", Types(I32), Types(I32))
	b.Func("call", Types(I32), Types(I32), nil, Code(LocalGet(0), Call(f))...)
	return b.Bytes()
}

// HostMemory imports env.fill(ptr, len i32) and exports
// fill_and_load(ptr, len) -> i32, which calls env.fill and returns the byte
// at ptr.
func HostMemory() []byte {
	b := New().Memory(1, 0)
	f := b.ImportFunc("env", "fill", Types(I32, I32), nil)
	b.Func("fill_and_load", Types(I32, I32), Types(I32), nil,
		Code(LocalGet(0), LocalGet(1), Call(f), LocalGet(0), Mem(OpI32Load8U, 0, 0))...)
	return b.Bytes()
}

// Grow exports grow(delta i32) -> i32 and size() -> i32 over a memory that
// starts at min pages and is capped at max pages (zero for unbounded).
func Grow(min, max uint32) []byte {
	b := New().Memory(min, max)
	b.Func("grow", Types(I32), Types(I32), nil, Code(LocalGet(0), Op(OpMemoryGrow, 0x00))...)
	b.Func("size", nil, Types(I32), nil, Op(OpMemorySize, 0x00)...)
	return b.Bytes()
}

// Store exports store(addr, val i32), load(addr i32) -> i32 and
// store8(addr, val i32) over a one page memory.
func Store() []byte {
	b := New().Memory(1, 0)
	b.Func("store", Types(I32, I32), nil, nil, Code(LocalGet(0), LocalGet(1), Mem(OpI32Store, 2, 0))...)
	b.Func("load", Types(I32), Types(I32), nil, Code(LocalGet(0), Mem(OpI32Load, 2, 0))...)
	b.Func("store8", Types(I32, I32), nil, nil, Code(LocalGet(0), LocalGet(1), Mem(OpI32Store8, 0, 0))...)
	return b.Bytes()
}

// Counter keeps a mutable global. incr() adds one, stores the value at
// CounterAddr and returns it. get() returns the global.
func Counter() []byte {
	b := New().Memory(1, 0)
	g := b.Global("", true, 0)
	b.Func("incr", nil, Types(I32), nil, Code(
		GlobalGet(g), I32Const(1), Op(OpI32Add), GlobalSet(g),
		I32Const(CounterAddr), GlobalGet(g), Mem(OpI32Store, 2, 0),
		GlobalGet(g),
	)...)
	b.Func("get", nil, Types(I32), nil, GlobalGet(g)...)
	return b.Bytes()
}

// Unreachable exports boom(), which traps.
func Unreachable() []byte {
	b := New().Memory(1, 0)
	b.Func("boom", nil, nil, nil, OpUnreachable)
	return b.Bytes()
}

// Spin exports spin(), which never returns.
func Spin() []byte {
	b := New().Memory(1, 0)
	b.Func("spin", nil, nil, nil, OpLoop, BlockTypeEmpty, OpBr, 0x00, OpEnd)
	return b.Bytes()
}

// Start has a start function that sets an exported global to 42 and stores it
// at address 0. get() returns the global.
func Start() []byte {
	b := New().Memory(1, 0)
	g := b.Global("state", true, 0)
	start := b.Func("", nil, nil, nil, Code(
		I32Const(42), GlobalSet(g),
		I32Const(0), GlobalGet(g), Mem(OpI32Store, 2, 0),
	)...)
	b.Func("get", nil, Types(I32), nil, GlobalGet(g)...)
	b.Start(start)
	return b.Bytes()
}

// HeapBase exports __heap_base = base and places data at address 8.
func HeapBase(base int32) []byte {
	b := New().Memory(1, 0)
	b.Global("__heap_base", false, base)
	b.Data(8, []byte("sandbox"))
	b.Func("noop", nil, nil, nil)
	return b.Bytes()
}

// Data places payload at offset and exports load8(addr) -> i32.
func Data(offset uint32, payload []byte) []byte {
	b := New().Memory(1, 0)
	b.Data(offset, payload)
	b.Func("load8", Types(I32), Types(I32), nil, Code(LocalGet(0), Mem(OpI32Load8U, 0, 0))...)
	return b.Bytes()
}

// Dispatch exports add and sub plus dispatch(index, a, b) -> i32 which calls
// add for index 0 and sub otherwise.
func Dispatch() []byte {
	b := New().Memory(1, 0)
	add := b.Func("add", Types(I32, I32), Types(I32), nil, Code(LocalGet(0), LocalGet(1), Op(OpI32Add))...)
	sub := b.Func("sub", Types(I32, I32), Types(I32), nil, Code(LocalGet(0), LocalGet(1), Op(OpI32Sub))...)
	b.Func("dispatch", Types(I32, I32, I32), Types(I32), nil, Code(
		LocalGet(0), Op(OpI32Eqz),
		Op(OpIf, byte(I32)),
		LocalGet(1), LocalGet(2), Call(add),
		Op(OpElse),
		LocalGet(1), LocalGet(2), Call(sub),
		Op(OpEnd),
	)...)
	return b.Bytes()
}

// Allocator exports a bump allocator: allocate(size) -> ptr starting at
// 1024 and deallocate(ptr, size) which does nothing.
func Allocator() []byte {
	b := New().Memory(1, 0)
	g := b.Global("", true, 1024)
	b.Func("allocate", Types(I32), Types(I32), nil, Code(
		GlobalGet(g),
		GlobalGet(g), LocalGet(0), Op(OpI32Add), GlobalSet(g),
	)...)
	b.Func("deallocate", Types(I32, I32), nil, nil)
	return b.Bytes()
}

// ImportedMemory imports env.memory with min pages and exports size().
func ImportedMemory(min uint32) []byte {
	b := New().ImportMemory("env", "memory", min)
	b.Func("size", nil, Types(I32), nil, Op(OpMemorySize, 0x00)...)
	return b.Bytes()
}

// ImportedGlobal imports env.g, which cannot be provided.
func ImportedGlobal() []byte {
	b := New().Memory(1, 0).ImportGlobal("env", "g")
	b.Func("noop", nil, nil, nil)
	return b.Bytes()
}

// StartHost has a start function that calls env.init. get() returns the
// byte at address 0, where env.init is expected to write.
func StartHost() []byte {
	b := New().Memory(1, 0)
	f := b.ImportFunc("env", "init", nil, nil)
	start := b.Func("", nil, nil, nil, Call(f)...)
	b.Func("get", nil, Types(I32), nil, Code(I32Const(0), Mem(OpI32Load8U, 0, 0))...)
	b.Start(start)
	return b.Bytes()
}

// Segments exports f() -> i32, which copies the passive segment 01 02 03 04
// to address 0, drops the segment and returns the word at 0. A second call on
// the same instance traps because the segment is gone.
func Segments() []byte {
	b := New().Memory(1, 0)
	seg := b.PassiveData([]byte{1, 2, 3, 4})
	b.Func("f", nil, Types(I32), nil, Code(
		I32Const(0), I32Const(0), I32Const(4), MemoryInit(seg),
		DataDrop(seg),
		I32Const(0), Mem(OpI32Load, 2, 0),
	)...)
	return b.Bytes()
}

// SegmentsKept is Segments without the data.drop, so every call succeeds.
func SegmentsKept() []byte {
	b := New().Memory(1, 0)
	seg := b.PassiveData([]byte{1, 2, 3, 4})
	b.Func("f", nil, Types(I32), nil, Code(
		I32Const(0), I32Const(0), I32Const(4), MemoryInit(seg),
		I32Const(0), Mem(OpI32Load, 2, 0),
	)...)
	return b.Bytes()
}

// NoMemory exports add without defining a memory.
func NoMemory() []byte {
	b := New()
	b.Func("add", Types(I32, I32), Types(I32), nil, Code(LocalGet(0), LocalGet(1), Op(OpI32Add))...)
	return b.Bytes()
}

// Garbage is not a module.
func Garbage() []byte {
	return []byte("\x00asm\x02\x00\x00\x00garbage")
}

// Package wasmsandbox runs untrusted WebAssembly modules behind one engine-neutral
// execution interface.
//
// The same compiled module can be executed by the wazero interpreter, the wazero
// compiler or wasmer, selected by configuration. Observable behaviour (results,
// traps, memory limits, host calls) is identical across engines; only instance
// creation cost and the available reset strategy differ.
//
// # Architecture Overview
//
//	wasmsandbox/         Root package with Memory, Allocator and HeapReporter contracts
//	├── runtime/         Compile/Call facade and the per-call execution state machine
//	├── pool/            Instance lifecycle: recreate, reset and pooled reuse with LRU eviction
//	├── artifact/        Code identity, compile cache and persisted artifact stores
//	├── engine/          Engine adapter contract, registry and value codecs
//	│   ├── wazeroengine/  interpreter and compiler adapters
//	│   ├── wasmerengine/  jit adapter (cgo)
//	│   └── enginetest/    conformance suite shared by every adapter
//	├── memory/          Linear memory bridge, ceilings and snapshots
//	├── host/            Host function registry and import resolution
//	├── config/          YAML configuration
//	├── errors/          Error taxonomy shared by every engine
//	└── cmd/run/         Command line runner with an interactive mode
//
// # Quick Start
//
//	cfg := config.Default()
//	cfg.InstanceReusePolicy = pool.PolicyReset
//
//	rt, err := runtime.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer rt.Close(ctx)
//
//	id, err := rt.Compile(ctx, wasmBytes)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	results, err := rt.Call(ctx, id, "add", []uint64{2, 3}, 0)
//	fmt.Println(results) // [5]
//
// # Host Functions
//
//	err := rt.RegisterFunc("env", "log_i32", func(ctx context.Context, v int32) {
//	    fmt.Println(v)
//	})
//
// A host function error or panic aborts the call with a trap whose cause is
// errors.CauseHostError.
//
// # Thread Safety
//
// Runtime is safe for concurrent use. Each call runs on an instance owned
// exclusively by that call. Sessions obtained from Runtime.Acquire must be used
// by a single goroutine.
//
// # Memory Model
//
// Linear memory only grows. Growth beyond the configured heap_pages ceiling fails
// with a memory_limit error and leaves the memory size unchanged. Instances whose
// memory grew during a call cannot be reset to their baseline and are discarded.
package wasmsandbox

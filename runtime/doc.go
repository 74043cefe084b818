// Package runtime is the entry point of the sandbox: it compiles modules once
// and runs their exports on instances managed by the pool.
//
// # Quick Start
//
//	rt, err := runtime.New(config.Default())
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
//	out, err := rt.Call(ctx, id, "add", []uint64{2, 3}, 0)
//	fmt.Println(out) // [5]
//
// # Calls
//
// Every Call acquires an instance, runs one export and releases the instance.
// Depending on instance_reuse_policy the instance is then closed (recreate),
// reset and kept alone (reset) or reset and pooled (pool). Results do not
// depend on the policy.
//
// A call moves through the states
//
//	Idle -> Dispatching -> Running -> Completed
//	                   \          \-> Trapped
//	                    \-> Trapped
//
// Observers registered with WithObserver see every transition; LogObserver
// logs the terminal ones.
//
// # Sessions
//
// Acquire checks out an instance for several calls so memory written through
// Session.Memory or by the guest stays visible between them:
//
//	s, err := rt.Acquire(ctx, id, 0)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer s.Release(ctx)
//
//	alloc, _ := s.Allocator(ctx)
//	ptr, _ := alloc.Alloc(5, 1)
//	_ = s.Memory().Write(ptr, []byte("hello"))
//	out, err := s.Call(ctx, "consume", []uint64{uint64(ptr), 5})
//
// # Host Functions
//
// Host functions are registered before the modules importing them are
// instantiated:
//
//	rt.RegisterFunc("env", "log_i32", func(ctx context.Context, v int32) {
//	    log.Println(v)
//	})
//
// A host function that returns an error or panics traps the guest with
// errors.CauseHostError.
//
// # Thread Safety
//
// Runtime is safe for concurrent use. Sessions and Executions are not.
package runtime

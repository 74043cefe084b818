// Package host holds the functions a sandboxed module may import.
//
// Functions are registered under a (namespace, name) key with a declared
// signature, either directly as an engine.HostFunc, through a typed Go
// function, or as the exported methods of a Host struct:
//
//	reg := host.NewRegistry()
//	reg.RegisterFunc("env", "add_one", func(x int32) int32 { return x + 1 })
//
//	type Env struct{}
//	func (Env) Namespace() string                 { return "env" }
//	func (Env) GetValue(c *host.Caller, p uint32) int32 { ... } // env.get_value
//	reg.RegisterHost(Env{})
//
// Before an instance is created, Resolve binds every import of the module.
// Missing or mismatching imports are all reported in one
// *errors.UnresolvedImportError. Errors returned by host functions, and
// panics inside them, abort the guest call as a trap with the host_error cause.
package host

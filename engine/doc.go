// Package engine runs WebAssembly guests on wazero under a resource policy.
//
// # Architecture
//
// The engine package provides three main types:
//
//	Engine            - Owns the wazero runtime and the linked host modules
//	RawModule         - A compiled guest called through (ptr, len) pairs
//	CapabilityModule  - A compiled WASI preview1 command
//
// # Invocation Flow
//
//  1. Engine.Compile() instruments the binary for fuel and compiles it
//  2. The returned Module variant fixes the calling convention
//  3. Engine.Invoke() instantiates a fresh anonymous instance per call
//  4. The instance is closed before Invoke returns, on every path
//
// # Fuel
//
// wazero has no instruction metering of its own, so every module passes
// through meter.Instrument before compilation. Guests charge a counter
// global as they run and call back into the wasm_engine host module when
// it goes negative. The callback spends one unit of the invocation's
// budget (UnitOfCompute instructions), yields the goroutine and resumes the
// guest. With the budget spent it aborts the call, which surfaces as a Trap
// wrapping ErrOutOfFuel.
//
// # Raw Calling Convention
//
//	guest exports   memory, __heap_base (i32), fn: (i32, i32) -> (i32, i32)
//	host            grows memory by one page
//	                writes JSON arguments at __heap_base
//	                calls fn(__heap_base, len)
//	                reads the returned (ptr, len) region as UTF-8
//
// Arguments and results are limited to one page (65,536 bytes).
//
// # Capability Calling Convention
//
// The JSON arguments are the sole argv entry. Environment variables and
// preopened directories come from the policy, stdin and stderr are
// inherited and stdout is captured. proc_exit(0) counts as success.
package engine

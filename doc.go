// Package wasmengine is a serverless execution engine for WebAssembly.
//
// Deployed functions are fetched from an OCI registry or object store,
// recorded in a persistent catalog, compiled on first use and run in a fresh
// sandbox for every call under a memory ceiling and a fuel budget.
//
// # Architecture Overview
//
//	wasmengine/          Root package with the guest Memory contract
//	├── policy/          Immutable resource policy (memory, fuel, WASI grants)
//	├── meter/           Fuel instrumentation of module binaries
//	├── engine/          wazero integration, raw and WASI invocation paths
//	├── cache/           Compiled module cache
//	├── catalog/         Persistent function catalog
//	├── fetch/           Artifact fetchers (OCI registry, S3 object store)
//	├── app/             Deploy/delete/list/query/invoke over the stores
//	├── server/          HTTP routes
//	├── config/          YAML configuration
//	├── errors/          Structured error types
//	├── testbed/         Hand-assembled modules for tests
//	└── cmd/wasmengine/  CLI: serve, deploy, invoke, run
//
// # Calling Conventions
//
// Raw modules export memory, a __heap_base global and functions of type
// (i32, i32) -> (i32, i32). The host writes the JSON-encoded argument map at
// __heap_base after growing memory by one page, calls the function with the
// pointer and length, and reads the returned region as UTF-8 text.
//
// Capability modules are WASI preview1 commands. The argument map is passed
// as the only argv entry and the result is whatever _start prints to stdout,
// minus one trailing newline.
//
// # Quick Start
//
//	eng, err := engine.New(ctx, policy.Default())
//	if err != nil {
//		return err
//	}
//	defer eng.Close(ctx)
//
//	mod, err := eng.Compile(ctx, wasmBytes, false)
//	if err != nil {
//		return err
//	}
//	out, err := eng.Invoke(ctx, mod, "echo", map[string]string{"k": "v"})
package wasmengine

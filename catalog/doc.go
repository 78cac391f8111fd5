// Package catalog keeps the durable map from function names to fetched
// artifacts.
//
// Each function owns a directory under the catalog root holding exactly one
// regular file, the wasm module. The map is persisted to persist.json in
// the root as a JSON object keyed by function name:
//
//	{"auth": {"func_name": "auth", "func_image_name": "localhost:5000/auth:v1",
//	          "func_local_path": "/var/lib/wasmengine/functions/auth/auth.wasm",
//	          "wasi_cap": false}}
//
// Adds are single-flight per name. A pending add reserves the name so a
// concurrent add of the same name fails fast with AlreadyExists instead of
// racing on the function directory. The catalog lock is not held while an
// artifact is fetched.
package catalog

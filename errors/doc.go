// Package errors provides structured error types for the Wasm execution engine.
//
// Errors are categorized by Phase (where the error occurred) and Kind (error category).
// Kinds are the stable taxonomy callers branch on; phases locate the failure.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseDecode, errors.KindOversizedOutput).
//		Name("echo").
//		Detail("result length %d exceeds one page", n).
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.NotFound(errors.PhaseCatalog, "function", name)
//	err := errors.Trap(name, cause)
//
// Errors support errors.Is against the Err* sentinels, which match by kind:
//
//	if errors.Is(err, wasmerrors.ErrNotFound) { ... }
package errors

package engine

import (
	"context"

	"github.com/tetratelabs/wazero"
)

// Module is a compiled, instrumented guest. It is either a *RawModule or a
// *CapabilityModule; the variant decides the calling convention and is
// fixed when the module is compiled.
type Module interface {
	// Compiled exposes the underlying wazero module.
	Compiled() wazero.CompiledModule
	// WASI reports whether the module runs with process-like capabilities.
	WASI() bool
	// Close releases the compiled code.
	Close(ctx context.Context) error

	sealed()
}

// RawModule is invoked through the (ptr, len) calling convention with no
// host capabilities.
type RawModule struct {
	compiled wazero.CompiledModule
}

func (m *RawModule) Compiled() wazero.CompiledModule { return m.compiled }
func (m *RawModule) WASI() bool                      { return false }
func (m *RawModule) Close(ctx context.Context) error { return m.compiled.Close(ctx) }
func (*RawModule) sealed()                           {}

// CapabilityModule is a WASI preview1 command invoked through _start.
type CapabilityModule struct {
	compiled wazero.CompiledModule
}

func (m *CapabilityModule) Compiled() wazero.CompiledModule { return m.compiled }
func (m *CapabilityModule) WASI() bool                      { return true }
func (m *CapabilityModule) Close(ctx context.Context) error { return m.compiled.Close(ctx) }
func (*CapabilityModule) sealed()                           {}

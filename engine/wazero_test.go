package engine

import (
	"bytes"
	"context"
	"strings"
	"testing"

	wasmerrors "github.com/openeuler-mirror/WasmEngine/errors"
	"github.com/openeuler-mirror/WasmEngine/policy"
	"github.com/openeuler-mirror/WasmEngine/testbed"
)

func newTestEngine(t *testing.T, p policy.Policy) *Engine {
	t.Helper()
	ctx := context.Background()
	e, err := NewWithConfig(ctx, &Config{
		Policy: p,
		Stdin:  strings.NewReader(""),
		Stderr: &bytes.Buffer{},
	})
	if err != nil {
		t.Fatalf("NewWithConfig failed: %v", err)
	}
	t.Cleanup(func() { e.Close(ctx) })
	return e
}

func compile(t *testing.T, e *Engine, wasm []byte, wasiCap bool) Module {
	t.Helper()
	mod, err := e.Compile(context.Background(), wasm, wasiCap)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	return mod
}

func TestNewWithConfig(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		cfg  *Config
		name string
	}{
		{nil, "nil config"},
		{&Config{Policy: policy.Default()}, "default policy"},
		{&Config{Policy: policy.NewBuilder().MaxMemoryBytes(16 << 20).Build()}, "16MB limit"},
		{&Config{Policy: policy.NewBuilder().Namespaces().Build()}, "no WASI"},
		{&Config{Policy: policy.Default(), CompilationCacheDir: t.TempDir()}, "disk cache"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e, err := NewWithConfig(ctx, tc.cfg)
			if err != nil {
				t.Fatalf("NewWithConfig failed: %v", err)
			}
			defer e.Close(ctx)

			if e.runtime == nil {
				t.Error("engine runtime should not be nil")
			}
		})
	}
}

func TestCompile_Variants(t *testing.T) {
	e := newTestEngine(t, policy.Default())

	raw := compile(t, e, testbed.RawEcho("echo"), false)
	if _, ok := raw.(*RawModule); !ok || raw.WASI() {
		t.Errorf("expected *RawModule, got %T", raw)
	}

	capMod := compile(t, e, testbed.WASIEcho(), true)
	if _, ok := capMod.(*CapabilityModule); !ok || !capMod.WASI() {
		t.Errorf("expected *CapabilityModule, got %T", capMod)
	}
	if !ExportsStart(capMod.Compiled()) {
		t.Error("WASI echo should export _start")
	}
	if ExportsStart(raw.Compiled()) {
		t.Error("raw echo should not export _start")
	}
}

func TestCompile_Errors(t *testing.T) {
	e := newTestEngine(t, policy.Default())
	ctx := context.Background()

	if _, err := e.Compile(ctx, []byte("not wasm"), false); wasmerrors.KindOf(err) != wasmerrors.KindCompile {
		t.Errorf("garbage input: err = %v", err)
	}

	b := testbed.NewModule()
	b.ImportFunc("env", "abort", nil, nil)
	if _, err := e.Compile(ctx, b.Build(), false); wasmerrors.KindOf(err) != wasmerrors.KindCompile {
		t.Errorf("unknown import: err = %v", err)
	}

	if _, err := e.CompileFile(ctx, t.TempDir()+"/missing.wasm", false); wasmerrors.KindOf(err) != wasmerrors.KindNotFound {
		t.Errorf("missing file: err = %v", err)
	}
}

func TestCompile_WASIDeniedByPolicy(t *testing.T) {
	e := newTestEngine(t, policy.NewBuilder().Namespaces().Build())

	_, err := e.Compile(context.Background(), testbed.WASIEcho(), true)
	if err == nil {
		t.Fatal("expected WASI imports to be rejected")
	}
	if !strings.Contains(err.Error(), "not permitted") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestInvoke_Dispatch(t *testing.T) {
	e := newTestEngine(t, policy.Default())
	ctx := context.Background()
	args := map[string]string{"a": "1"}
	want, _ := EncodeArgs(args)

	for _, tc := range []struct {
		mod  Module
		name string
	}{
		{compile(t, e, testbed.RawEcho("echo"), false), "raw"},
		{compile(t, e, testbed.WASIEcho(), true), "capability"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := e.Invoke(ctx, tc.mod, "echo", args)
			if err != nil {
				t.Fatalf("Invoke: %v", err)
			}
			if got != string(want) {
				t.Errorf("Invoke = %q, want %q", got, want)
			}
		})
	}
}

func TestEngine_ModulesClosedWithRuntime(t *testing.T) {
	ctx := context.Background()
	e, err := New(ctx, policy.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	mod := compile(t, e, testbed.RawEcho("echo"), false)

	if err := e.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := e.Invoke(ctx, mod, "echo", nil); err == nil {
		t.Error("invoke after close should fail")
	}
}

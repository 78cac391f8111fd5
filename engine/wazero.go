package engine

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	wasmerrors "github.com/openeuler-mirror/WasmEngine/errors"
	"github.com/openeuler-mirror/WasmEngine/meter"
	"github.com/openeuler-mirror/WasmEngine/policy"
)

// Engine compiles and runs guests under a single resource policy. The
// runtime and its host modules are shared by every invocation; each call
// gets its own instance, memory and fuel.
type Engine struct {
	runtime wazero.Runtime
	cache   wazero.CompilationCache
	stdin   io.Reader
	stderr  io.Writer
	policy  policy.Policy
	wasi    bool
}

// Config holds configuration for engine creation
type Config struct {
	// Stdin is inherited by capability guests. Defaults to os.Stdin.
	Stdin io.Reader

	// Stderr is inherited by capability guests. Defaults to os.Stderr.
	Stderr io.Writer

	// CompilationCacheDir persists compiled machine code across restarts.
	// Empty keeps the cache in memory.
	CompilationCacheDir string

	Policy policy.Policy
}

// New creates an engine for p with default stdio.
func New(ctx context.Context, p policy.Policy) (*Engine, error) {
	return NewWithConfig(ctx, &Config{Policy: p})
}

// NewWithConfig creates an engine with custom configuration
func NewWithConfig(ctx context.Context, cfg *Config) (*Engine, error) {
	if cfg == nil {
		cfg = &Config{Policy: policy.Default()}
	}
	p := cfg.Policy

	runtimeCfg := wazero.NewRuntimeConfig().
		WithCoreFeatures(api.CoreFeaturesV2).
		WithMemoryLimitPages(p.MemoryLimitPages()).
		WithMemoryCapacityFromMax(false).
		WithDebugInfoEnabled(false).
		WithCloseOnContextDone(true)

	var cache wazero.CompilationCache
	if cfg.CompilationCacheDir != "" {
		var err error
		cache, err = wazero.NewCompilationCacheWithDir(cfg.CompilationCacheDir)
		if err != nil {
			return nil, fmt.Errorf("open compilation cache: %w", err)
		}
		runtimeCfg = runtimeCfg.WithCompilationCache(cache)
	}

	e := &Engine{
		runtime: wazero.NewRuntimeWithConfig(ctx, runtimeCfg),
		cache:   cache,
		stdin:   cfg.Stdin,
		stderr:  cfg.Stderr,
		policy:  p,
	}
	if e.stdin == nil {
		e.stdin = os.Stdin
	}
	if e.stderr == nil {
		e.stderr = os.Stderr
	}

	if err := linkFuel(ctx, e.runtime); err != nil {
		e.Close(ctx)
		return nil, wasmerrors.Wrap(wasmerrors.PhaseLink, wasmerrors.KindCompile, err, "link fuel checkpoint")
	}
	if p.Allows(policy.WASINamespace) {
		if err := linkWASI(ctx, e.runtime); err != nil {
			e.Close(ctx)
			return nil, wasmerrors.Wrap(wasmerrors.PhaseLink, wasmerrors.KindCompile, err, "link WASI")
		}
		e.wasi = true
	}

	Logger().Debug("engine created",
		zap.Uint32("memory_limit_pages", p.MemoryLimitPages()),
		zap.Bool("wasi", e.wasi))
	return e, nil
}

// Policy returns the policy the engine enforces.
func (e *Engine) Policy() policy.Policy {
	return e.policy
}

// Compile instruments and compiles a module. wasiCap selects the calling
// convention the module will be invoked with.
func (e *Engine) Compile(ctx context.Context, wasm []byte, wasiCap bool) (Module, error) {
	start := time.Now()

	instrumented, err := meter.Instrument(wasm)
	if err != nil {
		return nil, err
	}

	compiled, err := e.runtime.CompileModule(ctx, instrumented)
	if err != nil {
		return nil, wasmerrors.Wrap(wasmerrors.PhaseCompile, wasmerrors.KindCompile, err, "compile module")
	}
	if err := e.checkImports(compiled); err != nil {
		compiled.Close(ctx)
		return nil, err
	}

	Logger().Debug("module compiled",
		zap.Int("size", len(wasm)),
		zap.Bool("wasi", wasiCap),
		zap.Duration("elapsed", time.Since(start)))

	if wasiCap {
		return &CapabilityModule{compiled: compiled}, nil
	}
	return &RawModule{compiled: compiled}, nil
}

// CompileFile reads an artifact from disk and compiles it.
func (e *Engine) CompileFile(ctx context.Context, path string, wasiCap bool) (Module, error) {
	wasm, err := os.ReadFile(path)
	if err != nil {
		return nil, wasmerrors.Wrap(wasmerrors.PhaseCompile, wasmerrors.KindNotFound, err, "read artifact "+path)
	}
	return e.Compile(ctx, wasm, wasiCap)
}

// checkImports rejects modules importing functions the policy does not link.
func (e *Engine) checkImports(compiled wazero.CompiledModule) error {
	for _, def := range compiled.ImportedFunctions() {
		module, name, _ := def.Import()
		if module == meter.CheckpointModule {
			continue
		}
		if module == policy.WASINamespace && e.wasi {
			continue
		}
		return wasmerrors.New(wasmerrors.PhaseLink, wasmerrors.KindCompile).
			Detail("import %s.%s is not permitted by policy", module, name).
			Build()
	}
	for _, def := range compiled.ImportedMemories() {
		module, name, _ := def.Import()
		return wasmerrors.New(wasmerrors.PhaseLink, wasmerrors.KindCompile).
			Detail("memory import %s.%s is not supported", module, name).
			Build()
	}
	return nil
}

// Invoke runs mod with args using the module's calling convention. fn names
// the export called on raw modules and is ignored for capability modules.
func (e *Engine) Invoke(ctx context.Context, mod Module, fn string, args map[string]string) (string, error) {
	switch m := mod.(type) {
	case *RawModule:
		return e.InvokeRaw(ctx, m, fn, args)
	case *CapabilityModule:
		return e.InvokeCapability(ctx, m, args)
	}
	return "", wasmerrors.Unsupported(wasmerrors.PhaseRuntime, fmt.Sprintf("module type %T", mod))
}

// Close releases the runtime, every module compiled by it and the
// compilation cache.
func (e *Engine) Close(ctx context.Context) error {
	err := e.runtime.Close(ctx)
	if e.cache != nil {
		if cerr := e.cache.Close(ctx); err == nil {
			err = cerr
		}
	}
	return err
}

// instanceConfig is the base configuration of every guest instance:
// anonymous, so concurrent instances of one module do not collide, and with
// no start functions run implicitly.
func instanceConfig() wazero.ModuleConfig {
	return wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions()
}

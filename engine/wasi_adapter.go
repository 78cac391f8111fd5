package engine

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"sort"
	"unicode/utf8"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap"

	wasmerrors "github.com/openeuler-mirror/WasmEngine/errors"
)

// StartExport is the entry point of capability guests.
const StartExport = "_start"

// linkWASI instantiates the shared WASI preview1 host module.
func linkWASI(ctx context.Context, r wazero.Runtime) error {
	builder := r.NewHostModuleBuilder(wasi_snapshot_preview1.ModuleName)
	wasi_snapshot_preview1.NewFunctionExporter().ExportFunctions(builder)
	_, err := builder.Instantiate(ctx)
	return err
}

// capabilityConfig grants the policy's environment and directories and
// passes input as the only argument. Guest stdout goes to the given buffer.
func (e *Engine) capabilityConfig(input []byte, stdout *bytes.Buffer) wazero.ModuleConfig {
	cfg := instanceConfig().
		WithArgs(string(input)).
		WithStdin(e.stdin).
		WithStdout(stdout).
		WithStderr(e.stderr).
		WithSysWalltime().
		WithSysNanotime().
		WithRandSource(rand.Reader)

	env := e.policy.Env()
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cfg = cfg.WithEnv(k, env[k])
	}

	if dirs := e.policy.PreopenedDirs(); len(dirs) > 0 {
		fs := wazero.NewFSConfig()
		for _, d := range dirs {
			fs = fs.WithDirMount(d.HostPath, d.GuestPath)
		}
		cfg = cfg.WithFSConfig(fs)
	}
	return cfg
}

// InvokeCapability runs the _start entry point of a fresh instance of mod
// and returns what it printed to stdout, minus one trailing newline.
func (e *Engine) InvokeCapability(ctx context.Context, mod *CapabilityModule, args map[string]string) (string, error) {
	input, err := EncodeArgs(args)
	if err != nil {
		return "", err
	}

	var stdout bytes.Buffer
	ctx, budget := withFuel(ctx, e.policy.FuelUnits())
	inst, err := e.runtime.InstantiateModule(ctx, mod.compiled, e.capabilityConfig(input, &stdout))
	if err != nil {
		return "", e.trap(StartExport, budget, err)
	}
	defer inst.Close(ctx)

	start := inst.ExportedFunction(StartExport)
	if start == nil {
		return "", wasmerrors.MissingExport(StartExport)
	}
	if _, err := start.Call(ctx); err != nil && !isCleanExit(err) {
		return "", e.trap(StartExport, budget, err)
	}

	out := stdout.Bytes()
	if !utf8.Valid(out) {
		return "", wasmerrors.New(wasmerrors.PhaseDecode, wasmerrors.KindInvalidEncoding).
			Detail("stdout is not valid UTF-8").
			Build()
	}
	out = bytes.TrimSuffix(out, []byte{'\n'})

	Logger().Debug("capability invocation finished",
		zap.Int("input", len(input)),
		zap.Int("output", len(out)),
		zap.Uint64("checkpoints", budget.checkpoints))
	return string(out), nil
}

// isCleanExit reports whether err is proc_exit(0).
func isCleanExit(err error) bool {
	var exit *sys.ExitError
	return errors.As(err, &exit) && exit.ExitCode() == 0
}

// ExportsStart reports whether a compiled module has a WASI entry point.
func ExportsStart(compiled wazero.CompiledModule) bool {
	def, ok := compiled.ExportedFunctions()[StartExport]
	return ok && len(def.ParamTypes()) == 0 && len(def.ResultTypes()) == 0
}

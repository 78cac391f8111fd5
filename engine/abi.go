package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"unicode/utf8"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	wasmengine "github.com/openeuler-mirror/WasmEngine"
	wasmerrors "github.com/openeuler-mirror/WasmEngine/errors"
)

const (
	// MemoryExport is the linear memory a raw guest must export.
	MemoryExport = "memory"
	// HeapBaseExport marks the first free address past the guest's static data.
	HeapBaseExport = "__heap_base"
)

var rawSignature = []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}

// EncodeArgs renders the argument map as the JSON text handed to guests.
// Keys are sorted and HTML characters are left unescaped.
func EncodeArgs(args map[string]string) ([]byte, error) {
	if args == nil {
		args = map[string]string{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(args); err != nil {
		return nil, wasmerrors.Wrap(wasmerrors.PhaseEncode, wasmerrors.KindInvalidInput, err, "encode arguments")
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}

// InvokeRaw calls fn on a fresh instance of mod using the (ptr, len)
// calling convention.
func (e *Engine) InvokeRaw(ctx context.Context, mod *RawModule, fn string, args map[string]string) (string, error) {
	input, err := EncodeArgs(args)
	if err != nil {
		return "", err
	}
	if len(input) > wasmengine.MaxPayload {
		return "", wasmerrors.New(wasmerrors.PhaseEncode, wasmerrors.KindOversizedInput).
			Name(fn).
			Detail("encoded arguments are %d bytes, limit is %d", len(input), wasmengine.MaxPayload).
			Build()
	}

	ctx, budget := withFuel(ctx, e.policy.FuelUnits())
	inst, err := e.runtime.InstantiateModule(ctx, mod.compiled, instanceConfig())
	if err != nil {
		return "", e.trap(fn, budget, err)
	}
	defer inst.Close(ctx)

	mem := inst.ExportedMemory(MemoryExport)
	if mem == nil {
		return "", wasmerrors.MissingExport(MemoryExport)
	}
	heapBase := inst.ExportedGlobal(HeapBaseExport)
	if heapBase == nil || heapBase.Type() != api.ValueTypeI32 {
		return "", wasmerrors.MissingExport(HeapBaseExport)
	}

	f := inst.ExportedFunction(fn)
	if f == nil {
		return "", wasmerrors.New(wasmerrors.PhaseLink, wasmerrors.KindAbiMismatch).
			Name(fn).
			Detail("function %q is not exported", fn).
			Build()
	}
	def := f.Definition()
	if !sameSignature(def.ParamTypes(), rawSignature) || !sameSignature(def.ResultTypes(), rawSignature) {
		return "", wasmerrors.New(wasmerrors.PhaseLink, wasmerrors.KindAbiMismatch).
			Name(fn).
			Detail("function %q has signature %v -> %v, want (i32, i32) -> (i32, i32)",
				fn, valueTypeNames(def.ParamTypes()), valueTypeNames(def.ResultTypes())).
			Build()
	}

	memory := NewWazeroMemory(mem)
	if _, err := memory.Grow(1); err != nil {
		return "", e.trap(fn, budget, err)
	}
	ptr := uint32(heapBase.Get())
	if err := memory.Write(ptr, input); err != nil {
		return "", e.trap(fn, budget, err)
	}

	results, err := f.Call(ctx, uint64(ptr), uint64(len(input)))
	if err != nil {
		return "", e.trap(fn, budget, err)
	}

	outPtr, outLen := uint32(results[0]), uint32(results[1])
	if outLen > wasmengine.MaxPayload {
		return "", wasmerrors.New(wasmerrors.PhaseDecode, wasmerrors.KindOversizedOutput).
			Name(fn).
			Detail("result is %d bytes, limit is %d", outLen, wasmengine.MaxPayload).
			Build()
	}
	output, err := memory.Read(outPtr, outLen)
	if err != nil {
		return "", e.trap(fn, budget, err)
	}
	if !utf8.Valid(output) {
		return "", wasmerrors.New(wasmerrors.PhaseDecode, wasmerrors.KindInvalidEncoding).
			Name(fn).
			Detail("result is not valid UTF-8").
			Build()
	}

	Logger().Debug("raw invocation finished",
		zap.String("function", fn),
		zap.Int("input", len(input)),
		zap.Uint32("output", outLen),
		zap.Uint64("checkpoints", budget.checkpoints))
	return string(output), nil
}

func sameSignature(got, want []api.ValueType) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func valueTypeNames(types []api.ValueType) []string {
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = api.ValueTypeName(t)
	}
	return names
}

// trap converts a guest failure into a Trap error, attaching ErrOutOfFuel
// when the budget ran out.
func (e *Engine) trap(fn string, budget *fuel, err error) error {
	if budget.exhausted {
		Logger().Info("guest ran out of fuel", zap.String("function", fn))
		return wasmerrors.New(wasmerrors.PhaseRuntime, wasmerrors.KindTrap).
			Name(fn).
			Detail("out of fuel").
			Cause(ErrOutOfFuel).
			Build()
	}
	Logger().Info("guest trapped", zap.String("function", fn), zap.Error(err))
	return wasmerrors.Trap(fn, err)
}

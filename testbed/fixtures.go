package testbed

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"testing"

	"github.com/tetratelabs/wazero/api"
)

// HeapBase is the __heap_base value of raw fixtures.
const HeapBase = 1024

var (
	rawParams  = []api.ValueType{I32, I32}
	rawResults = []api.ValueType{I32, I32}
)

func rawModule() *ModuleBuilder {
	b := NewModule().Memory(1, "memory")
	b.Global("__heap_base", I32, false, HeapBase)
	return b
}

// RawEcho exports fn, which returns its (ptr, len) argument unchanged.
func RawEcho(fn string) []byte {
	b := rawModule()
	b.Func(fn, rawParams, rawResults, nil, LocalGet(0), LocalGet(1))
	return b.Build()
}

// RawSpin exports fn, which never returns.
func RawSpin(fn string) []byte {
	b := rawModule()
	b.Func(fn, rawParams, rawResults, nil, Loop, Br(0), End, Unreachable)
	return b.Build()
}

// RawGlobalOverrun exports fn, which loops forever storing an i64 into the
// global one past the module's own. The module is invalid as written.
func RawGlobalOverrun(fn string) []byte {
	b := rawModule()
	b.Func(fn, rawParams, rawResults, nil,
		Loop, I64Const(1<<62), GlobalSet(1), Br(0), End, Unreachable)
	return b.Build()
}

// RawCountdown exports fn, which loops n times before echoing its input.
func RawCountdown(fn string, n int32) []byte {
	b := rawModule()
	b.Func(fn, rawParams, rawResults, []api.ValueType{I32},
		I32Const(n), LocalSet(2),
		Block, Loop,
		LocalGet(2), I32Eqz, BrIf(1),
		LocalGet(2), I32Const(1), I32Sub, LocalSet(2),
		Br(0),
		End, End,
		LocalGet(0), LocalGet(1))
	return b.Build()
}

// RawResult exports fn, which returns the region (ptr, n) regardless of input.
// data is placed at ptr.
func RawResult(fn string, ptr uint32, n int32, data []byte) []byte {
	b := rawModule()
	if len(data) > 0 {
		b.Data(ptr, data)
	}
	b.Func(fn, rawParams, rawResults, nil, I32Const(int32(ptr)), I32Const(n))
	return b.Build()
}

// RawTrap exports fn, which executes unreachable.
func RawTrap(fn string) []byte {
	b := rawModule()
	b.Func(fn, rawParams, rawResults, nil, Unreachable)
	return b.Build()
}

// RawWrongSignature exports fn with signature (i32) -> i32.
func RawWrongSignature(fn string) []byte {
	b := rawModule()
	b.Func(fn, []api.ValueType{I32}, []api.ValueType{I32}, nil, LocalGet(0))
	return b.Build()
}

// RawNoHeapBase exports memory and fn but no __heap_base.
func RawNoHeapBase(fn string) []byte {
	b := NewModule().Memory(1, "memory")
	b.Func(fn, rawParams, rawResults, nil, LocalGet(0), LocalGet(1))
	return b.Build()
}

// RawNoMemory exports __heap_base and fn but no memory.
func RawNoMemory(fn string) []byte {
	b := NewModule()
	b.Global("__heap_base", I32, false, HeapBase)
	b.Func(fn, rawParams, rawResults, nil, LocalGet(0), LocalGet(1))
	return b.Build()
}

// WASIEcho writes argv[0] followed by a newline to stdout.
// The engine passes exactly one argument, so the guest echoes it.
func WASIEcho() []byte {
	b := NewModule()
	argsSizes := b.ImportFunc("wasi_snapshot_preview1", "args_sizes_get", rawParams, []api.ValueType{I32})
	argsGet := b.ImportFunc("wasi_snapshot_preview1", "args_get", rawParams, []api.ValueType{I32})
	fdWrite := b.ImportFunc("wasi_snapshot_preview1", "fd_write",
		[]api.ValueType{I32, I32, I32, I32}, []api.ValueType{I32})
	b.Memory(8, "memory")
	b.Data(60, []byte{'\n'})

	// [0] argc, [4] argv_buf_size, [16] argv, [32] iovecs, [56] nwritten,
	// [60] newline, [1024] argv_buf
	b.Func("_start", nil, nil, nil,
		I32Const(0), I32Const(4), Call(argsSizes), Drop,
		I32Const(16), I32Const(1024), Call(argsGet), Drop,
		I32Const(32), I32Const(16), I32Load(), I32Store(),
		I32Const(36), I32Const(4), I32Load(), I32Const(1), I32Sub, I32Store(),
		I32Const(40), I32Const(60), I32Store(),
		I32Const(44), I32Const(1), I32Store(),
		I32Const(1), I32Const(32), I32Const(2), I32Const(56), Call(fdWrite), Drop,
	)
	return b.Build()
}

// WASIExit calls proc_exit(code) from _start.
func WASIExit(code int32) []byte {
	b := NewModule()
	exit := b.ImportFunc("wasi_snapshot_preview1", "proc_exit", []api.ValueType{I32}, nil)
	b.Memory(1, "memory")
	b.Func("_start", nil, nil, nil, I32Const(code), Call(exit))
	return b.Build()
}

// WASISpin loops forever in _start.
func WASISpin() []byte {
	b := NewModule().Memory(1, "memory")
	b.Func("_start", nil, nil, nil, Loop, Br(0), End)
	return b.Build()
}

// NoStart is a capability module without _start.
func NoStart() []byte {
	b := NewModule().Memory(1, "memory")
	b.Func("main", nil, nil, nil)
	return b.Build()
}

// Dir returns the directory holding this package's files.
func Dir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Dir(file)
}

var (
	examplesMu sync.Mutex
	examples   = map[string][]byte{}
)

// BuildExample compiles examples/<name> for wasip1 with the go command on
// PATH and returns the module. Builds are cached for the test binary's
// lifetime. The test is skipped when no go command is available.
func BuildExample(t testing.TB, name string) []byte {
	t.Helper()
	examplesMu.Lock()
	defer examplesMu.Unlock()
	if wasm, ok := examples[name]; ok {
		return wasm
	}

	goBin, err := exec.LookPath("go")
	if err != nil {
		t.Skipf("go command not found: %v", err)
	}
	dir, err := os.MkdirTemp("", "testbed-"+name+"-")
	if err != nil {
		t.Fatalf("temp dir: %v", err)
	}
	defer os.RemoveAll(dir)

	out := filepath.Join(dir, name+".wasm")
	cmd := exec.Command(goBin, "build", "-o", out, ".")
	cmd.Dir = filepath.Join(Dir(), "..", "examples", name)
	cmd.Env = append(os.Environ(), "GOOS=wasip1", "GOARCH=wasm", "CGO_ENABLED=0")
	if output, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("build %s: %v\n%s", name, err, output)
	}
	wasm, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read %s: %v", out, err)
	}
	examples[name] = wasm
	return wasm
}

package app

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openeuler-mirror/WasmEngine/cache"
	"github.com/openeuler-mirror/WasmEngine/catalog"
	"github.com/openeuler-mirror/WasmEngine/engine"
	wasmerrors "github.com/openeuler-mirror/WasmEngine/errors"
	"github.com/openeuler-mirror/WasmEngine/fetch"
	"github.com/openeuler-mirror/WasmEngine/policy"
	"github.com/openeuler-mirror/WasmEngine/testbed"
)

type fixture struct {
	app   *App
	cache *cache.Cache
	root  string
	src   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := fetch.WithLocal(context.Background())

	eng, err := engine.NewWithConfig(ctx, &engine.Config{
		Policy: policy.Default(),
		Stdin:  strings.NewReader(""),
		Stderr: &bytes.Buffer{},
	})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	root := t.TempDir()
	cat, err := catalog.New(root, fetch.NewRouter(nil, nil), nil)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	c := cache.New()
	a := New(eng, cat, c, nil)
	t.Cleanup(func() { a.Close(ctx) })

	src := t.TempDir()
	writeModule(t, src, "echo.wasm", testbed.RawEcho("echo"))
	writeModule(t, src, "hello.wasm", testbed.WASIEcho())
	return &fixture{app: a, cache: c, root: root, src: src}
}

func writeModule(t *testing.T, dir, name string, wasm []byte) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), wasm, 0o644); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) ref(file string) string {
	return fetch.FileScheme + filepath.Join(f.src, file)
}

func TestApp_DeployInvoke(t *testing.T) {
	f := newFixture(t)
	ctx := fetch.WithLocal(context.Background())
	args := map[string]string{"arg_uri": "uri", "arg_body": "body"}
	want, _ := engine.EncodeArgs(args)

	tests := []struct {
		name string
		file string
		wasi bool
	}{
		{"echo", "echo.wasm", false},
		{"hello", "hello.wasm", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := f.app.Deploy(ctx, tt.name, f.ref(tt.file), tt.wasi); err != nil {
				t.Fatalf("Deploy: %v", err)
			}
			got, err := f.app.Invoke(ctx, tt.name, args)
			if err != nil {
				t.Fatalf("Invoke: %v", err)
			}
			if got != string(want) {
				t.Errorf("Invoke = %q, want %q", got, want)
			}

			mod, err := f.cache.Get(tt.name)
			if err != nil {
				t.Fatalf("module not cached: %v", err)
			}
			if mod.WASI() != tt.wasi {
				t.Errorf("cached variant WASI = %v, want %v", mod.WASI(), tt.wasi)
			}
		})
	}
}

func TestApp_InvokeUnknown(t *testing.T) {
	f := newFixture(t)
	_, err := f.app.Invoke(context.Background(), "nope", nil)
	if !errors.Is(err, wasmerrors.ErrNotFound) {
		t.Errorf("err = %v, want not found", err)
	}
}

func TestApp_DeleteThenInvoke(t *testing.T) {
	f := newFixture(t)
	ctx := fetch.WithLocal(context.Background())

	if err := f.app.Deploy(ctx, "echo", f.ref("echo.wasm"), false); err != nil {
		t.Fatal(err)
	}
	if _, err := f.app.Invoke(ctx, "echo", nil); err != nil {
		t.Fatal(err)
	}
	if err := f.app.Delete(ctx, "echo"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if f.cache.Exists("echo") {
		t.Error("module still cached after Delete")
	}
	if _, err := f.app.Invoke(ctx, "echo", nil); !errors.Is(err, wasmerrors.ErrNotFound) {
		t.Errorf("Invoke after Delete: err = %v", err)
	}
	if err := f.app.Delete(ctx, "echo"); !errors.Is(err, wasmerrors.ErrNotFound) {
		t.Errorf("second Delete: err = %v", err)
	}
}

func TestApp_DeleteNeverCached(t *testing.T) {
	f := newFixture(t)
	ctx := fetch.WithLocal(context.Background())

	if err := f.app.Deploy(ctx, "echo", f.ref("echo.wasm"), false); err != nil {
		t.Fatal(err)
	}
	if err := f.app.Delete(ctx, "echo"); err != nil {
		t.Errorf("Delete of uncompiled function: %v", err)
	}
}

func TestApp_ConcurrentInvokeCompilesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := fetch.WithLocal(context.Background())
	if err := f.app.Deploy(ctx, "echo", f.ref("echo.wasm"), false); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.app.Invoke(ctx, "echo", map[string]string{"k": "v"}); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("Invoke: %v", err)
	}
	if f.cache.Len() != 1 {
		t.Errorf("cache Len = %d, want 1", f.cache.Len())
	}
}

func TestApp_CacheImpliesCatalog(t *testing.T) {
	f := newFixture(t)
	ctx := fetch.WithLocal(context.Background())
	if err := f.app.Deploy(ctx, "echo", f.ref("echo.wasm"), false); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.app.Invoke(ctx, "echo", nil)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		f.app.Delete(ctx, "echo")
	}()
	wg.Wait()

	for _, name := range f.cache.Names() {
		if _, err := f.app.Query(name); err != nil {
			t.Errorf("cached %q missing from catalog", name)
		}
	}
}

func TestApp_DeployPersists(t *testing.T) {
	f := newFixture(t)
	ctx := fetch.WithLocal(context.Background())
	if err := f.app.Deploy(ctx, "hello", f.ref("hello.wasm"), true); err != nil {
		t.Fatal(err)
	}

	cat, err := catalog.New(f.root, fetch.NewRouter(nil, nil), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := cat.Restore(); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	e, err := cat.Query("hello")
	if err != nil {
		t.Fatalf("persisted entry missing: %v", err)
	}
	if !e.WASICap || e.ImageReference != f.ref("hello.wasm") {
		t.Errorf("entry = %+v", e)
	}
}

func TestApp_Preload(t *testing.T) {
	f := newFixture(t)
	ctx := fetch.WithLocal(context.Background())

	deployed, err := f.app.Preload(ctx, f.src)
	if err != nil {
		t.Fatalf("Preload: %v", err)
	}
	if len(deployed) != 2 {
		t.Fatalf("deployed = %v", deployed)
	}

	hello, _ := f.app.Query("hello")
	echo, _ := f.app.Query("echo")
	if !hello.WASICap || echo.WASICap {
		t.Errorf("detected capabilities: hello=%v echo=%v", hello.WASICap, echo.WASICap)
	}

	again, err := f.app.Preload(ctx, f.src)
	if err != nil || len(again) != 0 {
		t.Errorf("second Preload = %v, %v; want nothing deployed", again, err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// startSpin deploys a guest that never returns and runs it until the
// returned stop function is called.
func (f *fixture) startSpin(t *testing.T, ctx context.Context) (stop func() error) {
	t.Helper()
	writeModule(t, f.src, "spin.wasm", testbed.RawSpin("spin"))
	if err := f.app.Deploy(ctx, "spin", f.ref("spin.wasm"), false); err != nil {
		t.Fatal(err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		_, err := f.app.Invoke(runCtx, "spin", nil)
		done <- err
	}()
	waitFor(t, "spin to start", func() bool { return f.cache.Refs("spin") == 1 })

	return func() error {
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("spinning guest ignored cancellation")
			return nil
		}
	}
}

func TestApp_SpinningGuestDoesNotBlockOthers(t *testing.T) {
	f := newFixture(t)
	ctx := fetch.WithLocal(context.Background())
	for _, d := range []struct {
		name, file string
		wasi       bool
	}{{"echo", "echo.wasm", false}, {"hello", "hello.wasm", true}} {
		if err := f.app.Deploy(ctx, d.name, f.ref(d.file), d.wasi); err != nil {
			t.Fatal(err)
		}
	}
	stop := f.startSpin(t, ctx)
	defer stop()

	deleted := make(chan error, 1)
	go func() { deleted <- f.app.Delete(ctx, "hello") }()
	select {
	case err := <-deleted:
		if err != nil {
			t.Fatalf("Delete: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Delete of an unrelated function waited on a running guest")
	}

	invoked := make(chan error, 1)
	go func() {
		_, err := f.app.Invoke(ctx, "echo", map[string]string{"k": "v"})
		invoked <- err
	}()
	select {
	case err := <-invoked:
		if err != nil {
			t.Fatalf("Invoke echo: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Invoke of an unrelated function waited on a running guest")
	}
}

func TestApp_DeleteWhileRunning(t *testing.T) {
	f := newFixture(t)
	ctx := fetch.WithLocal(context.Background())
	stop := f.startSpin(t, ctx)

	if err := f.app.Delete(ctx, "spin"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if f.cache.Exists("spin") {
		t.Error("deleted module still cached")
	}

	if err := stop(); err == nil {
		t.Error("cancelled guest reported success")
	}
	if _, err := f.app.Invoke(ctx, "spin", nil); !errors.Is(err, wasmerrors.ErrNotFound) {
		t.Errorf("Invoke after Delete: err = %v", err)
	}
}

package cache

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/openeuler-mirror/WasmEngine/engine"
	wasmerrors "github.com/openeuler-mirror/WasmEngine/errors"
	"github.com/openeuler-mirror/WasmEngine/policy"
	"github.com/openeuler-mirror/WasmEngine/testbed"
)

func newModule(t *testing.T, e *engine.Engine, wasiCap bool) engine.Module {
	t.Helper()
	wasm := testbed.RawEcho("echo")
	if wasiCap {
		wasm = testbed.WASIEcho()
	}
	mod, err := e.Compile(context.Background(), wasm, wasiCap)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	return mod
}

func newEngine(t *testing.T) *engine.Engine {
	t.Helper()
	ctx := context.Background()
	e, err := engine.New(ctx, policy.Default())
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	t.Cleanup(func() { e.Close(ctx) })
	return e
}

func TestCache_InsertGet(t *testing.T) {
	e := newEngine(t)
	c := New()

	if c.Exists("echo") {
		t.Fatal("empty cache reports entry")
	}
	if _, err := c.Get("echo"); !errors.Is(err, wasmerrors.ErrNotFound) {
		t.Fatalf("Get on empty cache: err = %v", err)
	}

	raw := newModule(t, e, false)
	stored, inserted := c.Insert("echo", raw)
	if !inserted || stored != raw {
		t.Fatal("first insert should store the module")
	}

	got, err := c.Get("echo")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.WASI() {
		t.Error("variant changed in cache")
	}
	if !c.Exists("echo") || c.Len() != 1 {
		t.Error("Exists/Len disagree with insert")
	}
}

func TestCache_FirstWriterWins(t *testing.T) {
	e := newEngine(t)
	c := New()

	first := newModule(t, e, false)
	second := newModule(t, e, true)

	c.Insert("f", first)
	stored, inserted := c.Insert("f", second)
	if inserted {
		t.Error("second insert should be ignored")
	}
	if stored != first {
		t.Error("second insert should return the existing module")
	}
	second.Close(context.Background())

	got, _ := c.Get("f")
	if got.WASI() {
		t.Error("cached module was replaced")
	}
}

func TestCache_Remove(t *testing.T) {
	e := newEngine(t)
	c := New()
	ctx := context.Background()

	if err := c.Remove(ctx, "missing"); !errors.Is(err, wasmerrors.ErrNotFound) {
		t.Errorf("Remove missing: err = %v", err)
	}

	c.Insert("f", newModule(t, e, false))
	if err := c.Remove(ctx, "f"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if c.Exists("f") {
		t.Error("entry survived removal")
	}
}

func TestCache_ConcurrentInsert(t *testing.T) {
	e := newEngine(t)
	c := New()

	mods := make([]engine.Module, 8)
	for i := range mods {
		mods[i] = newModule(t, e, false)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for _, m := range mods {
		wg.Add(1)
		go func(m engine.Module) {
			defer wg.Done()
			if _, inserted := c.Insert("shared", m); inserted {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(m)
	}
	wg.Wait()

	if winners != 1 {
		t.Errorf("winners = %d, want 1", winners)
	}
}

func TestCache_Close(t *testing.T) {
	e := newEngine(t)
	c := New()
	c.Insert("a", newModule(t, e, false))
	c.Insert("b", newModule(t, e, true))

	if got := c.Names(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("Names = %v", got)
	}
	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if c.Len() != 0 {
		t.Errorf("Len after Close = %d", c.Len())
	}
}

func TestCache_RemoveWhileAcquired(t *testing.T) {
	e := newEngine(t)
	c := New()
	ctx := context.Background()

	c.Insert("f", newModule(t, e, false))
	ent := c.modules["f"]

	mod, release, err := c.Acquire("f")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if c.Refs("f") != 1 {
		t.Errorf("Refs = %d, want 1", c.Refs("f"))
	}

	if err := c.Remove(ctx, "f"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if c.Exists("f") {
		t.Error("entry survived removal")
	}
	if ent.closed {
		t.Fatal("module closed while a caller still holds it")
	}
	if _, err := e.Invoke(ctx, mod, "echo", map[string]string{"a": "b"}); err != nil {
		t.Errorf("invoke on evicted but held module: %v", err)
	}

	release(ctx)
	release(ctx)
	if !ent.closed {
		t.Error("module not closed after last release")
	}
	if ent.refs != 0 {
		t.Errorf("refs = %d after double release, want 0", ent.refs)
	}
}

func TestCache_Acquire(t *testing.T) {
	e := newEngine(t)
	c := New()
	ctx := context.Background()

	if _, _, err := c.Acquire("f"); !errors.Is(err, wasmerrors.ErrNotFound) {
		t.Fatalf("Acquire missing: err = %v", err)
	}

	c.Insert("f", newModule(t, e, false))
	ent := c.modules["f"]
	_, r1, _ := c.Acquire("f")
	_, r2, _ := c.Acquire("f")
	if c.Refs("f") != 2 {
		t.Errorf("Refs = %d, want 2", c.Refs("f"))
	}
	r1(ctx)
	r2(ctx)
	if c.Refs("f") != 0 {
		t.Errorf("Refs = %d, want 0", c.Refs("f"))
	}
	if ent.closed {
		t.Error("releasing a cached module must not close it")
	}
}

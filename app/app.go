// Package app ties the catalog, the module cache and the engine together
// behind the operations exposed by the HTTP server and the CLI.
package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/openeuler-mirror/WasmEngine/cache"
	"github.com/openeuler-mirror/WasmEngine/catalog"
	"github.com/openeuler-mirror/WasmEngine/engine"
	wasmerrors "github.com/openeuler-mirror/WasmEngine/errors"
	"github.com/openeuler-mirror/WasmEngine/fetch"
)

// App is the process-wide application context.
//
// A compiled module enters the cache only while its catalog entry exists:
// Delete bumps the name's epoch under mu, and a load that started before
// the bump drops its module instead of caching it. Invocations hold a
// cache reference rather than a lock, so a deleted module is closed once
// its last running guest returns.
type App struct {
	engine  *engine.Engine
	catalog *catalog.Catalog
	cache   *cache.Cache
	logger  *zap.Logger
	loads   singleflight.Group
	epochs  map[string]uint64
	mu      sync.Mutex
}

func New(eng *engine.Engine, cat *catalog.Catalog, c *cache.Cache, logger *zap.Logger) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &App{
		engine:  eng,
		catalog: cat,
		cache:   c,
		logger:  logger,
		epochs:  map[string]uint64{},
	}
}

// Restore loads the persisted catalog.
func (a *App) Restore() error {
	if err := a.catalog.Restore(); err != nil {
		return err
	}
	a.logger.Info("catalog restored", zap.Int("functions", len(a.catalog.List())))
	return nil
}

// Deploy fetches ref, records it under name and persists the catalog.
// file:// references are fetched only when ctx carries fetch.WithLocal.
func (a *App) Deploy(ctx context.Context, name, ref string, wasiCap bool) error {
	if err := a.catalog.Add(ctx, name, ref, wasiCap); err != nil {
		return err
	}
	return a.catalog.Save()
}

// Delete removes name from the catalog and evicts its compiled module.
// Guests already running keep their module until they return.
func (a *App) Delete(ctx context.Context, name string) error {
	a.mu.Lock()
	err := a.catalog.Delete(name)
	if err == nil {
		a.epochs[name]++
		if rerr := a.cache.Remove(ctx, name); rerr != nil && wasmerrors.KindOf(rerr) != wasmerrors.KindNotFound {
			a.logger.Warn("release compiled module", zap.String("function", name), zap.Error(rerr))
		}
	}
	a.mu.Unlock()

	if err != nil {
		return err
	}
	return a.catalog.Save()
}

func (a *App) List() []catalog.Entry {
	return a.catalog.List()
}

func (a *App) Query(name string) (catalog.Entry, error) {
	return a.catalog.Query(name)
}

// Invoke runs the function registered as name with args and returns its
// text output. Raw functions are called through the export named after
// the function.
func (a *App) Invoke(ctx context.Context, name string, args map[string]string) (string, error) {
	id := uuid.NewString()
	log := a.logger.With(zap.String("invocation", id), zap.String("function", name))
	start := time.Now()

	mod, release, err := a.acquire(ctx, name)
	if err != nil {
		log.Warn("load failed", zap.Error(err))
		return "", err
	}
	defer release(context.WithoutCancel(ctx))

	out, err := a.engine.Invoke(ctx, mod, name, args)
	if err != nil {
		log.Warn("invocation failed",
			zap.Bool("wasi", mod.WASI()),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return "", err
	}
	log.Info("invocation finished",
		zap.Bool("wasi", mod.WASI()),
		zap.Int("output_bytes", len(out)),
		zap.Duration("elapsed", time.Since(start)))
	return out, nil
}

// Load returns the compiled module for name, compiling and caching it on
// first use. The module may be closed by a later Delete.
func (a *App) Load(ctx context.Context, name string) (engine.Module, error) {
	for {
		if mod, err := a.cache.Get(name); err == nil {
			return mod, nil
		}
		if err := a.load(ctx, name); err != nil {
			return nil, err
		}
	}
}

// acquire returns the module for name with a cache reference held.
func (a *App) acquire(ctx context.Context, name string) (engine.Module, func(context.Context), error) {
	for {
		mod, release, err := a.cache.Acquire(name)
		if err == nil {
			return mod, release, nil
		}
		if err := a.load(ctx, name); err != nil {
			return nil, nil, err
		}
	}
}

// load compiles name into the cache unless it is there already. It
// returns nil without caching when name was deleted while compiling, so
// the caller looks it up again.
func (a *App) load(ctx context.Context, name string) error {
	_, err, _ := a.loads.Do(name, func() (any, error) {
		if a.cache.Exists(name) {
			return nil, nil
		}
		a.mu.Lock()
		epoch := a.epochs[name]
		a.mu.Unlock()

		entry, err := a.catalog.Query(name)
		if err != nil {
			return nil, err
		}
		mod, err := a.engine.CompileFile(ctx, entry.LocalPath, entry.WASICap)
		if err != nil {
			return nil, err
		}

		a.mu.Lock()
		defer a.mu.Unlock()
		if a.epochs[name] != epoch {
			mod.Close(ctx)
			return nil, nil
		}
		if _, inserted := a.cache.Insert(name, mod); !inserted {
			mod.Close(ctx)
			return nil, nil
		}
		a.logger.Debug("module compiled", zap.String("function", name), zap.Bool("wasi", entry.WASICap))
		return nil, nil
	})
	return err
}

// Preload deploys every *.wasm file in dir that is not already in the
// catalog. A module exporting _start is deployed with the WASI capability.
func (a *App) Preload(ctx context.Context, dir string) ([]string, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.wasm"))
	if err != nil {
		return nil, wasmerrors.InvalidInput(wasmerrors.PhaseValidate, "bad preload directory: "+err.Error())
	}

	var deployed []string
	for _, path := range paths {
		name := strings.TrimSuffix(filepath.Base(path), ".wasm")
		if a.catalog.Exists(name) {
			a.logger.Debug("preload skipped, already deployed", zap.String("function", name))
			continue
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return deployed, wasmerrors.Wrap(wasmerrors.PhaseValidate, wasmerrors.KindInvalidInput, err, "resolve "+path)
		}
		wasiCap, err := a.detectWASI(ctx, abs)
		if err != nil {
			return deployed, err
		}
		if err := a.Deploy(fetch.WithLocal(ctx), name, fetch.FileScheme+abs, wasiCap); err != nil {
			return deployed, err
		}
		a.logger.Info("function preloaded", zap.String("function", name), zap.Bool("wasi", wasiCap))
		deployed = append(deployed, name)
	}
	return deployed, nil
}

func (a *App) detectWASI(ctx context.Context, path string) (bool, error) {
	wasm, err := os.ReadFile(path)
	if err != nil {
		return false, wasmerrors.Wrap(wasmerrors.PhaseFetch, wasmerrors.KindFetchFailure, err, "read "+path)
	}
	mod, err := a.engine.Compile(ctx, wasm, false)
	if err != nil {
		return false, err
	}
	defer mod.Close(ctx)
	return engine.ExportsStart(mod.Compiled()), nil
}

// Close releases every cached module and the engine.
func (a *App) Close(ctx context.Context) error {
	err := a.cache.Close(ctx)
	if cerr := a.engine.Close(ctx); err == nil {
		err = cerr
	}
	return err
}

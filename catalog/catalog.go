package catalog

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	wasmerrors "github.com/openeuler-mirror/WasmEngine/errors"
	"github.com/openeuler-mirror/WasmEngine/fetch"
)

// PersistFile is the catalog file name inside the root directory.
const PersistFile = "persist.json"

// Entry describes one deployed function.
type Entry struct {
	Name           string `json:"func_name"`
	ImageReference string `json:"func_image_name"`
	LocalPath      string `json:"func_local_path"`
	WASICap        bool   `json:"wasi_cap"`
}

// Catalog is safe for concurrent use.
type Catalog struct {
	fetcher fetch.Fetcher
	logger  *zap.Logger
	entries map[string]Entry
	pending map[string]struct{}
	root    string
	order   []string
	mu      sync.RWMutex
	saveMu  sync.Mutex
}

// New opens a catalog rooted at root, creating the directory if needed.
// The persisted map is not read until Restore is called.
func New(root string, fetcher fetch.Fetcher, logger *zap.Logger) (*Catalog, error) {
	if root == "" {
		return nil, wasmerrors.InvalidInput(wasmerrors.PhaseValidate, "catalog root is required")
	}
	if fetcher == nil {
		return nil, wasmerrors.InvalidInput(wasmerrors.PhaseValidate, "catalog fetcher is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, wasmerrors.Wrap(wasmerrors.PhasePersist, wasmerrors.KindPersistenceFailure, err, "create catalog root")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Catalog{
		fetcher: fetcher,
		logger:  logger,
		entries: map[string]Entry{},
		pending: map[string]struct{}{},
		root:    root,
	}, nil
}

// Root returns the catalog directory.
func (c *Catalog) Root() string { return c.root }

// ValidateName rejects names that cannot be used as a directory under the
// catalog root.
func ValidateName(name string) error {
	switch {
	case name == "":
		return wasmerrors.InvalidInput(wasmerrors.PhaseValidate, "function name is required")
	case name == "." || name == ".." || strings.Contains(name, ".."):
		return wasmerrors.InvalidInput(wasmerrors.PhaseValidate, "function name must not contain \"..\"")
	case strings.ContainsAny(name, `/\`):
		return wasmerrors.InvalidInput(wasmerrors.PhaseValidate, "function name must not contain path separators")
	case strings.HasPrefix(name, "."):
		return wasmerrors.InvalidInput(wasmerrors.PhaseValidate, "function name must not start with a dot")
	case name == PersistFile:
		return wasmerrors.InvalidInput(wasmerrors.PhaseValidate, "function name is reserved")
	}
	return nil
}

// Exists reports whether name is committed to the catalog. Pending adds do
// not count.
func (c *Catalog) Exists(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[name]
	return ok
}

// Add fetches ref into the function's directory and records it under name.
func (c *Catalog) Add(ctx context.Context, name, ref string, wasiCap bool) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if ref == "" {
		return wasmerrors.InvalidInput(wasmerrors.PhaseValidate, "image reference is required")
	}

	if err := c.reserve(name); err != nil {
		c.logger.Error("function already exists", zap.String("function", name))
		return err
	}

	dir := filepath.Join(c.root, name)
	path, err := c.fetchArtifact(ctx, name, ref, dir)
	if err != nil {
		c.rollback(name, dir)
		return err
	}

	c.mu.Lock()
	delete(c.pending, name)
	c.entries[name] = Entry{Name: name, ImageReference: ref, LocalPath: path, WASICap: wasiCap}
	c.order = append(c.order, name)
	c.mu.Unlock()

	c.logger.Info("function added",
		zap.String("function", name),
		zap.String("reference", ref),
		zap.String("path", path),
		zap.Bool("wasi", wasiCap))
	return nil
}

func (c *Catalog) reserve(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[name]; ok {
		return wasmerrors.AlreadyExists(wasmerrors.PhaseCatalog, name)
	}
	if _, ok := c.pending[name]; ok {
		return wasmerrors.AlreadyExists(wasmerrors.PhaseCatalog, name)
	}
	c.pending[name] = struct{}{}
	return nil
}

// removeAll is replaced in tests to hold a removal open.
var removeAll = os.RemoveAll

// rollback removes dir and releases the reservation of name.
func (c *Catalog) rollback(name, dir string) {
	if err := removeAll(dir); err != nil {
		c.logger.Warn("remove function dir", zap.String("function", name), zap.Error(err))
	}
	c.mu.Lock()
	delete(c.pending, name)
	c.mu.Unlock()
}

func (c *Catalog) fetchArtifact(ctx context.Context, name, ref, dir string) (string, error) {
	if err := os.RemoveAll(dir); err != nil {
		return "", wasmerrors.Wrap(wasmerrors.PhaseFetch, wasmerrors.KindFetchFailure, err, "clear function dir")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", wasmerrors.Wrap(wasmerrors.PhaseFetch, wasmerrors.KindFetchFailure, err, "create function dir")
	}
	if err := c.fetcher.Fetch(ctx, name, ref, dir); err != nil {
		if wasmerrors.KindOf(err) == "" {
			err = wasmerrors.New(wasmerrors.PhaseFetch, wasmerrors.KindFetchFailure).Name(name).Cause(err).Build()
		}
		return "", err
	}
	return resolveArtifact(name, dir)
}

// resolveArtifact returns the canonical path of the single regular file in
// dir.
func resolveArtifact(name, dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", malformed(name, err, "read function dir")
	}
	if len(entries) != 1 {
		return "", malformed(name, nil, "function dir holds %d entries, want exactly one module file", len(entries))
	}

	path, err := filepath.Abs(filepath.Join(dir, entries[0].Name()))
	if err != nil {
		return "", malformed(name, err, "resolve artifact path")
	}
	if path, err = filepath.EvalSymlinks(path); err != nil {
		return "", malformed(name, err, "resolve artifact path")
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", malformed(name, err, "stat artifact")
	}
	if !info.Mode().IsRegular() {
		return "", malformed(name, nil, "artifact %s is not a regular file", entries[0].Name())
	}
	return path, nil
}

func malformed(name string, cause error, format string, args ...any) error {
	return wasmerrors.New(wasmerrors.PhaseCatalog, wasmerrors.KindMalformedArtifact).
		Name(name).
		Cause(cause).
		Detail(format, args...).
		Build()
}

// Delete removes name from the catalog and deletes its directory. The
// name stays reserved until the directory is gone, so an Add of the same
// name fails with already_exists instead of racing the removal.
func (c *Catalog) Delete(name string) error {
	c.mu.Lock()
	if _, ok := c.entries[name]; !ok {
		c.mu.Unlock()
		return wasmerrors.NotFound(wasmerrors.PhaseCatalog, "function", name)
	}
	delete(c.entries, name)
	if i := slices.Index(c.order, name); i >= 0 {
		c.order = slices.Delete(c.order, i, i+1)
	}
	c.pending[name] = struct{}{}
	c.mu.Unlock()

	if ValidateName(name) == nil {
		c.rollback(name, filepath.Join(c.root, name))
	} else {
		c.mu.Lock()
		delete(c.pending, name)
		c.mu.Unlock()
	}

	c.logger.Info("function deleted", zap.String("function", name))
	return nil
}

// List returns a snapshot of all entries in insertion order. Entries loaded
// by Restore come first, sorted by name.
func (c *Catalog) List() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Entry, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.entries[name])
	}
	return out
}

// Query returns the entry for name.
func (c *Catalog) Query(name string) (Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[name]
	if !ok {
		return Entry{}, wasmerrors.NotFound(wasmerrors.PhaseCatalog, "function", name)
	}
	return e, nil
}

// Save writes the catalog to persist.json. The file is replaced atomically;
// concurrent saves are serialized and never block readers.
func (c *Catalog) Save() error {
	c.saveMu.Lock()
	defer c.saveMu.Unlock()

	c.mu.RLock()
	snapshot := make(map[string]Entry, len(c.entries))
	for k, v := range c.entries {
		snapshot[k] = v
	}
	c.mu.RUnlock()

	data, err := json.Marshal(snapshot)
	if err != nil {
		return persistFailure(err, "encode catalog")
	}
	c.logger.Debug("saving catalog", zap.Int("functions", len(snapshot)))

	tmp, err := os.CreateTemp(c.root, ".persist-*.json")
	if err != nil {
		return persistFailure(err, "create temp file")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return persistFailure(err, "write temp file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return persistFailure(err, "sync temp file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return persistFailure(err, "close temp file")
	}
	if err := os.Rename(tmpName, c.persistPath()); err != nil {
		os.Remove(tmpName)
		return persistFailure(err, "replace catalog file")
	}
	return nil
}

// Restore replaces the in-memory map with the contents of persist.json.
// A missing or empty file leaves the catalog untouched.
func (c *Catalog) Restore() error {
	data, err := os.ReadFile(c.persistPath())
	if os.IsNotExist(err) {
		c.logger.Info("no catalog file, restore skipped", zap.String("path", c.persistPath()))
		return nil
	}
	if err != nil {
		return persistFailure(err, "read catalog file")
	}
	if len(data) == 0 {
		c.logger.Info("catalog file is empty", zap.String("path", c.persistPath()))
		return nil
	}

	var restored map[string]Entry
	if err := json.Unmarshal(data, &restored); err != nil {
		return persistFailure(err, "decode catalog file")
	}

	order := make([]string, 0, len(restored))
	for name, e := range restored {
		if e.Name == "" {
			e.Name = name
			restored[name] = e
		}
		order = append(order, name)
	}
	sort.Strings(order)

	c.mu.Lock()
	c.entries = restored
	if c.entries == nil {
		c.entries = map[string]Entry{}
	}
	c.order = order
	c.mu.Unlock()

	c.logger.Debug("catalog restored", zap.Strings("functions", order))
	return nil
}

func (c *Catalog) persistPath() string {
	return filepath.Join(c.root, PersistFile)
}

func persistFailure(cause error, detail string) error {
	return wasmerrors.Wrap(wasmerrors.PhasePersist, wasmerrors.KindPersistenceFailure, cause, detail)
}

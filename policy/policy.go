// Package policy defines the resource policy applied to every guest invocation.
//
// A Policy is an immutable value. Assemble one with a Builder and share the
// result freely between goroutines:
//
//	p := policy.NewBuilder().
//		MaxMemoryBytes(64 << 20).
//		MaxFuel(10).
//		PreopenDir("/srv/data", "/data").
//		Build()
package policy

import (
	"maps"
	"math"
	"slices"
	"strings"
)

const (
	// PageSize is the size of a Wasm linear memory page.
	PageSize = 64 * 1024

	// MaxPages is the largest page count addressable by 32-bit memory.
	MaxPages = 65536

	// DefaultMaxMemoryBytes is 4 GiB, the full 32-bit address space.
	DefaultMaxMemoryBytes uint64 = 4 << 30

	// WASINamespace is the import namespace of WASI preview1.
	WASINamespace = "wasi_snapshot_preview1"
)

// Preopen maps a host directory into the guest filesystem.
type Preopen struct {
	HostPath  string
	GuestPath string
}

// Policy holds the limits and capabilities granted to guests.
type Policy struct {
	env               map[string]string
	maxFuel           *uint64
	allowedNamespaces []string
	preopens          []Preopen
	maxMemoryBytes    uint64
}

// Default returns the policy used when nothing is configured.
func Default() Policy {
	return NewBuilder().Build()
}

// MaxMemoryBytes is the per-instance linear memory ceiling.
func (p Policy) MaxMemoryBytes() uint64 {
	return p.maxMemoryBytes
}

// MaxFuel returns the compute budget in units and whether one is set.
func (p Policy) MaxFuel() (uint64, bool) {
	if p.maxFuel == nil {
		return 0, false
	}
	return *p.maxFuel, true
}

// FuelUnits returns the budget handed to each invocation.
// Without a limit the budget is effectively unbounded.
func (p Policy) FuelUnits() uint64 {
	if p.maxFuel == nil {
		return math.MaxUint64
	}
	return *p.maxFuel
}

// MemoryLimitPages converts the byte ceiling into whole pages in [1, MaxPages].
func (p Policy) MemoryLimitPages() uint32 {
	pages := p.maxMemoryBytes / PageSize
	if pages < 1 {
		return 1
	}
	if pages > MaxPages {
		return MaxPages
	}
	return uint32(pages)
}

// AllowedNamespaces returns a copy of the import namespace allow-list.
func (p Policy) AllowedNamespaces() []string {
	return slices.Clone(p.allowedNamespaces)
}

// Allows reports whether host imports from namespace may be linked.
func (p Policy) Allows(namespace string) bool {
	for _, ns := range p.allowedNamespaces {
		if strings.HasPrefix(namespace, ns) {
			return true
		}
	}
	return false
}

// PreopenedDirs returns a copy of the preopened directory list.
func (p Policy) PreopenedDirs() []Preopen {
	return slices.Clone(p.preopens)
}

// Env returns a copy of the guest environment.
func (p Policy) Env() map[string]string {
	return maps.Clone(p.env)
}

// Builder assembles a Policy. It is not safe for concurrent use.
type Builder struct {
	p Policy
}

// NewBuilder starts from the default policy.
func NewBuilder() *Builder {
	return &Builder{p: Policy{
		maxMemoryBytes:    DefaultMaxMemoryBytes,
		allowedNamespaces: []string{WASINamespace},
	}}
}

// MaxMemoryBytes sets the memory ceiling.
func (b *Builder) MaxMemoryBytes(n uint64) *Builder {
	b.p.maxMemoryBytes = n
	return b
}

// MaxFuel sets the compute budget in units of 100,000 instructions.
func (b *Builder) MaxFuel(units uint64) *Builder {
	b.p.maxFuel = &units
	return b
}

// Unlimited clears the compute budget.
func (b *Builder) Unlimited() *Builder {
	b.p.maxFuel = nil
	return b
}

// AllowNamespace appends to the import namespace allow-list.
func (b *Builder) AllowNamespace(ns string) *Builder {
	if !slices.Contains(b.p.allowedNamespaces, ns) {
		b.p.allowedNamespaces = append(b.p.allowedNamespaces, ns)
	}
	return b
}

// Namespaces replaces the allow-list.
func (b *Builder) Namespaces(ns ...string) *Builder {
	b.p.allowedNamespaces = slices.Clone(ns)
	return b
}

// PreopenDir mounts host at guest. An empty guest path reuses the host path.
func (b *Builder) PreopenDir(host, guest string) *Builder {
	if guest == "" {
		guest = host
	}
	b.p.preopens = append(b.p.preopens, Preopen{HostPath: host, GuestPath: guest})
	return b
}

// SetEnv adds an environment variable visible to capability guests.
func (b *Builder) SetEnv(key, value string) *Builder {
	if b.p.env == nil {
		b.p.env = make(map[string]string)
	}
	b.p.env[key] = value
	return b
}

// Build freezes the policy. The builder may keep being used without
// affecting policies it already produced.
func (b *Builder) Build() Policy {
	p := b.p
	p.allowedNamespaces = slices.Clone(p.allowedNamespaces)
	p.preopens = slices.Clone(p.preopens)
	p.env = maps.Clone(p.env)
	if p.maxFuel != nil {
		v := *p.maxFuel
		p.maxFuel = &v
	}
	return p
}

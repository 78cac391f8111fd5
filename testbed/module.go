// Package testbed assembles small WebAssembly modules for tests.
//
// Modules are built directly in the binary format. Guests written in Go
// under examples/ are compiled on demand by BuildExample.
package testbed

import (
	"fmt"

	"github.com/tetratelabs/wazero/api"
)

// Value types in binary encoding.
const (
	I32 = api.ValueTypeI32
	I64 = api.ValueTypeI64
)

type funcType struct {
	params  []api.ValueType
	results []api.ValueType
}

type funcImport struct {
	module string
	name   string
	typ    int
}

type funcDef struct {
	export string
	locals []api.ValueType
	body   []byte
	typ    int
}

type globalDef struct {
	export  string
	typ     api.ValueType
	mutable bool
	init    int64
}

type dataSeg struct {
	bytes  []byte
	offset uint32
}

// ModuleBuilder builds a core module. Imports must be added before any
// function is defined so that returned indices stay stable.
type ModuleBuilder struct {
	memExport string
	types     []funcType
	imports   []funcImport
	funcs     []funcDef
	globals   []globalDef
	data      []dataSeg
	memMin    uint32
	hasMemory bool
}

// NewModule creates an empty module builder.
func NewModule() *ModuleBuilder {
	return &ModuleBuilder{}
}

func (b *ModuleBuilder) typeIndex(params, results []api.ValueType) int {
	for i, t := range b.types {
		if sameTypes(t.params, params) && sameTypes(t.results, results) {
			return i
		}
	}
	b.types = append(b.types, funcType{params: params, results: results})
	return len(b.types) - 1
}

func sameTypes(a, b []api.ValueType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ImportFunc declares a function import and returns its index.
func (b *ModuleBuilder) ImportFunc(module, name string, params, results []api.ValueType) uint32 {
	if len(b.funcs) > 0 {
		panic("testbed: imports must precede function definitions")
	}
	b.imports = append(b.imports, funcImport{module: module, name: name, typ: b.typeIndex(params, results)})
	return uint32(len(b.imports) - 1)
}

// Memory declares a memory of minPages, exported under export when non-empty.
func (b *ModuleBuilder) Memory(minPages uint32, export string) *ModuleBuilder {
	b.hasMemory = true
	b.memMin = minPages
	b.memExport = export
	return b
}

// Global declares a global and returns its index.
func (b *ModuleBuilder) Global(export string, typ api.ValueType, mutable bool, init int64) uint32 {
	b.globals = append(b.globals, globalDef{export: export, typ: typ, mutable: mutable, init: init})
	return uint32(len(b.globals) - 1)
}

// Data places bytes at offset in memory 0.
func (b *ModuleBuilder) Data(offset uint32, bytes []byte) *ModuleBuilder {
	b.data = append(b.data, dataSeg{offset: offset, bytes: bytes})
	return b
}

// Func defines a function and returns its index. body is the instruction
// sequence without the trailing end.
func (b *ModuleBuilder) Func(export string, params, results, locals []api.ValueType, body ...[]byte) uint32 {
	var code []byte
	for _, part := range body {
		code = append(code, part...)
	}
	b.funcs = append(b.funcs, funcDef{
		export: export,
		locals: locals,
		body:   code,
		typ:    b.typeIndex(params, results),
	})
	return uint32(len(b.imports) + len(b.funcs) - 1)
}

// Build encodes the module.
func (b *ModuleBuilder) Build() []byte {
	out := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

	if len(b.types) > 0 {
		var s []byte
		s = uleb(s, uint32(len(b.types)))
		for _, t := range b.types {
			s = append(s, 0x60)
			s = valTypes(s, t.params)
			s = valTypes(s, t.results)
		}
		out = section(out, 1, s)
	}

	if len(b.imports) > 0 {
		var s []byte
		s = uleb(s, uint32(len(b.imports)))
		for _, imp := range b.imports {
			s = name(s, imp.module)
			s = name(s, imp.name)
			s = append(s, 0x00)
			s = uleb(s, uint32(imp.typ))
		}
		out = section(out, 2, s)
	}

	if len(b.funcs) > 0 {
		var s []byte
		s = uleb(s, uint32(len(b.funcs)))
		for _, f := range b.funcs {
			s = uleb(s, uint32(f.typ))
		}
		out = section(out, 3, s)
	}

	if b.hasMemory {
		var s []byte
		s = uleb(s, 1)
		s = append(s, 0x00)
		s = uleb(s, b.memMin)
		out = section(out, 5, s)
	}

	if len(b.globals) > 0 {
		var s []byte
		s = uleb(s, uint32(len(b.globals)))
		for _, g := range b.globals {
			s = append(s, valType(g.typ))
			if g.mutable {
				s = append(s, 0x01)
			} else {
				s = append(s, 0x00)
			}
			if g.typ == I64 {
				s = append(s, 0x42)
			} else {
				s = append(s, 0x41)
			}
			s = sleb(s, g.init)
			s = append(s, 0x0B)
		}
		out = section(out, 6, s)
	}

	var exports []byte
	var exportCount uint32
	if b.hasMemory && b.memExport != "" {
		exports = name(exports, b.memExport)
		exports = append(exports, 0x02, 0x00)
		exportCount++
	}
	for i, g := range b.globals {
		if g.export == "" {
			continue
		}
		exports = name(exports, g.export)
		exports = append(exports, 0x03)
		exports = uleb(exports, uint32(i))
		exportCount++
	}
	for i, f := range b.funcs {
		if f.export == "" {
			continue
		}
		exports = name(exports, f.export)
		exports = append(exports, 0x00)
		exports = uleb(exports, uint32(len(b.imports)+i))
		exportCount++
	}
	if exportCount > 0 {
		out = section(out, 7, append(uleb(nil, exportCount), exports...))
	}

	if len(b.funcs) > 0 {
		var s []byte
		s = uleb(s, uint32(len(b.funcs)))
		for _, f := range b.funcs {
			var body []byte
			body = uleb(body, uint32(len(f.locals)))
			for _, l := range f.locals {
				body = uleb(body, 1)
				body = append(body, valType(l))
			}
			body = append(body, f.body...)
			body = append(body, 0x0B)
			s = uleb(s, uint32(len(body)))
			s = append(s, body...)
		}
		out = section(out, 10, s)
	}

	if len(b.data) > 0 {
		var s []byte
		s = uleb(s, uint32(len(b.data)))
		for _, d := range b.data {
			s = append(s, 0x00, 0x41)
			s = sleb(s, int64(int32(d.offset)))
			s = append(s, 0x0B)
			s = uleb(s, uint32(len(d.bytes)))
			s = append(s, d.bytes...)
		}
		out = section(out, 11, s)
	}

	return out
}

func section(out []byte, id byte, body []byte) []byte {
	out = append(out, id)
	out = uleb(out, uint32(len(body)))
	return append(out, body...)
}

func name(out []byte, s string) []byte {
	out = uleb(out, uint32(len(s)))
	return append(out, s...)
}

func valTypes(out []byte, types []api.ValueType) []byte {
	out = uleb(out, uint32(len(types)))
	for _, t := range types {
		out = append(out, valType(t))
	}
	return out
}

func valType(t api.ValueType) byte {
	switch t {
	case api.ValueTypeI32:
		return 0x7F
	case api.ValueTypeI64:
		return 0x7E
	case api.ValueTypeF32:
		return 0x7D
	case api.ValueTypeF64:
		return 0x7C
	}
	panic(fmt.Sprintf("testbed: unsupported value type %v", t))
}

func uleb(out []byte, v uint32) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		out = append(out, b)
		if v == 0 {
			return out
		}
	}
}

func sleb(out []byte, v int64) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

package meter

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	wasmerrors "github.com/openeuler-mirror/WasmEngine/errors"
)

const (
	// CheckpointModule is the import module of the fuel checkpoint.
	CheckpointModule = "wasm_engine"
	// CheckpointName is the import name of the fuel checkpoint.
	CheckpointName = "fuel_checkpoint"
	// FuelGlobal is the export name of the per-instance fuel counter.
	FuelGlobal = "__wasm_engine_fuel"
)

const (
	secCustom    = 0
	secType      = 1
	secImport    = 2
	secFunction  = 3
	secTable     = 4
	secMemory    = 5
	secGlobal    = 6
	secExport    = 7
	secStart     = 8
	secElement   = 9
	secCode      = 10
	secData      = 11
	secDataCount = 12
	secTag       = 13
)

const (
	kindFunc   = 0x00
	kindTable  = 0x01
	kindMemory = 0x02
	kindGlobal = 0x03
	kindTag    = 0x04
)

var header = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

// sectionRank is the mandated order of non-custom sections.
var sectionRank = map[byte]int{
	secType: 1, secImport: 2, secFunction: 3, secTable: 4, secMemory: 5,
	secTag: 6, secGlobal: 7, secExport: 8, secStart: 9, secElement: 10,
	secDataCount: 11, secCode: 12, secData: 13,
}

type section struct {
	body []byte
	id   byte
}

// layout holds the index spaces the rewrite depends on.
type layout struct {
	types           uint32
	importedFuncs   uint32
	importedGlobals uint32
	globals         uint32
}

// shift renumbers a function index for the inserted checkpoint import,
// which takes the slot right after the existing imported functions.
func (l *layout) shift(idx uint32) uint32 {
	if idx >= l.importedFuncs {
		return idx + 1
	}
	return idx
}

func (l *layout) checkpointIndex() uint32 { return l.importedFuncs }
func (l *layout) fuelIndex() uint32       { return l.importedGlobals + l.globals }

// checkGlobal rejects references past the module's own globals. Such an
// index is invalid in the input but would name the fuel counter after the
// rewrite.
func (l *layout) checkGlobal(in instr) error {
	if in.hasGlobal && in.globalIndex >= l.fuelIndex() {
		return compileError(fmt.Sprintf("global index %d out of range (%d globals)",
			in.globalIndex, l.fuelIndex()), nil)
	}
	return nil
}

// Instrument returns a copy of a core module that accounts for the
// instructions it executes.
//
// The copy imports CheckpointModule.CheckpointName of type [] -> [] and
// exports a mutable i64 global named FuelGlobal, initialised to zero. Each
// straight-line segment of every function subtracts its instruction count
// from the global on entry and calls the checkpoint when the counter drops
// below zero. The host refills the counter or aborts the call.
func Instrument(wasm []byte) ([]byte, error) {
	if len(wasm) < len(header) || !bytes.Equal(wasm[:4], header[:4]) {
		return nil, compileError("not a WebAssembly module", nil)
	}
	if !bytes.Equal(wasm[4:8], header[4:]) {
		return nil, wasmerrors.Unsupported(wasmerrors.PhaseCompile,
			fmt.Sprintf("binary version %x, only core modules are supported", wasm[4:8]))
	}

	sections, err := splitSections(wasm[8:])
	if err != nil {
		return nil, compileError("split sections", err)
	}

	var l layout
	for _, s := range sections {
		var err error
		switch s.id {
		case secType:
			l.types, err = newReader(s.body).u32()
		case secImport:
			l.importedFuncs, l.importedGlobals, err = countImports(s.body)
		case secGlobal:
			l.globals, err = newReader(s.body).u32()
		case secExport:
			err = checkExports(s.body)
		}
		if err != nil {
			return nil, compileError(fmt.Sprintf("read section %d", s.id), err)
		}
	}

	for _, id := range []byte{secType, secImport, secGlobal, secExport} {
		sections = ensureSection(sections, id)
	}

	out := append([]byte(nil), header...)
	for _, s := range sections {
		body, keep, err := rewriteSection(s, &l)
		if err != nil {
			var e *wasmerrors.Error
			if errors.As(err, &e) {
				return nil, e
			}
			return nil, compileError(fmt.Sprintf("rewrite section %d", s.id), err)
		}
		if !keep {
			continue
		}
		out = append(out, s.id)
		out = appendULEB128(out, uint64(len(body)))
		out = append(out, body...)
	}
	return out, nil
}

func compileError(detail string, cause error) *wasmerrors.Error {
	return wasmerrors.Wrap(wasmerrors.PhaseCompile, wasmerrors.KindCompile, cause, detail)
}

func splitSections(data []byte) ([]section, error) {
	var sections []section
	r := newReader(data)
	for !r.done() {
		id, err := r.byte()
		if err != nil {
			return nil, err
		}
		size, err := r.u32()
		if err != nil {
			return nil, err
		}
		body, err := r.bytes(int(size))
		if err != nil {
			return nil, err
		}
		if id != secCustom {
			if _, ok := sectionRank[id]; !ok {
				return nil, fmt.Errorf("unknown section id %d", id)
			}
		}
		sections = append(sections, section{id: id, body: body})
	}
	return sections, nil
}

// ensureSection inserts an empty vector section when id is absent.
func ensureSection(sections []section, id byte) []section {
	rank := sectionRank[id]
	insertAt := len(sections)
	for i, s := range sections {
		if s.id == id {
			return sections
		}
		if s.id != secCustom && sectionRank[s.id] > rank && insertAt == len(sections) {
			insertAt = i
		}
	}
	empty := section{id: id, body: []byte{0x00}}
	sections = append(sections, section{})
	copy(sections[insertAt+1:], sections[insertAt:])
	sections[insertAt] = empty
	return sections
}

func countImports(body []byte) (funcs, globals uint32, err error) {
	r := newReader(body)
	n, err := r.u32()
	if err != nil {
		return 0, 0, err
	}
	for i := uint32(0); i < n; i++ {
		if _, err := r.name(); err != nil {
			return 0, 0, err
		}
		if _, err := r.name(); err != nil {
			return 0, 0, err
		}
		kind, err := r.byte()
		if err != nil {
			return 0, 0, err
		}
		switch kind {
		case kindFunc:
			funcs++
			_, err = r.u32()
		case kindTable:
			if _, err = r.byte(); err == nil {
				err = r.limits()
			}
		case kindMemory:
			err = r.limits()
		case kindGlobal:
			globals++
			err = r.skip(2)
		case kindTag:
			err = readU32s(r, 2)
		default:
			err = fmt.Errorf("unknown import kind %d", kind)
		}
		if err != nil {
			return 0, 0, err
		}
	}
	return funcs, globals, nil
}

func checkExports(body []byte) error {
	return walkExports(body, func(name string, _ byte, _ uint32) error {
		if name == FuelGlobal {
			return fmt.Errorf("module already exports %q", FuelGlobal)
		}
		return nil
	})
}

func walkExports(body []byte, fn func(name string, kind byte, idx uint32) error) error {
	r := newReader(body)
	n, err := r.u32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		name, err := r.name()
		if err != nil {
			return err
		}
		kind, err := r.byte()
		if err != nil {
			return err
		}
		idx, err := r.u32()
		if err != nil {
			return err
		}
		if err := fn(name, kind, idx); err != nil {
			return err
		}
	}
	return nil
}

// rewriteSection returns the new body of s and whether to emit it.
func rewriteSection(s section, l *layout) ([]byte, bool, error) {
	switch s.id {
	case secCustom:
		name, err := newReader(s.body).name()
		if err != nil {
			return nil, false, err
		}
		// Function names and DWARF refer to the old index space and offsets.
		if name == "name" || strings.HasPrefix(name, ".debug_") {
			return nil, false, nil
		}
		return s.body, true, nil

	case secType:
		body, err := appendToVector(s.body, []byte{0x60, 0x00, 0x00})
		return body, true, err

	case secImport:
		var entry []byte
		entry = appendName(entry, CheckpointModule)
		entry = appendName(entry, CheckpointName)
		entry = append(entry, kindFunc)
		entry = appendULEB128(entry, uint64(l.types))
		body, err := appendToVector(s.body, entry)
		return body, true, err

	case secGlobal:
		body, err := rewriteGlobals(s.body, l)
		return body, true, err

	case secExport:
		body, err := rewriteExports(s.body, l)
		return body, true, err

	case secStart:
		idx, err := newReader(s.body).u32()
		if err != nil {
			return nil, false, err
		}
		return appendULEB128(nil, uint64(l.shift(idx))), true, nil

	case secElement:
		body, err := rewriteElements(s.body, l)
		return body, true, err

	case secCode:
		body, err := rewriteCode(s.body, l)
		return body, true, err
	}
	return s.body, true, nil
}

// appendToVector bumps a section's element count and appends entry.
func appendToVector(body, entry []byte) ([]byte, error) {
	r := newReader(body)
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	out := appendULEB128(nil, uint64(n)+1)
	out = append(out, body[r.pos:]...)
	return append(out, entry...), nil
}

func rewriteGlobals(body []byte, l *layout) ([]byte, error) {
	r := newReader(body)
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	out := appendULEB128(nil, uint64(n)+1)
	for i := uint32(0); i < n; i++ {
		gt, err := r.bytes(2)
		if err != nil {
			return nil, err
		}
		out = append(out, gt...)
		if out, err = copyConstExpr(out, r, l); err != nil {
			return nil, err
		}
	}
	// mutable i64 initialised to zero
	out = append(out, 0x7E, 0x01, opI64Const, 0x00, opEnd)
	return out, nil
}

func rewriteExports(body []byte, l *layout) ([]byte, error) {
	var entries []byte
	var n uint64
	err := walkExports(body, func(name string, kind byte, idx uint32) error {
		switch {
		case kind == kindFunc:
			idx = l.shift(idx)
		case kind == kindGlobal && idx >= l.fuelIndex():
			return compileError(fmt.Sprintf("export %q: global index %d out of range", name, idx), nil)
		}
		entries = appendName(entries, name)
		entries = append(entries, kind)
		entries = appendULEB128(entries, uint64(idx))
		n++
		return nil
	})
	if err != nil {
		return nil, err
	}
	entries = appendName(entries, FuelGlobal)
	entries = append(entries, kindGlobal)
	entries = appendULEB128(entries, uint64(l.fuelIndex()))

	out := appendULEB128(nil, n+1)
	return append(out, entries...), nil
}

func rewriteElements(body []byte, l *layout) ([]byte, error) {
	r := newReader(body)
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	out := appendULEB128(nil, uint64(n))
	for i := uint32(0); i < n; i++ {
		flags, err := r.u32()
		if err != nil {
			return nil, err
		}
		out = appendULEB128(out, uint64(flags))

		if flags&0x02 != 0 && flags&0x01 == 0 {
			// explicit table index
			tbl, err := r.u32()
			if err != nil {
				return nil, err
			}
			out = appendULEB128(out, uint64(tbl))
		}
		if flags&0x01 == 0 {
			// active segment offset
			if out, err = copyConstExpr(out, r, l); err != nil {
				return nil, err
			}
		}
		if flags&0x03 != 0 {
			// elemkind or reftype
			b, err := r.byte()
			if err != nil {
				return nil, err
			}
			out = append(out, b)
		}

		count, err := r.u32()
		if err != nil {
			return nil, err
		}
		out = appendULEB128(out, uint64(count))
		for j := uint32(0); j < count; j++ {
			if flags&0x04 != 0 {
				if out, err = copyConstExpr(out, r, l); err != nil {
					return nil, err
				}
				continue
			}
			idx, err := r.u32()
			if err != nil {
				return nil, err
			}
			out = appendULEB128(out, uint64(l.shift(idx)))
		}
	}
	return out, nil
}

// copyConstExpr copies a constant expression, renumbering ref.func.
func copyConstExpr(out []byte, r *reader, l *layout) ([]byte, error) {
	for {
		start := r.pos
		in, err := scanInstr(r)
		if err != nil {
			return nil, err
		}
		if err := l.checkGlobal(in); err != nil {
			return nil, err
		}
		out = emitInstr(out, r.buf[start:r.pos], in, l)
		if in.op == opEnd {
			return out, nil
		}
	}
}

// emitInstr appends raw, or its renumbered form when it names a function.
func emitInstr(out, raw []byte, in instr, l *layout) []byte {
	if !in.hasFunc {
		return append(out, raw...)
	}
	out = append(out, in.op)
	return appendULEB128(out, uint64(l.shift(in.funcIndex)))
}

func rewriteCode(body []byte, l *layout) ([]byte, error) {
	r := newReader(body)
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	out := appendULEB128(nil, uint64(n))
	for i := uint32(0); i < n; i++ {
		size, err := r.u32()
		if err != nil {
			return nil, err
		}
		fn, err := r.bytes(int(size))
		if err != nil {
			return nil, err
		}
		rewritten, err := instrumentFunc(fn, l)
		if err != nil {
			return nil, fmt.Errorf("function %d: %w", l.importedFuncs+i, err)
		}
		out = appendULEB128(out, uint64(len(rewritten)))
		out = append(out, rewritten...)
	}
	return out, nil
}

// segment is a run of instructions entered only at its first instruction.
type segment struct {
	code []byte
	cost int64
	dead bool
}

func instrumentFunc(fn []byte, l *layout) ([]byte, error) {
	r := newReader(fn)
	groups, err := r.u32()
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < groups; i++ {
		if _, err := r.u32(); err != nil {
			return nil, err
		}
		t, err := r.byte()
		if err != nil {
			return nil, err
		}
		if !isValType(t) {
			return nil, wasmerrors.Unsupported(wasmerrors.PhaseCompile,
				fmt.Sprintf("local type 0x%02x", t))
		}
	}
	out := append([]byte(nil), fn[:r.pos]...)

	var segs []segment
	cur := segment{}
	for !r.done() {
		start := r.pos
		in, err := scanInstr(r)
		if err != nil {
			return nil, wasmerrors.Unsupported(wasmerrors.PhaseCompile, err.Error())
		}
		if err := l.checkGlobal(in); err != nil {
			return nil, err
		}
		cur.code = emitInstr(cur.code, fn[start:r.pos], in, l)
		cur.cost += in.cost()
		if in.endsSegment() {
			segs = append(segs, cur)
			dead := cur.dead
			switch {
			case in.transfers():
				dead = true
			case in.op == opEnd, in.op == opElse:
				dead = false
			}
			cur = segment{dead: dead}
		}
	}
	if len(cur.code) > 0 {
		return nil, fmt.Errorf("function body does not end with end")
	}

	for _, s := range segs {
		if !s.dead && s.cost > 0 {
			out = appendCharge(out, s.cost, l)
		}
		out = append(out, s.code...)
	}
	return out, nil
}

// appendCharge emits:
//
//	global.get $fuel
//	i64.const cost
//	i64.sub
//	global.set $fuel
//	global.get $fuel
//	i64.const 0
//	i64.lt_s
//	if
//	  call $checkpoint
//	end
func appendCharge(out []byte, cost int64, l *layout) []byte {
	g := uint64(l.fuelIndex())
	out = append(out, opGlobalGet)
	out = appendULEB128(out, g)
	out = append(out, opI64Const)
	out = appendSLEB128(out, cost)
	out = append(out, opI64Sub, opGlobalSet)
	out = appendULEB128(out, g)
	out = append(out, opGlobalGet)
	out = appendULEB128(out, g)
	out = append(out, opI64Const, 0x00, opI64LtS, opIf, blockTypeEmpty, opCall)
	out = appendULEB128(out, uint64(l.checkpointIndex()))
	return append(out, opEnd)
}

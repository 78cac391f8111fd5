package meter

import (
	"fmt"
)

// Opcodes the instrumentation cares about by name.
const (
	opUnreachable        = 0x00
	opNop                = 0x01
	opBlock              = 0x02
	opLoop               = 0x03
	opIf                 = 0x04
	opElse               = 0x05
	opEnd                = 0x0B
	opBr                 = 0x0C
	opBrIf               = 0x0D
	opBrTable            = 0x0E
	opReturn             = 0x0F
	opCall               = 0x10
	opCallIndirect       = 0x11
	opReturnCall         = 0x12
	opReturnCallIndirect = 0x13
	opDrop               = 0x1A
	opSelect             = 0x1B
	opSelectTyped        = 0x1C
	opGlobalGet          = 0x23
	opGlobalSet          = 0x24
	opI32Const           = 0x41
	opI64Const           = 0x42
	opF32Const           = 0x43
	opF64Const           = 0x44
	opI64LtS             = 0x53
	opI64Sub             = 0x7D
	opRefNull            = 0xD0
	opRefIsNull          = 0xD1
	opRefFunc            = 0xD2
	opPrefixMisc         = 0xFC
	opPrefixSIMD         = 0xFD
	opPrefixAtomic       = 0xFE

	blockTypeEmpty = 0x40
)

// instr describes one decoded instruction.
type instr struct {
	op byte
	// funcIndex is set for call, return_call and ref.func, whose only
	// immediate is a function index that must be renumbered.
	funcIndex uint32
	hasFunc   bool
	// globalIndex is set for global.get and global.set.
	globalIndex uint32
	hasGlobal   bool
}

// cost is the fuel charged for executing op. Structural and no-op
// instructions are free.
func (in instr) cost() int64 {
	switch in.op {
	case opNop, opDrop, opBlock, opLoop, opElse, opEnd, opUnreachable, opReturn:
		return 0
	}
	return 1
}

// endsSegment reports whether control may leave straight-line flow
// after this instruction.
func (in instr) endsSegment() bool {
	switch in.op {
	case opBlock, opLoop, opIf, opElse, opEnd,
		opBr, opBrIf, opBrTable, opReturn, opUnreachable,
		opCall, opCallIndirect, opReturnCall, opReturnCallIndirect:
		return true
	}
	return false
}

// transfers reports whether the following code is unreachable.
func (in instr) transfers() bool {
	switch in.op {
	case opBr, opBrTable, opReturn, opUnreachable, opReturnCall, opReturnCallIndirect:
		return true
	}
	return false
}

func isValType(b byte) bool {
	switch b {
	case 0x7F, 0x7E, 0x7D, 0x7C, 0x7B, 0x70, 0x6F:
		return true
	}
	return false
}

func readBlockType(r *reader) error {
	b, err := r.peek()
	if err != nil {
		return err
	}
	if b == blockTypeEmpty || isValType(b) {
		r.pos++
		return nil
	}
	_, err = r.s64()
	return err
}

func readMemArg(r *reader) error {
	align, err := r.u32()
	if err != nil {
		return err
	}
	if align&0x40 != 0 {
		if _, err := r.u32(); err != nil {
			return err
		}
	}
	_, err = r.u64()
	return err
}

func readU32s(r *reader, n int) error {
	for i := 0; i < n; i++ {
		if _, err := r.u32(); err != nil {
			return err
		}
	}
	return nil
}

// scanInstr decodes the instruction at the reader position and advances
// past it. Proposals the runtime cannot execute are rejected.
func scanInstr(r *reader) (instr, error) {
	op, err := r.byte()
	if err != nil {
		return instr{}, err
	}
	in := instr{op: op}

	switch {
	case op == opUnreachable, op == opNop, op == opElse, op == opEnd,
		op == opReturn, op == opDrop, op == opSelect:
		return in, nil

	case op == opBlock, op == opLoop, op == opIf:
		return in, readBlockType(r)

	case op == opBr, op == opBrIf:
		_, err := r.u32()
		return in, err

	case op == opBrTable:
		n, err := r.u32()
		if err != nil {
			return in, err
		}
		return in, readU32s(r, int(n)+1)

	case op == opCall, op == opReturnCall, op == opRefFunc:
		idx, err := r.u32()
		in.funcIndex, in.hasFunc = idx, true
		return in, err

	case op == opCallIndirect, op == opReturnCallIndirect:
		return in, readU32s(r, 2)

	case op == opSelectTyped:
		n, err := r.u32()
		if err != nil {
			return in, err
		}
		return in, r.skip(int(n))

	case op == opGlobalGet, op == opGlobalSet:
		idx, err := r.u32()
		in.globalIndex, in.hasGlobal = idx, true
		return in, err

	case op >= 0x20 && op <= 0x26:
		// local.get/set/tee, table.get/set
		_, err := r.u32()
		return in, err

	case op >= 0x28 && op <= 0x3E:
		return in, readMemArg(r)

	case op == 0x3F, op == 0x40:
		_, err := r.u32()
		return in, err

	case op == opI32Const, op == opI64Const:
		_, err := r.s64()
		return in, err

	case op == opF32Const:
		return in, r.skip(4)

	case op == opF64Const:
		return in, r.skip(8)

	case op >= 0x45 && op <= 0xC4:
		return in, nil

	case op == opRefNull:
		_, err := r.s64()
		return in, err

	case op == opRefIsNull:
		return in, nil

	case op == opPrefixMisc:
		return in, scanMisc(r)

	case op == opPrefixSIMD:
		return in, scanSIMD(r)

	case op == opPrefixAtomic:
		return in, scanAtomic(r)
	}

	return in, fmt.Errorf("unsupported opcode 0x%02x", op)
}

func scanMisc(r *reader) error {
	sub, err := r.u32()
	if err != nil {
		return err
	}
	switch {
	case sub <= 7:
		return nil
	case sub == 8, sub == 10, sub == 12, sub == 14:
		return readU32s(r, 2)
	case sub == 9, sub == 11, sub == 13, sub >= 15 && sub <= 17:
		return readU32s(r, 1)
	}
	return fmt.Errorf("unsupported opcode 0xfc %d", sub)
}

func scanSIMD(r *reader) error {
	sub, err := r.u32()
	if err != nil {
		return err
	}
	switch {
	case sub <= 0x0B, sub == 0x5C, sub == 0x5D:
		return readMemArg(r)
	case sub == 0x0C, sub == 0x0D:
		return r.skip(16)
	case sub >= 0x15 && sub <= 0x22:
		return r.skip(1)
	case sub >= 0x54 && sub <= 0x5B:
		if err := readMemArg(r); err != nil {
			return err
		}
		return r.skip(1)
	}
	return nil
}

func scanAtomic(r *reader) error {
	sub, err := r.u32()
	if err != nil {
		return err
	}
	if sub == 0x03 {
		return r.skip(1)
	}
	return readMemArg(r)
}

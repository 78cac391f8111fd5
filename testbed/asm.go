package testbed

// Instruction encoders for hand-written function bodies.

func I32Const(v int32) []byte { return sleb([]byte{0x41}, int64(v)) }
func I64Const(v int64) []byte { return sleb([]byte{0x42}, v) }
func LocalGet(i uint32) []byte { return uleb([]byte{0x20}, i) }
func LocalSet(i uint32) []byte { return uleb([]byte{0x21}, i) }
func LocalTee(i uint32) []byte { return uleb([]byte{0x22}, i) }
func GlobalGet(i uint32) []byte { return uleb([]byte{0x23}, i) }
func GlobalSet(i uint32) []byte { return uleb([]byte{0x24}, i) }
func Call(fn uint32) []byte     { return uleb([]byte{0x10}, fn) }
func Br(depth uint32) []byte    { return uleb([]byte{0x0C}, depth) }
func BrIf(depth uint32) []byte  { return uleb([]byte{0x0D}, depth) }

// I32ConstU encodes v as an i32 constant with the same bit pattern.
func I32ConstU(v uint32) []byte { return I32Const(int32(v)) }

// I32Load loads an aligned i32 from the address on the stack.
func I32Load() []byte { return []byte{0x28, 0x02, 0x00} }

// I32Store stores an aligned i32 at the address below the value.
func I32Store() []byte { return []byte{0x36, 0x02, 0x00} }

// I32Load8U loads one byte, zero extended.
func I32Load8U() []byte { return []byte{0x2D, 0x00, 0x00} }

// I32Store8 stores the low byte of the value.
func I32Store8() []byte { return []byte{0x3A, 0x00, 0x00} }

// I64Store stores an i64 at the address below the value.
func I64Store() []byte { return []byte{0x37, 0x03, 0x00} }

// MemoryCopy copies n bytes from src to dst, taking (dst, src, n).
func MemoryCopy() []byte { return []byte{0xFC, 0x0A, 0x00, 0x00} }

var (
	Unreachable   = []byte{0x00}
	Nop           = []byte{0x01}
	Loop          = []byte{0x03, 0x40}
	Block         = []byte{0x02, 0x40}
	If            = []byte{0x04, 0x40}
	Else          = []byte{0x05}
	End           = []byte{0x0B}
	Drop          = []byte{0x1A}
	Return        = []byte{0x0F}
	I32Eqz        = []byte{0x45}
	I32Eq         = []byte{0x46}
	I32Ne         = []byte{0x47}
	I32LtU        = []byte{0x49}
	I32GtS        = []byte{0x4A}
	I32GeU        = []byte{0x4F}
	I32Add        = []byte{0x6A}
	I32Sub        = []byte{0x6B}
	I32Mul        = []byte{0x6C}
	I32And        = []byte{0x71}
	I32Or         = []byte{0x72}
	I32Xor        = []byte{0x73}
	I32Shl        = []byte{0x74}
	I32ShrU       = []byte{0x76}
	I32Rotl       = []byte{0x77}
	I64Add        = []byte{0x7C}
	I64Shl        = []byte{0x86}
	I64ExtendI32U = []byte{0xAD}
)

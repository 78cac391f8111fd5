package testbed

import (
	"encoding/binary"

	"github.com/tetratelabs/wazero/api"
)

// Memory layout of the raw authentication guest. Static data sits below
// authHeap; the host writes the argument at authHeap.
const (
	authK       = 0
	authShift   = 256
	authHex     = 320
	authStrings = 336
	authDigest  = 1024
	authHexOut  = 1040
	authHeap    = 8192
	authMsg     = 0x12000
	authOut     = 0x24000
	authPages   = 5
)

var md5K = [64]uint32{
	0xd76aa478, 0xe8c7b756, 0x242070db, 0xc1bdceee,
	0xf57c0faf, 0x4787c62a, 0xa8304613, 0xfd469501,
	0x698098d8, 0x8b44f7af, 0xffff5bb1, 0x895cd7be,
	0x6b901122, 0xfd987193, 0xa679438e, 0x49b40821,
	0xf61e2562, 0xc040b340, 0x265e5a51, 0xe9b6c7aa,
	0xd62f105d, 0x02441453, 0xd8a1e681, 0xe7d3fbc8,
	0x21e1cde6, 0xc33707d6, 0xf4d50d87, 0x455a14ed,
	0xa9e3e905, 0xfcefa3f8, 0x676f02d9, 0x8d2a4c8a,
	0xfffa3942, 0x8771f681, 0x6d9d6122, 0xfde5380c,
	0xa4beea44, 0x4bdecfa9, 0xf6bb4b60, 0xbebfbc70,
	0x289b7ec6, 0xeaa127fa, 0xd4ef3085, 0x04881d05,
	0xd9d4d039, 0xe6db99e5, 0x1fa27cf8, 0xc4ac5665,
	0xf4292244, 0x432aff97, 0xab9423a7, 0xfc93a039,
	0x655b59c3, 0x8f0ccc92, 0xffeff47d, 0x85845dd1,
	0x6fa87e4f, 0xfe2ce6e0, 0xa3014314, 0x4e0811a1,
	0xf7537e82, 0xbd3af235, 0x2ad7d2bb, 0xeb86d391,
}

var md5Shift = [4][4]byte{
	{7, 12, 17, 22},
	{5, 9, 14, 20},
	{4, 11, 16, 23},
	{6, 10, 15, 21},
}

// staticData collects constant strings at increasing offsets.
type staticData struct {
	bytes []byte
}

func (d *staticData) put(s string) (ptr, n int32) {
	ptr = int32(authStrings + len(d.bytes))
	d.bytes = append(d.bytes, s...)
	return ptr, int32(len(s))
}

// RawAuthentication exports fn, a raw guest that checks a request
// signature. It reads arg_uri, arg_body and arg_secret from the JSON
// argument, hashes "arg_uri#arg_body#argfunc" with MD5 and answers with
// {"status":"200",...} when the hex digest equals arg_secret and
// {"status":"403",...} otherwise. Values must not contain escaped quotes.
func RawAuthentication(fn string) []byte {
	var strs staticData
	keyURI, keyURILen := strs.put(`"arg_uri":"`)
	keyBody, keyBodyLen := strs.put(`"arg_body":"`)
	keySecret, keySecretLen := strs.put(`"arg_secret":"`)
	sep, _ := strs.put("#")
	argFunc, argFuncLen := strs.put("#argfunc")
	pass, passLen := strs.put(`{"status":"200","body":"<html><h1>Auth Pass!</h1><p>hash `)
	forbid, forbidLen := strs.put(`{"status":"403","body":"<html><h1>Auth Forbidden!</h1><p>hash `)
	secretSep, secretSepLen := strs.put(" secret ")
	suffix, suffixLen := strs.put(`</p></html>"}`)

	k := make([]byte, 0, 256)
	for _, v := range md5K {
		k = binary.LittleEndian.AppendUint32(k, v)
	}
	shifts := make([]byte, 0, 64)
	for _, round := range md5Shift {
		for i := 0; i < 4; i++ {
			shifts = append(shifts, round[:]...)
		}
	}

	b := NewModule().Memory(authPages, "memory")
	b.Global("__heap_base", I32, false, authHeap)
	b.Data(authK, k)
	b.Data(authShift, shifts)
	b.Data(authHex, []byte("0123456789abcdef"))
	b.Data(authStrings, strs.bytes)

	find := b.Func("", []api.ValueType{I32, I32, I32, I32}, rawResults, []api.ValueType{I32, I32, I32}, findBody()...)
	digest := b.Func("", []api.ValueType{I32, I32, I32}, nil, repeat(I32, 13), md5Body()...)
	hex := b.Func("", []api.ValueType{I32, I32, I32}, nil, []api.ValueType{I32, I32}, hexBody()...)
	cp := b.Func("", []api.ValueType{I32, I32, I32}, []api.ValueType{I32}, nil,
		LocalGet(0), LocalGet(1), LocalGet(2), MemoryCopy(),
		LocalGet(0), LocalGet(2), I32Add)
	eq := b.Func("", []api.ValueType{I32, I32, I32}, []api.ValueType{I32}, []api.ValueType{I32}, eqBody()...)

	// locals: 2 uri ptr, 3 uri len, 4 body ptr, 5 body len,
	// 6 secret ptr, 7 secret len, 8 message cursor, 9 output cursor
	b.Func(fn, rawParams, rawResults, repeat(I32, 8),
		I32Const(keyURI), I32Const(keyURILen), LocalGet(0), LocalGet(1), Call(find), LocalSet(3), LocalSet(2),
		I32Const(keyBody), I32Const(keyBodyLen), LocalGet(0), LocalGet(1), Call(find), LocalSet(5), LocalSet(4),
		I32Const(keySecret), I32Const(keySecretLen), LocalGet(0), LocalGet(1), Call(find), LocalSet(7), LocalSet(6),

		I32Const(authMsg), LocalGet(2), LocalGet(3), Call(cp), LocalSet(8),
		LocalGet(8), I32Const(sep), I32Const(1), Call(cp), LocalSet(8),
		LocalGet(8), LocalGet(4), LocalGet(5), Call(cp), LocalSet(8),
		LocalGet(8), I32Const(argFunc), I32Const(argFuncLen), Call(cp), LocalSet(8),

		I32Const(authMsg), LocalGet(8), I32Const(authMsg), I32Sub, I32Const(authDigest), Call(digest),
		I32Const(authDigest), I32Const(16), I32Const(authHexOut), Call(hex),

		LocalGet(7), I32Const(32), I32Eq,
		I32Const(authHexOut), LocalGet(6), I32Const(32), Call(eq),
		I32And,
		If,
		I32Const(authOut), I32Const(pass), I32Const(passLen), Call(cp), LocalSet(9),
		LocalGet(9), I32Const(authHexOut), I32Const(32), Call(cp), LocalSet(9),
		Else,
		I32Const(authOut), I32Const(forbid), I32Const(forbidLen), Call(cp), LocalSet(9),
		LocalGet(9), I32Const(authHexOut), I32Const(32), Call(cp), LocalSet(9),
		LocalGet(9), I32Const(secretSep), I32Const(secretSepLen), Call(cp), LocalSet(9),
		LocalGet(9), LocalGet(6), LocalGet(7), Call(cp), LocalSet(9),
		End,
		LocalGet(9), I32Const(suffix), I32Const(suffixLen), Call(cp), LocalSet(9),

		I32Const(authOut), LocalGet(9), I32Const(authOut), I32Sub)
	return b.Build()
}

func repeat(t api.ValueType, n int) []api.ValueType {
	out := make([]api.ValueType, n)
	for i := range out {
		out[i] = t
	}
	return out
}

func inc(local uint32) []byte {
	return concat(LocalGet(local), I32Const(1), I32Add, LocalSet(local))
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// findBody: (key ptr, key len, in ptr, in len) -> (value ptr, value len).
// The value is the text after the key up to the next quote; a missing key
// yields (0, 0).
func findBody() [][]byte {
	const keyPtr, keyLen, inPtr, inLen, i, j, end = 0, 1, 2, 3, 4, 5, 6
	return [][]byte{
		LocalGet(inPtr), LocalSet(i),
		LocalGet(inPtr), LocalGet(inLen), I32Add, LocalGet(keyLen), I32Sub, LocalSet(end),
		Loop,
		LocalGet(i), LocalGet(end), I32GtS, If, I32Const(0), I32Const(0), Return, End,
		I32Const(0), LocalSet(j),
		Block,
		Loop,
		LocalGet(j), LocalGet(keyLen), I32Eq, If,
		LocalGet(i), LocalGet(keyLen), I32Add, LocalSet(i),
		LocalGet(i), LocalSet(j),
		Loop,
		LocalGet(j), I32Load8U(), I32Const('"'), I32Ne, If, inc(j), Br(1), End,
		End,
		LocalGet(i), LocalGet(j), LocalGet(i), I32Sub, Return,
		End,
		LocalGet(i), LocalGet(j), I32Add, I32Load8U(),
		LocalGet(keyPtr), LocalGet(j), I32Add, I32Load8U(),
		I32Ne, BrIf(1),
		inc(j), Br(0),
		End,
		End,
		inc(i), Br(0),
		End,
		Unreachable,
	}
}

// md5Body: (msg ptr, msg len, out ptr). Pads the message in place and
// writes the 16-byte digest at out.
func md5Body() [][]byte {
	const msg, n, out, total, p, a, b, c, d, aa, bb, cc, dd, i, f, g = 0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15
	not := func(local uint32) []byte { return concat(LocalGet(local), I32Const(-1), I32Xor) }
	index := func(mul, add int32) []byte {
		return concat(LocalGet(i), I32Const(mul), I32Mul, I32Const(add), I32Add, I32Const(15), I32And, LocalSet(g))
	}
	return [][]byte{
		// padding: 0x80, zeros to 56 mod 64, bit length
		LocalGet(msg), LocalGet(n), I32Add, LocalSet(p),
		LocalGet(p), I32Const(0x80), I32Store8(),
		inc(p),
		Block, Loop,
		LocalGet(p), LocalGet(msg), I32Sub, I32Const(63), I32And, I32Const(56), I32Eq, BrIf(1),
		LocalGet(p), I32Const(0), I32Store8(),
		inc(p), Br(0),
		End, End,
		LocalGet(p), LocalGet(n), I64ExtendI32U, I64Const(3), I64Shl, I64Store(),
		LocalGet(p), I32Const(8), I32Add, LocalGet(msg), I32Sub, LocalSet(total),

		I32ConstU(0x67452301), LocalSet(a),
		I32ConstU(0xefcdab89), LocalSet(b),
		I32ConstU(0x98badcfe), LocalSet(c),
		I32ConstU(0x10325476), LocalSet(d),
		LocalGet(msg), LocalSet(p),

		Block, Loop,
		LocalGet(p), LocalGet(msg), I32Sub, LocalGet(total), I32GeU, BrIf(1),
		LocalGet(a), LocalSet(aa), LocalGet(b), LocalSet(bb),
		LocalGet(c), LocalSet(cc), LocalGet(d), LocalSet(dd),
		I32Const(0), LocalSet(i),
		Loop,
		LocalGet(i), I32Const(16), I32LtU, If,
		LocalGet(b), LocalGet(c), I32And, not(b), LocalGet(d), I32And, I32Or, LocalSet(f),
		LocalGet(i), LocalSet(g),
		Else,
		LocalGet(i), I32Const(32), I32LtU, If,
		LocalGet(d), LocalGet(b), I32And, not(d), LocalGet(c), I32And, I32Or, LocalSet(f),
		index(5, 1),
		Else,
		LocalGet(i), I32Const(48), I32LtU, If,
		LocalGet(b), LocalGet(c), I32Xor, LocalGet(d), I32Xor, LocalSet(f),
		index(3, 5),
		Else,
		LocalGet(c), LocalGet(b), not(d), I32Or, I32Xor, LocalSet(f),
		index(7, 0),
		End,
		End,
		End,
		// f += a + K[i] + M[g]
		LocalGet(f), LocalGet(a), I32Add,
		I32Const(authK), LocalGet(i), I32Const(2), I32Shl, I32Add, I32Load(), I32Add,
		LocalGet(p), LocalGet(g), I32Const(2), I32Shl, I32Add, I32Load(), I32Add,
		LocalSet(f),
		LocalGet(d), LocalSet(a),
		LocalGet(c), LocalSet(d),
		LocalGet(b), LocalSet(c),
		LocalGet(b), LocalGet(f), I32Const(authShift), LocalGet(i), I32Add, I32Load8U(), I32Rotl, I32Add, LocalSet(b),
		LocalGet(i), I32Const(1), I32Add, LocalTee(i), I32Const(64), I32LtU, BrIf(0),
		End,
		LocalGet(a), LocalGet(aa), I32Add, LocalSet(a),
		LocalGet(b), LocalGet(bb), I32Add, LocalSet(b),
		LocalGet(c), LocalGet(cc), I32Add, LocalSet(c),
		LocalGet(d), LocalGet(dd), I32Add, LocalSet(d),
		LocalGet(p), I32Const(64), I32Add, LocalSet(p),
		Br(0),
		End, End,

		LocalGet(out), LocalGet(a), I32Store(),
		LocalGet(out), I32Const(4), I32Add, LocalGet(b), I32Store(),
		LocalGet(out), I32Const(8), I32Add, LocalGet(c), I32Store(),
		LocalGet(out), I32Const(12), I32Add, LocalGet(d), I32Store(),
	}
}

// hexBody: (src, n, dst) writes 2n lowercase hex digits at dst.
func hexBody() [][]byte {
	const src, n, dst, k, v = 0, 1, 2, 3, 4
	return [][]byte{
		Block, Loop,
		LocalGet(k), LocalGet(n), I32GeU, BrIf(1),
		LocalGet(src), LocalGet(k), I32Add, I32Load8U(), LocalSet(v),
		LocalGet(dst), LocalGet(k), I32Const(1), I32Shl, I32Add,
		I32Const(authHex), LocalGet(v), I32Const(4), I32ShrU, I32Add, I32Load8U(),
		I32Store8(),
		LocalGet(dst), LocalGet(k), I32Const(1), I32Shl, I32Add, I32Const(1), I32Add,
		I32Const(authHex), LocalGet(v), I32Const(15), I32And, I32Add, I32Load8U(),
		I32Store8(),
		inc(k), Br(0),
		End, End,
	}
}

// eqBody: (a, b, n) -> 1 when the n bytes at a and b are equal.
func eqBody() [][]byte {
	const a, b, n, k = 0, 1, 2, 3
	return [][]byte{
		Block, Loop,
		LocalGet(k), LocalGet(n), I32GeU, If, I32Const(1), Return, End,
		LocalGet(a), LocalGet(k), I32Add, I32Load8U(),
		LocalGet(b), LocalGet(k), I32Add, I32Load8U(),
		I32Ne, BrIf(1),
		inc(k), Br(0),
		End, End,
		I32Const(0),
	}
}

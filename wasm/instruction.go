package wasm

import (
	"errors"
	"fmt"
)

// ErrUnknownOpcode is returned for opcodes and sub-opcodes outside the supported set.
var ErrUnknownOpcode = errors.New("unknown opcode")

// Instruction locates one instruction inside a code span.
// Only the immediates the cleaner inspects are decoded; the rest are measured.
type Instruction struct {
	// Value holds the i32/i64 constant, the call or branch target,
	// or the block type, depending on Opcode.
	Value     int64
	Pos       int
	Len       int
	SubOpcode uint32
	Opcode    byte
}

// End returns the offset just past the instruction.
func (i Instruction) End() int {
	return i.Pos + i.Len
}

// IsCall reports whether i is a direct call to fn.
func (i Instruction) IsCall(fn uint32) bool {
	return i.Opcode == OpCall && i.Value == int64(fn)
}

// DecodeError reports an instruction that could not be decoded.
// Offset is relative to the code span handed to ReadInstruction.
type DecodeError struct {
	Err    error
	Offset int
	Opcode byte
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("instruction 0x%02x at %d: %v", e.Opcode, e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// ReadInstruction decodes the instruction starting at code[pos].
// It never reads past len(code).
func ReadInstruction(code []byte, pos int) (Instruction, error) {
	if pos >= len(code) {
		return Instruction{}, &DecodeError{Offset: pos, Err: ErrTruncated}
	}
	d := decoder{code: code, pos: pos + 1}
	op := code[pos]
	ins := Instruction{Opcode: op, Pos: pos}

	switch {
	case op == OpBlock || op == OpLoop || op == OpIf || op == OpTry:
		ins.Value = d.s64()

	case op == OpTryTable:
		ins.Value = d.s64()
		n := d.u32()
		for i := uint32(0); i < n && d.err == nil; i++ {
			kind := d.byte()
			if kind == CatchKindCatch || kind == CatchKindCatchRef {
				d.u32()
			}
			d.u32()
		}

	case op == OpCatch || op == OpThrow || op == OpRethrow || op == OpDelegate,
		op == OpBr || op == OpBrIf || op == OpBrOnNull || op == OpBrOnNonNull,
		op == OpLocalGet || op == OpLocalSet || op == OpLocalTee,
		op == OpGlobalGet || op == OpGlobalSet,
		op == OpTableGet || op == OpTableSet,
		op == OpMemorySize || op == OpMemoryGrow,
		op == OpRefFunc, op == OpCallRef || op == OpReturnCallRef,
		op == OpCall || op == OpReturnCall:
		ins.Value = int64(d.u32())

	case op == OpCallIndirect || op == OpReturnCallIndirect:
		ins.Value = int64(d.u32())
		d.u32()

	case op == OpBrTable:
		n := d.u32()
		for i := uint32(0); i < n && d.err == nil; i++ {
			d.u32()
		}
		ins.Value = int64(d.u32())

	case op >= OpI32Load && op <= OpI64Store32:
		d.memarg()

	case op == OpI32Const:
		ins.Value = int64(d.s32())

	case op == OpI64Const:
		ins.Value = d.s64()

	case op == OpF32Const:
		d.skip(4)

	case op == OpF64Const:
		d.skip(8)

	case op == OpRefNull:
		ins.Value = d.s64()

	case op == OpSelectType:
		n := d.u32()
		for i := uint32(0); i < n && d.err == nil; i++ {
			d.valType()
		}

	case op >= OpI32Eqz && op <= OpI64Extend32S,
		op == OpUnreachable || op == OpNop || op == OpElse || op == OpEnd,
		op == OpReturn || op == OpDrop || op == OpSelect,
		op == OpRefIsNull || op == OpRefAsNonNull || op == OpRefEq,
		op == OpCatchAll || op == OpThrowRef:
		// No immediate

	case op == OpPrefixMisc:
		ins.SubOpcode = d.u32()
		d.misc(ins.SubOpcode)

	case op == OpPrefixSIMD:
		ins.SubOpcode = d.u32()
		d.simd(ins.SubOpcode)

	case op == OpPrefixAtomic:
		ins.SubOpcode = d.u32()
		d.atomic(ins.SubOpcode)

	case op == OpPrefixGC:
		ins.SubOpcode = d.u32()
		ins.Value = d.gc(ins.SubOpcode)

	default:
		return Instruction{}, &DecodeError{Opcode: op, Offset: pos, Err: ErrUnknownOpcode}
	}

	if d.err != nil {
		at := d.errPos
		if d.err == ErrUnknownOpcode {
			at = pos
		}
		return Instruction{}, &DecodeError{Opcode: op, Offset: at, Err: d.err}
	}
	ins.Len = d.pos - pos
	return ins, nil
}

// decoder walks immediates and keeps the first error.
type decoder struct {
	err    error
	code   []byte
	pos    int
	errPos int
}

func (d *decoder) fail(err error) {
	if d.err == nil {
		d.err = err
		d.errPos = d.pos
	}
}

func (d *decoder) byte() byte {
	if d.err != nil {
		return 0
	}
	if d.pos >= len(d.code) {
		d.fail(ErrTruncated)
		return 0
	}
	b := d.code[d.pos]
	d.pos++
	return b
}

func (d *decoder) skip(n int) {
	if d.err != nil {
		return
	}
	if len(d.code)-d.pos < n {
		d.fail(ErrTruncated)
		return
	}
	d.pos += n
}

func (d *decoder) u32() uint32 {
	if d.err != nil {
		return 0
	}
	v, n, err := DecodeLEB128u32(d.code[d.pos:])
	if err != nil {
		d.fail(err)
		return 0
	}
	d.pos += n
	return v
}

func (d *decoder) u64() uint64 {
	if d.err != nil {
		return 0
	}
	v, n, err := DecodeLEB128u64(d.code[d.pos:])
	if err != nil {
		d.fail(err)
		return 0
	}
	d.pos += n
	return v
}

func (d *decoder) s32() int32 {
	if d.err != nil {
		return 0
	}
	v, n, err := DecodeLEB128s32(d.code[d.pos:])
	if err != nil {
		d.fail(err)
		return 0
	}
	d.pos += n
	return v
}

func (d *decoder) s64() int64 {
	if d.err != nil {
		return 0
	}
	v, n, err := DecodeLEB128s64(d.code[d.pos:])
	if err != nil {
		d.fail(err)
		return 0
	}
	d.pos += n
	return v
}

// Multi-memory memarg bit flag
const memArgMultiMemBit = 0x40

// memarg skips align, an optional memory index and the offset.
func (d *decoder) memarg() {
	align := d.u32()
	if align&memArgMultiMemBit != 0 {
		d.u32()
	}
	d.u64()
}

func (d *decoder) valType() {
	t := ValType(d.byte())
	if t == ValRefNull || t == ValRef {
		d.s64()
	}
}

func (d *decoder) misc(sub uint32) {
	switch {
	case sub <= MiscI64TruncSatF64U:
	case sub == MiscMemoryInit, sub == MiscMemoryCopy, sub == MiscTableInit, sub == MiscTableCopy:
		d.u32()
		d.u32()
	case sub == MiscDataDrop, sub == MiscMemoryFill, sub == MiscElemDrop,
		sub == MiscTableGrow, sub == MiscTableSize, sub == MiscTableFill,
		sub == MiscMemoryDiscard:
		d.u32()
	default:
		d.fail(ErrUnknownOpcode)
	}
}

func (d *decoder) simd(sub uint32) {
	switch {
	case sub <= SimdV128Store:
		d.memarg()
	case sub == SimdV128Const, sub == SimdI8x16Shuffle:
		d.skip(16)
	case sub >= SimdI8x16ExtractLaneS && sub <= SimdF64x2ReplaceLane:
		d.byte()
	case sub >= SimdV128Load8Lane && sub <= SimdV128Store64Lane:
		d.memarg()
		d.byte()
	case sub == SimdV128Load32Zero, sub == SimdV128Load64Zero:
		d.memarg()
	case sub > SimdLast:
		d.fail(ErrUnknownOpcode)
	}
}

func (d *decoder) atomic(sub uint32) {
	switch {
	case sub == AtomicFence:
		d.byte()
	case sub <= AtomicWait64, sub >= AtomicI32Load && sub <= AtomicI64RmwLast:
		d.memarg()
	default:
		d.fail(ErrUnknownOpcode)
	}
}

// gc skips GC immediates and returns the branch label of br_on_cast forms.
func (d *decoder) gc(sub uint32) int64 {
	switch {
	case sub == GCStructNew, sub == GCStructNewDefault,
		sub == GCArrayNew, sub == GCArrayNewDefault, sub == GCArrayFill,
		sub >= GCArrayGet && sub <= GCArraySet:
		d.u32()
	case sub >= GCStructGet && sub <= GCStructSet,
		sub == GCArrayNewFixed, sub == GCArrayNewData, sub == GCArrayNewElem,
		sub == GCArrayCopy, sub == GCArrayInitData, sub == GCArrayInitElem:
		d.u32()
		d.u32()
	case sub >= GCRefTest && sub <= GCRefCastNull:
		d.s64()
	case sub == GCBrOnCast, sub == GCBrOnCastFail:
		d.byte()
		label := d.u32()
		d.s64()
		d.s64()
		return int64(label)
	case sub == GCArrayLen, sub >= GCAnyConvertExtern && sub <= GCI31GetU:
	default:
		d.fail(ErrUnknownOpcode)
	}
	return 0
}

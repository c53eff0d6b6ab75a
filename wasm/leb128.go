package wasm

import (
	"errors"
	"math"
)

// LEB128 encoding/decoding utilities for WebAssembly binary format

var (
	// ErrOverflow is returned when a LEB128 value exceeds the maximum bit width.
	ErrOverflow = errors.New("leb128: overflow")

	// ErrTruncated is returned when the input ends inside a LEB128 value.
	ErrTruncated = errors.New("leb128: truncated")

	// ErrPaddedOverflow is returned when a value does not fit the padded group budget.
	ErrPaddedOverflow = errors.New("leb128: value does not fit padded slot")
)

// MaxPaddedGroups is the widest padded encoding produced by AppendLEB128Padded.
// Three groups hold values below 2^21.
const MaxPaddedGroups = 3

// MaxPaddedValue is the largest value that fits in MaxPaddedGroups groups.
const MaxPaddedValue = 1<<(7*MaxPaddedGroups) - 1

// DecodeLEB128 decodes one LEB128 value from the start of b.
// It returns the value, the number of bytes consumed and an error.
// Signed values are sign-extended from the last group and returned
// as their two's complement bit pattern.
func DecodeLEB128(b []byte, signed bool) (uint64, int, error) {
	var result uint64
	var shift uint
	for i := 0; i < len(b); i++ {
		c := b[i]
		if shift == 63 {
			// Only one payload bit is left; the rest must be zero or,
			// for signed values, a copy of the sign.
			rest := c & 0x7e
			if c&0x80 != 0 || (rest != 0 && !(signed && rest == 0x7e)) {
				return 0, i + 1, ErrOverflow
			}
		}
		result |= uint64(c&0x7f) << shift
		shift += 7
		if c&0x80 == 0 {
			if signed && shift < 64 && c&0x40 != 0 {
				result |= ^uint64(0) << shift
			}
			return result, i + 1, nil
		}
	}
	return 0, len(b), ErrTruncated
}

// DecodeLEB128u32 decodes an unsigned LEB128 value that must fit in 32 bits.
func DecodeLEB128u32(b []byte) (uint32, int, error) {
	v, n, err := DecodeLEB128(b, false)
	if err != nil {
		return 0, n, err
	}
	if v > math.MaxUint32 {
		return 0, n, ErrOverflow
	}
	return uint32(v), n, nil
}

// DecodeLEB128u64 decodes an unsigned 64-bit LEB128 value.
func DecodeLEB128u64(b []byte) (uint64, int, error) {
	return DecodeLEB128(b, false)
}

// DecodeLEB128s32 decodes a signed LEB128 value that must fit in 32 bits.
func DecodeLEB128s32(b []byte) (int32, int, error) {
	v, n, err := DecodeLEB128(b, true)
	if err != nil {
		return 0, n, err
	}
	s := int64(v)
	if s < math.MinInt32 || s > math.MaxInt32 {
		return 0, n, ErrOverflow
	}
	return int32(s), n, nil
}

// DecodeLEB128s64 decodes a signed 64-bit LEB128 value.
func DecodeLEB128s64(b []byte) (int64, int, error) {
	v, n, err := DecodeLEB128(b, true)
	return int64(v), n, err
}

// AppendLEB128u appends the minimal unsigned encoding of v to dst.
func AppendLEB128u(dst []byte, v uint64) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		dst = append(dst, b)
		if v == 0 {
			return dst
		}
	}
}

// AppendLEB128s appends the minimal signed encoding of v to dst.
func AppendLEB128s(dst []byte, v int64) []byte {
	more := true
	for more {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			more = false
		} else {
			b |= 0x80
		}
		dst = append(dst, b)
	}
	return dst
}

// AppendLEB128Padded appends v using at least groups bytes, setting the
// continuation bit on every byte but the last. The result is never wider
// than MaxPaddedGroups.
func AppendLEB128Padded(dst []byte, v uint64, groups int) ([]byte, error) {
	width := SizeLEB128u(v)
	if groups > width {
		width = groups
	}
	if width > MaxPaddedGroups {
		return dst, ErrPaddedOverflow
	}
	start := len(dst)
	dst = append(dst, make([]byte, width)...)
	putPadded(dst[start:], v)
	return dst, nil
}

// PutLEB128Padded overwrites dst with v encoded in exactly len(dst) groups.
func PutLEB128Padded(dst []byte, v uint64) error {
	if len(dst) == 0 || len(dst) > MaxPaddedGroups || SizeLEB128u(v) > len(dst) {
		return ErrPaddedOverflow
	}
	putPadded(dst, v)
	return nil
}

func putPadded(dst []byte, v uint64) {
	last := len(dst) - 1
	for i := range dst {
		b := byte(v & 0x7f)
		v >>= 7
		if i < last {
			b |= 0x80
		}
		dst[i] = b
	}
}

// SizeLEB128u returns the length of the minimal unsigned encoding of v.
func SizeLEB128u(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

package wasm

import (
	"slices"
	"strings"
)

// ValType is a single-byte value type encoding.
type ValType byte

func (v ValType) String() string {
	switch v {
	case ValI32:
		return "i32"
	case ValI64:
		return "i64"
	case ValF32:
		return "f32"
	case ValF64:
		return "f64"
	case ValV128:
		return "v128"
	case ValFuncRef:
		return "funcref"
	case ValExtern:
		return "externref"
	default:
		return "unknown"
	}
}

// IsSimple reports whether v is encoded as one byte with no heap type.
// Typed references (ref ht, ref null ht) are not simple.
func (v ValType) IsSimple() bool {
	switch v {
	case ValI32, ValI64, ValF32, ValF64, ValV128, ValFuncRef, ValExtern:
		return true
	}
	return false
}

// FuncType represents a WebAssembly function signature with parameter and result types.
type FuncType struct {
	Params  []ValType
	Results []ValType
}

// Equal reports whether t and o describe the same signature.
func (t FuncType) Equal(o FuncType) bool {
	return slices.Equal(t.Params, o.Params) && slices.Equal(t.Results, o.Results)
}

// AppendBinary appends the type section encoding of t (0x60 params results).
func (t FuncType) AppendBinary(dst []byte) []byte {
	dst = append(dst, FuncTypeByte)
	dst = AppendLEB128u(dst, uint64(len(t.Params)))
	for _, p := range t.Params {
		dst = append(dst, byte(p))
	}
	dst = AppendLEB128u(dst, uint64(len(t.Results)))
	for _, r := range t.Results {
		dst = append(dst, byte(r))
	}
	return dst
}

func (t FuncType) String() string {
	var b strings.Builder
	b.WriteByte('(')
	for i, p := range t.Params {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(p.String())
	}
	b.WriteString(") -> (")
	for i, r := range t.Results {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(r.String())
	}
	b.WriteByte(')')
	return b.String()
}

// HookType is the signature shared by the hook and cbak exports: (i32) -> (i64).
var HookType = FuncType{Params: []ValType{ValI32}, Results: []ValType{ValI64}}

package engine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wippyai/hook-cleaner/wasm"
)

// Helpers for assembling small modules byte by byte.

func cat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func u32(v uint32) []byte {
	return wasm.AppendLEB128u(nil, uint64(v))
}

func padded(t *testing.T, v int) []byte {
	t.Helper()
	b, err := wasm.AppendLEB128Padded(nil, uint64(v), wasm.MaxPaddedGroups)
	require.NoError(t, err)
	return b
}

func name(s string) []byte {
	return cat(u32(uint32(len(s))), []byte(s))
}

func vec(items ...[]byte) []byte {
	return cat(u32(uint32(len(items))), cat(items...))
}

func sec(id byte, payload []byte) []byte {
	return cat([]byte{id}, u32(uint32(len(payload))), payload)
}

func header() []byte {
	return []byte{0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00}
}

func module(sections ...[]byte) []byte {
	return cat(header(), cat(sections...))
}

func functype(params []wasm.ValType, results ...wasm.ValType) []byte {
	return wasm.FuncType{Params: params, Results: results}.AppendBinary(nil)
}

func funcImport(mod, field string, typ uint32) []byte {
	return cat(name(mod), name(field), []byte{wasm.KindFunc}, u32(typ))
}

func export(field string, kind byte, idx uint32) []byte {
	return cat(name(field), []byte{kind}, u32(idx))
}

// body encodes a body without locals and with a minimal size prefix.
func body(code ...byte) []byte {
	b := cat([]byte{0x00}, code)
	return cat(u32(uint32(len(b))), b)
}

// paddedCode encodes a code section the way the rewriter emits it.
func paddedCode(t *testing.T, codes ...[]byte) []byte {
	t.Helper()
	payload := u32(uint32(len(codes)))
	for _, c := range codes {
		b := cat([]byte{0x00}, c)
		payload = cat(payload, padded(t, len(b)), b)
	}
	return cat([]byte{wasm.SectionCode}, padded(t, len(payload)), payload)
}

var (
	i32 = wasm.ValI32
	i64 = wasm.ValI64

	guardType  = functype([]wasm.ValType{i32, i32}, i32)
	hookType   = functype([]wasm.ValType{i32}, i64)
	voidType   = functype(nil)
	acceptType = functype([]wasm.ValType{i32, i32, i64}, i64)
)

// Function indices in fixture: _g=0, accept=1, helper=2, hook=3, cbak=4.
// Types: 0 guard, 1 hook, 2 void, 3 accept.
type fixture struct {
	hook    []byte
	cbak    []byte // nil omits the cbak function
	guard   string
	ns      string
	trailer [][]byte // extra sections appended after code
}

func (f fixture) build() []byte {
	guard, ns := f.guard, f.ns
	if guard == "" {
		guard = DefaultGuardName
	}
	if ns == "" {
		ns = DefaultNamespace
	}

	funcs := [][]byte{u32(2), u32(1)}
	exports := [][]byte{export("helper", wasm.KindFunc, 2), export(HookExport, wasm.KindFunc, 3)}
	bodies := [][]byte{body(wasm.OpEnd), body(f.hook...)}
	if f.cbak != nil {
		funcs = append(funcs, u32(1))
		exports = append(exports, export(CbakExport, wasm.KindFunc, 4))
		bodies = append(bodies, body(f.cbak...))
	}
	exports = append(exports, export("memory", wasm.KindMemory, 0))

	secs := [][]byte{
		sec(wasm.SectionType, vec(guardType, hookType, voidType, acceptType)),
		sec(wasm.SectionImport, vec(funcImport(ns, guard, 0), funcImport(ns, "accept", 3))),
		sec(wasm.SectionFunction, vec(funcs...)),
		sec(wasm.SectionMemory, vec([]byte{0x00, 0x01})),
		sec(wasm.SectionExport, vec(exports...)),
		sec(wasm.SectionCode, vec(bodies...)),
	}
	return module(append(secs, f.trailer...)...)
}

// expected builds the reduced form of a fixture with the given rewritten bodies.
func expected(t *testing.T, codes ...[]byte) []byte {
	t.Helper()
	funcs := make([][]byte, len(codes))
	exports := [][]byte{export(HookExport, wasm.KindFunc, 2)}
	for i := range codes {
		funcs[i] = u32(2)
	}
	if len(codes) > 1 {
		exports = append(exports, export(CbakExport, wasm.KindFunc, 3))
	}
	return module(
		sec(wasm.SectionType, vec(guardType, acceptType, hookType)),
		sec(wasm.SectionImport, vec(funcImport("env", "_g", 0), funcImport("env", "accept", 1))),
		sec(wasm.SectionFunction, vec(funcs...)),
		sec(wasm.SectionMemory, vec([]byte{0x00, 0x01})),
		sec(wasm.SectionExport, vec(exports...)),
		paddedCode(t, codes...),
	)
}

// Common function bodies. All are valid for the hook type (i32) -> i64.
var (
	retZero = []byte{wasm.OpI64Const, 0x00, wasm.OpEnd}

	// loop { i32.const 1; drop; i32.const 10; i32.const 20; call 0; drop }
	lateGuard = []byte{
		wasm.OpLoop, 0x40,
		wasm.OpI32Const, 0x01, wasm.OpDrop,
		wasm.OpI32Const, 0x0A, wasm.OpI32Const, 0x14, wasm.OpCall, 0x00, wasm.OpDrop,
		wasm.OpEnd,
		wasm.OpI64Const, 0x00, wasm.OpEnd,
	}
	lateGuardMoved = []byte{
		wasm.OpLoop, 0x40,
		wasm.OpI32Const, 0x0A, wasm.OpI32Const, 0x14, wasm.OpCall, 0x00, wasm.OpDrop,
		wasm.OpI32Const, 0x01, wasm.OpDrop,
		wasm.OpEnd,
		wasm.OpI64Const, 0x00, wasm.OpEnd,
	}

	// loop { i32.const 5; i32.const 3; nop; call 0; drop }
	dirtyGuard = []byte{
		wasm.OpLoop, 0x40,
		wasm.OpI32Const, 0x05, wasm.OpI32Const, 0x03, wasm.OpNop, wasm.OpCall, 0x00, wasm.OpDrop,
		wasm.OpEnd,
		wasm.OpI64Const, 0x00, wasm.OpEnd,
	}
	dirtyGuardRebuilt = []byte{
		wasm.OpLoop, 0x40,
		wasm.OpI32Const, 0x03, wasm.OpI32Const, 0x05, wasm.OpCall, 0x00, wasm.OpDrop,
		wasm.OpI32Const, 0x05, wasm.OpI32Const, 0x03, wasm.OpNop, wasm.OpDrop, wasm.OpDrop, wasm.OpNop,
		wasm.OpEnd,
		wasm.OpI64Const, 0x00, wasm.OpEnd,
	}
)

func run(t *testing.T, data []byte, opts Options) ([]byte, Stats) {
	t.Helper()
	idx, err := Scan(data, opts)
	require.NoError(t, err)
	out, stats, err := Rewrite(data, idx, NewPlan(idx, opts), opts)
	require.NoError(t, err)
	return out, stats
}

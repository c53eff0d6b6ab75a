package engine

import (
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/wippyai/hook-cleaner/errors"
	"github.com/wippyai/hook-cleaner/wasm"
)

func TestScanIndex(t *testing.T) {
	data := fixture{hook: retZero, cbak: retZero}.build()
	idx, err := Scan(data, Options{})
	require.NoError(t, err)

	assert.Equal(t, 4, idx.TypeCount())
	assert.Equal(t, 2, idx.ImportCount())
	assert.Equal(t, 5, idx.FuncCount())
	assert.Equal(t, uint32(0), idx.GuardIndex())
	assert.Equal(t, uint32(3), idx.Hook())
	cbak, ok := idx.Cbak()
	assert.True(t, ok)
	assert.Equal(t, uint32(4), cbak)
}

func TestScanWithoutCbak(t *testing.T) {
	idx, err := Scan(fixture{hook: retZero}.build(), Options{})
	require.NoError(t, err)
	_, ok := idx.Cbak()
	assert.False(t, ok)
}

func TestScanCustomNames(t *testing.T) {
	data := fixture{hook: retZero, ns: "hooks", guard: "guard"}.build()

	_, err := Scan(data, Options{})
	require.ErrorIs(t, err, errors.ErrSemantic)

	idx, err := Scan(data, Options{Namespace: "hooks", GuardName: "guard"})
	require.NoError(t, err)
	assert.Equal(t, uint32(0), idx.GuardIndex())
}

func TestScanErrors(t *testing.T) {
	hookOnly := func(extra ...[]byte) []byte {
		secs := [][]byte{
			sec(wasm.SectionType, vec(guardType, hookType)),
			sec(wasm.SectionImport, vec(funcImport("env", "_g", 0))),
			sec(wasm.SectionFunction, vec(u32(1))),
			sec(wasm.SectionExport, vec(export(HookExport, wasm.KindFunc, 1))),
			sec(wasm.SectionCode, vec(body(retZero...))),
		}
		return module(append(secs, extra...)...)
	}

	tests := []struct {
		name   string
		data   []byte
		kind   error
		offset int
		detail string
	}{
		{
			name:   "bad magic",
			data:   []byte{0x00, 0x61, 0x73, 0x6E, 0x01, 0x00, 0x00, 0x00},
			kind:   errors.ErrFormat,
			offset: 0,
			detail: "bad magic",
		},
		{
			name:   "bad version",
			data:   []byte{0x00, 0x61, 0x73, 0x6D, 0x02, 0x00, 0x00, 0x00},
			kind:   errors.ErrFormat,
			offset: 4,
			detail: "unsupported version",
		},
		{
			name:   "short header",
			data:   []byte{0x00, 0x61},
			kind:   errors.ErrTruncated,
			offset: 0,
		},
		{
			name:   "section past end",
			data:   cat(header(), []byte{wasm.SectionType, 0x10, 0x00}),
			kind:   errors.ErrTruncated,
			offset: 10,
		},
		{
			name:   "size overflow",
			data:   cat(header(), []byte{wasm.SectionType, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0x01}),
			kind:   errors.ErrOverflow,
			offset: 9,
		},
		{
			name: "out of order",
			data: module(
				sec(wasm.SectionImport, vec()),
				sec(wasm.SectionType, vec()),
			),
			kind:   errors.ErrFormat,
			offset: 11,
			detail: "out of order",
		},
		{
			name:   "missing hook type",
			data:   module(sec(wasm.SectionType, vec(guardType))),
			kind:   errors.ErrSemantic,
			offset: errors.NoOffset,
			detail: "no type",
		},
		{
			name:   "duplicate hook type",
			data:   module(sec(wasm.SectionType, vec(hookType, hookType))),
			kind:   errors.ErrSemantic,
			offset: 16,
			detail: "duplicates hook type",
		},
		{
			name:   "multi-value result",
			data:   module(sec(wasm.SectionType, vec(functype(nil, i32, i32)))),
			kind:   errors.ErrSemantic,
			offset: 11,
			detail: "at most 1",
		},
		{
			name:   "non-func type form",
			data:   module(sec(wasm.SectionType, vec([]byte{0x5F, 0x00}))),
			kind:   errors.ErrFormat,
			offset: 11,
		},
		{
			name: "missing guard",
			data: module(
				sec(wasm.SectionType, vec(hookType)),
				sec(wasm.SectionFunction, vec(u32(0))),
				sec(wasm.SectionExport, vec(export(HookExport, wasm.KindFunc, 0))),
				sec(wasm.SectionCode, vec(body(retZero...))),
			),
			kind:   errors.ErrSemantic,
			offset: errors.NoOffset,
			detail: "missing guard import env._g",
		},
		{
			name: "guard is not a function",
			data: module(
				sec(wasm.SectionType, vec(hookType)),
				sec(wasm.SectionImport, vec(cat(name("env"), name("_g"), []byte{wasm.KindGlobal, byte(i32), 0x00}))),
			),
			kind:   errors.ErrSemantic,
			offset: 19,
			detail: "not a function",
		},
		{
			name: "foreign namespace",
			data: module(
				sec(wasm.SectionType, vec(guardType, hookType)),
				sec(wasm.SectionImport, vec(funcImport("wasi", "fd_write", 0))),
			),
			kind:   errors.ErrSemantic,
			offset: 25,
			detail: `module must be "env"`,
		},
		{
			name: "duplicate guard",
			data: module(
				sec(wasm.SectionType, vec(guardType, hookType)),
				sec(wasm.SectionImport, vec(funcImport("env", "_g", 0), funcImport("env", "_g", 0))),
			),
			kind:   errors.ErrSemantic,
			detail: "duplicate guard",
			offset: 34,
		},
		{
			name: "missing hook export",
			data: module(
				sec(wasm.SectionType, vec(guardType, hookType)),
				sec(wasm.SectionImport, vec(funcImport("env", "_g", 0))),
				sec(wasm.SectionFunction, vec(u32(1))),
				sec(wasm.SectionExport, vec(export("main", wasm.KindFunc, 1))),
			),
			kind:   errors.ErrSemantic,
			detail: `missing "hook" export`,
			offset: 48,
		},
		{
			name: "hook exported with wrong type",
			data: module(
				sec(wasm.SectionType, vec(guardType, hookType)),
				sec(wasm.SectionImport, vec(funcImport("env", "_g", 0))),
				sec(wasm.SectionFunction, vec(u32(0))),
				sec(wasm.SectionExport, vec(export(HookExport, wasm.KindFunc, 1))),
				sec(wasm.SectionCode, vec(body(wasm.OpI32Const, 0x00, wasm.OpEnd))),
			),
			kind:   errors.ErrSemantic,
			detail: "has type (i32, i32) -> (i32)",
			offset: 41,
		},
		{
			name: "hook exported as import",
			data: module(
				sec(wasm.SectionType, vec(guardType, hookType)),
				sec(wasm.SectionImport, vec(funcImport("env", "_g", 0))),
				sec(wasm.SectionExport, vec(export(HookExport, wasm.KindFunc, 0))),
			),
			kind:   errors.ErrSemantic,
			detail: "imported function",
			offset: 37,
		},
		{
			name:   "second code section",
			data:   hookOnly(sec(wasm.SectionCode, vec())),
			kind:   errors.ErrFormat,
			detail: "out of order",
			offset: 56,
		},
		{
			name: "trailing bytes in section",
			data: module(
				sec(wasm.SectionType, vec(guardType, hookType)),
				sec(wasm.SectionImport, vec(funcImport("env", "_g", 0))),
				sec(wasm.SectionFunction, cat(vec(u32(1)), []byte{0x00})),
			),
			kind:   errors.ErrFormat,
			detail: "1 trailing bytes",
			offset: 38,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Scan(tt.data, Options{})
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.kind)

			var e *errors.Error
			require.True(t, stderrors.As(err, &e))
			assert.Equal(t, errors.PhaseScan, e.Phase)
			assert.Equal(t, tt.offset, e.Offset, e.Error())
			if tt.detail != "" {
				assert.Contains(t, e.Detail, tt.detail)
			}
		})
	}

	_, err := Scan(hookOnly(), Options{})
	require.NoError(t, err)
}

func TestScanCodeCountMismatch(t *testing.T) {
	data := module(
		sec(wasm.SectionType, vec(guardType, hookType)),
		sec(wasm.SectionImport, vec(funcImport("env", "_g", 0))),
		sec(wasm.SectionFunction, vec(u32(1), u32(1))),
		sec(wasm.SectionExport, vec(export(HookExport, wasm.KindFunc, 1))),
		sec(wasm.SectionCode, vec(body(retZero...))),
	)
	_, err := Scan(data, Options{})
	require.ErrorIs(t, err, errors.ErrFormat)

	var e *errors.Error
	require.True(t, stderrors.As(err, &e))
	assert.Equal(t, "code", e.Section)
	assert.Contains(t, e.Detail, "1 bodies for 2 declared functions")
}

func TestPlan(t *testing.T) {
	data := fixture{hook: retZero, cbak: retZero}.build()
	idx, err := Scan(data, Options{})
	require.NoError(t, err)

	p := NewPlan(idx, Options{})
	assert.Equal(t, 3, p.Types())
	assert.Equal(t, []string{HookExport, CbakExport}, p.Exports())
	assert.Equal(t, uint32(2), p.hookType)
	assert.Equal(t, map[uint32]uint32{0: 0, 3: 1, 1: 2}, p.remap)
	assert.Equal(t, len(vec(funcImport("env", "_g", 0), funcImport("env", "accept", 1))), p.importSize)
}

func TestPlanSharesHookTypeWithImport(t *testing.T) {
	// Two imports with structurally equal types and one sharing the hook type.
	data := module(
		sec(wasm.SectionType, vec(guardType, hookType, functype([]wasm.ValType{i32, i32}, i32))),
		sec(wasm.SectionImport, vec(
			funcImport("env", "_g", 0),
			funcImport("env", "emit", 2),
			funcImport("env", "trace", 1),
		)),
		sec(wasm.SectionFunction, vec(u32(1))),
		sec(wasm.SectionExport, vec(export(HookExport, wasm.KindFunc, 3))),
		sec(wasm.SectionCode, vec(body(retZero...))),
	)
	idx, err := Scan(data, Options{})
	require.NoError(t, err)

	p := NewPlan(idx, Options{})
	assert.Equal(t, 2, p.Types())
	assert.Equal(t, uint32(1), p.hookType)
	assert.Equal(t, map[uint32]uint32{0: 0, 2: 0, 1: 1}, p.remap)

	out, _ := run(t, data, Options{})
	assert.Equal(t, module(
		sec(wasm.SectionType, vec(guardType, hookType)),
		sec(wasm.SectionImport, vec(
			funcImport("env", "_g", 0),
			funcImport("env", "emit", 0),
			funcImport("env", "trace", 1),
		)),
		sec(wasm.SectionFunction, vec(u32(1))),
		sec(wasm.SectionExport, vec(export(HookExport, wasm.KindFunc, 3))),
		paddedCode(t, retZero),
	), out)
}

func TestRewriteReducesModule(t *testing.T) {
	custom := sec(wasm.SectionCustom, cat(name("name"), []byte{0x01, 0x02}))
	data := fixture{hook: retZero, cbak: retZero, trailer: [][]byte{custom}}.build()

	out, stats := run(t, data, Options{})
	assert.Equal(t, expected(t, retZero, retZero), out)
	assert.Equal(t, []string{"custom"}, stats.Dropped)
	assert.Zero(t, stats.Relocated+stats.Canonicalized+stats.InPlace)
}

func TestRewriteWithoutCbak(t *testing.T) {
	out, _ := run(t, fixture{hook: retZero}.build(), Options{})
	assert.Equal(t, expected(t, retZero), out)
}

func TestRewriteDropsSections(t *testing.T) {
	data := module(
		sec(wasm.SectionType, vec(guardType, hookType)),
		sec(wasm.SectionImport, vec(funcImport("env", "_g", 0))),
		sec(wasm.SectionFunction, vec(u32(1))),
		sec(wasm.SectionTable, vec([]byte{byte(wasm.ValFuncRef), 0x00, 0x01})),
		sec(wasm.SectionMemory, vec([]byte{0x00, 0x01})),
		sec(wasm.SectionGlobal, vec([]byte{byte(i32), 0x00, wasm.OpI32Const, 0x07, wasm.OpEnd})),
		sec(wasm.SectionExport, vec(export(HookExport, wasm.KindFunc, 1))),
		sec(wasm.SectionStart, u32(1)),
		sec(wasm.SectionElement, vec(cat([]byte{0x00, wasm.OpI32Const, 0x00, wasm.OpEnd}, vec(u32(1))))),
		sec(wasm.SectionDataCount, u32(1)),
		sec(wasm.SectionCode, vec(body(retZero...))),
		sec(wasm.SectionData, vec(cat([]byte{0x00, wasm.OpI32Const, 0x00, wasm.OpEnd}, name("hi")))),
		sec(wasm.SectionCustom, name("producers")),
	)

	out, stats := run(t, data, Options{})
	assert.Equal(t, module(
		sec(wasm.SectionType, vec(guardType, hookType)),
		sec(wasm.SectionImport, vec(funcImport("env", "_g", 0))),
		sec(wasm.SectionFunction, vec(u32(1))),
		sec(wasm.SectionMemory, vec([]byte{0x00, 0x01})),
		sec(wasm.SectionGlobal, vec([]byte{byte(i32), 0x00, wasm.OpI32Const, 0x07, wasm.OpEnd})),
		sec(wasm.SectionExport, vec(export(HookExport, wasm.KindFunc, 1))),
		sec(wasm.SectionDataCount, u32(1)),
		paddedCode(t, retZero),
		sec(wasm.SectionData, vec(cat([]byte{0x00, wasm.OpI32Const, 0x00, wasm.OpEnd}, name("hi")))),
	), out)
	assert.Equal(t, []string{"table", "start", "element", "custom"}, stats.Dropped)
}

func TestRewriteDropsNonFunctionImports(t *testing.T) {
	memImport := cat(name("env"), name("memory"), []byte{wasm.KindMemory, 0x00, 0x01})
	data := module(
		sec(wasm.SectionType, vec(guardType, hookType)),
		sec(wasm.SectionImport, vec(memImport, funcImport("env", "_g", 0))),
		sec(wasm.SectionFunction, vec(u32(1))),
		sec(wasm.SectionExport, vec(export(HookExport, wasm.KindFunc, 1))),
		sec(wasm.SectionCode, vec(body(retZero...))),
	)

	out, _ := run(t, data, Options{})
	assert.Equal(t, module(
		sec(wasm.SectionType, vec(guardType, hookType)),
		sec(wasm.SectionImport, vec(funcImport("env", "_g", 0))),
		sec(wasm.SectionFunction, vec(u32(1))),
		sec(wasm.SectionExport, vec(export(HookExport, wasm.KindFunc, 1))),
		paddedCode(t, retZero),
	), out)
}

func TestRewriteRelocatesGuard(t *testing.T) {
	out, stats := run(t, fixture{hook: lateGuard, cbak: retZero}.build(), Options{})
	assert.Equal(t, expected(t, lateGuardMoved, retZero), out)
	assert.Equal(t, 1, stats.Relocated)
	assert.Zero(t, stats.Canonicalized)
}

func TestRewriteCanonicalizesDirtyGuard(t *testing.T) {
	out, stats := run(t, fixture{hook: dirtyGuard}.build(), Options{})
	assert.Equal(t, expected(t, dirtyGuardRebuilt), out)
	assert.Equal(t, 1, stats.Canonicalized)
	assert.Zero(t, stats.Relocated)
}

func TestRewriteSkipGuardRewrite(t *testing.T) {
	opts := Options{SkipGuardRewrite: true}
	out, stats := run(t, fixture{hook: lateGuard}.build(), opts)
	assert.Equal(t, expected(t, lateGuard), out)
	assert.Zero(t, stats.Relocated)
}

func TestRewriteIsIdempotent(t *testing.T) {
	tests := []struct {
		name string
		hook []byte
	}{
		{"plain", retZero},
		{"clean guard", lateGuard},
		{"dirty guard", dirtyGuard},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			once, _ := run(t, fixture{hook: tt.hook, cbak: retZero}.build(), Options{})
			twice, stats := run(t, once, Options{})
			assert.Equal(t, once, twice)
			assert.Zero(t, stats.Relocated+stats.Canonicalized)
			if tt.hook[0] == wasm.OpLoop {
				assert.Equal(t, 1, stats.InPlace)
			}
		})
	}
}

func TestRewriteGuardPlacement(t *testing.T) {
	guard := func(a, b byte) []byte {
		return []byte{wasm.OpI32Const, a, wasm.OpI32Const, b, wasm.OpCall, 0x00, wasm.OpDrop}
	}
	loop := func(inner ...[]byte) []byte {
		return cat([]byte{wasm.OpLoop, 0x40}, cat(inner...), []byte{wasm.OpEnd})
	}
	block := func(inner ...[]byte) []byte {
		return cat([]byte{wasm.OpBlock, 0x40}, cat(inner...), []byte{wasm.OpEnd})
	}
	nop := []byte{wasm.OpNop}
	tail := []byte{wasm.OpI64Const, 0x00, wasm.OpEnd}

	tests := []struct {
		name  string
		hook  []byte
		want  []byte
		stats Stats
	}{
		{
			name:  "outside any loop",
			hook:  cat(nop, guard(1, 2), tail),
			want:  cat(nop, guard(1, 2), tail),
			stats: Stats{},
		},
		{
			name:  "already at loop top",
			hook:  cat(loop(guard(1, 2), nop), tail),
			want:  cat(loop(guard(1, 2), nop), tail),
			stats: Stats{InPlace: 1},
		},
		{
			name:  "second guard in loop stays",
			hook:  cat(loop(nop, guard(1, 2), nop, guard(3, 4)), tail),
			want:  cat(loop(guard(1, 2), nop, nop, guard(3, 4)), tail),
			stats: Stats{Relocated: 1},
		},
		{
			name:  "innermost loop",
			hook:  cat(loop(nop, loop(nop, guard(1, 2))), tail),
			want:  cat(loop(nop, loop(guard(1, 2), nop)), tail),
			stats: Stats{Relocated: 1},
		},
		{
			name:  "from nested block to enclosing loop",
			hook:  cat(loop(nop, block(nop, guard(1, 2))), tail),
			want:  cat(loop(guard(1, 2), nop, block(nop)), tail),
			stats: Stats{Relocated: 1},
		},
		{
			name:  "each loop once",
			hook:  cat(loop(nop, guard(1, 2)), loop(nop, guard(3, 4)), tail),
			want:  cat(loop(guard(1, 2), nop), loop(guard(3, 4), nop), tail),
			stats: Stats{Relocated: 2},
		},
		{
			name: "call between pushes blocks the match",
			hook: cat(loop(nop, []byte{
				wasm.OpI32Const, 0x01, wasm.OpCall, 0x01, wasm.OpI32Const, 0x02, wasm.OpCall, 0x00, wasm.OpDrop,
			}), tail),
			want: cat(loop(nop, []byte{
				wasm.OpI32Const, 0x01, wasm.OpCall, 0x01, wasm.OpI32Const, 0x02, wasm.OpCall, 0x00, wasm.OpDrop,
			}), tail),
			stats: Stats{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, stats := run(t, fixture{hook: tt.hook}.build(), Options{})
			assert.Equal(t, expected(t, tt.want), out)
			assert.Equal(t, tt.stats, stats)
		})
	}
}

func TestRewriteBodyWithLocals(t *testing.T) {
	code := cat([]byte{0x01, 0x02, byte(i32)}, lateGuard) // (local i32 i32)
	moved := cat([]byte{0x01, 0x02, byte(i32)}, lateGuardMoved)
	data := module(
		sec(wasm.SectionType, vec(guardType, hookType)),
		sec(wasm.SectionImport, vec(funcImport("env", "_g", 0))),
		sec(wasm.SectionFunction, vec(u32(1))),
		sec(wasm.SectionExport, vec(export(HookExport, wasm.KindFunc, 1))),
		sec(wasm.SectionCode, vec(cat(u32(uint32(len(code))), code))),
	)

	out, stats := run(t, data, Options{})
	payload := cat(u32(1), padded(t, len(moved)), moved)
	assert.Equal(t, module(
		sec(wasm.SectionType, vec(guardType, hookType)),
		sec(wasm.SectionImport, vec(funcImport("env", "_g", 0))),
		sec(wasm.SectionFunction, vec(u32(1))),
		sec(wasm.SectionExport, vec(export(HookExport, wasm.KindFunc, 1))),
		cat([]byte{wasm.SectionCode}, padded(t, len(payload)), payload),
	), out)
	assert.Equal(t, 1, stats.Relocated)
}

func TestRewriteInstructionErrors(t *testing.T) {
	tests := []struct {
		name string
		hook []byte
		kind errors.Kind
		// offset of the failing instruction within the hook body's code
		at int
	}{
		{"unknown opcode", []byte{wasm.OpNop, 0xFF, wasm.OpEnd}, errors.KindSemantic, 1},
		{"truncated immediate", []byte{wasm.OpNop, wasm.OpI32Const, 0x80}, errors.KindTruncated, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := fixture{hook: tt.hook}.build()
			idx, err := Scan(data, Options{})
			require.NoError(t, err)

			_, _, err = Rewrite(data, idx, NewPlan(idx, Options{}), Options{})
			require.Error(t, err)

			var e *errors.Error
			require.True(t, stderrors.As(err, &e))
			assert.Equal(t, errors.PhaseRewrite, e.Phase)
			assert.Equal(t, tt.kind, e.Kind)
			assert.Equal(t, "code", e.Section)

			// Hook body code starts after its size byte and the empty locals vector.
			codeStart := idx.hook.body.start + 1
			assert.Equal(t, codeStart+tt.at, e.Offset)
		})
	}
}

func TestRewriteLogs(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	opts := Options{Logger: zap.New(core)}

	custom := sec(wasm.SectionCustom, name("name"))
	run(t, fixture{hook: lateGuard, trailer: [][]byte{custom}}.build(), opts)

	assert.Equal(t, 1, logs.FilterMessage("drop section").FilterField(zap.String("section", "custom")).Len())
	assert.Equal(t, 1, logs.FilterMessage("guard relocated").Len())
	assert.Equal(t, 1, logs.FilterMessage("body rewritten").FilterField(zap.String("export", HookExport)).Len())
	assert.NotZero(t, logs.FilterMessage("scan section").Len())
}

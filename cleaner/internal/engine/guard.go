package engine

import "github.com/wippyai/hook-cleaner/wasm"

// guardState is the position of the detector inside the
// `i32.const; i32.const; call $guard; drop` idiom.
type guardState uint8

const (
	stateIdle guardState = iota
	stateFirstConst
	stateSecondConst
	stateGuardCall
)

func (s guardState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateFirstConst:
		return "first-const"
	case stateSecondConst:
		return "second-const"
	case stateGuardCall:
		return "guard-call"
	default:
		return "unknown"
	}
}

// eventKind is how the detector sees an instruction.
type eventKind uint8

const (
	eventStraight eventKind = iota // no control transfer, no call
	eventConst                     // i32.const
	eventGuard                     // call $guard
	eventDrop
	eventBarrier // structured control, branches, returns, other calls
)

type guardEvent struct {
	value int32
	kind  eventKind
}

// classify maps an instruction to a detector event.
func classify(ins wasm.Instruction, guard uint32) guardEvent {
	switch ins.Opcode {
	case wasm.OpI32Const:
		return guardEvent{kind: eventConst, value: int32(ins.Value)}
	case wasm.OpDrop:
		return guardEvent{kind: eventDrop}
	case wasm.OpCall:
		if ins.IsCall(guard) {
			return guardEvent{kind: eventGuard}
		}
		return guardEvent{kind: eventBarrier}
	case wasm.OpUnreachable,
		wasm.OpBlock, wasm.OpLoop, wasm.OpIf, wasm.OpElse, wasm.OpEnd,
		wasm.OpTry, wasm.OpCatch, wasm.OpCatchAll, wasm.OpDelegate, wasm.OpTryTable,
		wasm.OpThrow, wasm.OpRethrow, wasm.OpThrowRef,
		wasm.OpBr, wasm.OpBrIf, wasm.OpBrTable, wasm.OpBrOnNull, wasm.OpBrOnNonNull,
		wasm.OpReturn, wasm.OpCallIndirect, wasm.OpCallRef,
		wasm.OpReturnCall, wasm.OpReturnCallIndirect, wasm.OpReturnCallRef:
		return guardEvent{kind: eventBarrier}
	case wasm.OpPrefixGC:
		if ins.SubOpcode == wasm.GCBrOnCast || ins.SubOpcode == wasm.GCBrOnCastFail {
			return guardEvent{kind: eventBarrier}
		}
	}
	return guardEvent{kind: eventStraight}
}

// constPush is an i32.const seen by the detector, at its output offset.
type constPush struct {
	pos   int
	value int32
}

// guardMatch is a completed guard idiom. Offsets are output positions:
// Start is the first constant, CallPos the guard call, End just past the drop.
type guardMatch struct {
	Start   int
	CallPos int
	End     int
	A, B    int32 // first and second pushed values
	Dirty   bool
}

// guardDetector recognises the guard idiom one instruction at a time.
//
// Two i32.const pushes open a window; a third slides it so the two most
// recent pushes are the candidate arguments. Straight-line instructions
// inside the window make the match dirty. A guard call after two pushes
// followed by drop completes the match. Anything that transfers control
// or calls another function resets the detector.
type guardDetector struct {
	first       constPush
	second      constPush
	callPos     int
	state       guardState
	dirtyFirst  bool // straight-line code between the pushes
	dirtySecond bool // straight-line code after the second push
}

func (d *guardDetector) reset() {
	*d = guardDetector{}
}

// step feeds one instruction occupying output bytes [start, end).
func (d *guardDetector) step(ev guardEvent, start, end int) (guardMatch, bool) {
	switch ev.kind {
	case eventConst:
		push := constPush{pos: start, value: ev.value}
		switch d.state {
		case stateIdle, stateGuardCall:
			d.reset()
			d.first = push
			d.state = stateFirstConst
		case stateFirstConst:
			d.second = push
			d.state = stateSecondConst
		case stateSecondConst:
			d.first, d.second = d.second, push
			d.dirtyFirst, d.dirtySecond = d.dirtySecond, false
		}

	case eventGuard:
		if d.state != stateSecondConst {
			d.reset()
			break
		}
		d.callPos = start
		d.state = stateGuardCall

	case eventDrop:
		if d.state != stateGuardCall {
			d.reset()
			break
		}
		m := guardMatch{
			Start:   d.first.pos,
			CallPos: d.callPos,
			End:     end,
			A:       d.first.value,
			B:       d.second.value,
			Dirty:   d.dirtyFirst || d.dirtySecond,
		}
		d.reset()
		return m, true

	case eventStraight:
		switch d.state {
		case stateFirstConst:
			d.dirtyFirst = true
		case stateSecondConst:
			d.dirtySecond = true
		case stateGuardCall:
			d.reset()
		}

	default:
		d.reset()
	}
	return guardMatch{}, false
}

// canonicalGuard encodes `i32.const lo; i32.const hi; call guard; drop`
// with the two values in non-decreasing signed order.
func canonicalGuard(a, b int32, guard uint32) []byte {
	if b < a {
		a, b = b, a
	}
	seq := make([]byte, 0, 16)
	seq = append(seq, wasm.OpI32Const)
	seq = wasm.AppendLEB128s(seq, int64(a))
	seq = append(seq, wasm.OpI32Const)
	seq = wasm.AppendLEB128s(seq, int64(b))
	seq = append(seq, wasm.OpCall)
	seq = wasm.AppendLEB128u(seq, uint64(guard))
	return append(seq, wasm.OpDrop)
}

// stackFiller returns n bytes that pop two values: drop, drop, then nops.
func stackFiller(n int) []byte {
	f := make([]byte, n)
	f[0], f[1] = wasm.OpDrop, wasm.OpDrop
	for i := 2; i < n; i++ {
		f[i] = wasm.OpNop
	}
	return f
}

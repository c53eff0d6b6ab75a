package engine

import (
	stderrors "errors"

	"go.uber.org/zap"

	bin "github.com/wippyai/hook-cleaner/internal/binary"
	"github.com/wippyai/hook-cleaner/errors"
	"github.com/wippyai/hook-cleaner/wasm"
)

type frameKind uint8

const (
	frameBlock frameKind = iota
	frameLoop
)

// frame is an open structured instruction in the output body.
type frame struct {
	start     int // output offset just past a loop header
	kind      frameKind
	relocated bool
}

// bodyWriter copies one function body instruction by instruction and
// moves guard calls to the top of their loop.
type bodyWriter struct {
	w      *bin.Writer
	log    *zap.Logger
	stats  *Stats
	frames []frame
	det    guardDetector
	guard  uint32
	detect bool
}

// write emits the body read from r: locals verbatim, then the instruction stream.
func (b *bodyWriter) write(r *bin.Reader) error {
	if err := skipLocals(r); err != nil {
		return err
	}
	b.w.WriteBytes(r.Since(0))

	base := r.Offset()
	code := r.Data()[r.Position():]
	b.frames = b.frames[:0]
	b.det.reset()

	for pos := 0; pos < len(code); {
		ins, err := wasm.ReadInstruction(code, pos)
		if err != nil {
			return instructionError(err, base)
		}
		b.instruction(code, ins)
		pos = ins.End()
	}
	return nil
}

func (b *bodyWriter) instruction(code []byte, ins wasm.Instruction) {
	start := b.w.Len()
	b.w.WriteBytes(code[ins.Pos:ins.End()])
	end := b.w.Len()

	switch ins.Opcode {
	case wasm.OpLoop:
		b.frames = append(b.frames, frame{kind: frameLoop, start: end})
	case wasm.OpBlock, wasm.OpIf, wasm.OpTry, wasm.OpTryTable:
		b.frames = append(b.frames, frame{kind: frameBlock})
	case wasm.OpEnd, wasm.OpDelegate:
		// The function's own end has no frame.
		if n := len(b.frames); n > 0 {
			b.frames = b.frames[:n-1]
		}
	}

	if !b.detect {
		return
	}
	if m, ok := b.det.step(classify(ins, b.guard), start, end); ok {
		b.relocate(m)
	}
}

// loop returns the innermost open loop, or nil outside any loop.
func (b *bodyWriter) loop() *frame {
	for i := len(b.frames) - 1; i >= 0; i-- {
		if b.frames[i].kind == frameLoop {
			return &b.frames[i]
		}
	}
	return nil
}

func (b *bodyWriter) relocate(m guardMatch) {
	f := b.loop()
	if f == nil {
		b.log.Debug("guard outside loop left in place", zap.Int("at", m.Start))
		return
	}
	if f.relocated {
		b.log.Debug("loop already guarded", zap.Int("loop", f.start), zap.Int("at", m.Start))
		return
	}
	f.relocated = true

	if !m.Dirty {
		if m.Start == f.start {
			b.stats.InPlace++
			return
		}
		b.w.Relocate(f.start, m.Start, m.End)
		b.stats.Relocated++
		b.log.Debug("guard relocated",
			zap.Int("loop", f.start), zap.Int("from", m.Start),
			zap.Int32("a", m.A), zap.Int32("b", m.B))
		return
	}

	seq := canonicalGuard(m.A, m.B, b.guard)
	b.w.Overwrite(m.CallPos, stackFiller(m.End-m.CallPos))
	b.w.Insert(f.start, seq)
	b.stats.Canonicalized++
	b.log.Debug("guard canonicalized",
		zap.Int("loop", f.start), zap.Int("from", m.Start),
		zap.Int32("a", m.A), zap.Int32("b", m.B), zap.Int("grew", len(seq)))
}

// instructionError converts a decode failure into a rewrite error at an absolute offset.
func instructionError(err error, base int) error {
	var de *wasm.DecodeError
	if !stderrors.As(err, &de) {
		return err
	}

	kind := errors.KindFormat
	detail := "malformed instruction 0x%02x"
	switch {
	case stderrors.Is(de.Err, wasm.ErrUnknownOpcode):
		kind, detail = errors.KindSemantic, "unsupported instruction 0x%02x"
	case stderrors.Is(de.Err, wasm.ErrTruncated):
		kind, detail = errors.KindTruncated, "instruction 0x%02x runs past the end of the body"
	case stderrors.Is(de.Err, wasm.ErrOverflow):
		kind, detail = errors.KindOverflow, "immediate of instruction 0x%02x overflows"
	}
	return errors.New(errors.PhaseRewrite, kind).
		At(base+de.Offset).
		Section(wasm.SectionName(wasm.SectionCode)).
		Detail(detail, de.Opcode).
		Cause(de.Err).
		Build()
}

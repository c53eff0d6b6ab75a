package engine

import (
	"go.uber.org/zap"

	bin "github.com/wippyai/hook-cleaner/internal/binary"
	"github.com/wippyai/hook-cleaner/errors"
	"github.com/wippyai/hook-cleaner/wasm"
)

// Stats counts what the rewrite pass did.
type Stats struct {
	Dropped       []string // names of omitted sections, in input order
	Relocated     int      // clean guards moved to the top of their loop
	Canonicalized int      // dirty guards rebuilt at the top of their loop
	InPlace       int      // clean guards already at the top of their loop
}

type rewriter struct {
	idx   *Index
	plan  *Plan
	w     *bin.Writer
	log   *zap.Logger
	stats Stats
	opts  Options
}

// Rewrite runs the second pass and returns the reduced module.
func Rewrite(data []byte, idx *Index, plan *Plan, opts Options) ([]byte, Stats, error) {
	opts = opts.withDefaults()
	rw := &rewriter{
		idx:  idx,
		plan: plan,
		w:    bin.NewWriter(2 * len(data)),
		log:  opts.Logger,
		opts: opts,
	}

	r := bin.NewReader(data, errors.PhaseRewrite)
	if err := readHeader(r, errors.PhaseRewrite); err != nil {
		return nil, Stats{}, err
	}
	rw.w.WriteBytes(data[:wasm.HeaderSize])

	for !r.EOF() {
		sec, err := nextSection(r)
		if err != nil {
			return nil, Stats{}, err
		}

		switch sec.id {
		case wasm.SectionType:
			rw.types()
		case wasm.SectionImport:
			err = rw.imports(sec.payload)
		case wasm.SectionFunction:
			rw.functions()
		case wasm.SectionExport:
			rw.exports()
		case wasm.SectionCode:
			err = rw.code(sec.payload)
		case wasm.SectionMemory, wasm.SectionGlobal, wasm.SectionData, wasm.SectionDataCount:
			rw.w.Byte(sec.id)
			rw.w.WriteBytes(sec.raw)
		default:
			rw.log.Debug("drop section",
				zap.String("section", sec.name()),
				zap.Int("offset", sec.offset),
				zap.Int("size", sec.payload.Remaining()))
			rw.stats.Dropped = append(rw.stats.Dropped, sec.name())
		}
		if err != nil {
			return nil, Stats{}, errors.InSection(err, sec.name())
		}
	}

	return rw.w.Bytes(), rw.stats, nil
}

func (rw *rewriter) types() {
	payload := wasm.AppendLEB128u(nil, uint64(len(rw.plan.types)))
	for _, ft := range rw.plan.types {
		payload = ft.AppendBinary(payload)
	}
	rw.w.Byte(wasm.SectionType)
	rw.w.WriteU32(uint32(len(payload)))
	rw.w.WriteBytes(payload)
}

// imports re-emits the function imports with remapped type ids. The section
// size comes from the plan and is checked against what was written.
func (rw *rewriter) imports(r *bin.Reader) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}

	rw.w.Byte(wasm.SectionImport)
	rw.w.WriteU32(uint32(rw.plan.importSize))
	start := rw.w.Len()
	rw.w.WriteU32(rw.plan.importCount)

	for i := uint32(0); i < count; i++ {
		imp, err := readImport(r, errors.PhaseRewrite)
		if err != nil {
			return err
		}
		if imp.kind != wasm.KindFunc {
			continue
		}
		rw.w.WriteName(imp.module)
		rw.w.WriteName(imp.name)
		rw.w.Byte(wasm.KindFunc)
		rw.w.WriteU32(rw.plan.remap[imp.typeIdx])
	}

	if got := rw.w.Len() - start; got != rw.plan.importSize {
		return errors.Format(errors.PhaseRewrite, r.Offset(),
			"import section is %d bytes, planned %d", got, rw.plan.importSize)
	}
	return nil
}

func (rw *rewriter) functions() {
	n := len(rw.plan.exports)
	rw.w.Byte(wasm.SectionFunction)
	rw.w.WriteU32(uint32(1 + n*wasm.SizeLEB128u(uint64(rw.plan.hookType))))
	rw.w.WriteU32(uint32(n))
	for i := 0; i < n; i++ {
		rw.w.WriteU32(rw.plan.hookType)
	}
}

func (rw *rewriter) exports() {
	payload := wasm.AppendLEB128u(nil, uint64(len(rw.plan.exports)))
	for i, e := range rw.plan.exports {
		payload = wasm.AppendLEB128u(payload, uint64(len(e.name)))
		payload = append(payload, e.name...)
		payload = append(payload, wasm.KindFunc)
		payload = wasm.AppendLEB128u(payload, uint64(rw.plan.importCount)+uint64(i))
	}
	rw.w.Byte(wasm.SectionExport)
	rw.w.WriteU32(uint32(len(payload)))
	rw.w.WriteBytes(payload)
}

// code emits the retained bodies in input order. Body and section sizes
// go into reserved slots patched once the rewritten length is known.
func (rw *rewriter) code(r *bin.Reader) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}

	rw.w.Byte(wasm.SectionCode)
	sec := rw.w.Reserve()
	rw.w.WriteU32(uint32(len(rw.plan.exports)))

	bw := &bodyWriter{
		w:      rw.w,
		log:    rw.log,
		stats:  &rw.stats,
		guard:  rw.idx.guard,
		detect: !rw.opts.SkipGuardRewrite,
	}

	next := 0
	for i := uint32(0); i < count; i++ {
		size, err := r.ReadU32()
		if err != nil {
			return err
		}
		body, err := r.Sub(int(size))
		if err != nil {
			return err
		}

		fn := rw.plan.importCount + i
		if next >= len(rw.plan.exports) || fn != rw.plan.exports[next].index {
			continue
		}

		slot := rw.w.Reserve()
		if err := bw.write(body); err != nil {
			return err
		}
		if err := slot.Patch(); err != nil {
			return err
		}
		rw.log.Debug("body rewritten",
			zap.String("export", rw.plan.exports[next].name),
			zap.Uint32("func", fn),
			zap.Int("size_in", int(size)),
			zap.Int("size_out", slot.Size()))
		next++
	}

	return sec.Patch()
}

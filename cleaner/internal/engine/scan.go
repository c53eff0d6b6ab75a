package engine

import (
	"go.uber.org/zap"

	bin "github.com/wippyai/hook-cleaner/internal/binary"
	"github.com/wippyai/hook-cleaner/errors"
	"github.com/wippyai/hook-cleaner/wasm"
)

// span is a byte range of the input.
type span struct {
	start, end int
}

// exportRef is a retained export resolved during the scan.
type exportRef struct {
	name   string
	offset int
	index  uint32
	found  bool
	body   span
}

// Index is everything the first pass learns about the input module.
type Index struct {
	types    []wasm.FuncType
	imports  []importEntry // function imports, in function index order
	funcs    []uint32      // type id per function index, imports first
	hook     exportRef
	cbak     exportRef
	hookType int
	guard    uint32
	hasGuard bool
}

// TypeCount returns the number of types declared by the input.
func (x *Index) TypeCount() int {
	return len(x.types)
}

// ImportCount returns the number of function imports, all of which are kept.
func (x *Index) ImportCount() int {
	return len(x.imports)
}

// FuncCount returns the size of the input function index space.
func (x *Index) FuncCount() int {
	return len(x.funcs)
}

// GuardIndex returns the function index of the guard import.
func (x *Index) GuardIndex() uint32 {
	return x.guard
}

// Hook returns the function index of the hook export.
func (x *Index) Hook() uint32 {
	return x.hook.index
}

// Cbak returns the function index of the cbak export and whether it exists.
func (x *Index) Cbak() (uint32, bool) {
	return x.cbak.index, x.cbak.found
}

type scanner struct {
	idx  *Index
	log  *zap.Logger
	opts Options
}

// Scan runs the first pass over data and returns its index.
func Scan(data []byte, opts Options) (*Index, error) {
	opts = opts.withDefaults()
	s := &scanner{
		idx:  &Index{hookType: -1},
		log:  opts.Logger,
		opts: opts,
	}

	r := bin.NewReader(data, errors.PhaseScan)
	if err := readHeader(r, errors.PhaseScan); err != nil {
		return nil, err
	}

	last := 0
	for !r.EOF() {
		sec, err := nextSection(r)
		if err != nil {
			return nil, err
		}
		if order := wasm.SectionOrder(sec.id); order != 0 {
			if order <= last {
				return nil, errors.New(errors.PhaseScan, errors.KindFormat).
					At(sec.offset).
					Section(sec.name()).
					Detail("section out of order").
					Build()
			}
			last = order
		}

		s.log.Debug("scan section",
			zap.String("section", sec.name()),
			zap.Uint8("id", sec.id),
			zap.Int("offset", sec.offset),
			zap.Int("size", sec.payload.Remaining()))

		switch sec.id {
		case wasm.SectionType:
			err = s.types(sec.payload)
		case wasm.SectionImport:
			err = s.imports(sec.payload)
		case wasm.SectionFunction:
			err = s.functions(sec.payload)
		case wasm.SectionExport:
			err = s.exports(sec.payload)
		case wasm.SectionCode:
			err = s.code(sec.payload)
		}
		if err != nil {
			return nil, errors.InSection(err, sec.name())
		}
	}

	if err := s.finish(); err != nil {
		return nil, err
	}
	return s.idx, nil
}

func (s *scanner) types(r *bin.Reader) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	if count > maxIndexed {
		return errors.Semantic(errors.PhaseScan, r.Offset(), "too many types to index (%d > %d)", count, maxIndexed)
	}

	s.idx.types = make([]wasm.FuncType, 0, count)
	for i := uint32(0); i < count; i++ {
		off := r.Offset()
		form, err := r.ReadByte()
		if err != nil {
			return err
		}
		if form != wasm.FuncTypeByte {
			return errors.Format(errors.PhaseScan, off, "type %d: expected func type 0x60, got 0x%02x", i, form)
		}

		var ft wasm.FuncType
		if ft.Params, err = readValTypes(r); err != nil {
			return err
		}
		if ft.Results, err = readValTypes(r); err != nil {
			return err
		}
		if len(ft.Results) > 1 {
			return errors.Semantic(errors.PhaseScan, off, "type %d: %d results, at most 1 supported", i, len(ft.Results))
		}

		if ft.Equal(wasm.HookType) {
			if s.idx.hookType >= 0 {
				return errors.Semantic(errors.PhaseScan, off,
					"type %d duplicates hook type %s declared as type %d", i, wasm.HookType, s.idx.hookType)
			}
			s.idx.hookType = int(i)
			s.log.Debug("hook type", zap.Uint32("type", i))
		}
		s.idx.types = append(s.idx.types, ft)
	}
	return s.sectionEnd(r)
}

func readValTypes(r *bin.Reader) ([]wasm.ValType, error) {
	n, err := r.ReadU32()
	if err != nil {
		return nil, err
	}
	if int(n) > r.Remaining() {
		return nil, errors.Truncated(errors.PhaseScan, r.Offset(), int(n), r.Remaining())
	}
	types := make([]wasm.ValType, n)
	for i := range types {
		off := r.Offset()
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		t := wasm.ValType(b)
		if !t.IsSimple() {
			return nil, errors.Semantic(errors.PhaseScan, off, "unsupported value type 0x%02x", b)
		}
		types[i] = t
	}
	return types, nil
}

func (s *scanner) imports(r *bin.Reader) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}

	for i := uint32(0); i < count; i++ {
		imp, err := readImport(r, errors.PhaseScan)
		if err != nil {
			return err
		}
		if imp.module != s.opts.Namespace {
			return errors.Semantic(errors.PhaseScan, imp.offset,
				"import %s.%s: module must be %q", imp.module, imp.name, s.opts.Namespace)
		}

		isGuard := imp.name == s.opts.GuardName
		if imp.kind != wasm.KindFunc {
			if isGuard {
				return errors.Semantic(errors.PhaseScan, imp.offset,
					"guard import %s.%s is not a function", imp.module, imp.name)
			}
			s.log.Debug("skip non-function import",
				zap.String("name", imp.name), zap.Uint8("kind", imp.kind))
			continue
		}

		if int(imp.typeIdx) >= len(s.idx.types) {
			return errors.Semantic(errors.PhaseScan, imp.offset,
				"import %s.%s references unknown type %d", imp.module, imp.name, imp.typeIdx)
		}
		if len(s.idx.imports) >= maxIndexed {
			return errors.Semantic(errors.PhaseScan, imp.offset, "too many imports to index (max %d)", maxIndexed)
		}

		fn := uint32(len(s.idx.funcs))
		if isGuard {
			if s.idx.hasGuard {
				return errors.Semantic(errors.PhaseScan, imp.offset,
					"duplicate guard import %s.%s", imp.module, imp.name)
			}
			s.idx.guard = fn
			s.idx.hasGuard = true
			s.log.Debug("guard import", zap.Uint32("func", fn))
		}
		s.idx.imports = append(s.idx.imports, imp)
		s.idx.funcs = append(s.idx.funcs, imp.typeIdx)
	}

	s.log.Debug("imports scanned", zap.Int("functions", len(s.idx.imports)))
	return s.sectionEnd(r)
}

func (s *scanner) functions(r *bin.Reader) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	if int(count) > r.Remaining() {
		return errors.Truncated(errors.PhaseScan, r.Offset(), int(count), r.Remaining())
	}
	s.idx.funcs = append(make([]uint32, 0, len(s.idx.funcs)+int(count)), s.idx.funcs...)

	for i := uint32(0); i < count; i++ {
		off := r.Offset()
		t, err := r.ReadU32()
		if err != nil {
			return err
		}
		if int(t) >= len(s.idx.types) {
			return errors.Semantic(errors.PhaseScan, off, "function %d references unknown type %d", i, t)
		}
		s.idx.funcs = append(s.idx.funcs, t)
	}
	return s.sectionEnd(r)
}

func (s *scanner) exports(r *bin.Reader) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}

	for i := uint32(0); i < count && !(s.idx.hook.found && s.idx.cbak.found); i++ {
		off := r.Offset()
		name, err := r.ReadName()
		if err != nil {
			return err
		}
		kind, err := r.ReadByte()
		if err != nil {
			return err
		}
		index, err := r.ReadU32()
		if err != nil {
			return err
		}

		var ref *exportRef
		switch name {
		case HookExport:
			ref = &s.idx.hook
		case CbakExport:
			ref = &s.idx.cbak
		default:
			continue
		}
		if kind != wasm.KindFunc {
			return errors.Semantic(errors.PhaseScan, off, "export %q is not a function", name)
		}
		if other := s.other(ref); other.found && other.index == index {
			return errors.Semantic(errors.PhaseScan, off,
				"%s and %s export the same function %d", HookExport, CbakExport, index)
		}
		*ref = exportRef{name: name, offset: off, index: index, found: true}
		s.log.Debug("export found", zap.String("name", name), zap.Uint32("func", index))
	}

	// The rest of the section is not needed.
	if !s.idx.hook.found {
		return errors.Semantic(errors.PhaseScan, r.Offset(), "missing %q export", HookExport)
	}
	return nil
}

func (s *scanner) code(r *bin.Reader) error {
	off := r.Offset()
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	locals := len(s.idx.funcs) - len(s.idx.imports)
	if int(count) != locals {
		return errors.Format(errors.PhaseScan, off, "%d bodies for %d declared functions", count, locals)
	}

	retained := 0
	for i := uint32(0); i < count; i++ {
		size, err := r.ReadU32()
		if err != nil {
			return err
		}
		start := r.Offset()
		if err := r.Skip(int(size)); err != nil {
			return err
		}

		fn := uint32(len(s.idx.imports)) + i
		body := span{start: start, end: start + int(size)}
		switch {
		case s.idx.hook.found && fn == s.idx.hook.index:
			s.idx.hook.body = body
		case s.idx.cbak.found && fn == s.idx.cbak.index:
			s.idx.cbak.body = body
		default:
			continue
		}
		retained += int(size)
	}

	s.log.Debug("code scanned", zap.Uint32("bodies", count), zap.Int("retained_bytes", retained))
	return s.sectionEnd(r)
}

// other returns the retained export that ref is not.
func (s *scanner) other(ref *exportRef) *exportRef {
	if ref == &s.idx.hook {
		return &s.idx.cbak
	}
	return &s.idx.hook
}

func (s *scanner) sectionEnd(r *bin.Reader) error {
	if !r.EOF() {
		return errors.Format(errors.PhaseScan, r.Offset(), "%d trailing bytes", r.Remaining())
	}
	return nil
}

func (s *scanner) finish() error {
	x := s.idx
	if x.hookType < 0 {
		return errors.Semantic(errors.PhaseScan, errors.NoOffset, "no type %s for hook/cbak", wasm.HookType)
	}
	if !x.hasGuard {
		return errors.Semantic(errors.PhaseScan, errors.NoOffset,
			"missing guard import %s.%s", s.opts.Namespace, s.opts.GuardName)
	}
	if !x.hook.found {
		return errors.Semantic(errors.PhaseScan, errors.NoOffset, "missing %q export", HookExport)
	}
	for _, ref := range []exportRef{x.hook, x.cbak} {
		if !ref.found {
			continue
		}
		if err := s.checkExport(ref); err != nil {
			return err
		}
	}
	return nil
}

func (s *scanner) checkExport(ref exportRef) error {
	x := s.idx
	switch {
	case ref.index < uint32(len(x.imports)):
		return errors.Semantic(errors.PhaseScan, ref.offset,
			"export %q refers to imported function %d", ref.name, ref.index)
	case ref.index >= uint32(len(x.funcs)):
		return errors.Semantic(errors.PhaseScan, ref.offset,
			"export %q refers to unknown function %d", ref.name, ref.index)
	case int(x.funcs[ref.index]) != x.hookType:
		return errors.Semantic(errors.PhaseScan, ref.offset,
			"export %q has type %s, want %s", ref.name, x.types[x.funcs[ref.index]], wasm.HookType)
	case ref.body.end == 0:
		return errors.Semantic(errors.PhaseScan, ref.offset, "export %q has no code body", ref.name)
	}
	return nil
}

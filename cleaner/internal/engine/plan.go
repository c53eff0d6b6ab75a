package engine

import (
	"cmp"
	"slices"

	"go.uber.org/zap"

	"github.com/wippyai/hook-cleaner/wasm"
)

// Plan holds the decisions made between the two passes.
type Plan struct {
	remap       map[uint32]uint32 // input type id -> output type id
	types       []wasm.FuncType
	exports     []exportRef // retained exports in input function order
	importCount uint32
	importSize  int // exact payload size of the output import section
	hookType    uint32
}

// Types returns the number of types in the output.
func (p *Plan) Types() int {
	return len(p.types)
}

// Exports returns the retained export names in output order.
func (p *Plan) Exports() []string {
	names := make([]string, len(p.exports))
	for i, e := range p.exports {
		names[i] = e.name
	}
	return names
}

// NewPlan deduplicates the types referenced by function imports, appends the
// hook type when no import shares it, and sizes the output import section.
func NewPlan(idx *Index, opts Options) *Plan {
	opts = opts.withDefaults()
	p := &Plan{
		remap:       make(map[uint32]uint32, len(idx.imports)+1),
		types:       make([]wasm.FuncType, 0, len(idx.imports)+1),
		importCount: uint32(len(idx.imports)),
	}

	seen := make(map[string]uint32, len(idx.imports)+1)
	intern := func(old uint32) uint32 {
		if id, ok := p.remap[old]; ok {
			return id
		}
		ft := idx.types[old]
		key := string(ft.AppendBinary(nil))
		id, ok := seen[key]
		if !ok {
			id = uint32(len(p.types))
			p.types = append(p.types, ft)
			seen[key] = id
		}
		p.remap[old] = id
		return id
	}

	for _, imp := range idx.imports {
		intern(imp.typeIdx)
	}
	p.hookType = intern(uint32(idx.hookType))

	p.importSize = wasm.SizeLEB128u(uint64(len(idx.imports)))
	for _, imp := range idx.imports {
		p.importSize += nameSize(imp.module) + nameSize(imp.name) + 1 +
			wasm.SizeLEB128u(uint64(p.remap[imp.typeIdx]))
	}

	p.exports = append(p.exports, idx.hook)
	if idx.cbak.found {
		p.exports = append(p.exports, idx.cbak)
	}
	slices.SortFunc(p.exports, func(a, b exportRef) int {
		return cmp.Compare(a.index, b.index)
	})

	opts.Logger.Debug("rewrite plan",
		zap.Int("types_in", len(idx.types)),
		zap.Int("types_out", len(p.types)),
		zap.Uint32("hook_type", p.hookType),
		zap.Uint32("imports", p.importCount),
		zap.Int("import_section_size", p.importSize),
		zap.Strings("exports", p.Exports()))
	return p
}

func nameSize(s string) int {
	return wasm.SizeLEB128u(uint64(len(s))) + len(s)
}

package runtime

import (
	"cmp"
	"context"
	"slices"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/hook-cleaner/errors"
	"github.com/wippyai/hook-cleaner/wasm"
)

// Module is a compiled core module.
type Module struct {
	runtime  *Runtime
	compiled wazero.CompiledModule
}

// Func describes an imported or exported function.
type Func struct {
	Module string // import module, empty for exports
	Name   string
	Type   wasm.FuncType
}

// Exports returns the exported functions sorted by name.
func (m *Module) Exports() []Func {
	exports := m.compiled.ExportedFunctions()
	out := make([]Func, 0, len(exports))
	for name, def := range exports {
		out = append(out, Func{Name: name, Type: funcType(def)})
	}
	slices.SortFunc(out, func(a, b Func) int {
		return cmp.Compare(a.Name, b.Name)
	})
	return out
}

// Imports returns the imported functions in index order.
func (m *Module) Imports() []Func {
	defs := m.compiled.ImportedFunctions()
	out := make([]Func, len(defs))
	for i, def := range defs {
		mod, name, _ := def.Import()
		out[i] = Func{Module: mod, Name: name, Type: funcType(def)}
	}
	return out
}

// CheckHook verifies that the module exports hook, and optionally cbak,
// with the hook signature.
func (m *Module) CheckHook() error {
	exports := m.compiled.ExportedFunctions()
	for _, name := range []string{"hook", "cbak"} {
		def, ok := exports[name]
		if !ok {
			if name == "hook" {
				return errors.Semantic(errors.PhaseVerify, errors.NoOffset, "output has no %q export", name)
			}
			continue
		}
		if ft := funcType(def); !ft.Equal(wasm.HookType) {
			return errors.Semantic(errors.PhaseVerify, errors.NoOffset,
				"export %q has type %s, want %s", name, ft, wasm.HookType)
		}
	}
	return nil
}

// Instantiate links the module against the host registry and instantiates it.
// Imports without a registered host function are bound to stubs returning zero.
// A module may be instantiated any number of times; instances share host modules.
func (m *Module) Instantiate(ctx context.Context) (*Instance, error) {
	hosts, err := m.runtime.acquireHosts(ctx, m.Imports())
	if err != nil {
		return nil, err
	}

	mod, err := m.runtime.rt.InstantiateModule(ctx, m.compiled, wazero.NewModuleConfig().WithName(""))
	if err != nil {
		m.runtime.releaseHosts(ctx, hosts)
		return nil, errors.New(errors.PhaseVerify, errors.KindSemantic).
			Detail("instantiate module").
			Cause(err).
			Build()
	}
	return &Instance{runtime: m.runtime, module: mod, hosts: hosts}, nil
}

// Close releases the compiled module.
func (m *Module) Close(ctx context.Context) error {
	return m.compiled.Close(ctx)
}

func funcType(def api.FunctionDefinition) wasm.FuncType {
	return wasm.FuncType{
		Params:  valTypes(def.ParamTypes()),
		Results: valTypes(def.ResultTypes()),
	}
}

func valTypes(ts []api.ValueType) []wasm.ValType {
	if len(ts) == 0 {
		return nil
	}
	out := make([]wasm.ValType, len(ts))
	for i, t := range ts {
		out[i] = wasm.ValType(t)
	}
	return out
}

func valueTypes(ts []wasm.ValType) []api.ValueType {
	out := make([]api.ValueType, len(ts))
	for i, t := range ts {
		out[i] = api.ValueType(t)
	}
	return out
}

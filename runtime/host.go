package runtime

import (
	"context"
	"sync"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/hook-cleaner/errors"
)

// HostFunc implements an imported function. Parameters arrive in stack and
// results are written back to its first slots, as in wazero's stack calling
// convention.
type HostFunc func(ctx context.Context, stack []uint64)

// HostRegistry holds host functions by import module and name.
type HostRegistry struct {
	funcs map[string]map[string]HostFunc
	mu    sync.RWMutex
}

// NewHostRegistry returns an empty registry.
func NewHostRegistry() *HostRegistry {
	return &HostRegistry{
		funcs: make(map[string]map[string]HostFunc),
	}
}

// RegisterFunc registers fn as namespace.name, replacing any earlier registration.
func (r *HostRegistry) RegisterFunc(namespace, name string, fn HostFunc) error {
	if namespace == "" {
		return errors.Semantic(errors.PhaseVerify, errors.NoOffset, "namespace cannot be empty")
	}
	if name == "" {
		return errors.Semantic(errors.PhaseVerify, errors.NoOffset, "function name cannot be empty")
	}
	if fn == nil {
		return errors.Semantic(errors.PhaseVerify, errors.NoOffset, "host function %s.%s is nil", namespace, name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.funcs[namespace] == nil {
		r.funcs[namespace] = make(map[string]HostFunc)
	}
	r.funcs[namespace][name] = fn
	return nil
}

func (r *HostRegistry) lookup(namespace, name string) (HostFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[namespace][name]
	return fn, ok
}

// boundHost is a host module instantiated for one import namespace, shared
// by every live instance importing from it.
type boundHost struct {
	mod  api.Module
	refs int
}

// satisfies reports whether the bound module exports every import with a matching type.
func (h *boundHost) satisfies(imports []Func) bool {
	defs := h.mod.ExportedFunctionDefinitions()
	for _, imp := range imports {
		def, ok := defs[imp.Name]
		if !ok || !funcType(def).Equal(imp.Type) {
			return false
		}
	}
	return true
}

// acquireHosts binds one host module per import namespace, reusing modules
// already bound by live instances. Imports without a registered function get
// a stub that returns zeros. Registrations made after a namespace is bound
// take effect once every instance using it is closed.
func (r *Runtime) acquireHosts(ctx context.Context, imports []Func) ([]string, error) {
	var order []string
	byModule := make(map[string][]Func)
	for _, imp := range imports {
		if _, ok := byModule[imp.Module]; !ok {
			order = append(order, imp.Module)
		}
		byModule[imp.Module] = append(byModule[imp.Module], imp)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	acquired := make([]string, 0, len(order))
	for _, ns := range order {
		if h, ok := r.bound[ns]; ok {
			if !h.satisfies(byModule[ns]) {
				r.releaseLocked(ctx, acquired)
				return nil, errors.Semantic(errors.PhaseVerify, errors.NoOffset,
					"host module %q is bound by a live instance with different imports", ns)
			}
			h.refs++
			acquired = append(acquired, ns)
			continue
		}

		b := r.rt.NewHostModuleBuilder(ns)
		for _, imp := range byModule[ns] {
			fn, ok := r.hosts.lookup(ns, imp.Name)
			if !ok {
				fn = zeroResults(len(imp.Type.Results))
			}
			b.NewFunctionBuilder().
				WithGoFunction(goFunc(fn), valueTypes(imp.Type.Params), valueTypes(imp.Type.Results)).
				Export(imp.Name)
		}

		mod, err := b.Instantiate(ctx)
		if err != nil {
			r.releaseLocked(ctx, acquired)
			return nil, errors.New(errors.PhaseVerify, errors.KindSemantic).
				Detail("instantiate host module %q", ns).
				Cause(err).
				Build()
		}
		r.bound[ns] = &boundHost{mod: mod, refs: 1}
		acquired = append(acquired, ns)
	}
	return acquired, nil
}

// releaseHosts drops one reference to each namespace and closes host modules
// no instance uses any more.
func (r *Runtime) releaseHosts(ctx context.Context, namespaces []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.releaseLocked(ctx, namespaces)
}

func (r *Runtime) releaseLocked(ctx context.Context, namespaces []string) {
	for _, ns := range namespaces {
		h, ok := r.bound[ns]
		if !ok {
			continue
		}
		if h.refs--; h.refs == 0 {
			_ = h.mod.Close(ctx)
			delete(r.bound, ns)
		}
	}
}

func goFunc(fn HostFunc) api.GoFunc {
	return api.GoFunc(fn)
}

func zeroResults(n int) HostFunc {
	return func(_ context.Context, stack []uint64) {
		clear(stack[:n])
	}
}

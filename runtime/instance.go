package runtime

import (
	"context"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/hook-cleaner/errors"
)

// Instance is an instantiated module together with its host modules.
type Instance struct {
	runtime *Runtime
	module  api.Module
	hosts   []string // bound host namespaces
}

// CallHook invokes the hook-typed export name with the reserved argument
// and returns its i64 result.
func (i *Instance) CallHook(ctx context.Context, name string, reserved uint32) (int64, error) {
	fn := i.module.ExportedFunction(name)
	if fn == nil {
		return 0, errors.Semantic(errors.PhaseVerify, errors.NoOffset, "no exported function %q", name)
	}
	res, err := fn.Call(ctx, api.EncodeU32(reserved))
	if err != nil {
		return 0, errors.New(errors.PhaseVerify, errors.KindSemantic).
			Detail("call %q", name).
			Cause(err).
			Build()
	}
	return int64(res[0]), nil
}

// Memory returns the instance memory, or nil when the module has none.
func (i *Instance) Memory() api.Memory {
	return i.module.Memory()
}

// Close closes the instance and releases its host modules.
func (i *Instance) Close(ctx context.Context) error {
	err := i.module.Close(ctx)
	i.runtime.releaseHosts(ctx, i.hosts)
	i.hosts = nil
	return err
}

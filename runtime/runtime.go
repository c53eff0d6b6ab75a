package runtime

import (
	"context"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"

	"github.com/wippyai/hook-cleaner/errors"
)

// Runtime compiles and runs cleaned hook modules with wazero.
type Runtime struct {
	rt    wazero.Runtime
	hosts *HostRegistry

	mu    sync.Mutex
	bound map[string]*boundHost // host modules by import namespace
}

// Config holds configuration for runtime creation.
type Config struct {
	// MemoryLimitPages caps memory per instance in 64KiB pages. 0 keeps the wazero default.
	MemoryLimitPages uint32

	// EnableThreads accepts shared memory and atomic instructions.
	EnableThreads bool
}

// New creates a runtime with the default configuration.
func New(ctx context.Context) *Runtime {
	return NewWithConfig(ctx, nil)
}

// NewWithConfig creates a runtime with custom configuration.
func NewWithConfig(ctx context.Context, cfg *Config) *Runtime {
	runtimeCfg := wazero.NewRuntimeConfig()
	if cfg != nil {
		if cfg.MemoryLimitPages > 0 {
			runtimeCfg = runtimeCfg.WithMemoryLimitPages(cfg.MemoryLimitPages)
		}
		if cfg.EnableThreads {
			runtimeCfg = runtimeCfg.WithCoreFeatures(api.CoreFeaturesV2 | experimental.CoreFeaturesThreads)
		}
	}
	return &Runtime{
		rt:    wazero.NewRuntimeWithConfig(ctx, runtimeCfg),
		hosts: NewHostRegistry(),
		bound: make(map[string]*boundHost),
	}
}

// Close releases all runtime resources, including instances.
func (r *Runtime) Close(ctx context.Context) error {
	return r.rt.Close(ctx)
}

// Hosts returns the registry consulted when instantiating modules.
func (r *Runtime) Hosts() *HostRegistry {
	return r.hosts
}

// Compile compiles a core module. Compilation runs wazero's validator, so a
// successful compile means the bytes form a valid module.
func (r *Runtime) Compile(ctx context.Context, wasm []byte) (*Module, error) {
	compiled, err := r.rt.CompileModule(ctx, wasm)
	if err != nil {
		return nil, errors.New(errors.PhaseVerify, errors.KindSemantic).
			Detail("compile module").
			Cause(err).
			Build()
	}
	return &Module{runtime: r, compiled: compiled}, nil
}

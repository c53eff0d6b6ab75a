// Package hookcleaner reduces compiled WebAssembly hooks to the parts a hook
// runtime executes.
//
// A hook module exports "hook" and optionally "cbak", both of type
// (i32) -> i64, and imports host functions from the "env" module, among them
// the guard function "_g". The cleaner keeps those exports, the function
// imports and the memory, global, data and data count sections. Everything
// else is dropped, and guard calls are moved to the top of their loops.
//
// # Layout
//
//	hookcleaner/
//	├── cleaner/            Transform API, configuration, tracing
//	│   └── internal/engine Scan, plan and rewrite passes, guard detection
//	├── wasm/               LEB128 codec, opcodes, instruction decoder
//	├── internal/binary/    Bounded reader and patchable writer
//	├── errors/             Structured errors with phase, kind and offset
//	├── runtime/            wazero compile check and hook execution
//	├── internal/cli/       Command implementation
//	└── cmd/hook-cleaner/   Command entry point
//
// # Quick Start
//
//	out, err := cleaner.Transform(data, cleaner.Config{})
//	if err != nil {
//	    return err
//	}
//	if err := runtime.Verify(ctx, out); err != nil {
//	    return err
//	}
//
// From the command line:
//
//	hook-cleaner hook.wasm clean.wasm
package hookcleaner

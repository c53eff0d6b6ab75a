// Package cleaner strips a WebAssembly hook module down to what a hook
// runtime executes.
//
// The output keeps the "hook" export and, when present, the "cbak" export,
// the function imports they may call, the types those imports and exports
// use, and the memory, global, data and data count sections. Every other
// function, export and section is removed.
//
// Inside the retained bodies, guard calls of the form
//
//	i32.const A
//	i32.const B
//	call $_g
//	drop
//
// are moved to the top of their enclosing loop. A guard whose arguments were
// interleaved with other straight-line code is rebuilt there in canonical
// form and its original call replaced by stack-neutral filler.
//
// Transform runs the whole pipeline:
//
//	out, err := cleaner.Transform(data, cleaner.Config{})
//
// TransformContext also returns a Report and emits OpenTelemetry spans for
// the scan, plan and rewrite stages.
//
// Running Transform on its own output yields identical bytes.
package cleaner

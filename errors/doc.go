// Package errors provides structured error types for the hook cleaner.
//
// Errors are categorized by Phase (where the error occurred) and Kind (error category).
// Every error raised while decoding carries the byte Offset at which the violation
// was detected and, when known, the name of the section being processed.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseScan, errors.KindSemantic).
//		At(0x2a).
//		Section("import").
//		Detail("import module %q is not allowed", name).
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.Truncated(errors.PhaseScan, off, need, remaining)
//	err := errors.Overflow(errors.PhaseRewrite, off, "u32")
//
// Kind sentinels match any phase:
//
//	if errors.Is(err, errors.ErrTruncated) { ... }
package errors

// Package wasm provides the WebAssembly binary primitives used by the hook cleaner.
//
// The package is slice based: every decoder takes a byte slice and returns
// the number of bytes consumed, and never reads past the end of its input.
//
// # LEB128 Encoding
//
//	v, n, err := wasm.DecodeLEB128u32(data)   // unsigned, 32-bit checked
//	v, n, err := wasm.DecodeLEB128s64(data)   // signed, sign-extended
//	out = wasm.AppendLEB128u(out, 624485)     // minimal encoding
//
// Padded encodings reserve a fixed number of groups so a length can be
// written before it is known and overwritten later in place:
//
//	out, _ = wasm.AppendLEB128Padded(out, 0, wasm.MaxPaddedGroups)
//	err = wasm.PutLEB128Padded(out[at:at+3], length)
//
// # Instructions
//
// ReadInstruction measures one instruction and decodes the immediates the
// cleaner needs (constants, call and branch targets, block types):
//
//	for pos < len(code) {
//	    ins, err := wasm.ReadInstruction(code, pos)
//	    if err != nil {
//	        return err
//	    }
//	    pos = ins.End()
//	}
//
// Opcodes outside the supported set fail with ErrUnknownOpcode wrapped in
// a *DecodeError carrying the offending offset.
package wasm

package binary

import (
	"slices"

	"github.com/wippyai/hook-cleaner/errors"
	"github.com/wippyai/hook-cleaner/wasm"
)

// Writer is an append-only output buffer that also supports the in-place
// edits the rewriter needs: length patching, insertion and relocation.
type Writer struct {
	buf []byte
}

// NewWriter creates a Writer with the given initial capacity.
func NewWriter(capacity int) *Writer {
	return &Writer{buf: make([]byte, 0, capacity)}
}

// Bytes returns the written bytes.
func (w *Writer) Bytes() []byte {
	return w.buf
}

// Len returns the number of bytes written.
func (w *Writer) Len() int {
	return len(w.buf)
}

// Byte writes a single byte.
func (w *Writer) Byte(b byte) {
	w.buf = append(w.buf, b)
}

// WriteBytes writes a byte slice.
func (w *Writer) WriteBytes(data []byte) {
	w.buf = append(w.buf, data...)
}

// WriteU32 writes an unsigned LEB128 encoded uint32.
func (w *Writer) WriteU32(v uint32) {
	w.buf = wasm.AppendLEB128u(w.buf, uint64(v))
}

// WriteS32 writes a signed LEB128 encoded int32.
func (w *Writer) WriteS32(v int32) {
	w.buf = wasm.AppendLEB128s(w.buf, int64(v))
}

// WriteName writes a length-prefixed name.
func (w *Writer) WriteName(name string) {
	w.WriteU32(uint32(len(name)))
	w.buf = append(w.buf, name...)
}

// Insert writes data at offset at, shifting everything after it.
func (w *Writer) Insert(at int, data []byte) {
	w.buf = slices.Insert(w.buf, at, data...)
}

// Overwrite replaces len(data) bytes starting at offset at.
func (w *Writer) Overwrite(at int, data []byte) {
	copy(w.buf[at:at+len(data)], data)
}

// Relocate moves the span [src, end) back to dst, shifting [dst, src) forward.
// dst must not be greater than src. The buffer length is unchanged.
func (w *Writer) Relocate(dst, src, end int) {
	if dst == src {
		return
	}
	unit := slices.Clone(w.buf[src:end])
	copy(w.buf[dst+len(unit):end], w.buf[dst:src])
	copy(w.buf[dst:], unit)
}

// Reserve writes a zero length in MaxPaddedGroups padded groups and returns
// a slot that can later be patched with the length of everything written after it.
func (w *Writer) Reserve() *LengthSlot {
	at := len(w.buf)
	w.buf, _ = wasm.AppendLEB128Padded(w.buf, 0, wasm.MaxPaddedGroups)
	return &LengthSlot{w: w, at: at}
}

// LengthSlot is a reserved, fixed-width length prefix bound to a Writer.
type LengthSlot struct {
	w  *Writer
	at int
}

// Offset returns the position of the slot in the output.
func (s *LengthSlot) Offset() int {
	return s.at
}

// Start returns the position of the first payload byte after the slot.
func (s *LengthSlot) Start() int {
	return s.at + wasm.MaxPaddedGroups
}

// Size returns the payload length written so far.
func (s *LengthSlot) Size() int {
	return s.w.Len() - s.Start()
}

// Patch writes the current payload length into the slot.
// Lengths that do not fit the reserved groups are a semantic error.
func (s *LengthSlot) Patch() error {
	size := s.Size()
	if err := wasm.PutLEB128Padded(s.w.buf[s.at:s.Start()], uint64(size)); err != nil {
		return errors.New(errors.PhaseRewrite, errors.KindSemantic).
			At(s.at).
			Detail("length %d exceeds the %d-byte size slot (max %d)", size, wasm.MaxPaddedGroups, wasm.MaxPaddedValue).
			Cause(err).
			Build()
	}
	return nil
}

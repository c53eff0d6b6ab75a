package binary

import (
	stderrors "errors"
	"unicode/utf8"

	"github.com/wippyai/hook-cleaner/errors"
	"github.com/wippyai/hook-cleaner/wasm"
)

// Reader is a bounded cursor over a byte slice.
// Offsets reported in errors are absolute positions in the original input.
type Reader struct {
	data  []byte
	phase errors.Phase
	pos   int
	base  int
}

// NewReader creates a Reader over data. Errors are tagged with phase.
func NewReader(data []byte, phase errors.Phase) *Reader {
	return &Reader{data: data, phase: phase}
}

// Offset returns the absolute position of the cursor.
func (r *Reader) Offset() int {
	return r.base + r.pos
}

// Position returns the cursor position relative to the start of this reader.
func (r *Reader) Position() int {
	return r.pos
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	return len(r.data) - r.pos
}

// EOF reports whether every byte has been consumed.
func (r *Reader) EOF() bool {
	return r.pos >= len(r.data)
}

// Data returns the whole span covered by this reader.
func (r *Reader) Data() []byte {
	return r.data
}

// Since returns the bytes consumed from relative position start up to the cursor.
func (r *Reader) Since(start int) []byte {
	return r.data[start:r.pos]
}

// ReadByte reads a single byte and advances the position.
func (r *Reader) ReadByte() (byte, error) {
	if r.pos >= len(r.data) {
		return 0, r.truncated(1)
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

// ReadBytes returns the next n bytes without copying.
func (r *Reader) ReadBytes(n int) ([]byte, error) {
	if n < 0 || r.Remaining() < n {
		return nil, r.truncated(n)
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// Skip advances the cursor by n bytes.
func (r *Reader) Skip(n int) error {
	_, err := r.ReadBytes(n)
	return err
}

// Sub returns a reader over the next n bytes and advances past them.
func (r *Reader) Sub(n int) (*Reader, error) {
	start := r.Offset()
	b, err := r.ReadBytes(n)
	if err != nil {
		return nil, err
	}
	return &Reader{data: b, phase: r.phase, base: start}, nil
}

// ReadU32 reads an unsigned LEB128 encoded uint32.
func (r *Reader) ReadU32() (uint32, error) {
	v, n, err := wasm.DecodeLEB128u32(r.data[r.pos:])
	if err != nil {
		return 0, r.varintError(err, n, "u32")
	}
	r.pos += n
	return v, nil
}

// ReadU64 reads an unsigned LEB128 encoded uint64.
func (r *Reader) ReadU64() (uint64, error) {
	v, n, err := wasm.DecodeLEB128u64(r.data[r.pos:])
	if err != nil {
		return 0, r.varintError(err, n, "u64")
	}
	r.pos += n
	return v, nil
}

// ReadS64 reads a signed LEB128 encoded int64.
func (r *Reader) ReadS64() (int64, error) {
	v, n, err := wasm.DecodeLEB128s64(r.data[r.pos:])
	if err != nil {
		return 0, r.varintError(err, n, "s64")
	}
	r.pos += n
	return v, nil
}

// ReadName reads a UTF-8 encoded name (length-prefixed byte sequence).
func (r *Reader) ReadName() (string, error) {
	length, err := r.ReadU32()
	if err != nil {
		return "", err
	}
	start := r.Offset()
	data, err := r.ReadBytes(int(length))
	if err != nil {
		return "", err
	}
	if !utf8.Valid(data) {
		return "", errors.Format(r.phase, start, "invalid UTF-8 in name")
	}
	return string(data), nil
}

func (r *Reader) truncated(need int) *errors.Error {
	return errors.Truncated(r.phase, r.Offset(), need, r.Remaining())
}

func (r *Reader) varintError(err error, consumed int, target string) *errors.Error {
	if stderrors.Is(err, wasm.ErrTruncated) {
		e := r.truncated(consumed + 1)
		e.Cause = err
		return e
	}
	e := errors.Overflow(r.phase, r.Offset(), target)
	e.Cause = err
	return e
}

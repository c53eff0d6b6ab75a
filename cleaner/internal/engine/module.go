// Package engine implements the two passes of the hook cleaner: a scan that
// indexes the input module and a rewrite that emits the reduced module.
package engine

import (
	"encoding/binary"

	"go.uber.org/zap"

	bin "github.com/wippyai/hook-cleaner/internal/binary"
	"github.com/wippyai/hook-cleaner/errors"
	"github.com/wippyai/hook-cleaner/wasm"
)

// Export names retained by the cleaner.
const (
	HookExport = "hook"
	CbakExport = "cbak"
)

// Defaults for Options.
const (
	DefaultNamespace = "env"
	DefaultGuardName = "_g"
)

// maxIndexed bounds the number of types and imports the output can index.
const maxIndexed = 127 * 127

// Options configures one run of the engine.
type Options struct {
	Logger           *zap.Logger
	Namespace        string
	GuardName        string
	SkipGuardRewrite bool
}

func (o Options) withDefaults() Options {
	if o.Namespace == "" {
		o.Namespace = DefaultNamespace
	}
	if o.GuardName == "" {
		o.GuardName = DefaultGuardName
	}
	if o.Logger == nil {
		o.Logger = Logger()
	}
	return o
}

// section is one raw section of the input.
type section struct {
	payload *bin.Reader
	raw     []byte // size prefix and payload, as found in the input
	offset  int    // offset of the id byte
	id      byte
}

func (s section) name() string {
	return wasm.SectionName(s.id)
}

func readHeader(r *bin.Reader, phase errors.Phase) error {
	magic, err := r.ReadBytes(4)
	if err != nil {
		return err
	}
	if got := binary.LittleEndian.Uint32(magic); got != wasm.Magic {
		return errors.Format(phase, 0, "bad magic 0x%08X", got)
	}
	version, err := r.ReadBytes(4)
	if err != nil {
		return err
	}
	if got := binary.LittleEndian.Uint32(version); got != wasm.Version {
		return errors.Format(phase, 4, "unsupported version %d", got)
	}
	return nil
}

func nextSection(r *bin.Reader) (section, error) {
	s := section{offset: r.Offset()}
	id, err := r.ReadByte()
	if err != nil {
		return s, err
	}
	s.id = id
	start := r.Position()
	size, err := r.ReadU32()
	if err != nil {
		return s, errors.InSection(err, s.name())
	}
	s.payload, err = r.Sub(int(size))
	if err != nil {
		return s, errors.InSection(err, s.name())
	}
	s.raw = r.Since(start)
	return s, nil
}

// importEntry is one decoded import. Only function imports keep a type index.
type importEntry struct {
	module  string
	name    string
	offset  int
	typeIdx uint32
	kind    byte
}

// readImport decodes one import and skips its descriptor.
func readImport(r *bin.Reader, phase errors.Phase) (importEntry, error) {
	imp := importEntry{offset: r.Offset()}
	var err error
	if imp.module, err = r.ReadName(); err != nil {
		return imp, err
	}
	if imp.name, err = r.ReadName(); err != nil {
		return imp, err
	}
	if imp.kind, err = r.ReadByte(); err != nil {
		return imp, err
	}

	switch imp.kind {
	case wasm.KindFunc:
		imp.typeIdx, err = r.ReadU32()
	case wasm.KindTable:
		if err = skipValType(r); err == nil {
			err = skipLimits(r, phase)
		}
	case wasm.KindMemory:
		err = skipLimits(r, phase)
	case wasm.KindGlobal:
		if err = skipValType(r); err == nil {
			_, err = r.ReadByte()
		}
	case wasm.KindTag:
		if _, err = r.ReadByte(); err == nil {
			_, err = r.ReadU32()
		}
	default:
		return imp, errors.Format(phase, r.Offset()-1, "unknown import kind 0x%02x", imp.kind)
	}
	return imp, err
}

func skipValType(r *bin.Reader) error {
	b, err := r.ReadByte()
	if err != nil {
		return err
	}
	if t := wasm.ValType(b); t == wasm.ValRefNull || t == wasm.ValRef {
		_, err = r.ReadS64()
	}
	return err
}

func skipLimits(r *bin.Reader, phase errors.Phase) error {
	off := r.Offset()
	flags, err := r.ReadByte()
	if err != nil {
		return err
	}
	if flags > wasm.LimitsHasMax|wasm.LimitsShared|wasm.LimitsMemory64 {
		return errors.Format(phase, off, "invalid limits flags 0x%02x", flags)
	}
	if _, err := r.ReadU64(); err != nil {
		return err
	}
	if flags&wasm.LimitsHasMax != 0 {
		_, err = r.ReadU64()
	}
	return err
}

// skipLocals consumes the local declarations at the start of a body.
func skipLocals(r *bin.Reader) error {
	n, err := r.ReadU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		if _, err := r.ReadU32(); err != nil {
			return err
		}
		if err := skipValType(r); err != nil {
			return err
		}
	}
	return nil
}

package errors

import (
	"fmt"
	"strings"
)

// Phase indicates where in processing the error occurred
type Phase string

const (
	PhaseScan    Phase = "scan"    // pass 1, module index
	PhaseRewrite Phase = "rewrite" // pass 2, output emission
	PhaseVerify  Phase = "verify"  // output compilation check
	PhaseLoad    Phase = "load"    // file acquisition and write-back
	PhaseConfig  Phase = "config"
)

// Kind categorizes the error
type Kind string

const (
	KindFormat    Kind = "format"    // bad magic/version, malformed tag or section order
	KindTruncated Kind = "truncated" // read past the end of the input
	KindOverflow  Kind = "overflow"  // varint wider than its target
	KindSemantic  Kind = "semantic"  // well-formed input the cleaner cannot accept
	KindIO        Kind = "io"
)

// NoOffset marks an error that is not tied to a byte position.
const NoOffset = -1

// Sentinels for errors.Is matching on Kind regardless of Phase.
var (
	ErrFormat    = &Error{Kind: KindFormat, Offset: NoOffset}
	ErrTruncated = &Error{Kind: KindTruncated, Offset: NoOffset}
	ErrOverflow  = &Error{Kind: KindOverflow, Offset: NoOffset}
	ErrSemantic  = &Error{Kind: KindSemantic, Offset: NoOffset}
)

// Error is the structured error type returned by every stage of the cleaner.
type Error struct {
	Cause   error
	Phase   Phase
	Kind    Kind
	Section string
	Detail  string
	Offset  int
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	if e.Phase != "" {
		b.WriteByte('[')
		b.WriteString(string(e.Phase))
		b.WriteString("] ")
	}
	b.WriteString(string(e.Kind))

	if e.Section != "" {
		b.WriteString(" in ")
		b.WriteString(e.Section)
		b.WriteString(" section")
	}

	if e.Offset >= 0 {
		fmt.Fprintf(&b, " at offset 0x%X", e.Offset)
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error.
// A target without a Phase matches any phase of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Phase == "" || t.Phase == e.Phase
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase:  phase,
			Kind:   kind,
			Offset: NoOffset,
		},
	}
}

// At sets the byte offset where the violation was detected
func (b *Builder) At(offset int) *Builder {
	b.err.Offset = offset
	return b
}

// Section sets the section name
func (b *Builder) Section(name string) *Builder {
	b.err.Section = name
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Convenience constructors for common error patterns

// Format creates a malformed-input error
func Format(phase Phase, offset int, detail string, args ...any) *Error {
	return New(phase, KindFormat).At(offset).Detail(detail, args...).Build()
}

// Truncated creates an error for a read that needs more bytes than remain
func Truncated(phase Phase, offset, need, remaining int) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindTruncated,
		Offset: offset,
		Detail: fmt.Sprintf("need %d bytes, %d remaining", need, remaining),
	}
}

// Overflow creates a varint overflow error
func Overflow(phase Phase, offset int, targetType string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindOverflow,
		Offset: offset,
		Detail: fmt.Sprintf("varint overflows %s", targetType),
	}
}

// Semantic creates an error for structurally valid input that cannot be cleaned
func Semantic(phase Phase, offset int, detail string, args ...any) *Error {
	return New(phase, KindSemantic).At(offset).Detail(detail, args...).Build()
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Offset: NoOffset,
		Detail: detail,
		Cause:  cause,
	}
}

// Load creates a file acquisition or write-back error
func Load(detail string, cause error) *Error {
	return Wrap(PhaseLoad, KindIO, cause, detail)
}

// InSection returns err with its Section set when err is an *Error without one.
// Other errors are returned unchanged.
func InSection(err error, section string) error {
	e, ok := err.(*Error)
	if !ok || e.Section != "" {
		return err
	}
	e.Section = section
	return e
}

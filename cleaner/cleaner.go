package cleaner

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wippyai/hook-cleaner/cleaner/internal/engine"
	"github.com/wippyai/hook-cleaner/errors"
)

const tracerName = "github.com/wippyai/hook-cleaner/cleaner"

// Export names kept in the output.
const (
	HookExport = engine.HookExport
	CbakExport = engine.CbakExport
)

// Report describes one completed transform.
type Report struct {
	Dropped       []string // sections omitted from the output, in input order
	InputSize     int
	OutputSize    int
	Types         int // types in the output
	Imports       int // function imports kept
	Hook          uint32
	Cbak          uint32
	HasCbak       bool
	Relocated     int // clean guards moved to the top of their loop
	Canonicalized int // dirty guards rebuilt at the top of their loop
	InPlace       int // guards already at the top of their loop
}

// Transform reduces a hook module to its hook and cbak exports.
// On error the returned slice is nil.
func Transform(data []byte, cfg Config) ([]byte, error) {
	out, _, err := TransformContext(context.Background(), data, cfg)
	return out, err
}

// TransformContext is Transform with tracing and a Report.
// The context carries spans only; the transform itself does not block.
func TransformContext(ctx context.Context, data []byte, cfg Config) ([]byte, Report, error) {
	if err := cfg.Validate(); err != nil {
		return nil, Report{}, err
	}
	cfg = cfg.withDefaults()
	opts := cfg.options()
	tracer := cfg.TracerProvider.Tracer(tracerName)

	ctx, span := tracer.Start(ctx, "cleaner.Transform",
		trace.WithAttributes(attribute.Int("wasm.input_size", len(data))))
	defer span.End()

	report := Report{InputSize: len(data)}

	var idx *engine.Index
	err := stage(ctx, tracer, "cleaner.Scan", func() (err error) {
		idx, err = engine.Scan(data, opts)
		return err
	})
	if err != nil {
		return nil, Report{}, fail(span, err)
	}

	_, planSpan := tracer.Start(ctx, "cleaner.Plan")
	plan := engine.NewPlan(idx, opts)
	planSpan.End()

	var (
		out   []byte
		stats engine.Stats
	)
	err = stage(ctx, tracer, "cleaner.Rewrite", func() (err error) {
		out, stats, err = engine.Rewrite(data, idx, plan, opts)
		return err
	})
	if err != nil {
		return nil, Report{}, fail(span, err)
	}

	report.OutputSize = len(out)
	report.Types = plan.Types()
	report.Imports = idx.ImportCount()
	report.Hook = idx.Hook()
	report.Cbak, report.HasCbak = idx.Cbak()
	report.Dropped = stats.Dropped
	report.Relocated = stats.Relocated
	report.Canonicalized = stats.Canonicalized
	report.InPlace = stats.InPlace

	span.SetAttributes(
		attribute.Int("wasm.output_size", report.OutputSize),
		attribute.Int("hook.imports", report.Imports),
		attribute.Int("hook.types", report.Types),
		attribute.Int("hook.guards_relocated", report.Relocated),
		attribute.Int("hook.guards_canonicalized", report.Canonicalized),
		attribute.StringSlice("wasm.dropped_sections", report.Dropped),
	)
	cfg.Logger.Debug("transform complete",
		zap.Int("in", report.InputSize),
		zap.Int("out", report.OutputSize),
		zap.Int("relocated", report.Relocated),
		zap.Int("canonicalized", report.Canonicalized))
	return out, report, nil
}

// stage runs fn inside a child span.
func stage(ctx context.Context, tracer trace.Tracer, name string, fn func() error) error {
	_, span := tracer.Start(ctx, name)
	defer span.End()
	if err := fn(); err != nil {
		return fail(span, err)
	}
	return nil
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if e, ok := err.(*errors.Error); ok {
		span.SetAttributes(
			attribute.String("error.phase", string(e.Phase)),
			attribute.String("error.kind", string(e.Kind)),
			attribute.Int("error.offset", e.Offset),
		)
	}
	return err
}

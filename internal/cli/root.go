// Package cli implements the hook-cleaner command.
package cli

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wippyai/hook-cleaner/cleaner"
	"github.com/wippyai/hook-cleaner/errors"
	"github.com/wippyai/hook-cleaner/internal/telemetry"
	"github.com/wippyai/hook-cleaner/runtime"
)

// Version is reported by --version and in exported traces.
var Version = "dev"

type options struct {
	namespace      string
	guard          string
	otlpEndpoint   string
	noGuardRewrite bool
	verify         bool
	verbose        bool
	quiet          bool
}

// NewRootCommand builds the hook-cleaner command.
func NewRootCommand() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "hook-cleaner input.wasm [output.wasm]",
		Short: "Strip a WebAssembly hook down to its hook and cbak exports",
		Long: `hook-cleaner removes every function, export and section a hook runtime
does not need from a compiled hook.

Kept:
  - the "hook" export and, when present, the "cbak" export
  - function imports and the types they use
  - memory, global, data and data count sections

Removed:
  - all other functions and exports
  - table, start, element and custom sections

Guard calls (i32.const; i32.const; call $_g; drop) are moved to the top of
their enclosing loop.

When output.wasm is omitted the input file is replaced.`,
		Args:          cobra.RangeArgs(1, 2),
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), opts, args)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.namespace, "namespace", cleaner.DefaultNamespace, "only module name allowed for imports")
	f.StringVar(&opts.guard, "guard", cleaner.DefaultGuardName, "name of the guard import")
	f.BoolVar(&opts.noGuardRewrite, "no-guard-rewrite", false, "copy hook bodies without moving guard calls")
	f.BoolVar(&opts.verify, "verify", false, "compile the output with wazero before writing it")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "log every section and guard rewrite")
	f.BoolVarP(&opts.quiet, "quiet", "q", false, "only log warnings and errors, print no report")
	f.StringVar(&opts.otlpEndpoint, "otlp-endpoint", os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		"export traces to this OTLP/HTTP collector (host:port)")
	cmd.MarkFlagsMutuallyExclusive("verbose", "quiet")

	return cmd
}

// Execute runs the root command with os.Args.
func Execute() error {
	return NewRootCommand().ExecuteContext(context.Background())
}

func run(ctx context.Context, stdout, stderr io.Writer, opts *options, args []string) error {
	in, out := args[0], args[0]
	if len(args) > 1 {
		out = args[1]
	}
	for _, name := range args {
		if strings.TrimSpace(name) == "" {
			return errors.New(errors.PhaseLoad, errors.KindIO).
				Detail("file name cannot be blank").
				Build()
		}
	}

	logger := newLogger(stderr, opts.level(), isTerminal(stderr))
	defer func() { _ = logger.Sync() }()

	tp, shutdown, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:    opts.otlpEndpoint,
		ServiceName: "hook-cleaner",
		Version:     Version,
	})
	if err != nil {
		return errors.Load("start trace exporter", err)
	}
	defer shutdown()

	info, err := os.Stat(in)
	if err != nil {
		return errors.Load("stat "+in, err)
	}
	data, err := os.ReadFile(in)
	if err != nil {
		return errors.Load("read "+in, err)
	}
	logger.Info("read", zap.String("file", in), zap.Int("bytes", len(data)))

	result, report, err := cleaner.TransformContext(ctx, data, cleaner.Config{
		Logger:           logger,
		TracerProvider:   tp,
		Namespace:        opts.namespace,
		GuardName:        opts.guard,
		SkipGuardRewrite: opts.noGuardRewrite,
	})
	if err != nil {
		return err
	}

	if opts.verify {
		if err := runtime.Verify(ctx, result); err != nil {
			return err
		}
		logger.Debug("output verified")
	}

	if err := os.WriteFile(out, result, info.Mode().Perm()); err != nil {
		return errors.Load("write "+out, err)
	}
	logger.Info("wrote", zap.String("file", out), zap.Int("bytes", len(result)))

	if !opts.quiet {
		printReport(stdout, in, out, report, opts.verify)
	}
	return nil
}

func (o *options) level() zap.AtomicLevel {
	switch {
	case o.verbose:
		return zap.NewAtomicLevelAt(zap.DebugLevel)
	case o.quiet:
		return zap.NewAtomicLevelAt(zap.WarnLevel)
	default:
		return zap.NewAtomicLevelAt(zap.InfoLevel)
	}
}

package cleaner

import (
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wippyai/hook-cleaner/cleaner/internal/engine"
	"github.com/wippyai/hook-cleaner/errors"
)

// Defaults for Config.
const (
	DefaultNamespace = engine.DefaultNamespace
	DefaultGuardName = engine.DefaultGuardName
)

// maxNameLen bounds Namespace and GuardName. Import names longer than this
// do not occur in hook modules.
const maxNameLen = 255

// Config controls a single transform. The zero value is usable.
type Config struct {
	// Logger overrides the package logger for this run.
	Logger *zap.Logger

	// TracerProvider supplies the tracer for transform spans.
	// Nil uses the global provider.
	TracerProvider trace.TracerProvider

	// Namespace is the only module name function imports may use.
	// Empty means DefaultNamespace.
	Namespace string

	// GuardName is the field name of the guard import.
	// Empty means DefaultGuardName.
	GuardName string

	// SkipGuardRewrite copies retained bodies without moving guard calls.
	SkipGuardRewrite bool
}

// DefaultConfig returns a Config with every default filled in.
func DefaultConfig() Config {
	return Config{
		Logger:    Logger(),
		Namespace: DefaultNamespace,
		GuardName: DefaultGuardName,
	}
}

// Validate reports whether the configured names can appear in a module.
func (c Config) Validate() error {
	for _, f := range []struct{ field, value string }{
		{"namespace", c.Namespace},
		{"guard name", c.GuardName},
	} {
		if !utf8.ValidString(f.value) {
			return errors.New(errors.PhaseConfig, errors.KindSemantic).
				Detail("%s %q is not valid UTF-8", f.field, f.value).
				Build()
		}
		if len(f.value) > maxNameLen {
			return errors.New(errors.PhaseConfig, errors.KindSemantic).
				Detail("%s is %d bytes long, max %d", f.field, len(f.value), maxNameLen).
				Build()
		}
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = Logger()
	}
	if c.TracerProvider == nil {
		c.TracerProvider = otel.GetTracerProvider()
	}
	if c.Namespace == "" {
		c.Namespace = DefaultNamespace
	}
	if c.GuardName == "" {
		c.GuardName = DefaultGuardName
	}
	return c
}

func (c Config) options() engine.Options {
	return engine.Options{
		Logger:           c.Logger,
		Namespace:        c.Namespace,
		GuardName:        c.GuardName,
		SkipGuardRewrite: c.SkipGuardRewrite,
	}
}

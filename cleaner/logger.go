package cleaner

import (
	"go.uber.org/zap"

	"github.com/wippyai/hook-cleaner/cleaner/internal/engine"
)

// Logger returns the logger used when Config.Logger is nil.
func Logger() *zap.Logger {
	return engine.Logger()
}

// SetLogger sets the package-wide logger. Call before the first transform.
func SetLogger(l *zap.Logger) {
	engine.SetLogger(l)
}

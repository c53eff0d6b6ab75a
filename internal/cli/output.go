package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"

	"github.com/wippyai/hook-cleaner/cleaner"
)

// isTerminal reports whether w is a terminal file.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// newLogger builds a console logger writing to w. Levels are coloured only on terminals.
func newLogger(w io.Writer, level zap.AtomicLevel, color bool) *zap.Logger {
	enc := zap.NewDevelopmentEncoderConfig()
	enc.TimeKey = ""
	enc.CallerKey = ""
	if color {
		enc.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.Lock(zapcore.AddSync(w)), level)
	return zap.New(core).Named("hook-cleaner")
}

func printReport(w io.Writer, in, out string, r cleaner.Report, verified bool) {
	re := lipgloss.NewRenderer(w)
	var (
		title = re.NewStyle().Bold(true).Foreground(lipgloss.Color("#7D56F4"))
		key   = re.NewStyle().Foreground(lipgloss.Color("#666666")).Width(14)
		value = re.NewStyle().Foreground(lipgloss.Color("#98FB98"))
	)

	row := func(k string, v any) string {
		return key.Render(k) + value.Render(fmt.Sprint(v))
	}

	exports := "hook"
	if r.HasCbak {
		exports = "hook, cbak"
	}
	dropped := "none"
	if len(r.Dropped) > 0 {
		dropped = strings.Join(r.Dropped, ", ")
	}
	target := out
	if in == out {
		target = out + " (in place)"
	}

	lines := []string{
		title.Render("hook-cleaner"),
		row("output", target),
		row("size", fmt.Sprintf("%d -> %d bytes", r.InputSize, r.OutputSize)),
		row("exports", exports),
		row("imports", r.Imports),
		row("types", r.Types),
		row("guards", fmt.Sprintf("%d moved, %d rebuilt, %d in place", r.Relocated, r.Canonicalized, r.InPlace)),
		row("dropped", dropped),
	}
	if verified {
		lines = append(lines, row("verified", "yes"))
	}
	fmt.Fprintln(w, lipgloss.JoinVertical(lipgloss.Left, lines...))
}

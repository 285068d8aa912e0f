// Package logging builds the process logger: slog over a tint handler, plus a
// *log.Logger view of it for the pipeline's Printf seam.
package logging

import (
	"fmt"
	"io"
	"log"
	"log/slog"
	"time"

	"github.com/lmittmann/tint"
)

// Options controls the handler.
type Options struct {
	Verbose bool
	// NoColor disables ANSI colors, for files and CI logs.
	NoColor bool
}

// New returns a slog.Logger writing to w. Verbose lowers the level to debug.
func New(w io.Writer, opts Options) *slog.Logger {
	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:   level,
		NoColor: opts.NoColor,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Value = slog.StringValue(formatRFC3339Millis(a.Value.Time()))
			}
			if s, ok := a.Value.Any().(string); ok && s == "" {
				return slog.Attr{}
			}
			return a
		},
	}))
}

// Printf adapts l to the one-method logger interface used by the pipeline.
// Lines are logged at info level.
func Printf(l *slog.Logger) *log.Logger {
	return slog.NewLogLogger(l.Handler(), slog.LevelInfo)
}

func formatRFC3339Millis(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("%s.%03dZ", t.Format("2006-01-02T15:04:05"), t.Nanosecond()/1_000_000)
}

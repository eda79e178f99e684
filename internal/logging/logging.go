// Package logging sets up the slog default logger: a tint handler over
// stderr, with a four-level verbosity ladder (Quiet/Verbose/
// VeryVerbose/Trace).
package logging

import (
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

// LevelTrace sits one notch below slog's Debug, for the --trace flag's
// excessive amount of debug information.
const LevelTrace = slog.Level(-8)

// Verbosity selects a level from the flag ladder used by both the
// client and server CLIs: -v is Info, --verbose is Debug, --trace is
// Trace. The zero value is Warn, so a quiet run only logs errors and
// warnings.
type Verbosity int

const (
	Quiet Verbosity = iota
	Verbose
	VeryVerbose
	Trace
)

func (v Verbosity) level() slog.Level {
	switch v {
	case Verbose:
		return slog.LevelInfo
	case VeryVerbose:
		return slog.LevelDebug
	case Trace:
		return LevelTrace
	default:
		return slog.LevelWarn
	}
}

// Init installs a tint-backed slog default logger at the given verbosity
// and returns it for callers that want an explicit reference instead of
// reaching for slog.Default().
func Init(v Verbosity) *slog.Logger {
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      v.level(),
		TimeFormat: time.TimeOnly,
	}))
	slog.SetDefault(logger)
	return logger
}

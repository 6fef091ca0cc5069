package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide structured logger. It defaults to JSON on stderr
// at info level until InitLogger is called.
var Logger = zerolog.New(os.Stderr).Level(zerolog.InfoLevel).With().Timestamp().Logger()

// InitLogger configures Logger for interactive use. Verbose enables debug.
func InitLogger(verbose bool) {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	Logger = newConsole(os.Stderr, level)
}

// InitJSONLogger configures Logger to emit JSON lines to w, for services.
func InitJSONLogger(w io.Writer, level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	Logger = zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

func newConsole(w io.Writer, level zerolog.Level) zerolog.Logger {
	out := zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

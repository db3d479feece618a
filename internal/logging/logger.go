// Package logging wraps zerolog for rowmerge.
//
// Components receive a *zerolog.Logger through their options and fall back
// to Default. Recoverable conditions in the reconciliation core (empty rank
// tables, malformed identity hex, undo-id conflicts) surface only here.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

// EnvLevel is consulted when no level flag is given.
const EnvLevel = "ROWMERGE_LOG_LEVEL"

var (
	defaultMu     sync.RWMutex
	defaultLogger = zerolog.New(os.Stderr).With().Timestamp().Logger()
)

// Config controls how New builds a logger.
type Config struct {
	// Level is one of trace, debug, info, warn, error, disabled.
	Level string

	// Format is console, json or auto (console on a terminal).
	Format string

	// Output is stderr, stdout, discard or a file path.
	Output string

	NoColor bool

	// Fields are attached to every event.
	Fields map[string]string
}

// Default returns the process-wide logger.
func Default() *zerolog.Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	l := defaultLogger
	return &l
}

// SetDefault replaces the process-wide logger.
func SetDefault(l zerolog.Logger) {
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
}

// Nop returns a logger that discards everything.
func Nop() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}

// New builds a logger from cfg. The returned closer releases a log file
// when Output names one and is a no-op otherwise.
func New(cfg Config) (zerolog.Logger, func() error) {
	out, closer := openOutput(cfg.Output)

	var w io.Writer = out
	if useConsole(cfg.Format, out) {
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen, NoColor: cfg.NoColor}
	}

	lc := zerolog.New(w).Level(ParseLevel(cfg.Level)).With().Timestamp()
	for k, v := range cfg.Fields {
		lc = lc.Str(k, v)
	}
	return lc.Logger(), closer
}

// ParseLevel maps a level name to a zerolog level. Unknown names mean info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "disabled", "off", "none":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// ResolveLevel applies the flag precedence used by the CLI: an explicit
// level wins, then --verbose, then --quiet, then the environment.
func ResolveLevel(explicit string, verbose, quiet bool) string {
	switch {
	case explicit != "":
		return explicit
	case verbose:
		return "debug"
	case quiet:
		return "warn"
	}
	if env := os.Getenv(EnvLevel); env != "" {
		return env
	}
	return "info"
}

func openOutput(output string) (io.Writer, func() error) {
	noop := func() error { return nil }
	switch strings.ToLower(output) {
	case "", "stderr":
		return os.Stderr, noop
	case "stdout":
		return os.Stdout, noop
	case "discard", "none":
		return io.Discard, noop
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return os.Stderr, noop
	}
	return f, f.Close
}

func useConsole(format string, out io.Writer) bool {
	switch strings.ToLower(format) {
	case "console", "pretty":
		return true
	case "json":
		return false
	}
	f, ok := out.(*os.File)
	return ok && isatty.IsTerminal(f.Fd())
}

// Package debug holds the process-wide verbosity switches.
package debug

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

var (
	enabled     = os.Getenv("PROMOTE_DEBUG") != ""
	verboseMode = false
	quietMode   = false

	outMu  sync.Mutex
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

func Enabled() bool {
	return enabled || verboseMode
}

// SetVerbose enables verbose/debug output
func SetVerbose(verbose bool) {
	verboseMode = verbose
}

// SetQuiet enables quiet mode (suppress non-essential output)
func SetQuiet(quiet bool) {
	quietMode = quiet
}

// IsQuiet returns true if quiet mode is enabled
func IsQuiet() bool {
	return quietMode
}

// SetOutput redirects normal and debug output. A nil writer leaves that
// stream unchanged. It returns a func restoring the previous writers.
func SetOutput(out, errOut io.Writer) (restore func()) {
	outMu.Lock()
	defer outMu.Unlock()
	prevOut, prevErr := stdout, stderr
	if out != nil {
		stdout = out
	}
	if errOut != nil {
		stderr = errOut
	}
	return func() {
		outMu.Lock()
		defer outMu.Unlock()
		stdout, stderr = prevOut, prevErr
	}
}

// Logf writes a trace line to stderr when PROMOTE_DEBUG is set or verbose
// mode is on.
func Logf(format string, args ...interface{}) {
	if !Enabled() {
		return
	}
	outMu.Lock()
	defer outMu.Unlock()
	fmt.Fprintf(stderr, format, args...)
}

// PrintNormal prints output unless quiet mode is enabled
func PrintNormal(format string, args ...interface{}) {
	if quietMode {
		return
	}
	outMu.Lock()
	defer outMu.Unlock()
	fmt.Fprintf(stdout, format, args...)
}

// PrintlnNormal prints a line unless quiet mode is enabled
func PrintlnNormal(args ...interface{}) {
	if quietMode {
		return
	}
	outMu.Lock()
	defer outMu.Unlock()
	fmt.Fprintln(stdout, args...)
}

// LogLevel maps the current switches onto a slog level: debug when verbose,
// warn when quiet, info otherwise.
func LogLevel() slog.Level {
	switch {
	case Enabled():
		return slog.LevelDebug
	case quietMode:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

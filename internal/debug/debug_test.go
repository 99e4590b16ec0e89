package debug

import (
	"bytes"
	"log/slog"
	"testing"
)

func TestEnabled(t *testing.T) {
	tests := []struct {
		name    string
		env     bool
		verbose bool
		want    bool
	}{
		{"env set", true, false, true},
		{"verbose flag", false, true, true},
		{"neither", false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			oldEnabled, oldVerbose := enabled, verboseMode
			defer func() { enabled, verboseMode = oldEnabled, oldVerbose }()

			enabled = tt.env
			verboseMode = tt.verbose

			if got := Enabled(); got != tt.want {
				t.Errorf("Enabled() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLogf(t *testing.T) {
	tests := []struct {
		name       string
		enabled    bool
		wantOutput string
	}{
		{"outputs when enabled", true, "github: GET /x\n"},
		{"no output when disabled", false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			oldEnabled, oldVerbose := enabled, verboseMode
			defer func() { enabled, verboseMode = oldEnabled, oldVerbose }()
			enabled = tt.enabled
			verboseMode = false

			var buf bytes.Buffer
			restore := SetOutput(nil, &buf)
			defer restore()

			Logf("github: %s %s\n", "GET", "/x")

			if got := buf.String(); got != tt.wantOutput {
				t.Errorf("Logf() output = %q, want %q", got, tt.wantOutput)
			}
		})
	}
}

func TestSetQuietAndIsQuiet(t *testing.T) {
	oldQuiet := quietMode
	defer func() { quietMode = oldQuiet }()

	quietMode = false
	if IsQuiet() {
		t.Error("IsQuiet() should be false initially")
	}

	SetQuiet(true)
	if !IsQuiet() {
		t.Error("IsQuiet() should be true after SetQuiet(true)")
	}
}

func TestPrintNormal(t *testing.T) {
	oldQuiet := quietMode
	defer func() { quietMode = oldQuiet }()

	var buf bytes.Buffer
	restore := SetOutput(&buf, nil)
	defer restore()

	quietMode = false
	PrintNormal("promoted %s\n", "testing")
	PrintlnNormal("done", "ok")

	quietMode = true
	PrintNormal("hidden\n")
	PrintlnNormal("hidden")

	if got, want := buf.String(), "promoted testing\ndone ok\n"; got != want {
		t.Errorf("output = %q, want %q", got, want)
	}
}

func TestSetOutputRestore(t *testing.T) {
	var first, second bytes.Buffer
	restoreFirst := SetOutput(&first, nil)
	restoreSecond := SetOutput(&second, nil)

	PrintlnNormal("a")
	restoreSecond()
	PrintlnNormal("b")
	restoreFirst()

	if second.String() != "a\n" {
		t.Errorf("second = %q, want %q", second.String(), "a\n")
	}
	if first.String() != "b\n" {
		t.Errorf("first = %q, want %q", first.String(), "b\n")
	}
}

func TestLogLevel(t *testing.T) {
	oldEnabled, oldVerbose, oldQuiet := enabled, verboseMode, quietMode
	defer func() { enabled, verboseMode, quietMode = oldEnabled, oldVerbose, oldQuiet }()

	enabled, verboseMode, quietMode = false, false, false
	if got := LogLevel(); got != slog.LevelInfo {
		t.Errorf("LogLevel() = %v, want info", got)
	}

	quietMode = true
	if got := LogLevel(); got != slog.LevelWarn {
		t.Errorf("LogLevel() quiet = %v, want warn", got)
	}

	verboseMode = true
	if got := LogLevel(); got != slog.LevelDebug {
		t.Errorf("LogLevel() verbose = %v, want debug", got)
	}
}

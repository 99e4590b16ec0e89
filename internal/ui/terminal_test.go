package ui

import (
	"testing"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

func TestShouldUseColor(t *testing.T) {
	tests := []struct {
		name            string
		noColor         string
		cliColor        string
		cliColorForce   string
		wantColor       bool
		skipTTYDepCheck bool // Some tests don't depend on TTY state
	}{
		{
			name:            "NO_COLOR disables color",
			noColor:         "1",
			wantColor:       false,
			skipTTYDepCheck: true,
		},
		{
			name:      "nothing set follows the terminal",
			wantColor: false, // depends on TTY, but we're in test = no TTY
		},
		{
			name:            "CLICOLOR=0 disables color",
			cliColor:        "0",
			wantColor:       false,
			skipTTYDepCheck: true,
		},
		{
			name:            "CLICOLOR_FORCE enables color even in non-TTY",
			cliColorForce:   "1",
			wantColor:       true,
			skipTTYDepCheck: true,
		},
		{
			name:            "NO_COLOR takes precedence over CLICOLOR_FORCE",
			noColor:         "1",
			cliColorForce:   "1",
			wantColor:       false,
			skipTTYDepCheck: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("NO_COLOR", tt.noColor)
			t.Setenv("CLICOLOR", tt.cliColor)
			t.Setenv("CLICOLOR_FORCE", tt.cliColorForce)

			got := ShouldUseColor()
			if tt.skipTTYDepCheck && got != tt.wantColor {
				t.Errorf("ShouldUseColor() = %v, want %v", got, tt.wantColor)
			}
		})
	}
}

func TestConfigureColor(t *testing.T) {
	orig := lipgloss.ColorProfile()
	t.Cleanup(func() { lipgloss.SetColorProfile(orig) })

	t.Setenv("NO_COLOR", "1")
	ConfigureColor()
	if got := lipgloss.ColorProfile(); got != termenv.Ascii {
		t.Errorf("profile with NO_COLOR = %v, want Ascii", got)
	}

	t.Setenv("NO_COLOR", "")
	t.Setenv("CLICOLOR_FORCE", "1")
	ConfigureColor()
	if got := lipgloss.ColorProfile(); got == termenv.Ascii {
		t.Error("profile with CLICOLOR_FORCE is Ascii, want a colour profile")
	}
}

func TestIsTerminal(t *testing.T) {
	got := IsTerminal()
	t.Logf("IsTerminal() = %v (expected false in test environment)", got)
}

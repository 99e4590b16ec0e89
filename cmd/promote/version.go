package main

import (
	"fmt"
	"runtime/debug"
)

var (
	// Version is the current version of promote (overridden by ldflags at build time)
	Version = "0.3.0"
	// Build can be set via ldflags at compile time
	Build = "dev"
	// Commit is the git revision the binary was built from (optional ldflag)
	Commit = ""
)

func resolveCommitHash() string {
	if Commit != "" {
		return Commit
	}

	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			if setting.Key == "vcs.revision" && setting.Value != "" {
				return setting.Value
			}
		}
	}

	return ""
}

func shortCommit(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}

// FullVersionString returns the version with build and commit.
// Format: "0.3.0 (dev: 280fbcf9a253)" or "0.3.0 (release)"
func FullVersionString() string {
	if commit := resolveCommitHash(); commit != "" {
		return fmt.Sprintf("%s (%s: %s)", Version, Build, shortCommit(commit))
	}
	return fmt.Sprintf("%s (%s)", Version, Build)
}

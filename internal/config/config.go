// Package config loads promoter settings from .promote.yaml, the user config
// directory and PROMOTE_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/profianinc/promote/internal/resolver"
)

// ProjectConfigName is looked up in the working directory and its parents.
const ProjectConfigName = ".promote.yaml"

// Config keys.
const (
	KeyRegistry          = "registry"
	KeyManifestRoot      = "manifest-root"
	KeyMainBranch        = "main-branch"
	KeyRemote            = "remote"
	KeyRCMarker          = "rc-marker"
	KeyHighest           = "highest"
	KeyChecksPR          = "checks.pr"
	KeyChecksDeploy      = "checks.deploy"
	KeyMaxWait           = "checks.max-wait"
	KeyPollInterval      = "checks.poll-interval"
	KeyMergeMethod       = "merge-method"
	KeyAPIURL            = "github.api-url"
	KeyToken             = "github.token"
	KeyAppID             = "app.id"
	KeyInstallationID    = "app.installation-id"
	KeyAppPrivateKey     = "app.private-key"
	KeyAppPrivateKeyFile = "app.private-key-file"
	KeyJSON              = "json"
)

var v *viper.Viper

// validMergeMethods mirrors the merge_method values GitHub accepts.
var validMergeMethods = map[string]bool{
	"merge":  true,
	"squash": true,
	"rebase": true,
}

// Initialize sets up the viper configuration singleton.
// Should be called once at application startup.
func Initialize() error {
	return InitializeFrom("")
}

// InitializeFrom is Initialize with an explicit config file. An empty path
// falls back to discovery: .promote.yaml in the working directory or any
// parent, then $XDG_CONFIG_HOME/promote/config.yaml.
func InitializeFrom(path string) error {
	v = viper.New()
	v.SetConfigType("yaml")

	if path == "" {
		path = discoverConfigFile()
	}
	if path != "" {
		v.SetConfigFile(path)
	}

	// PROMOTE_CHECKS_MAX_WAIT -> checks.max-wait
	v.SetEnvPrefix("PROMOTE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Names used by the release workflows before the PROMOTE_ prefix existed.
	_ = v.BindEnv(KeyToken, "PROMOTE_GITHUB_TOKEN", "GITHUB_TOKEN")
	_ = v.BindEnv(KeyInstallationID, "PROMOTE_APP_INSTALLATION_ID", "PROMOTE_INSTALLATION_ID")

	setDefaults()

	if path != "" {
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading config file %s: %w", path, err)
		}
	}
	return nil
}

func setDefaults() {
	v.SetDefault(KeyRegistry, "ghcr.io/profianinc")
	v.SetDefault(KeyManifestRoot, "apps")
	v.SetDefault(KeyMainBranch, "main")
	v.SetDefault(KeyRemote, "origin")
	v.SetDefault(KeyRCMarker, "-rc")
	v.SetDefault(KeyHighest, "")
	v.SetDefault(KeyChecksPR, []string{})
	v.SetDefault(KeyChecksDeploy, []string{})
	v.SetDefault(KeyMaxWait, 10*time.Minute)
	v.SetDefault(KeyPollInterval, 10*time.Second)
	v.SetDefault(KeyMergeMethod, "merge")
	v.SetDefault(KeyAPIURL, "https://api.github.com")
	v.SetDefault(KeyToken, "")
	v.SetDefault(KeyAppID, "")
	v.SetDefault(KeyInstallationID, int64(0))
	v.SetDefault(KeyAppPrivateKey, "")
	v.SetDefault(KeyAppPrivateKeyFile, "")
	v.SetDefault(KeyJSON, false)
}

func discoverConfigFile() string {
	if cwd, err := os.Getwd(); err == nil {
		for dir := cwd; ; {
			candidate := filepath.Join(dir, ProjectConfigName)
			if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
				return candidate
			}
			parent := filepath.Dir(dir)
			if parent == dir {
				break
			}
			dir = parent
		}
	}

	if dir, err := os.UserConfigDir(); err == nil {
		candidate := filepath.Join(dir, "promote", "config.yaml")
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

// ResetForTesting drops the singleton so the next Initialize starts clean.
func ResetForTesting() {
	v = nil
}

// ConfigFileUsed returns the path of the loaded config file, if any.
func ConfigFileUsed() string {
	if v == nil {
		return ""
	}
	return v.ConfigFileUsed()
}

// GetString retrieves a string configuration value
func GetString(key string) string {
	if v == nil {
		return ""
	}
	return v.GetString(key)
}

// GetBool retrieves a boolean configuration value
func GetBool(key string) bool {
	if v == nil {
		return false
	}
	return v.GetBool(key)
}

// GetInt64 retrieves an integer configuration value
func GetInt64(key string) int64 {
	if v == nil {
		return 0
	}
	return v.GetInt64(key)
}

// GetDuration retrieves a duration configuration value
func GetDuration(key string) time.Duration {
	if v == nil {
		return 0
	}
	return v.GetDuration(key)
}

// GetStringSlice retrieves a list value. Environment variables carry lists
// comma separated ("lint,test"); blank entries are dropped.
func GetStringSlice(key string) []string {
	if v == nil {
		return nil
	}
	var out []string
	for _, item := range v.GetStringSlice(key) {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Set sets a configuration value, overriding file and environment.
func Set(key string, value interface{}) {
	if v != nil {
		v.Set(key, value)
	}
}

// AllSettings returns every resolved setting.
func AllSettings() map[string]interface{} {
	if v == nil {
		return map[string]interface{}{}
	}
	return v.AllSettings()
}

// GetMergeMethod returns the normalized merge method.
//
// Config key: merge-method
// Valid values: merge, squash, rebase
func GetMergeMethod() string {
	return strings.ToLower(strings.TrimSpace(GetString(KeyMergeMethod)))
}

// AppPrivateKey returns the PEM contents of the GitHub App key, read from
// app.private-key-file when app.private-key is empty.
func AppPrivateKey() ([]byte, error) {
	if pem := GetString(KeyAppPrivateKey); strings.TrimSpace(pem) != "" {
		return []byte(pem), nil
	}
	path := GetString(KeyAppPrivateKeyFile)
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path) // #nosec G304 - path comes from operator config
	if err != nil {
		return nil, fmt.Errorf("read app private key: %w", err)
	}
	return data, nil
}

// Ceiling returns the highest environment a run may reach regardless of
// the trigger, or "" when uncapped.
//
// Config key: highest
// Valid values: testing, staging, production
func Ceiling() resolver.Environment {
	env, err := resolver.ParseEnvironment(GetString(KeyHighest))
	if err != nil {
		return ""
	}
	return env
}

// UsesApp reports whether a GitHub App identity is configured.
func UsesApp() bool {
	return GetString(KeyAppID) != ""
}

// Validate returns a human-readable list of configuration problems.
// An empty result means the configuration is usable.
func Validate() []string {
	var problems []string

	if !validMergeMethods[GetMergeMethod()] {
		problems = append(problems, fmt.Sprintf("%s: invalid value %q (valid: merge, squash, rebase)", KeyMergeMethod, GetString(KeyMergeMethod)))
	}
	if d := GetDuration(KeyMaxWait); d <= 0 {
		problems = append(problems, fmt.Sprintf("%s: must be positive, got %s", KeyMaxWait, d))
	}
	if d := GetDuration(KeyPollInterval); d <= 0 {
		problems = append(problems, fmt.Sprintf("%s: must be positive, got %s", KeyPollInterval, d))
	}
	if strings.TrimSpace(GetString(KeyRegistry)) == "" {
		problems = append(problems, fmt.Sprintf("%s: must not be empty", KeyRegistry))
	}
	if strings.TrimSpace(GetString(KeyMainBranch)) == "" {
		problems = append(problems, fmt.Sprintf("%s: must not be empty", KeyMainBranch))
	}

	if highest := GetString(KeyHighest); strings.TrimSpace(highest) != "" {
		if _, err := resolver.ParseEnvironment(highest); err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", KeyHighest, err))
		}
	}

	hasKey := GetString(KeyAppPrivateKey) != "" || GetString(KeyAppPrivateKeyFile) != ""
	switch {
	case UsesApp():
		if !hasKey {
			problems = append(problems, fmt.Sprintf("%s is set but neither %s nor %s is", KeyAppID, KeyAppPrivateKey, KeyAppPrivateKeyFile))
		}
		if GetInt64(KeyInstallationID) <= 0 {
			problems = append(problems, fmt.Sprintf("%s is set but %s is missing", KeyAppID, KeyInstallationID))
		}
	case hasKey:
		problems = append(problems, fmt.Sprintf("an app private key is configured but %s is not set", KeyAppID))
	}

	return problems
}

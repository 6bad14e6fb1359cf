// Package config provides configuration utilities for the application.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Settings is the viper-backed settings provider consumed by the pipeline:
// the known-asset set and the merge-window/TTL durations.
type Settings struct{}

// NewSettings creates a settings provider reading from the global viper
// configuration.
func NewSettings() *Settings {
	viper.SetDefault("merge.window", 5*time.Minute)
	viper.SetDefault("merge.bucket", time.Minute)
	viper.SetDefault("merge.match_kind", true)
	viper.SetDefault("dedup.ttl", 3*time.Minute)
	viper.SetDefault("analyzer.timeout", 15*time.Second)

	return &Settings{}
}

// KnownAssets returns the user-curated set of canonical account and asset
// display names.
func (s *Settings) KnownAssets() map[string]struct{} {
	names := viper.GetStringSlice("assets.known")
	set := make(map[string]struct{}, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name != "" {
			set[name] = struct{}{}
		}
	}
	return set
}

// MergeWindow returns how long a bill record stays open for further merges.
func (s *Settings) MergeWindow() time.Duration {
	return viper.GetDuration("merge.window")
}

// TimeBucket returns the fingerprint time bucket width.
func (s *Settings) TimeBucket() time.Duration {
	return viper.GetDuration("merge.bucket")
}

// MatchKind reports whether transaction kind participates in the fingerprint.
func (s *Settings) MatchKind() bool {
	return viper.GetBool("merge.match_kind")
}

// DedupTTL returns the raw-digest cache time-to-live.
func (s *Settings) DedupTTL() time.Duration {
	return viper.GetDuration("dedup.ttl")
}

// AnalyzerTimeout returns the per-request analyzer deadline.
func (s *Settings) AnalyzerTimeout() time.Duration {
	return viper.GetDuration("analyzer.timeout")
}

// ExpandPath expands ~ and environment variables in a file path.
// It handles both ~ for home directory and $VAR style environment variables.
func ExpandPath(path string) string {
	if path == "" {
		return path
	}

	// First expand tilde if present
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, path[2:])
		}
	} else if path == "~" {
		home, err := os.UserHomeDir()
		if err == nil {
			path = home
		}
	}

	// Then expand environment variables
	return os.ExpandEnv(path)
}

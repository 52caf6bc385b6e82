// Package version holds build-time version info injected via ldflags.
//
// Set at compile time:
//
//	go build -ldflags "-X github.com/hanogt/secbot/pkg/version.tag=v1.0.0
//	  -X github.com/hanogt/secbot/pkg/version.commit=abc1234
//	  -X github.com/hanogt/secbot/pkg/version.date=2026-01-01"
package version

import "runtime"

// Populated by -ldflags "-X ...". Defaults are used for local dev builds.
var (
	tag    = ""        // git tag (e.g. "v0.2.0"), empty if not on a tag
	commit = "unknown" // short git commit SHA
	date   = "unknown" // build date (ISO 8601)
)

// Info is the build description printed by the version command.
type Info struct {
	Version   string `json:"version" yaml:"version"`
	Commit    string `json:"commit" yaml:"commit"`
	Date      string `json:"date" yaml:"date"`
	GoVersion string `json:"go_version" yaml:"go_version"`
	Rules     int    `json:"rules,omitempty" yaml:"rules,omitempty"` // compiled scanner rules
}

// Get returns the build info. Rules is left for the caller to fill.
func Get() Info {
	return Info{
		Version:   String(),
		Commit:    commit,
		Date:      date,
		GoVersion: runtime.Version(),
	}
}

// String returns a human-readable version string.
//
//	Tagged:   "v0.2.0"
//	Untagged: "abc1234"
//	Dev:      "dev"
func String() string {
	if tag != "" {
		return tag
	}
	if commit != "unknown" {
		return commit
	}
	return "dev"
}

// Full returns "tag (commit) built date" or a sensible fallback.
func Full() string {
	if tag != "" {
		return tag + " (" + commit + ") built " + date
	}
	if commit != "unknown" {
		return commit + " built " + date
	}
	return "dev"
}

// Package version exposes build metadata injected via -ldflags.
package version

import "strings"

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// String renders version info for banners and --version output. Placeholder
// build values are left out so a dev build prints just "dev".
func String() string {
	out := strings.TrimSpace(Version)
	if out == "" {
		out = "dev"
	}
	if commit := strings.TrimSpace(Commit); commit != "" && commit != "none" {
		out += " commit=" + commit
	}
	if date := strings.TrimSpace(Date); date != "" && date != "unknown" {
		out += " built=" + date
	}
	return out
}

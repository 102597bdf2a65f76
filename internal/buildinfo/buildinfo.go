// Package buildinfo provides build-time information (version, commit, build time)
// reported by the gateway's health endpoint and the version command.
// These variables are injected at build time via -ldflags.
package buildinfo

var (
	// Version is the gateway version (e.g. "v0.1.0" or "dev").
	// Set via: -ldflags "-X github.com/terrpan/gateway/internal/buildinfo.Version=<value>"
	Version = "dev"

	// Commit is the git commit hash (e.g. "abc1234def5678").
	// Set via: -ldflags "-X github.com/terrpan/gateway/internal/buildinfo.Commit=<value>"
	Commit = "unknown"

	// BuildTime is the build timestamp (e.g. "2026-10-15T12:34:56Z").
	// Set via: -ldflags "-X github.com/terrpan/gateway/internal/buildinfo.BuildTime=<value>"
	BuildTime = "unknown"
)

// String formats the build information on one line.
func String() string {
	return Version + " (commit " + Commit + ", built " + BuildTime + ")"
}

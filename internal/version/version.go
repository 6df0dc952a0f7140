// Package version exposes build metadata stamped at link time.
package version

// Set via -ldflags "-X github.com/mvaldes/sitewatch/internal/version.Version=..."
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// Short returns the bare version string.
func Short() string {
	return Version
}

// Info returns a one-line human-readable description of the build.
func Info() string {
	return "sitewatch " + Version + " (" + Commit + ", " + Date + ")"
}

// Map returns the build metadata for health endpoints.
func Map() map[string]string {
	return map[string]string{
		"version": Version,
		"commit":  Commit,
		"date":    Date,
	}
}

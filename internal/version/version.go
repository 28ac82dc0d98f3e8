// Package version contains build version information.
package version

// Version is the application version, set at build time via ldflags.
var Version = "0.0.0-dev"

// GitCommit is the git commit hash.
var GitCommit = "unknown"

// BuildDate is the build date.
var BuildDate = "unknown"

// Package version carries build metadata stamped in via -ldflags.
package version

import "runtime"

var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// String returns the service identity used in startup logs.
func String() string { return "exportd/" + Version }

// GoVersion returns the Go runtime version string.
func GoVersion() string { return runtime.Version() }

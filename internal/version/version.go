// Package version carries build identification, overridden at link time via
// -ldflags.
package version

var (
	// Version is the release version of the pickpoint binary
	Version = "dev"
	// GitSHA is the git commit SHA
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)

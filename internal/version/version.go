// Package version carries build metadata set with -ldflags.
package version

import "fmt"

var (
	Version   = "dev"
	GitSHA    = "unknown"
	BuildTime = "unknown"
)

// String formats the build metadata for -version output.
func String() string {
	return fmt.Sprintf("camctl %s (%s, built %s)", Version, GitSHA, BuildTime)
}

// Package buildinfo exposes the version identity stamped into the
// binary at link time. Release builds pass -ldflags "-X ..." for each
// variable; an unstamped build identifies itself as dev.
package buildinfo

import "fmt"

// Overwritten by the linker in release builds.
var (
	Version   = "dev"
	GitCommit = "unknown"
	GitBranch = "unknown"
	BuildTime = "unknown"
)

// String renders the full identity for the startup banner and
// --version output.
func String() string {
	return fmt.Sprintf("Newsreel %s (%s@%s) built %s", Version, GitCommit, GitBranch, BuildTime)
}

// UserAgent is the User-Agent for outbound HTTP requests. Feed
// operators see it in their access logs; the URL gives them somewhere
// to report crawl problems.
func UserAgent() string {
	return fmt.Sprintf("Newsreel/%s (+https://github.com/nugget/newsreel)", Version)
}

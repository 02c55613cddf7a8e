package version

import "fmt"

var (
	// Version is the semantic version of the binary. Overridden at build time.
	Version = "dev"
	// Commit is the git commit hash. Overridden at build time.
	Commit = "unknown"
	// BuildDate is the build timestamp. Overridden at build time.
	BuildDate = "unknown"
)

// String renders the build information for the version command and the
// user agent of outbound feed requests.
func String() string {
	return fmt.Sprintf("crxpoints %s (commit %s, built %s)", Version, Commit, BuildDate)
}

// UserAgent is the default User-Agent for outbound HTTP.
func UserAgent() string {
	return "crxpoints/" + Version
}

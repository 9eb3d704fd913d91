package version

// Version is set at build time via -ldflags.
var Version = "0.2.0-dev"

// Full returns the human-readable version string.
func Full() string {
	return Version
}

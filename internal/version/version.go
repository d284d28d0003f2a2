// Package version provides build-time version information.
package version

import "runtime/debug"

// version is set at build time via -ldflags "-X vegeta/internal/version.version=...".
var version = "dev" //nolint:gochecknoglobals // ldflags requires package-level var

// String returns the current version. Without ldflags it falls back to the
// module version recorded by `go install`, then to "dev".
func String() string {
	if version != "dev" {
		return version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return version
}

// Package version holds the build information stamped in by the linker:
//
//	go build -ldflags "-X github.com/bdobrica/kotoba/common/version.Version=v1.2.0"
package version

import "fmt"

var (
	Version   = "v0.0.0-dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Info returns the one-line form used by the version command.
func Info() string {
	return fmt.Sprintf("%s (%s) built at %s", Version, GitCommit, BuildTime)
}

// Banner returns the multi-line startup banner for the named binary.
func Banner(name string) string {
	return fmt.Sprintf("%s\nVersion: %s\nCommit: %s\nBuild Time: %s\n", name, Version, GitCommit, BuildTime)
}

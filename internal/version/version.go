// Package version provides the build version, set at link time:
//
//	go build -ldflags "-X github.com/effective-security/xwallet/internal/version.Version=v1.0.0"
package version

import "fmt"

var (
	// Version is the semantic version of the build
	Version = "v0.0.0"
	// Commit is the git commit hash
	Commit = "dev"
)

// Info describes the build
type Info struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// Current returns the build info
func Current() Info {
	return Info{
		Version: Version,
		Commit:  Commit,
	}
}

func (v Info) String() string {
	return fmt.Sprintf("%s (%s)", v.Version, v.Commit)
}

// Package version exposes build metadata stamped via -ldflags.
package version

import (
	"fmt"
	"runtime"
)

// Set at build time:
//
//	go build -ldflags "-X .../internal/version.VersionTag=v0.3.0 \
//	  -X .../internal/version.CommitHash=$(git rev-parse --short HEAD)"
var (
	VersionTag = "dev"
	CommitHash = "unknown"
	BuildTime  = "unknown"
)

// Info is the resolved build metadata.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
	Platform  string `json:"platform"`
	GoVersion string `json:"go_version"`
}

// Get returns the build metadata for the running binary.
func Get() Info {
	return Info{
		Version:   VersionTag,
		Commit:    CommitHash,
		BuildTime: BuildTime,
		Platform:  fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
		GoVersion: runtime.Version(),
	}
}

func (i Info) String() string {
	return fmt.Sprintf("opsportal %s (%s, built %s)", i.Version, i.Commit, i.BuildTime)
}

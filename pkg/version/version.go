// Package version carries build information set via -ldflags, falling back
// to the VCS stamp Go embeds in the binary.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Info is the resolved build information.
type Info struct {
	Version   string `json:"version"`
	GitCommit string `json:"commit"`
	BuildTime string `json:"built"`
	Go        string `json:"go"`
}

// Get resolves build information. Values set via -ldflags win over the
// embedded VCS stamp.
func Get() Info {
	info := Info{Version: Version, GitCommit: GitCommit, BuildTime: BuildTime, Go: runtime.Version()}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if info.GitCommit == "unknown" && len(s.Value) >= 7 {
				info.GitCommit = s.Value[:7]
			}
		case "vcs.time":
			if info.BuildTime == "unknown" {
				info.BuildTime = s.Value
			}
		}
	}
	return info
}

func GetVersionInfo() string {
	i := Get()
	return fmt.Sprintf("vsess version %s (commit: %s, built: %s, go: %s)",
		i.Version, i.GitCommit, i.BuildTime, i.Go)
}

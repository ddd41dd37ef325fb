// Package version exposes the build identity of the running binary.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

// Set via ldflags on release builds; anything left empty is resolved from
// the binary's embedded build metadata, and dev fallbacks fill the rest.
var (
	Version   = ""
	Revision  = ""
	BuildDate = ""
)

const devVersion = "0.1.0-dev"

func init() {
	if info, ok := debug.ReadBuildInfo(); ok && info != nil {
		fromBuildInfo(info)
	}
	if Version == "" {
		Version = devVersion
	}
	if Revision == "" {
		Revision = "unknown"
	}
}

// fromBuildInfo fills the fields ldflags left empty from the module version
// and the VCS stamps.
func fromBuildInfo(info *debug.BuildInfo) {
	if Version == "" {
		if v := info.Main.Version; v != "" && v != "(devel)" {
			Version = strings.TrimPrefix(v, "v")
		}
	}

	var revision string
	var dirty bool
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		case "vcs.time":
			if BuildDate == "" {
				BuildDate = s.Value
			}
		}
	}

	if Revision == "" && revision != "" {
		if len(revision) > 12 {
			revision = revision[:12]
		}
		if dirty {
			revision += "-dirty"
		}
		Revision = revision
	}
}

// Short returns the bare version - `0.1.0`.
func Short() string {
	return Version
}

// Detailed returns version, revision and platform, for --version output.
func Detailed() string {
	return fmt.Sprintf("%s (%s, %s, %s/%s)", Version, Revision, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

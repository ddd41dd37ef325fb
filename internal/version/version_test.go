package version

import (
	"runtime/debug"
	"testing"

	"github.com/stretchr/testify/assert"
)

func resetAfter(t *testing.T) {
	t.Helper()
	origVersion, origRevision, origBuildDate := Version, Revision, BuildDate
	t.Cleanup(func() {
		Version, Revision, BuildDate = origVersion, origRevision, origBuildDate
	})
}

func TestVersionStrings_NonEmptyAndContainParts(t *testing.T) {
	assert.NotEmpty(t, Version)
	assert.NotEmpty(t, Revision)

	assert.Equal(t, Version, Short())

	detailed := Detailed()
	assert.Contains(t, detailed, Version)
	assert.Contains(t, detailed, Revision)
	assert.Contains(t, detailed, "/") // GOOS/GOARCH part
}

func TestFromBuildInfo_FillsEmptyFields(t *testing.T) {
	resetAfter(t)
	Version, Revision, BuildDate = "", "", ""

	fromBuildInfo(&debug.BuildInfo{
		Main: debug.Module{Version: "v9.9.9"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "abcdef1234567890"},
			{Key: "vcs.modified", Value: "true"},
			{Key: "vcs.time", Value: "2025-12-12T01:00:00Z"},
		},
	})

	assert.Equal(t, "9.9.9", Version)
	assert.Equal(t, "abcdef123456-dirty", Revision, "revision is truncated and flagged dirty")
	assert.Equal(t, "2025-12-12T01:00:00Z", BuildDate)
}

func TestFromBuildInfo_DoesNotOverrideLdflags(t *testing.T) {
	resetAfter(t)
	Version, Revision, BuildDate = "1.2.3", "deadbeef", "from-ldflags"

	fromBuildInfo(&debug.BuildInfo{
		Main: debug.Module{Version: "v9.9.9"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "abcdef"},
			{Key: "vcs.time", Value: "2025-12-12T01:00:00Z"},
		},
	})

	assert.Equal(t, "1.2.3", Version)
	assert.Equal(t, "deadbeef", Revision)
	assert.Equal(t, "from-ldflags", BuildDate)
}

func TestFromBuildInfo_IgnoresDevelModuleVersion(t *testing.T) {
	resetAfter(t)
	Version = ""

	fromBuildInfo(&debug.BuildInfo{Main: debug.Module{Version: "(devel)"}})
	assert.Empty(t, Version, "(devel) must not become the version")
}

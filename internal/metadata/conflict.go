package metadata

import (
	"path"
	"strings"
	"time"
)

// maxConflictBasename bounds the basename before the conflict suffix is
// appended, so the final name stays within common filesystem limits.
const maxConflictBasename = 180

const conflictStampLayout = "2006-01-02T15_04_05.000"

// ConflictPath derives the rename target for the losing document of a
// conflict: `<dir>/<base>-conflict-<stamp><ext>` with a filesystem-safe
// UTC timestamp.
func ConflictPath(docPath string, now time.Time) string {
	dir := path.Dir(docPath)
	ext := path.Ext(docPath)
	base := strings.TrimSuffix(path.Base(docPath), ext)
	if len(base) > maxConflictBasename {
		base = base[:maxConflictBasename]
	}

	stamp := now.UTC().Format(conflictStampLayout) + "Z"
	name := base + "-conflict-" + stamp + ext
	if dir == "." {
		return name
	}
	return path.Join(dir, name)
}

// IsConflictPath reports whether a path carries a conflict suffix.
func IsConflictPath(docPath string) bool {
	return strings.Contains(path.Base(docPath), "-conflict-")
}

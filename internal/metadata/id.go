package metadata

import (
	"path"
	"path/filepath"
	"runtime"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// platformFoldsCase is true on filesystems that are case-insensitive but
// case-preserving (APFS/HFS+, NTFS). It is a variable so tests can exercise
// both behaviors on any host.
var platformFoldsCase = runtime.GOOS == "darwin" || runtime.GOOS == "windows"

// NewID derives the journal primary key from a relative path. The key is
// slash-separated, NFC-normalized, and case-folded on platforms whose
// filesystems are case-insensitive. This is the only place where platform
// path semantics enter the engine.
func NewID(relPath string) string {
	id := filepath.ToSlash(relPath)
	id = strings.Trim(path.Clean(id), "/")
	id = norm.NFC.String(id)
	if platformFoldsCase {
		id = strings.ToLower(id)
	}
	return id
}

// ParentID returns the id of the parent folder, or "" for top-level entries.
func ParentID(id string) string {
	dir := path.Dir(id)
	if dir == "." || dir == "/" {
		return ""
	}
	return dir
}

// ReplaceIDPrefix rewrites a descendant id when its ancestor moves from
// oldPrefix to newPrefix.
func ReplaceIDPrefix(id, oldPrefix, newPrefix string) string {
	return newPrefix + strings.TrimPrefix(id, oldPrefix)
}

// ValidPath reports whether a producer-supplied relative path is acceptable:
// non-empty, relative, and not escaping the sync root.
func ValidPath(relPath string) bool {
	p := filepath.ToSlash(relPath)
	if p == "" || path.IsAbs(p) {
		return false
	}
	clean := path.Clean(p)
	return clean != "." && clean != ".." && !strings.HasPrefix(clean, "../")
}

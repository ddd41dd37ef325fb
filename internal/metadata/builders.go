package metadata

import (
	"mime"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// NewFolder builds a folder document for a relative path.
func NewFolder(relPath string, now time.Time) *Document {
	return &Document{
		ID:        NewID(relPath),
		Path:      filepath.FromSlash(relPath),
		DocType:   FolderType,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// NewFile builds a file document for a relative path with its content hash.
func NewFile(relPath, md5sum string, size int64, executable bool, now time.Time) *Document {
	mimeType, class := TypeAndClass(relPath)
	return &Document{
		ID:         NewID(relPath),
		Path:       filepath.FromSlash(relPath),
		DocType:    FileType,
		MD5Sum:     md5sum,
		Size:       size,
		Executable: executable,
		Mime:       mimeType,
		Class:      class,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// TypeAndClass guesses the mime type and its coarse class ("image", "text",
// ...) from the file extension.
func TypeAndClass(relPath string) (string, string) {
	mimeType := mime.TypeByExtension(path.Ext(filepath.ToSlash(relPath)))
	if mimeType == "" {
		return "", ""
	}
	if i := strings.Index(mimeType, ";"); i >= 0 {
		mimeType = mimeType[:i]
	}
	class, _, _ := strings.Cut(mimeType, "/")
	return mimeType, class
}

package metadata

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarkSide_FirstVersion(t *testing.T) {
	doc := &Document{ID: "a.txt", DocType: FileType}
	MarkSide(Local, doc, nil)
	assert.Equal(t, map[Side]int{Local: 1}, doc.Sides)
}

func TestMarkSide_CarriesOtherSide(t *testing.T) {
	prev := &Document{Sides: map[Side]int{Local: 1, Remote: 1}}

	doc := &Document{}
	MarkSide(Remote, doc, prev)
	assert.Equal(t, map[Side]int{Local: 1, Remote: 2}, doc.Sides)

	next := &Document{}
	MarkSide(Local, next, doc)
	assert.Equal(t, map[Side]int{Local: 3, Remote: 2}, next.Sides)
}

func TestUpToDate(t *testing.T) {
	doc := &Document{Sides: map[Side]int{Local: 1, Remote: 2}}
	assert.True(t, doc.UpToDate(Remote))
	assert.False(t, doc.UpToDate(Local))

	both := &Document{Sides: map[Side]int{Local: 2, Remote: 2}}
	assert.True(t, both.UpToDate(Local))
	assert.True(t, both.UpToDate(Remote))
}

func TestDissociate(t *testing.T) {
	doc := &Document{
		Sides:  map[Side]int{Local: 2, Remote: 1},
		Remote: &RemoteInfo{ID: "r1", Rev: "1-abc"},
	}
	doc.Dissociate()
	assert.Nil(t, doc.Remote)
	assert.Equal(t, map[Side]int{Local: 2}, doc.Sides)
}

func TestClone_IsDeep(t *testing.T) {
	doc := &Document{
		ID:     "dir/a",
		Tags:   []string{"x"},
		Sides:  map[Side]int{Local: 1},
		Remote: &RemoteInfo{ID: "r1"},
	}
	c := doc.Clone()
	c.Tags[0] = "y"
	c.Sides[Local] = 9
	c.Remote.ID = "r2"

	assert.Equal(t, "x", doc.Tags[0])
	assert.Equal(t, 1, doc.Sides[Local])
	assert.Equal(t, "r1", doc.Remote.ID)
}

func TestCarryOver(t *testing.T) {
	was := &Document{
		CreatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Tags:      []string{"work"},
		Remote:    &RemoteInfo{ID: "r1", Rev: "3-x"},
		Mime:      "text/plain",
		Class:     "text",
	}
	doc := &Document{MD5Sum: "new"}
	CarryOver(doc, was)

	assert.Equal(t, was.CreatedAt, doc.CreatedAt)
	assert.Equal(t, []string{"work"}, doc.Tags)
	require.NotNil(t, doc.Remote)
	assert.Equal(t, "r1", doc.Remote.ID)
	assert.Equal(t, "text/plain", doc.Mime)
	// content fields stay untouched
	assert.Equal(t, "new", doc.MD5Sum)
}

func TestNewID_NormalizesSeparatorsAndUnicode(t *testing.T) {
	assert.Equal(t, "dir/sub/a.txt", NewID("dir/sub/a.txt"))
	assert.Equal(t, "dir/a.txt", NewID("./dir/a.txt"))

	// NFD "é" (e + combining acute) folds to the NFC form
	nfd := "cafe\u0301.txt"
	nfc := "caf\u00e9.txt"
	assert.Equal(t, NewID(nfc), NewID(nfd))
}

func TestNewID_CaseFolding(t *testing.T) {
	orig := platformFoldsCase
	defer func() { platformFoldsCase = orig }()

	platformFoldsCase = true
	assert.Equal(t, "dir/readme.md", NewID("Dir/README.md"))

	platformFoldsCase = false
	assert.Equal(t, "Dir/README.md", NewID("Dir/README.md"))
}

func TestParentID(t *testing.T) {
	assert.Equal(t, "dir/sub", ParentID("dir/sub/a.txt"))
	assert.Equal(t, "dir", ParentID("dir/sub"))
	assert.Equal(t, "", ParentID("a.txt"))
}

func TestReplaceIDPrefix(t *testing.T) {
	assert.Equal(t, "dir2/a", ReplaceIDPrefix("dir/a", "dir", "dir2"))
	assert.Equal(t, "x/y/sub/f.txt", ReplaceIDPrefix("d/sub/f.txt", "d", "x/y"))
}

func TestValidPath(t *testing.T) {
	assert.True(t, ValidPath("dir/a.txt"))
	assert.False(t, ValidPath(""))
	assert.False(t, ValidPath("/abs/path"))
	assert.False(t, ValidPath("../escape"))
	assert.False(t, ValidPath("."))
}

func TestConflictPath(t *testing.T) {
	now := time.Date(2025, 3, 2, 10, 30, 45, 0, time.UTC)

	got := ConflictPath("dir/report.ods", now)
	assert.Equal(t, "dir/report-conflict-2025-03-02T10_30_45.000Z.ods", got)
	assert.True(t, IsConflictPath(got))

	// no directory component
	got = ConflictPath("a.txt", now)
	assert.Equal(t, "a-conflict-2025-03-02T10_30_45.000Z.txt", got)
}

func TestConflictPath_TruncatesLongBasenames(t *testing.T) {
	long := make([]byte, 300)
	for i := range long {
		long[i] = 'a'
	}
	now := time.Date(2025, 3, 2, 10, 30, 45, 0, time.UTC)

	got := ConflictPath(string(long)+".txt", now)
	base := got[:len(got)-len("-conflict-2025-03-02T10_30_45.000Z.txt")]
	assert.Len(t, base, 180)
}

func TestSameBinary(t *testing.T) {
	a := &Document{MD5Sum: "abc"}
	b := &Document{MD5Sum: "abc"}
	c := &Document{MD5Sum: "def"}
	empty := &Document{}

	assert.True(t, SameBinary(a, b))
	assert.False(t, SameBinary(a, c))
	assert.False(t, SameBinary(empty, empty))
}

func TestNewFile_SetsMimeAndClass(t *testing.T) {
	doc := NewFile("pics/photo.png", "md5", 10, false, time.Now())
	assert.Equal(t, FileType, doc.DocType)
	assert.Equal(t, "image/png", doc.Mime)
	assert.Equal(t, "image", doc.Class)
	assert.Equal(t, NewID("pics/photo.png"), doc.ID)
}

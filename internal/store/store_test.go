package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Peltoche/cozy-desktop/internal/metadata"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(":memory:")
	require.NoError(t, s.Open())
	t.Cleanup(func() { s.Close() })
	return s
}

func fileDoc(relPath, md5sum string) *metadata.Document {
	doc := metadata.NewFile(relPath, md5sum, 42, false, time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC))
	doc.Sides = map[metadata.Side]int{metadata.Local: 1}
	return doc
}

func folderDoc(relPath string) *metadata.Document {
	doc := metadata.NewFolder(relPath, time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC))
	doc.Sides = map[metadata.Side]int{metadata.Local: 1}
	return doc
}

func TestStore_PutAndGet(t *testing.T) {
	s := newTestStore(t)

	doc := fileDoc("dir/a.txt", "md5-a")
	stored, err := s.Put(doc)
	require.NoError(t, err)
	assert.NotEmpty(t, stored.Rev)
	// input doc is not mutated
	assert.Empty(t, doc.Rev)

	got, err := s.Get(stored.ID)
	require.NoError(t, err)
	assert.Equal(t, stored.Rev, got.Rev)
	assert.Equal(t, "md5-a", got.MD5Sum)
	assert.Equal(t, map[metadata.Side]int{metadata.Local: 1}, got.Sides)
}

func TestStore_GetNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_PutCAS(t *testing.T) {
	s := newTestStore(t)

	v1, err := s.Put(fileDoc("a.txt", "h1"))
	require.NoError(t, err)

	// stale rev rejected
	stale := v1.Clone()
	stale.Rev = "1-deadbeef"
	_, err = s.Put(stale)
	assert.ErrorIs(t, err, ErrConflict)

	// empty rev over a live doc rejected
	fresh := fileDoc("a.txt", "h2")
	_, err = s.Put(fresh)
	assert.ErrorIs(t, err, ErrConflict)

	// matching rev accepted, generation bumps
	v2 := v1.Clone()
	v2.MD5Sum = "h2"
	stored, err := s.Put(v2)
	require.NoError(t, err)
	assert.NotEqual(t, v1.Rev, stored.Rev)
}

func TestStore_RecreateOverTombstone(t *testing.T) {
	s := newTestStore(t)

	v1, err := s.Put(fileDoc("a.txt", "h1"))
	require.NoError(t, err)

	tomb := v1.Clone()
	tomb.Deleted = true
	_, err = s.Put(tomb)
	require.NoError(t, err)

	_, err = s.Get(v1.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	// a new doc with an empty rev may take over the id
	revived, err := s.Put(fileDoc("a.txt", "h2"))
	require.NoError(t, err)

	got, err := s.Get(v1.ID)
	require.NoError(t, err)
	assert.Equal(t, revived.Rev, got.Rev)
	assert.Equal(t, "h2", got.MD5Sum)
}

func TestStore_BulkPutAtomicity(t *testing.T) {
	s := newTestStore(t)

	a, err := s.Put(fileDoc("a.txt", "h1"))
	require.NoError(t, err)

	// second doc has a bogus rev: the whole batch must fail
	bogus := fileDoc("b.txt", "h2")
	bogus.Rev = "7-nope"

	tomb := a.Clone()
	tomb.Deleted = true
	_, err = s.BulkPut([]*metadata.Document{tomb, bogus})
	require.ErrorIs(t, err, ErrConflict)

	// a is still live and unchanged
	got, err := s.Get(a.ID)
	require.NoError(t, err)
	assert.False(t, got.Deleted)
	assert.Equal(t, a.Rev, got.Rev)
}

func TestStore_BulkPutCommitsAll(t *testing.T) {
	s := newTestStore(t)

	a, err := s.Put(fileDoc("a.txt", "h1"))
	require.NoError(t, err)

	tomb := a.Clone()
	tomb.Deleted = true
	tomb.MoveTo = metadata.NewID("b.txt")
	moved := fileDoc("b.txt", "h1")

	stored, err := s.BulkPut([]*metadata.Document{tomb, moved})
	require.NoError(t, err)
	require.Len(t, stored, 2)

	_, err = s.Get(a.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := s.Get(moved.ID)
	require.NoError(t, err)
	assert.Equal(t, "h1", got.MD5Sum)
}

func TestStore_ByRecursivePath(t *testing.T) {
	s := newTestStore(t)

	for _, d := range []*metadata.Document{
		folderDoc("dir"),
		fileDoc("dir/b.txt", "h1"),
		folderDoc("dir/sub"),
		fileDoc("dir/sub/c.txt", "h2"),
		fileDoc("dir2/unrelated.txt", "h3"),
		fileDoc("dirx.txt", "h4"),
	} {
		_, err := s.Put(d)
		require.NoError(t, err)
	}

	docs, err := s.ByRecursivePath("dir")
	require.NoError(t, err)

	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		ids = append(ids, d.ID)
	}
	// all depths, ascending, no unrelated siblings sharing the prefix string
	assert.Equal(t, []string{"dir/b.txt", "dir/sub", "dir/sub/c.txt"}, ids)

	all, err := s.ByRecursivePath("")
	require.NoError(t, err)
	assert.Len(t, all, 6)
}

func TestStore_ByChecksum(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Put(fileDoc("a.txt", "same"))
	require.NoError(t, err)
	_, err = s.Put(fileDoc("b.txt", "same"))
	require.NoError(t, err)
	_, err = s.Put(fileDoc("c.txt", "other"))
	require.NoError(t, err)

	docs, err := s.ByChecksum("same")
	require.NoError(t, err)
	assert.Len(t, docs, 2)

	// tombstoned entries drop out of the index
	tomb := docs[0].Clone()
	tomb.Deleted = true
	_, err = s.Put(tomb)
	require.NoError(t, err)

	docs, err = s.ByChecksum("same")
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestStore_PreviousRev(t *testing.T) {
	s := newTestStore(t)

	v1, err := s.Put(fileDoc("note.txt", "h1"))
	require.NoError(t, err)

	v2 := v1.Clone()
	v2.MD5Sum = "h2"
	v2.Sides = map[metadata.Side]int{metadata.Local: 1, metadata.Remote: 2}
	v2, err = s.Put(v2)
	require.NoError(t, err)

	v3 := v2.Clone()
	v3.MD5Sum = "h3"
	v3.Sides = map[metadata.Side]int{metadata.Local: 3, metadata.Remote: 2}
	_, err = s.Put(v3)
	require.NoError(t, err)

	// local fully observed short-rev 1 at v1 only; v2 carries local:1 but
	// remote had already moved past it
	prev, err := s.PreviousRev(v1.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, "h1", prev.MD5Sum)

	// remote fully observed short-rev 2 at v2 only; v3 carries remote:2 but
	// local had already moved past it
	prev, err = s.PreviousRev(v1.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, "h2", prev.MD5Sum)

	_, err = s.PreviousRev(v1.ID, 9)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_Erase(t *testing.T) {
	s := newTestStore(t)

	doc, err := s.Put(fileDoc("a.txt", "h1"))
	require.NoError(t, err)

	require.NoError(t, s.Erase(doc.ID))

	_, err = s.Get(doc.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	// a new document may be created from scratch afterwards
	_, err = s.Put(fileDoc("a.txt", "h2"))
	assert.NoError(t, err)
}

func TestStore_Count(t *testing.T) {
	s := newTestStore(t)

	n, err := s.Count()
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	a, err := s.Put(fileDoc("a.txt", "h1"))
	require.NoError(t, err)
	_, err = s.Put(fileDoc("b.txt", "h2"))
	require.NoError(t, err)

	tomb := a.Clone()
	tomb.Deleted = true
	_, err = s.Put(tomb)
	require.NoError(t, err)

	n, err = s.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

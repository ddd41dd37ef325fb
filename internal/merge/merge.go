// Package merge reconciles semantic change operations from either side
// against the metadata store. It is the only writer of the store: producers
// hand their operations to Prep, which feeds a single Merge consumer, so
// every get-compute-put triple is linearized.
package merge

import (
	"errors"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"time"

	"github.com/Peltoche/cozy-desktop/internal/metadata"
	"github.com/Peltoche/cozy-desktop/internal/store"
)

var (
	// ErrCannotResolve marks a file-vs-folder mismatch on an update, which
	// has no automatic resolution. The operation is logged and skipped.
	ErrCannotResolve = errors.New("cannot resolve file/folder mismatch")

	// ErrInvalidPath rejects producer paths that are absolute, empty, or
	// escape the sync root.
	ErrInvalidPath = errors.New("invalid document path")
)

// ConflictFunc is notified after a conflict rename has been journaled, with
// the side that must perform the physical rename.
type ConflictFunc func(side metadata.Side, from, to *metadata.Document)

// Merge applies semantic operations to the metadata store, enforcing the
// tree invariants and resolving conflicts by rename. Methods are not safe
// for concurrent use; Prep serializes access.
type Merge struct {
	store      *store.Store
	clock      func() time.Time
	onConflict ConflictFunc
}

func New(s *store.Store) *Merge {
	return &Merge{
		store: s,
		clock: time.Now,
	}
}

// OnConflict registers a hook invoked after each conflict rename.
func (m *Merge) OnConflict(fn ConflictFunc) {
	m.onConflict = fn
}

// getExisting reads the live document at id, mapping NotFound to nil.
func (m *Merge) getExisting(id string) (*metadata.Document, error) {
	doc, err := m.store.Get(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return doc, nil
}

// ensureParentExists walks up the dirname chain of doc and synthesizes any
// missing ancestor folder, so children arriving before their parents do not
// break the tree invariant.
func (m *Merge) ensureParentExists(side metadata.Side, doc *metadata.Document) error {
	parentID := metadata.ParentID(doc.ID)
	if parentID == "" {
		return nil
	}

	existing, err := m.getExisting(parentID)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}

	parentPath := path.Dir(filepath.ToSlash(doc.Path))
	folder := metadata.NewFolder(parentPath, m.clock())
	metadata.MarkSide(side, folder, nil)

	if err := m.ensureParentExists(side, folder); err != nil {
		return err
	}

	slog.Debug("merge", "op", "ensureParent", "path", folder.Path, "side", side)
	if _, err := m.store.Put(folder); err != nil {
		return fmt.Errorf("failed to synthesize parent %s: %w", folder.Path, err)
	}
	return nil
}

// dodgeConflict rewrites the incoming document to a conflict path. Used
// when the stored document keeps its place, e.g. a folder blocking a file
// of the same name. The rewritten doc starts a fresh side lineage.
func (m *Merge) dodgeConflict(side metadata.Side, doc *metadata.Document) {
	orig := doc.Clone()
	newPath := metadata.ConflictPath(filepath.ToSlash(doc.Path), m.clock())
	doc.Path = filepath.FromSlash(newPath)
	doc.ID = metadata.NewID(newPath)
	metadata.MarkSide(side, doc, nil)
	slog.Warn("merge conflict", "resolution", "dodge", "side", side, "from", orig.Path, "to", doc.Path)
	if m.onConflict != nil {
		m.onConflict(side, orig, doc)
	}
}

// evictAsConflict moves the stored losing document aside to a conflict path
// in one atomic batch (tombstone with moveTo plus renamed clone), freeing
// its id for the winner. loserSide is the side that already has the losing
// version and must perform the physical rename.
func (m *Merge) evictAsConflict(loserSide metadata.Side, existing *metadata.Document) (*metadata.Document, error) {
	newPath := metadata.ConflictPath(filepath.ToSlash(existing.Path), m.clock())

	renamed := existing.Clone()
	renamed.Rev = ""
	renamed.Path = filepath.FromSlash(newPath)
	renamed.ID = metadata.NewID(newPath)
	renamed.MoveTo = ""
	renamed.Errors = 0
	metadata.MarkSide(loserSide, renamed, existing)

	tomb := existing.Clone()
	tomb.Deleted = true
	tomb.MoveTo = renamed.ID
	tomb.Errors = 0
	metadata.MarkSide(loserSide, tomb, existing)

	if _, err := m.store.BulkPut([]*metadata.Document{tomb, renamed}); err != nil {
		return nil, fmt.Errorf("failed to journal conflict rename of %s: %w", existing.Path, err)
	}

	slog.Warn("merge conflict", "resolution", "evict", "side", loserSide, "from", existing.Path, "to", renamed.Path)
	if m.onConflict != nil {
		m.onConflict(loserSide, existing, renamed)
	}
	return renamed, nil
}

// putNew writes a document that starts (or restarts) the lineage at its id.
func (m *Merge) putNew(side metadata.Side, doc *metadata.Document) error {
	doc.Rev = ""
	if err := m.ensureParentExists(side, doc); err != nil {
		return err
	}
	if _, err := m.store.Put(doc); err != nil {
		return fmt.Errorf("failed to write %s: %w", doc.Path, err)
	}
	return nil
}

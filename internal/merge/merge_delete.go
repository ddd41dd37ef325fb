package merge

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/Peltoche/cozy-desktop/internal/metadata"
)

// DeleteFile tombstones a file deleted on side. Deletions of unknown
// documents, or of documents this side never observed (stale events after a
// conflict), are silently dropped.
func (m *Merge) DeleteFile(side metadata.Side, doc *metadata.Document) error {
	cur, err := m.getExisting(doc.ID)
	if err != nil {
		return err
	}
	if cur == nil || !cur.HasSide(side) {
		slog.Debug("merge", "op", "deleteFile", "side", side, "path", doc.Path, "outcome", "noop")
		return nil
	}

	tomb := cur.Clone()
	tomb.Deleted = true
	tomb.Errors = 0
	metadata.MarkSide(side, tomb, cur)

	slog.Debug("merge", "op", "deleteFile", "side", side, "path", cur.Path)
	if _, err := m.store.Put(tomb); err != nil {
		return fmt.Errorf("failed to tombstone %s: %w", cur.Path, err)
	}
	return nil
}

// DeleteFolder tombstones a folder and its subtree in one atomic batch.
// Descendants the other side updated in the meantime are preserved instead:
// they are dissociated from the remote, and so are their ancestor folders
// up to the deletion root.
func (m *Merge) DeleteFolder(side metadata.Side, doc *metadata.Document) error {
	cur, err := m.getExisting(doc.ID)
	if err != nil {
		return err
	}
	if cur == nil || !cur.HasSide(side) {
		slog.Debug("merge", "op", "deleteFolder", "side", side, "path", doc.Path, "outcome", "noop")
		return nil
	}

	descendants, err := m.store.ByRecursivePath(cur.ID)
	if err != nil {
		return err
	}
	// children before parents, so preservation can propagate upward
	slices.Reverse(descendants)

	preserved := make(map[string]bool)
	batch := make([]*metadata.Document, 0, len(descendants)+1)

	for _, d := range descendants {
		if !d.UpToDate(side) || preserved[d.ID] {
			kept := d.Clone()
			kept.Dissociate()
			kept.Errors = 0
			kept.UpdatedAt = m.clock()
			preserved[metadata.ParentID(d.ID)] = true
			batch = append(batch, kept)
			continue
		}

		tomb := d.Clone()
		tomb.Deleted = true
		tomb.Errors = 0
		metadata.MarkSide(side, tomb, d)
		batch = append(batch, tomb)
	}

	if preserved[cur.ID] {
		kept := cur.Clone()
		kept.Dissociate()
		kept.Errors = 0
		kept.UpdatedAt = m.clock()
		batch = append(batch, kept)
	} else {
		tomb := cur.Clone()
		tomb.Deleted = true
		tomb.Errors = 0
		metadata.MarkSide(side, tomb, cur)
		batch = append(batch, tomb)
	}

	slog.Debug("merge", "op", "deleteFolder", "side", side, "path", cur.Path, "docs", len(batch), "preserved", len(preserved))
	if _, err := m.store.BulkPut(batch); err != nil {
		return fmt.Errorf("failed to tombstone folder %s: %w", cur.Path, err)
	}
	return nil
}

// DeleteDoc dispatches an initial-scan deletion by document kind.
func (m *Merge) DeleteDoc(side metadata.Side, doc *metadata.Document) error {
	switch doc.DocType {
	case metadata.FolderType:
		return m.DeleteFolder(side, doc)
	case metadata.FileType:
		return m.DeleteFile(side, doc)
	default:
		return fmt.Errorf("deleteDoc: unknown docType %q for %s", doc.DocType, doc.Path)
	}
}

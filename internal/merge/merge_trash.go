package merge

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/Peltoche/cozy-desktop/internal/metadata"
)

// TrashFile journals a file moved to the trash: the original id is
// tombstoned while a trashed clone at the trash location stays live, ready
// to be restored or purged.
func (m *Merge) TrashFile(side metadata.Side, was, doc *metadata.Document) error {
	cur, err := m.getExisting(was.ID)
	if err != nil {
		return err
	}
	if cur == nil || !cur.HasSide(side) {
		slog.Debug("merge", "op", "trashFile", "side", side, "path", was.Path, "outcome", "noop")
		return nil
	}

	tomb := cur.Clone()
	tomb.Deleted = true
	tomb.Errors = 0
	metadata.MarkSide(side, tomb, cur)

	trashed := cur.Clone()
	trashed.Rev = ""
	trashed.Path = doc.Path
	trashed.ID = doc.ID
	trashed.Trashed = true
	trashed.Errors = 0
	metadata.MarkSide(side, trashed, cur)

	if err := m.ensureParentExists(side, trashed); err != nil {
		return err
	}

	slog.Debug("merge", "op", "trashFile", "side", side, "from", cur.Path, "to", trashed.Path)
	if _, err := m.store.BulkPut([]*metadata.Document{tomb, trashed}); err != nil {
		return fmt.Errorf("failed to trash %s: %w", cur.Path, err)
	}
	return nil
}

// TrashFolder journals a folder moved to the trash. When any file under it
// was updated on the opposite side in the meantime, the trash is aborted:
// the folder forgets this side's observation and everything stays live.
func (m *Merge) TrashFolder(side metadata.Side, was, doc *metadata.Document) error {
	cur, err := m.getExisting(was.ID)
	if err != nil {
		return err
	}
	if cur == nil || !cur.HasSide(side) {
		slog.Debug("merge", "op", "trashFolder", "side", side, "path", was.Path, "outcome", "noop")
		return nil
	}

	descendants, err := m.store.ByRecursivePath(cur.ID)
	if err != nil {
		return err
	}

	for _, d := range descendants {
		if d.IsFile() && d.Sides[side.Other()] > d.Sides[side] {
			// The other side still cares about this content: undo the
			// trash intent instead of losing it.
			aborted := cur.Clone()
			delete(aborted.Sides, side)
			aborted.Errors = 0
			slog.Info("merge", "op", "trashFolder", "side", side, "path", cur.Path, "outcome", "aborted", "updatedChild", d.Path)
			if _, err := m.store.Put(aborted); err != nil {
				return fmt.Errorf("failed to abort trash of %s: %w", cur.Path, err)
			}
			return nil
		}
	}

	// children before parents
	slices.Reverse(descendants)

	batch := make([]*metadata.Document, 0, len(descendants)+2)
	for _, d := range descendants {
		tomb := d.Clone()
		tomb.Deleted = true
		tomb.Errors = 0
		metadata.MarkSide(side, tomb, d)
		batch = append(batch, tomb)
	}

	tomb := cur.Clone()
	tomb.Deleted = true
	tomb.Errors = 0
	metadata.MarkSide(side, tomb, cur)

	trashed := cur.Clone()
	trashed.Rev = ""
	trashed.Path = doc.Path
	trashed.ID = doc.ID
	trashed.Trashed = true
	trashed.Errors = 0
	metadata.MarkSide(side, trashed, cur)

	batch = append(batch, tomb, trashed)

	if err := m.ensureParentExists(side, trashed); err != nil {
		return err
	}

	slog.Debug("merge", "op", "trashFolder", "side", side, "from", cur.Path, "to", trashed.Path, "docs", len(batch))
	if _, err := m.store.BulkPut(batch); err != nil {
		return fmt.Errorf("failed to trash folder %s: %w", cur.Path, err)
	}
	return nil
}

// RestoreFile brings a trashed file back: the trashed twin is erased from
// the journal (errors ignored), then the restored document is merged as an
// update.
func (m *Merge) RestoreFile(side metadata.Side, was, doc *metadata.Document) error {
	if was != nil {
		if err := m.store.Erase(was.ID); err != nil {
			slog.Warn("merge", "op", "restoreFile", "path", was.Path, "eraseError", err)
		}
	}
	return m.UpdateFile(side, doc)
}

// RestoreFolder is the folder counterpart of RestoreFile.
func (m *Merge) RestoreFolder(side metadata.Side, was, doc *metadata.Document) error {
	if was != nil {
		if err := m.store.Erase(was.ID); err != nil {
			slog.Warn("merge", "op", "restoreFolder", "path", was.Path, "eraseError", err)
		}
	}
	return m.PutFolder(side, doc)
}

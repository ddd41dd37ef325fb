package merge

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/Peltoche/cozy-desktop/internal/metadata"
)

// MoveFile journals a file move as one atomic batch: a tombstone of the
// source carrying moveTo, plus the live document at the destination.
func (m *Merge) MoveFile(side metadata.Side, doc, was *metadata.Document) error {
	if !was.HasSide(side) {
		// The source was never observed on this side; there is nothing to
		// move from its point of view.
		return m.AddFile(side, doc)
	}

	cur, err := m.getExisting(was.ID)
	if err != nil {
		return err
	}
	if cur == nil {
		return m.AddFile(side, doc)
	}

	metadata.CarryOver(doc, cur)
	if doc.MD5Sum == "" {
		doc.MD5Sum = cur.MD5Sum
		doc.Size = cur.Size
	}
	metadata.MarkSide(side, doc, cur)
	doc.Rev = ""

	// An occupied destination forces the moved file onto a conflict path.
	if dst, err := m.getExisting(doc.ID); err != nil {
		return err
	} else if dst != nil {
		m.dodgeConflict(side, doc)
	}

	tomb := cur.Clone()
	tomb.Deleted = true
	tomb.MoveTo = doc.ID
	tomb.Errors = 0
	metadata.MarkSide(side, tomb, cur)

	if err := m.ensureParentExists(side, doc); err != nil {
		return err
	}

	slog.Debug("merge", "op", "moveFile", "side", side, "from", cur.Path, "to", doc.Path)
	if _, err := m.store.BulkPut([]*metadata.Document{tomb, doc}); err != nil {
		return fmt.Errorf("failed to journal move %s -> %s: %w", cur.Path, doc.Path, err)
	}
	return nil
}

// MoveFolder journals a folder move together with its whole subtree in a
// single atomic batch, so an interruption can never leave the tree
// half-moved.
func (m *Merge) MoveFolder(side metadata.Side, doc, was *metadata.Document) error {
	if !was.HasSide(side) {
		return m.PutFolder(side, doc)
	}

	cur, err := m.getExisting(was.ID)
	if err != nil {
		return err
	}
	if cur == nil {
		return m.PutFolder(side, doc)
	}

	metadata.CarryOver(doc, cur)
	metadata.MarkSide(side, doc, cur)
	doc.Rev = ""

	if dst, err := m.getExisting(doc.ID); err != nil {
		return err
	} else if dst != nil {
		m.dodgeConflict(side, doc)
	}

	tomb := cur.Clone()
	tomb.Deleted = true
	tomb.MoveTo = doc.ID
	tomb.Errors = 0
	metadata.MarkSide(side, tomb, cur)

	batch, err := m.moveDescendants(side, cur, doc)
	if err != nil {
		return err
	}
	batch = append([]*metadata.Document{tomb, doc}, batch...)

	if err := m.ensureParentExists(side, doc); err != nil {
		return err
	}

	slog.Debug("merge", "op", "moveFolder", "side", side, "from", cur.Path, "to", doc.Path, "descendants", (len(batch)-2)/2)
	if _, err := m.store.BulkPut(batch); err != nil {
		return fmt.Errorf("failed to journal folder move %s -> %s: %w", cur.Path, doc.Path, err)
	}
	return nil
}

// moveDescendants builds the tombstone/replacement pairs for every document
// under the moving folder, rewriting ids and paths by prefix substitution.
func (m *Merge) moveDescendants(side metadata.Side, was, doc *metadata.Document) ([]*metadata.Document, error) {
	descendants, err := m.store.ByRecursivePath(was.ID)
	if err != nil {
		return nil, err
	}

	wasPath := filepath.ToSlash(was.Path)
	newPath := filepath.ToSlash(doc.Path)

	batch := make([]*metadata.Document, 0, 2*len(descendants))
	for _, child := range descendants {
		newID := metadata.ReplaceIDPrefix(child.ID, was.ID, doc.ID)
		childPath := newPath + strings.TrimPrefix(filepath.ToSlash(child.Path), wasPath)

		moved := child.Clone()
		moved.Rev = ""
		moved.ID = newID
		moved.Path = filepath.FromSlash(childPath)
		moved.Errors = 0
		metadata.MarkSide(side, moved, child)

		childTomb := child.Clone()
		childTomb.Deleted = true
		childTomb.MoveTo = newID
		childTomb.Errors = 0
		metadata.MarkSide(side, childTomb, child)

		batch = append(batch, childTomb, moved)
	}
	return batch, nil
}

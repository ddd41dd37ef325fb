package merge

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/Peltoche/cozy-desktop/internal/metadata"
	"github.com/Peltoche/cozy-desktop/internal/store"
)

// AddFile reconciles a file appearing on side. A brand-new path is simply
// journaled; otherwise the outcome depends on what occupies the id.
func (m *Merge) AddFile(side metadata.Side, doc *metadata.Document) error {
	existing, err := m.getExisting(doc.ID)
	if err != nil {
		return err
	}

	if existing == nil {
		metadata.MarkSide(side, doc, nil)
		slog.Debug("merge", "op", "addFile", "side", side, "path", doc.Path)
		return m.putNew(side, doc)
	}

	switch {
	case existing.IsFolder():
		// A folder holds the id; the incoming file steps aside.
		m.dodgeConflict(side, doc)
		return m.putNew(side, doc)

	case metadata.SameBinary(existing, doc):
		return m.carryForward(side, doc, existing)

	case side == metadata.Local && existing.HasSide(metadata.Local):
		// The process may have been stopped across an update; this add is
		// the first scan seeing the new content.
		return m.resolveInitialAdd(side, doc, existing)

	default:
		// Genuinely different content from a side that never had this
		// version: the stored doc loses and is renamed on the side that
		// has it.
		if _, err := m.evictAsConflict(side.Other(), existing); err != nil {
			return err
		}
		metadata.MarkSide(side, doc, nil)
		return m.putNew(side, doc)
	}
}

// resolveInitialAdd disambiguates a local add over an already-known file:
// it may be a plain update, the echo of a remote-only change, or a true
// divergence.
func (m *Merge) resolveInitialAdd(side metadata.Side, doc, existing *metadata.Document) error {
	if !existing.HasSide(metadata.Remote) {
		// Never reached the remote: just an update.
		return m.updateExisting(side, doc, existing)
	}
	if existing.Sides[metadata.Local] == existing.Sides[metadata.Remote] {
		// Both sides agreed on the previous version: an ordinary local edit.
		return m.updateExisting(side, doc, existing)
	}

	prev, err := m.store.PreviousRev(existing.ID, existing.Sides[metadata.Local])
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if prev != nil && prev.MD5Sum == doc.MD5Sum {
		// The local content is still the version local last observed; only
		// the remote moved. Nothing to merge.
		slog.Debug("merge", "op", "initialAdd", "path", doc.Path, "outcome", "remote-only change")
		return nil
	}

	// Both sides diverged while the process was down. The remote version is
	// preserved under a conflict name; the local content wins the path.
	if _, err := m.evictAsConflict(metadata.Remote, existing); err != nil {
		return err
	}
	metadata.MarkSide(side, doc, nil)
	return m.putNew(side, doc)
}

// UpdateFile reconciles a content change observed on side.
func (m *Merge) UpdateFile(side metadata.Side, doc *metadata.Document) error {
	existing, err := m.getExisting(doc.ID)
	if err != nil {
		return err
	}

	if existing == nil {
		metadata.MarkSide(side, doc, nil)
		slog.Debug("merge", "op", "updateFile", "side", side, "path", doc.Path)
		return m.putNew(side, doc)
	}

	if existing.IsFolder() {
		return fmt.Errorf("%w: update of file %s over a folder", ErrCannotResolve, doc.Path)
	}

	return m.updateExisting(side, doc, existing)
}

// updateExisting writes doc over a known file document, handling the
// same-binary fast path and side arbitration.
func (m *Merge) updateExisting(side metadata.Side, doc, existing *metadata.Document) error {
	if metadata.SameBinary(existing, doc) {
		return m.carryForward(side, doc, existing)
	}

	if !existing.UpToDate(side) {
		// The other side holds a newer version than the one this change was
		// based on: preserve it under a conflict name, then let this
		// version take the path.
		if _, err := m.evictAsConflict(side.Other(), existing); err != nil {
			return err
		}
		metadata.MarkSide(side, doc, nil)
		return m.putNew(side, doc)
	}

	metadata.MarkSide(side, doc, existing)
	metadata.CarryOver(doc, existing)
	doc.Rev = existing.Rev
	slog.Debug("merge", "op", "updateFile", "side", side, "path", doc.Path)
	if _, err := m.store.Put(doc); err != nil {
		return fmt.Errorf("failed to update %s: %w", doc.Path, err)
	}
	return nil
}

// carryForward merges metadata of an identical-content write. When nothing
// user-visible changed, the write is dropped so side counters stay put.
func (m *Merge) carryForward(side metadata.Side, doc, existing *metadata.Document) error {
	metadata.CarryOver(doc, existing)
	if metadata.EquivalentFile(doc, existing) {
		slog.Debug("merge", "op", "addFile", "path", doc.Path, "outcome", "unchanged")
		return nil
	}

	metadata.MarkSide(side, doc, existing)
	doc.Rev = existing.Rev
	if _, err := m.store.Put(doc); err != nil {
		return fmt.Errorf("failed to refresh metadata of %s: %w", doc.Path, err)
	}
	return nil
}

package merge

import (
	"fmt"
	"log/slog"

	"github.com/Peltoche/cozy-desktop/internal/metadata"
)

// PutFolder reconciles a folder appearing or changing on side. Folders have
// no content hash; only location and attributes matter.
func (m *Merge) PutFolder(side metadata.Side, doc *metadata.Document) error {
	existing, err := m.getExisting(doc.ID)
	if err != nil {
		return err
	}

	if existing == nil {
		metadata.MarkSide(side, doc, nil)
		slog.Debug("merge", "op", "putFolder", "side", side, "path", doc.Path)
		return m.putNew(side, doc)
	}

	if existing.IsFile() {
		// A file holds the id; the incoming folder steps aside.
		m.dodgeConflict(side, doc)
		return m.putNew(side, doc)
	}

	metadata.CarryOver(doc, existing)
	if metadata.EquivalentFolder(doc, existing) {
		slog.Debug("merge", "op", "putFolder", "path", doc.Path, "outcome", "unchanged")
		return nil
	}

	metadata.MarkSide(side, doc, existing)
	doc.Rev = existing.Rev
	if _, err := m.store.Put(doc); err != nil {
		return fmt.Errorf("failed to update folder %s: %w", doc.Path, err)
	}
	return nil
}

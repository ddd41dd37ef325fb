package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/Peltoche/cozy-desktop/internal/db"
	"github.com/Peltoche/cozy-desktop/internal/metadata"
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
    id TEXT PRIMARY KEY,
    path TEXT NOT NULL,
    doc_type TEXT NOT NULL,
    rev TEXT NOT NULL,
    md5sum TEXT NOT NULL DEFAULT '',
    size INTEGER NOT NULL DEFAULT 0,
    executable INTEGER NOT NULL DEFAULT 0,
    mime TEXT NOT NULL DEFAULT '',
    class TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    tags TEXT NOT NULL DEFAULT '',
    local_seq INTEGER,
    remote_seq INTEGER,
    remote_id TEXT NOT NULL DEFAULT '',
    remote_rev TEXT NOT NULL DEFAULT '',
    deleted INTEGER NOT NULL DEFAULT 0,
    move_to TEXT NOT NULL DEFAULT '',
    trashed INTEGER NOT NULL DEFAULT 0,
    errors INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_documents_md5sum ON documents(md5sum);
CREATE INDEX IF NOT EXISTS idx_documents_path ON documents(path);

CREATE TABLE IF NOT EXISTS document_revisions (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL,
    path TEXT NOT NULL,
    doc_type TEXT NOT NULL,
    rev TEXT NOT NULL,
    md5sum TEXT NOT NULL DEFAULT '',
    size INTEGER NOT NULL DEFAULT 0,
    executable INTEGER NOT NULL DEFAULT 0,
    mime TEXT NOT NULL DEFAULT '',
    class TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    tags TEXT NOT NULL DEFAULT '',
    local_seq INTEGER,
    remote_seq INTEGER,
    remote_id TEXT NOT NULL DEFAULT '',
    remote_rev TEXT NOT NULL DEFAULT '',
    deleted INTEGER NOT NULL DEFAULT 0,
    move_to TEXT NOT NULL DEFAULT '',
    trashed INTEGER NOT NULL DEFAULT 0,
    errors INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_revisions_id ON document_revisions(id);
`

const docColumns = `id, path, doc_type, rev, md5sum, size, executable, mime, class,
    created_at, updated_at, tags, local_seq, remote_seq, remote_id, remote_rev,
    deleted, move_to, trashed, errors`

const docPlaceholders = `:id, :path, :doc_type, :rev, :md5sum, :size, :executable, :mime, :class,
    :created_at, :updated_at, :tags, :local_seq, :remote_seq, :remote_id, :remote_rev,
    :deleted, :move_to, :trashed, :errors`

// Store is the persistent metadata journal. It keeps one row per document id
// plus an append-only revision history, and is the only durable state of the
// engine. All writes go through Merge; producers only read.
type Store struct {
	db     *sqlx.DB
	dbPath string
}

// New creates a Store backed by an SQLite database at dbPath.
// Use ":memory:" for tests.
func New(dbPath string) *Store {
	return &Store{dbPath: dbPath}
}

// Open the journal and initialize its schema.
func (s *Store) Open() error {
	if s.db != nil {
		return fmt.Errorf("store already open")
	}

	database, err := db.Open(s.dbPath)
	if err != nil {
		return fmt.Errorf("failed to open metadata store: %w", err)
	}

	if _, err := database.Exec(schema); err != nil {
		database.Close()
		return fmt.Errorf("failed to initialize store schema: %w", err)
	}

	s.db = database
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return fmt.Errorf("store not open")
	}
	if err := s.db.Close(); err != nil {
		slog.Error("failed to close metadata store", "error", err)
		return err
	}
	s.db = nil
	return nil
}

// Get retrieves the live document with the given id. Tombstones are treated
// as absent.
func (s *Store) Get(id string) (*metadata.Document, error) {
	var row dbDocument
	err := s.db.Get(&row, "SELECT "+docColumns+" FROM documents WHERE id = ? AND deleted = 0", id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query document %s: %w", id, err)
	}
	return row.toDocument()
}

// GetTombstone retrieves the tombstone at id, if the current row is one.
// The downstream synchronizer reads tombstones to propagate deletions and
// moves to the opposite side.
func (s *Store) GetTombstone(id string) (*metadata.Document, error) {
	var row dbDocument
	err := s.db.Get(&row, "SELECT "+docColumns+" FROM documents WHERE id = ? AND deleted = 1", id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query tombstone %s: %w", id, err)
	}
	return row.toDocument()
}

// Put writes a document, producing a new revision token. The write fails
// with ErrConflict when doc.Rev does not match the stored revision.
func (s *Store) Put(doc *metadata.Document) (*metadata.Document, error) {
	tx, err := s.db.Beginx()
	if err != nil {
		return nil, fmt.Errorf("failed to begin put: %w", err)
	}
	defer tx.Rollback()

	stored, err := putInTx(tx, doc)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit put: %w", err)
	}
	return stored, nil
}

// BulkPut writes several documents atomically: either every document is
// committed or none is. Moves and recursive deletes rely on this to keep a
// tombstone and its replacement in one unit.
func (s *Store) BulkPut(docs []*metadata.Document) ([]*metadata.Document, error) {
	if len(docs) == 0 {
		return nil, nil
	}

	tx, err := s.db.Beginx()
	if err != nil {
		return nil, fmt.Errorf("failed to begin bulk put: %w", err)
	}
	defer tx.Rollback()

	stored := make([]*metadata.Document, 0, len(docs))
	for _, doc := range docs {
		d, err := putInTx(tx, doc)
		if err != nil {
			return nil, fmt.Errorf("bulk put %s: %w", doc.ID, err)
		}
		stored = append(stored, d)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit bulk put: %w", err)
	}
	return stored, nil
}

// ByRecursivePath returns every live descendant of the folder id prefix, at
// all depths, ordered by id ascending. An empty prefix returns the whole
// live tree.
func (s *Store) ByRecursivePath(prefix string) ([]*metadata.Document, error) {
	var rows []dbDocument
	var err error
	if prefix == "" {
		err = s.db.Select(&rows, "SELECT "+docColumns+" FROM documents WHERE deleted = 0 ORDER BY id ASC")
	} else {
		// LIKE folds ASCII case; the substr check keeps the prefix match exact
		err = s.db.Select(&rows,
			"SELECT "+docColumns+" FROM documents WHERE deleted = 0 AND id LIKE ? ESCAPE '\\' AND substr(id, 1, length(?)) = ? ORDER BY id ASC",
			likePrefix(prefix)+"/%", prefix+"/", prefix+"/")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query descendants of %q: %w", prefix, err)
	}
	return toDocuments(rows)
}

// ByChecksum returns the live file documents carrying the given content
// hash. The index may momentarily contain entries whose file was just
// unlinked; callers confirm hits against their own pending state.
func (s *Store) ByChecksum(md5sum string) ([]*metadata.Document, error) {
	var rows []dbDocument
	err := s.db.Select(&rows,
		"SELECT "+docColumns+" FROM documents WHERE deleted = 0 AND doc_type = ? AND md5sum = ? ORDER BY id ASC",
		metadata.FileType, md5sum)
	if err != nil {
		return nil, fmt.Errorf("failed to query checksum %s: %w", md5sum, err)
	}
	return toDocuments(rows)
}

// PreviousRev returns the most recent historical revision of id that some
// side fully observed with short-rev counter shortRev: the side's counter
// matches and no other side had moved past it. This is the version whose
// content that side still holds.
func (s *Store) PreviousRev(id string, shortRev int) (*metadata.Document, error) {
	var row dbDocument
	err := s.db.Get(&row,
		"SELECT "+docColumns+` FROM document_revisions
         WHERE id = ?
           AND ((local_seq = ? AND (remote_seq IS NULL OR remote_seq <= local_seq))
             OR (remote_seq = ? AND (local_seq IS NULL OR local_seq <= remote_seq)))
         ORDER BY seq DESC LIMIT 1`,
		id, shortRev, shortRev)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query revision %d of %s: %w", shortRev, id, err)
	}
	return row.toDocument()
}

// Erase removes a document row entirely, bypassing tombstoning. Used by the
// restore path, where the trashed twin must vanish without a trace.
func (s *Store) Erase(id string) error {
	_, err := s.db.Exec("DELETE FROM documents WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to erase document %s: %w", id, err)
	}
	return nil
}

// Count returns the number of live documents.
func (s *Store) Count() (int, error) {
	var count int
	if err := s.db.Get(&count, "SELECT COUNT(*) FROM documents WHERE deleted = 0"); err != nil {
		return 0, fmt.Errorf("failed to count documents: %w", err)
	}
	return count, nil
}

func putInTx(tx *sqlx.Tx, doc *metadata.Document) (*metadata.Document, error) {
	var currentRev string
	var haveRow, rowDeleted bool

	var row struct {
		Rev     string `db:"rev"`
		Deleted bool   `db:"deleted"`
	}
	err := tx.Get(&row, "SELECT rev, deleted FROM documents WHERE id = ?", doc.ID)
	switch {
	case err == nil:
		haveRow, currentRev, rowDeleted = true, row.Rev, row.Deleted
	case errors.Is(err, sql.ErrNoRows):
	default:
		return nil, fmt.Errorf("failed to read current rev of %s: %w", doc.ID, err)
	}

	switch {
	case !haveRow && doc.Rev != "":
		return nil, fmt.Errorf("%w: %s has no stored revision", ErrConflict, doc.ID)
	case haveRow && doc.Rev != currentRev:
		// Recreating over a tombstone is legal with an empty rev; the new
		// version continues the old lineage.
		if !(rowDeleted && doc.Rev == "") {
			return nil, fmt.Errorf("%w: %s rev mismatch", ErrConflict, doc.ID)
		}
	}

	stored := doc.Clone()
	base := doc.Rev
	if base == "" {
		base = currentRev
	}
	stored.Rev = bumpRev(base)

	data, err := fromDocument(stored)
	if err != nil {
		return nil, err
	}

	if _, err := tx.NamedExec(
		"INSERT OR REPLACE INTO documents ("+docColumns+") VALUES ("+docPlaceholders+")", data); err != nil {
		return nil, fmt.Errorf("failed to write document %s: %w", doc.ID, err)
	}
	if _, err := tx.NamedExec(
		"INSERT INTO document_revisions ("+docColumns+") VALUES ("+docPlaceholders+")", data); err != nil {
		return nil, fmt.Errorf("failed to record revision of %s: %w", doc.ID, err)
	}

	slog.Debug("store put", "id", stored.ID, "rev", stored.Rev, "deleted", stored.Deleted)
	return stored, nil
}

// bumpRev produces the next revision token: `<generation>-<opaque>`.
func bumpRev(rev string) string {
	gen := 0
	if rev != "" {
		if head, _, ok := strings.Cut(rev, "-"); ok {
			if n, err := strconv.Atoi(head); err == nil {
				gen = n
			}
		}
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	return fmt.Sprintf("%d-%s", gen+1, suffix)
}

// likePrefix escapes LIKE metacharacters in a path prefix.
func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix)
}

package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Peltoche/cozy-desktop/internal/metadata"
)

// dbDocument is the row shape of both the documents and document_revisions
// tables. Timestamps are stored as RFC3339Nano strings, tags as a JSON
// array, side counters as nullable integers.
type dbDocument struct {
	ID         string        `db:"id"`
	Path       string        `db:"path"`
	DocType    string        `db:"doc_type"`
	Rev        string        `db:"rev"`
	MD5Sum     string        `db:"md5sum"`
	Size       int64         `db:"size"`
	Executable bool          `db:"executable"`
	Mime       string        `db:"mime"`
	Class      string        `db:"class"`
	CreatedAt  string        `db:"created_at"`
	UpdatedAt  string        `db:"updated_at"`
	Tags       string        `db:"tags"`
	LocalSeq   sql.NullInt64 `db:"local_seq"`
	RemoteSeq  sql.NullInt64 `db:"remote_seq"`
	RemoteID   string        `db:"remote_id"`
	RemoteRev  string        `db:"remote_rev"`
	Deleted    bool          `db:"deleted"`
	MoveTo     string        `db:"move_to"`
	Trashed    bool          `db:"trashed"`
	Errors     int           `db:"errors"`
}

func fromDocument(doc *metadata.Document) (*dbDocument, error) {
	row := &dbDocument{
		ID:         doc.ID,
		Path:       doc.Path,
		DocType:    string(doc.DocType),
		Rev:        doc.Rev,
		MD5Sum:     doc.MD5Sum,
		Size:       doc.Size,
		Executable: doc.Executable,
		Mime:       doc.Mime,
		Class:      doc.Class,
		CreatedAt:  doc.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt:  doc.UpdatedAt.Format(time.RFC3339Nano),
		Deleted:    doc.Deleted,
		MoveTo:     doc.MoveTo,
		Trashed:    doc.Trashed,
		Errors:     doc.Errors,
	}

	if len(doc.Tags) > 0 {
		tags, err := json.Marshal(doc.Tags)
		if err != nil {
			return nil, fmt.Errorf("failed to encode tags of %s: %w", doc.ID, err)
		}
		row.Tags = string(tags)
	}

	if n, ok := doc.Sides[metadata.Local]; ok {
		row.LocalSeq = sql.NullInt64{Int64: int64(n), Valid: true}
	}
	if n, ok := doc.Sides[metadata.Remote]; ok {
		row.RemoteSeq = sql.NullInt64{Int64: int64(n), Valid: true}
	}
	if doc.Remote != nil {
		row.RemoteID = doc.Remote.ID
		row.RemoteRev = doc.Remote.Rev
	}

	return row, nil
}

func (row *dbDocument) toDocument() (*metadata.Document, error) {
	createdAt, err := time.Parse(time.RFC3339Nano, row.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse created_at of %s: %w", row.ID, err)
	}
	updatedAt, err := time.Parse(time.RFC3339Nano, row.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse updated_at of %s: %w", row.ID, err)
	}

	doc := &metadata.Document{
		ID:         row.ID,
		Path:       row.Path,
		DocType:    metadata.DocType(row.DocType),
		Rev:        row.Rev,
		MD5Sum:     row.MD5Sum,
		Size:       row.Size,
		Executable: row.Executable,
		Mime:       row.Mime,
		Class:      row.Class,
		CreatedAt:  createdAt,
		UpdatedAt:  updatedAt,
		Sides:      make(map[metadata.Side]int, 2),
		Deleted:    row.Deleted,
		MoveTo:     row.MoveTo,
		Trashed:    row.Trashed,
		Errors:     row.Errors,
	}

	if row.Tags != "" {
		if err := json.Unmarshal([]byte(row.Tags), &doc.Tags); err != nil {
			return nil, fmt.Errorf("failed to decode tags of %s: %w", row.ID, err)
		}
	}
	if row.LocalSeq.Valid {
		doc.Sides[metadata.Local] = int(row.LocalSeq.Int64)
	}
	if row.RemoteSeq.Valid {
		doc.Sides[metadata.Remote] = int(row.RemoteSeq.Int64)
	}
	if row.RemoteID != "" || row.RemoteRev != "" {
		doc.Remote = &metadata.RemoteInfo{ID: row.RemoteID, Rev: row.RemoteRev}
	}

	return doc, nil
}

func toDocuments(rows []dbDocument) ([]*metadata.Document, error) {
	docs := make([]*metadata.Document, 0, len(rows))
	for i := range rows {
		doc, err := rows[i].toDocument()
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

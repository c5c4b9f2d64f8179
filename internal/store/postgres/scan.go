package postgres

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/alfredjeanlab/eventually/internal/model"
)

// scannable is the interface satisfied by both *sql.Row and *sql.Rows.
type scannable interface {
	Scan(dest ...any) error
}

// scanVersion scans a single row into a model.Version.
// The row must contain columns in the order defined by versionColumns.
func scanVersion(row scannable) (*model.Version, error) {
	var (
		v        model.Version
		object   []byte
		observed int64
	)
	if err := row.Scan(&v.ID, &v.DocID, &object, &observed, &v.Hash); err != nil {
		return nil, err
	}
	obj, err := model.DecodeRecord(object)
	if err != nil {
		return nil, err
	}
	v.Object = obj
	v.Observed = time.UnixMilli(observed).UTC()
	return &v, nil
}

// scanDocuments drains rows of (doc_id, object) and closes them.
func scanDocuments(rows *sql.Rows) ([]*model.Document, error) {
	defer rows.Close()

	var docs []*model.Document
	for rows.Next() {
		var (
			d    model.Document
			data []byte
		)
		if err := rows.Scan(&d.ID, &data); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		obj, err := model.DecodeRecord(data)
		if err != nil {
			return nil, fmt.Errorf("scan document %s: %w", d.ID, err)
		}
		d.Object = obj
		docs = append(docs, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return docs, nil
}

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/alfredjeanlab/eventually/internal/model"
	"github.com/alfredjeanlab/eventually/internal/store"
)

// versionColumns is the column list used for SELECT statements on the versions table.
const versionColumns = `id, doc_id, object, observed, hash`

// executor is the interface satisfied by both *sql.DB and *sql.Tx.
type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queryUpsertDocument inserts or replaces a document in a single statement.
// xmax is zero only for a freshly inserted row, which tells the two apart.
func queryUpsertDocument(ctx context.Context, db executor, id string, object model.Record) (bool, error) {
	data, err := model.Canonical(object)
	if err != nil {
		return false, fmt.Errorf("encode document: %w", err)
	}
	var inserted bool
	err = db.QueryRowContext(ctx, `
		INSERT INTO documents (doc_id, object) VALUES ($1, $2)
		ON CONFLICT (doc_id) DO UPDATE SET object = EXCLUDED.object
		RETURNING (xmax = 0) AS inserted`,
		id, string(data),
	).Scan(&inserted)
	if err != nil {
		return false, fmt.Errorf("upsert document: %w", err)
	}
	return inserted, nil
}

func queryGetDocument(ctx context.Context, db executor, id string) (model.Record, error) {
	var data []byte
	err := db.QueryRowContext(ctx, `SELECT object FROM documents WHERE doc_id = $1`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	return model.DecodeRecord(data)
}

func queryListDocuments(ctx context.Context, db executor) ([]*model.Document, error) {
	rows, err := db.QueryContext(ctx, `SELECT doc_id, object FROM documents ORDER BY doc_id`)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	return scanDocuments(rows)
}

// queryScanRedacted finds documents still marked redacted that did not come
// from the library, i.e. whose authoritative copy has not been seen yet.
func queryScanRedacted(ctx context.Context, db executor) ([]*model.Document, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT doc_id, object FROM documents
		WHERE object @> '{"metadata":{"redacted":true}}'
		  AND NOT (object -> 'metadata' ? '`+model.MetaBookTitle+`')
		ORDER BY doc_id`)
	if err != nil {
		return nil, fmt.Errorf("scan redacted: %w", err)
	}
	return scanDocuments(rows)
}

// queryInsertVersion appends a version row. The hash is computed here, at
// insert time, over the canonical encoding of object.
func queryInsertVersion(ctx context.Context, db executor, docID string, object model.Record, observed time.Time) (string, error) {
	data, err := model.Canonical(object)
	if err != nil {
		return "", fmt.Errorf("encode version: %w", err)
	}
	hash, err := model.Hash(object)
	if err != nil {
		return "", fmt.Errorf("hash version: %w", err)
	}
	var stored string
	err = db.QueryRowContext(ctx, `
		INSERT INTO versions (doc_id, object, observed, hash)
		VALUES ($1, $2, $3, $4)
		RETURNING hash`,
		docID, string(data), observed.UnixMilli(), hash,
	).Scan(&stored)
	if err != nil {
		return "", fmt.Errorf("insert version: %w", err)
	}
	return stored, nil
}

func queryGetVersion(ctx context.Context, db executor, hash string) (*model.Version, error) {
	row := db.QueryRowContext(ctx, `SELECT `+versionColumns+` FROM versions WHERE hash = $1 ORDER BY observed DESC, id DESC LIMIT 1`, hash)
	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get version: %w", err)
	}
	return v, nil
}

func queryListVersions(ctx context.Context, db executor, docID string) ([]*model.Version, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+versionColumns+` FROM versions WHERE doc_id = $1 ORDER BY observed, id`, docID)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	var versions []*model.Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate versions: %w", err)
	}
	return versions, nil
}

func queryNotify(ctx context.Context, db executor, channel, payload string) error {
	if _, err := db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, channel, payload); err != nil {
		return fmt.Errorf("notify %s: %w", channel, err)
	}
	return nil
}

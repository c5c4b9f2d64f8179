package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/alfredjeanlab/eventually/internal/model"
	"github.com/alfredjeanlab/eventually/internal/store"
)

// FormatVersion is written to the header of every export.
const FormatVersion = "1"

// header is the first JSONL record written by ExportJSONL.
type header struct {
	Version       string    `json:"version"`
	Type          string    `json:"type"`
	Export        string    `json:"export,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	DocumentCount int       `json:"document_count"`
	VersionCount  int       `json:"version_count"`
}

// record wraps a single JSONL line with a type discriminator.
type record struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// archivedDocument is a current document with its archived versions, oldest
// first.
type archivedDocument struct {
	ID       string           `json:"id"`
	Object   model.Record     `json:"object"`
	Versions []*model.Version `json:"versions"`
}

// Summary describes a completed export.
type Summary struct {
	Export    string
	Documents int
	Versions  int
}

// ExportJSONL writes every document in the store, each with its archived
// versions, as JSONL to w. Documents are sorted by ID. exportID and now are
// recorded in the header.
func ExportJSONL(ctx context.Context, s store.Store, w io.Writer, exportID string, now time.Time) (*Summary, error) {
	docs, err := s.ListDocuments(ctx)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })

	out := make([]archivedDocument, 0, len(docs))
	sum := &Summary{Export: exportID, Documents: len(docs)}
	for _, d := range docs {
		versions, err := s.ListVersions(ctx, d.ID)
		if err != nil {
			return nil, fmt.Errorf("list versions for %s: %w", d.ID, err)
		}
		if versions == nil {
			versions = []*model.Version{}
		}
		sum.Versions += len(versions)
		out = append(out, archivedDocument{ID: d.ID, Object: d.Object, Versions: versions})
	}

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)

	if err := enc.Encode(header{
		Version:       FormatVersion,
		Type:          "header",
		Export:        exportID,
		Timestamp:     now.UTC(),
		DocumentCount: sum.Documents,
		VersionCount:  sum.Versions,
	}); err != nil {
		return nil, fmt.Errorf("encode header: %w", err)
	}

	for _, d := range out {
		if err := enc.Encode(record{Type: "document", Data: d}); err != nil {
			return nil, fmt.Errorf("encode document %s: %w", d.ID, err)
		}
	}

	return sum, nil
}

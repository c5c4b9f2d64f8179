package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/alfredjeanlab/eventually/internal/model"
	"github.com/alfredjeanlab/eventually/internal/store/memory"
)

func TestExportJSONL_Empty(t *testing.T) {
	var buf bytes.Buffer
	sum, err := ExportJSONL(context.Background(), memory.New(), &buf, "ex-test0001", t0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sum.Documents != 0 || sum.Versions != 0 {
		t.Fatalf("unexpected summary %+v", sum)
	}

	lines := nonEmptyLines(buf.String())
	if len(lines) != 1 {
		t.Fatalf("expected 1 line (header only), got %d", len(lines))
	}

	var h header
	if err := json.Unmarshal([]byte(lines[0]), &h); err != nil {
		t.Fatalf("unmarshal header: %v", err)
	}
	if h.Version != FormatVersion || h.Type != "header" || h.Export != "ex-test0001" || !h.Timestamp.Equal(t0) {
		t.Fatalf("unexpected header: %+v", h)
	}
}

func TestExportJSONL_DocumentsWithVersions(t *testing.T) {
	ctx := context.Background()
	ms := memory.New()

	// Insert out of ID order to verify sorting.
	_, _ = ms.UpsertDocument(ctx, "zzz", model.Record{"id": "zzz", "description": "Second"})
	_, _ = ms.UpsertDocument(ctx, "aaa", model.Record{"id": "aaa", "description": "First <b>"})
	for _, desc := range []string{"First", "First <b>"} {
		if _, err := ms.InsertVersion(ctx, "aaa", model.Record{"id": "aaa", "description": desc}, t0); err != nil {
			t.Fatal(err)
		}
	}

	var buf bytes.Buffer
	sum, err := ExportJSONL(ctx, ms, &buf, "ex-test0002", t0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sum.Documents != 2 || sum.Versions != 2 {
		t.Fatalf("unexpected summary %+v", sum)
	}

	lines := nonEmptyLines(buf.String())
	// 1 header + 2 documents
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d:\n%s", len(lines), buf.String())
	}
	if !strings.Contains(lines[1], "First <b>") {
		t.Errorf("expected HTML to be left unescaped: %s", lines[1])
	}

	var h header
	if err := json.Unmarshal([]byte(lines[0]), &h); err != nil {
		t.Fatalf("unmarshal header: %v", err)
	}
	if h.DocumentCount != 2 || h.VersionCount != 2 {
		t.Fatalf("header counts: documents=%d versions=%d", h.DocumentCount, h.VersionCount)
	}

	var docs [2]struct {
		Type string           `json:"type"`
		Data archivedDocument `json:"data"`
	}
	for i := range docs {
		if err := json.Unmarshal([]byte(lines[i+1]), &docs[i]); err != nil {
			t.Fatalf("unmarshal line %d: %v", i+1, err)
		}
		if docs[i].Type != "document" {
			t.Fatalf("expected document type, got %q", docs[i].Type)
		}
	}
	if docs[0].Data.ID != "aaa" || docs[1].Data.ID != "zzz" {
		t.Fatalf("documents not sorted: got %q, %q", docs[0].Data.ID, docs[1].Data.ID)
	}
	if len(docs[0].Data.Versions) != 2 || docs[0].Data.Versions[0].Object["description"] != "First" {
		t.Fatalf("unexpected versions for aaa: %+v", docs[0].Data.Versions)
	}
	if docs[1].Data.Versions == nil || len(docs[1].Data.Versions) != 0 {
		t.Fatalf("expected empty version list for zzz, got %+v", docs[1].Data.Versions)
	}
}

func TestExportJSONL_StoreErrors(t *testing.T) {
	ctx := context.Background()
	for _, op := range []memory.Op{memory.OpListDocuments, memory.OpListVersions} {
		t.Run(string(op), func(t *testing.T) {
			ms := memory.New()
			_, _ = ms.UpsertDocument(ctx, "A", model.Record{"id": "A"})
			ms.FailOn(op, memory.ErrInjected)

			var buf bytes.Buffer
			if _, err := ExportJSONL(ctx, ms, &buf, "ex-x", t0); !errors.Is(err, memory.ErrInjected) {
				t.Fatalf("expected injected error, got %v", err)
			}
			if buf.Len() != 0 {
				t.Fatalf("expected nothing written, got %q", buf.String())
			}
		})
	}
}

func nonEmptyLines(s string) []string {
	var result []string
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) != "" {
			result = append(result, line)
		}
	}
	return result
}

package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Metadata keys written by the ingestion pipeline.
const (
	MetaIngestSource = "_ingest_source"
	MetaIngestTime   = "_ingest_time"
	MetaBookTitle    = "_book_title"
	MetaChapterID    = "_chapter_id"
	MetaChapterTitle = "_chapter_title"
	MetaRedacted     = "redacted"
)

// Source tags identify which upstream activity produced a record.
const (
	SourcePrimary    = "blaseball.com"
	SourceLibrary    = "blaseball.com_library"
	SourceAggregator = "upnuts"
)

// Record is a single upstream event: an arbitrary JSON object tree.
// Numbers are held as json.Number so integers round-trip exactly.
type Record map[string]any

// ID returns the record's "id" field, or "" when it is missing or not a string.
func (r Record) ID() string {
	id, _ := r["id"].(string)
	return id
}

// Metadata returns the record's "metadata" object, creating it when absent
// or when the existing value is not an object.
func (r Record) Metadata() map[string]any {
	if m, ok := r["metadata"].(map[string]any); ok {
		return m
	}
	m := make(map[string]any)
	r["metadata"] = m
	return m
}

// Lookup walks path through nested objects and returns the value found there.
func (r Record) Lookup(path ...string) (any, bool) {
	var cur any = map[string]any(r)
	for _, key := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	return Record(cloneObject(r))
}

func cloneObject(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneObject(t)
	case Record:
		return cloneObject(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// DecodeRecord parses a single JSON object into a Record.
func DecodeRecord(data []byte) (Record, error) {
	var r Record
	if err := newDecoder(bytes.NewReader(data)).Decode(&r); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return r, nil
}

// DecodeRecords parses a JSON array of objects.
func DecodeRecords(rd io.Reader) ([]Record, error) {
	var rs []Record
	if err := newDecoder(rd).Decode(&rs); err != nil {
		return nil, fmt.Errorf("decode records: %w", err)
	}
	return rs, nil
}

func newDecoder(rd io.Reader) *json.Decoder {
	dec := json.NewDecoder(rd)
	dec.UseNumber()
	return dec
}

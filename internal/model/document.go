package model

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"time"
)

// Document is the authoritative latest version of one upstream event.
type Document struct {
	ID     string `json:"id"`
	Object Record `json:"object"`
}

// Version is an archived snapshot of a Document, addressed by its content hash.
type Version struct {
	ID       int64     `json:"id"`
	DocID    string    `json:"doc_id"`
	Object   Record    `json:"object"`
	Observed time.Time `json:"observed"`
	Hash     string    `json:"hash"`
}

// Book is one entry of the upstream library catalog.
type Book struct {
	Title    string    `json:"title"`
	Chapters []Chapter `json:"chapters"`
}

// Chapter is a library chapter whose event history can be fetched by ID.
type Chapter struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Redacted bool   `json:"redacted"`
}

// Canonical returns the deterministic JSON encoding of v: object keys sorted,
// no HTML escaping, no trailing newline. Numbers are written by value, so
// 1e-7 and 0.0000001 (or 1.50 and 1.5) encode identically; integers keep
// every digit.
func Canonical(v any) ([]byte, error) {
	norm, err := canonicalValue(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(norm); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// canonicalValue returns a copy of v with every json.Number rewritten by
// canonicalNumber. v itself is not modified.
func canonicalValue(v any) (any, error) {
	switch t := v.(type) {
	case Record:
		return canonicalValue(map[string]any(t))
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			c, err := canonicalValue(e)
			if err != nil {
				return nil, err
			}
			out[k] = c
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			c, err := canonicalValue(e)
			if err != nil {
				return nil, err
			}
			out[i] = c
		}
		return out, nil
	case json.Number:
		return canonicalNumber(t)
	default:
		return v, nil
	}
}

// canonicalNumber writes integral values as plain digits and everything else
// as the shortest float64 form.
func canonicalNumber(n json.Number) (json.Number, error) {
	r, ok := new(big.Rat).SetString(string(n))
	if !ok {
		return "", fmt.Errorf("invalid number %q", string(n))
	}
	if r.IsInt() {
		return json.Number(r.Num().String()), nil
	}
	f, _ := r.Float64()
	return json.Number(strconv.FormatFloat(f, 'g', -1, 64)), nil
}

// Hash returns the lowercase hex SHA-256 of the record's canonical encoding.
// Identical content always yields the identical hash.
func Hash(r Record) (string, error) {
	data, err := Canonical(r)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

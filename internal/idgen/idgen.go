// Package idgen generates short correlation IDs for ingest batches and
// export runs, backed by nanoid.
package idgen

import (
	"fmt"

	nanoid "github.com/matoous/go-nanoid/v2"
)

// Prefixes for the kinds of IDs handed out.
const (
	BatchPrefix  = "ib-"
	ExportPrefix = "ex-"
)

// Alphabet is lowercase-only so IDs stay grep-friendly in logs.
const Alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// Length is the number of random characters (excluding the prefix).
const Length = 8

// New returns a random ID with the given prefix.
func New(prefix string) (string, error) {
	id, err := nanoid.Generate(Alphabet, Length)
	if err != nil {
		return "", fmt.Errorf("idgen: %w", err)
	}
	return prefix + id, nil
}

// Batch returns an ingest batch ID. Generation only fails when the system
// random source does, in which case a fixed placeholder is returned so
// callers can keep logging.
func Batch() string {
	id, err := New(BatchPrefix)
	if err != nil {
		return BatchPrefix + "unknown"
	}
	return id
}

// Package change decides whether a re-fetched record differs meaningfully
// from the stored one, ignoring a set of volatile field paths.
package change

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/alfredjeanlab/eventually/internal/model"
)

// Path addresses a field inside nested objects, e.g. {"metadata", "scales"}.
type Path []string

func (p Path) String() string {
	return strings.Join(p, ".")
}

// DefaultVolatile lists the fields that mutate on every fetch without
// semantic significance: scaling factors, the vote counter and the
// ingestion-time stamp.
var DefaultVolatile = []Path{
	{"metadata", "scales"},
	{"nuts"},
	{"metadata", model.MetaIngestTime},
}

// ParsePath parses a dotted path such as "metadata.scales".
func ParsePath(s string) (Path, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty path")
	}
	parts := strings.Split(s, ".")
	for _, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("invalid path %q", s)
		}
	}
	return Path(parts), nil
}

// ParsePaths parses a list of dotted paths.
func ParsePaths(ss []string) ([]Path, error) {
	paths := make([]Path, 0, len(ss))
	for _, s := range ss {
		p, err := ParsePath(s)
		if err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, nil
}

// Strip returns a deep copy of r with every path removed. Paths that do not
// exist are ignored. r itself is never modified.
func Strip(r model.Record, paths []Path) model.Record {
	out := r.Clone()
	for _, p := range paths {
		remove(out, p)
	}
	return out
}

func remove(r model.Record, p Path) {
	if len(p) == 0 {
		return
	}
	obj := map[string]any(r)
	for _, key := range p[:len(p)-1] {
		next, ok := obj[key].(map[string]any)
		if !ok {
			return
		}
		obj = next
	}
	delete(obj, p[len(p)-1])
}

// Changed reports whether prev and next differ once the volatile paths are
// stripped from both. Equality holds exactly when each stripped side
// contains the other.
func Changed(prev, next model.Record, volatile []Path) (bool, error) {
	a, err := model.Canonical(Strip(prev, volatile))
	if err != nil {
		return false, fmt.Errorf("encode previous: %w", err)
	}
	b, err := model.Canonical(Strip(next, volatile))
	if err != nil {
		return false, fmt.Errorf("encode next: %w", err)
	}
	return !bytes.Equal(a, b), nil
}

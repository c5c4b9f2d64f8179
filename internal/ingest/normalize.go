package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alfredjeanlab/eventually/internal/model"
)

// ErrMalformedTimestamp matches any *MalformedTimestampError via errors.Is.
var ErrMalformedTimestamp = errors.New("malformed timestamp")

// MalformedTimestampError reports a record whose "created" field could not
// be converted to an epoch. It aborts the whole batch.
type MalformedTimestampError struct {
	ID    string
	Value any
	Err   error
}

func (e *MalformedTimestampError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("record %q: malformed timestamp %v: %v", e.ID, e.Value, e.Err)
	}
	return fmt.Sprintf("record %q: malformed timestamp %v", e.ID, e.Value)
}

func (e *MalformedTimestampError) Unwrap() error { return e.Err }

func (e *MalformedTimestampError) Is(target error) bool { return target == ErrMalformedTimestamp }

// Normalize converts a fetched record into its stored form: "created" becomes
// Unix seconds and the ingest source and time are stamped into metadata.
// raw is left untouched.
func Normalize(raw model.Record, source string, now time.Time) (model.Record, error) {
	rec := raw.Clone()
	if rec == nil {
		rec = model.Record{}
	}

	epoch, err := epochOf(rec["created"])
	if err != nil {
		return nil, &MalformedTimestampError{ID: rec.ID(), Value: rec["created"], Err: err}
	}
	rec["created"] = epoch

	meta := rec.Metadata()
	meta[model.MetaIngestSource] = source
	meta[model.MetaIngestTime] = now.Unix()
	return rec, nil
}

// epochOf accepts the feed's RFC 3339 wire form, or an integral epoch that
// has already been normalized.
func epochOf(v any) (int64, error) {
	switch t := v.(type) {
	case string:
		ts, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return 0, err
		}
		return ts.Unix(), nil
	case json.Number:
		return t.Int64()
	case int64:
		return t, nil
	case int:
		return int64(t), nil
	case nil:
		return 0, errors.New("missing")
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}

// CreatedEpoch returns the normalized "created" value of a stored record.
func CreatedEpoch(rec model.Record) (int64, bool) {
	epoch, err := epochOf(rec["created"])
	return epoch, err == nil
}

// WireTime formats an epoch in the feed's timestamp wire format.
func WireTime(epoch int64) string {
	return time.Unix(epoch, 0).UTC().Format(time.RFC3339)
}

package change

import (
	"encoding/json"
	"testing"

	"github.com/alfredjeanlab/eventually/internal/model"
)

func mustRecord(t *testing.T, s string) model.Record {
	t.Helper()
	r, err := model.DecodeRecord([]byte(s))
	if err != nil {
		t.Fatalf("decode %s: %v", s, err)
	}
	return r
}

func TestParsePath(t *testing.T) {
	for _, tc := range []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"metadata.scales", "metadata.scales", false},
		{" nuts ", "nuts", false},
		{"", "", true},
		{"metadata..x", "", true},
		{".x", "", true},
	} {
		p, err := ParsePath(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParsePath(%q) expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParsePath(%q): %v", tc.in, err)
			continue
		}
		if p.String() != tc.want {
			t.Errorf("ParsePath(%q) = %q, want %q", tc.in, p, tc.want)
		}
	}
}

func TestStrip_DoesNotMutateInput(t *testing.T) {
	r := mustRecord(t, `{"id":"a","nuts":3,"metadata":{"scales":[1],"_ingest_time":5,"play":1}}`)
	s := Strip(r, DefaultVolatile)

	if _, ok := s["nuts"]; ok {
		t.Error("nuts should be stripped")
	}
	if _, ok := s.Lookup("metadata", "scales"); ok {
		t.Error("metadata.scales should be stripped")
	}
	if _, ok := s.Lookup("metadata", "play"); !ok {
		t.Error("metadata.play should survive")
	}
	if _, ok := r.Lookup("metadata", "scales"); !ok {
		t.Error("input record was modified")
	}
}

func TestStrip_MissingPathsIgnored(t *testing.T) {
	r := mustRecord(t, `{"id":"a","metadata":"not-an-object"}`)
	s := Strip(r, DefaultVolatile)
	if s["metadata"] != "not-an-object" {
		t.Fatalf("metadata = %v", s["metadata"])
	}
}

func TestChanged(t *testing.T) {
	base := `{"id":"a","created":1,"description":"x","nuts":1,"metadata":{"scales":[1],"_ingest_time":10,"_ingest_source":"s"}}`
	for _, tc := range []struct {
		name string
		next string
		want bool
	}{
		{"Identical", base, false},
		{"VolatileOnly", `{"id":"a","created":1,"description":"x","nuts":99,"metadata":{"scales":[2,3],"_ingest_time":20,"_ingest_source":"s"}}`, false},
		{"VolatileAdded", `{"id":"a","created":1,"description":"x","metadata":{"_ingest_source":"s"}}`, false},
		{"KeyOrder", `{"metadata":{"_ingest_source":"s","_ingest_time":10,"scales":[1]},"nuts":1,"description":"x","created":1,"id":"a"}`, false},
		{"FieldChanged", `{"id":"a","created":1,"description":"y","nuts":1,"metadata":{"scales":[1],"_ingest_time":10,"_ingest_source":"s"}}`, true},
		{"FieldAdded", `{"id":"a","created":1,"description":"x","extra":true,"metadata":{"_ingest_source":"s"}}`, true},
		{"FieldRemoved", `{"id":"a","created":1,"metadata":{"_ingest_source":"s"}}`, true},
		{"MetadataChanged", `{"id":"a","created":1,"description":"x","metadata":{"_ingest_source":"other"}}`, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Changed(mustRecord(t, base), mustRecord(t, tc.next), DefaultVolatile)
			if err != nil {
				t.Fatalf("Changed: %v", err)
			}
			if got != tc.want {
				t.Fatalf("Changed = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestChanged_NumberRepresentations(t *testing.T) {
	prev := mustRecord(t, `{"id":"a","created":1577836800}`)
	next := model.Record{"id": "a", "created": int64(1577836800)}
	changed, err := Changed(prev, next, nil)
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Fatal("json.Number and int64 of the same value should compare equal")
	}
	next["created"] = json.Number("1577836801")
	if changed, _ := Changed(prev, next, nil); !changed {
		t.Fatal("different created should be a change")
	}

	// The store hands numbers back in its own notation.
	for _, tc := range []struct{ sent, stored string }{
		{"1e-7", "0.0000001"},
		{"2.50", "2.5"},
		{"1E+3", "1000"},
		{"-0.0", "0"},
		{"9007199254740993", "9007199254740993"},
	} {
		sent := mustRecord(t, `{"id":"a","metadata":{"scale":`+tc.sent+`}}`)
		stored := mustRecord(t, `{"id":"a","metadata":{"scale":`+tc.stored+`}}`)
		if changed, err := Changed(stored, sent, nil); err != nil || changed {
			t.Errorf("%s vs %s: changed=%v err=%v, want unchanged", tc.sent, tc.stored, changed, err)
		}
	}
	if changed, _ := Changed(mustRecord(t, `{"n":0.1}`), mustRecord(t, `{"n":0.2}`), nil); !changed {
		t.Error("0.1 vs 0.2 should be a change")
	}
}

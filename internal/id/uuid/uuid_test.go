package uuid

import (
	"slices"
	"testing"

	googleuuid "github.com/google/uuid"
)

func TestNewIDIsVersion7AndSortsByCreation(t *testing.T) {
	t.Parallel()

	gen := New()
	ids := make([]string, 0, 50)
	for range 50 {
		id, err := gen.NewID()
		if err != nil {
			t.Fatalf("NewID: %v", err)
		}
		ids = append(ids, id)
	}

	parsed, err := googleuuid.Parse(ids[0])
	if err != nil {
		t.Fatalf("parse %s: %v", ids[0], err)
	}
	if parsed.Version() != 7 {
		t.Fatalf("version = %d, want 7", parsed.Version())
	}
	if !slices.IsSorted(ids) {
		t.Error("ids generated in sequence should sort in sequence")
	}
	if len(slices.Compact(slices.Clone(ids))) != len(ids) {
		t.Error("duplicate ids generated")
	}
}

func TestValid(t *testing.T) {
	t.Parallel()

	cases := map[string]bool{
		"0190b6c1-4d7e-7a00-8000-000000000001":          true,
		"":                                              false,
		"job-1":                                         false,
		"urn:uuid:0190b6c1-4d7e-7a00-8000-000000000001": false,
		"{0190b6c1-4d7e-7a00-8000-000000000001}":        false,
	}
	for id, want := range cases {
		if got := Valid(id); got != want {
			t.Errorf("Valid(%q) = %v, want %v", id, got, want)
		}
	}
}

package engine

import (
	"testing"
	"time"
)

func TestGeneratedExecutionIDsParseBack(t *testing.T) {
	before := time.Now().UTC().Truncate(time.Second)
	id := GenerateExecutionID()

	startedAt, suffix, err := ParseExecutionID(id)
	if err != nil {
		t.Fatalf("unexpected error parsing %q: %v", id, err)
	}
	if startedAt.Before(before) {
		t.Errorf("expected start time >= %v, got %v", before, startedAt)
	}
	if len(suffix) != 8 {
		t.Errorf("expected 8-character suffix, got %q", suffix)
	}
	if !IsValidExecutionID(id) {
		t.Errorf("expected %q to be valid", id)
	}
}

func TestGeneratedExecutionIDsAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := GenerateExecutionID()
		if seen[id] {
			t.Fatalf("duplicate execution id %q", id)
		}
		seen[id] = true
	}
}

func TestParseExecutionIDRejectsMalformedIDs(t *testing.T) {
	cases := []struct {
		name string
		id   string
	}{
		{"empty", ""},
		{"wrong prefix", "run-20250812-143022-a7b3c1d2"},
		{"missing suffix", "exec-20250812-143022"},
		{"bad timestamp", "exec-20251332-143022-a7b3c1d2"},
		{"short suffix", "exec-20250812-143022-a7b3"},
		{"non-hex suffix", "exec-20250812-143022-a7b3c1dZ"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, _, err := ParseExecutionID(tc.id); err == nil {
				t.Errorf("expected %q to be rejected", tc.id)
			}
			if IsValidExecutionID(tc.id) {
				t.Errorf("expected %q to be invalid", tc.id)
			}
		})
	}
}

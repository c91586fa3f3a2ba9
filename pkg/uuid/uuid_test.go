package uuid

import (
	"strings"
	"testing"
)

func TestNewString_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewString()
		if len(id) != 36 {
			t.Fatalf("expected 36-char UUID, got %q (len %d)", id, len(id))
		}
		if seen[id] {
			t.Fatalf("duplicate UUID generated: %q", id)
		}
		seen[id] = true
	}
}

func TestNewJobID_Prefix(t *testing.T) {
	id := NewJobID()
	if !strings.HasPrefix(id, "job_") {
		t.Errorf("expected job_ prefix, got %q", id)
	}
}

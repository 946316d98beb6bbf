package idgen

import (
	"testing"
	"time"
)

func TestNewUUID_LooksLikeUUID(t *testing.T) {
	id := NewUUID()
	if len(id) != 36 {
		t.Fatalf("unexpected UUID length: %q", id)
	}
}

func TestNewULID_IsLexicallySortableByTime(t *testing.T) {
	earlier := NewULIDAt(time.Unix(1000, 0))
	later := NewULIDAt(time.Unix(2000, 0))
	if earlier >= later {
		t.Fatalf("expected earlier ULID %q to sort before later %q", earlier, later)
	}
}

func TestNewULID_Unique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := NewULID()
		if seen[id] {
			t.Fatalf("duplicate ULID generated: %q", id)
		}
		seen[id] = true
	}
}

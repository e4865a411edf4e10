package idgen

import (
	"strings"
	"testing"
	"time"
)

func TestUUIDv7_Format(t *testing.T) {
	// WHAT: Generated IDs are canonical UUIDs with the version-7 nibble.
	// WHY: Downstream log tooling assumes the standard 36-char form.
	id := UUIDv7()()
	if len(id) != 36 {
		t.Fatalf("len = %d, want 36: %q", len(id), id)
	}
	if id[14] != '7' {
		t.Errorf("version nibble = %c, want 7: %q", id[14], id)
	}
}

func TestUUIDv7_TimeOrdered(t *testing.T) {
	// WHAT: IDs generated in sequence sort in generation order.
	// WHY: Run IDs double as a coarse timeline when grepping logs.
	gen := UUIDv7()
	a, b := gen(), gen()
	if a >= b {
		t.Errorf("IDs not monotonic: %q then %q", a, b)
	}
}

func TestNew_Unique(t *testing.T) {
	// WHAT: The default generator never repeats within a burst.
	// WHY: Colliding run IDs would merge unrelated runs in the logs.
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		id := New()
		if seen[id] {
			t.Fatalf("duplicate ID %q", id)
		}
		seen[id] = true
	}
}

func TestTimestamped_Format(t *testing.T) {
	// WHAT: Timestamped IDs are "<UTC second>_<suffix>".
	// WHY: Per-document log file names must sort by start time.
	id := Timestamped(func() string { return "book" })()
	stamp, suffix, ok := strings.Cut(id, "_")
	if !ok || suffix != "book" {
		t.Fatalf("id = %q, want <stamp>_book", id)
	}
	if _, err := time.Parse("20060102T150405Z", stamp); err != nil {
		t.Errorf("stamp %q does not parse: %v", stamp, err)
	}
}

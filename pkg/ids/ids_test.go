package ids

import (
	"testing"
	"time"
)

func TestIDSpacesAreDisjoint(t *testing.T) {
	tmp := NewTempID()
	can := NewCanonicalID(time.Now())

	if !IsTemp(tmp) {
		t.Fatalf("temp id %q not recognized", tmp)
	}
	if IsCanonical(tmp) {
		t.Fatalf("temp id %q parsed as canonical", tmp)
	}
	if !IsCanonical(can) {
		t.Fatalf("canonical id %q not recognized", can)
	}
	if IsTemp(can) {
		t.Fatalf("canonical id %q recognized as temp", can)
	}
}

func TestTempIDsUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 1000; i++ {
		id := NewTempID()
		if seen[id] {
			t.Fatalf("duplicate temp id %q", id)
		}
		seen[id] = true
	}
}

func TestCanonicalIDsSortByTime(t *testing.T) {
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	a := NewCanonicalID(t0)
	b := NewCanonicalID(t0.Add(time.Second))
	if !(a < b) {
		t.Fatalf("expected %q < %q", a, b)
	}
}

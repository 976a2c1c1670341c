package ids

import (
	"sort"
	"testing"
	"time"
)

func TestNew_SortsInCreationOrder(t *testing.T) {
	var created []string
	for i := 0; i < 100; i++ {
		created = append(created, New())
	}

	sorted := append([]string(nil), created...)
	sort.Strings(sorted)
	for i := range created {
		if created[i] != sorted[i] {
			t.Fatalf("id %d out of order: %s vs %s", i, created[i], sorted[i])
		}
	}
}

func TestNew_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := New()
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
}

func TestTime(t *testing.T) {
	at := time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC)
	got, err := Time(NewAt(at))
	if err != nil {
		t.Fatalf("Time: %v", err)
	}
	if !got.Equal(at) {
		t.Errorf("expected %v, got %v", at, got)
	}

	if _, err := Time("not-a-ulid"); err == nil {
		t.Error("expected error for invalid id")
	}
}

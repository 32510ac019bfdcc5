package position

import (
	"sort"
	"testing"
)

func TestAtEmptyCollection(t *testing.T) {
	p := At(nil, 0)
	if p.Position != Gap {
		t.Errorf("expected first key %v, got %v", float64(Gap), p.Position)
	}
	if p.Renumbered != nil {
		t.Error("empty collection must not renumber")
	}
}

func TestAtTail(t *testing.T) {
	p := At([]float64{1000, 2000, 3000}, 3)
	if p.Position != 4000 {
		t.Errorf("expected 4000, got %v", p.Position)
	}
}

func TestAtHead(t *testing.T) {
	p := At([]float64{1000, 2000}, 0)
	if p.Position != 500 {
		t.Errorf("expected 500, got %v", p.Position)
	}
}

func TestAtBetweenNeighbours(t *testing.T) {
	p := At([]float64{2000, 3000}, 1)
	if p.Position != 2500 {
		t.Errorf("expected 2500, got %v", p.Position)
	}
}

func TestAtClampsIndex(t *testing.T) {
	if p := At([]float64{1000}, -5); p.Position != 500 {
		t.Errorf("negative index should place at head, got %v", p.Position)
	}
	if p := At([]float64{1000}, 99); p.Position != 2000 {
		t.Errorf("oversized index should place at tail, got %v", p.Position)
	}
}

func TestBetweenExhaustion(t *testing.T) {
	prev, next := 1000.0, 2000.0
	exhausted := false
	for i := 0; i < 100; i++ {
		mid, ok := Between(prev, next)
		if !ok {
			exhausted = true
			break
		}
		next = mid
	}
	if !exhausted {
		t.Fatal("repeated midpoint insertion never exhausted precision")
	}
}

func TestAtRenumbersOnExhaustion(t *testing.T) {
	// Collapse the gap between the first two keys until no midpoint fits.
	keys := []float64{1000, 2000, 3000}
	for {
		mid, ok := Between(keys[0], keys[1])
		if !ok {
			break
		}
		keys[1] = mid
	}

	p := At(keys, 1)
	if p.Renumbered == nil {
		t.Fatal("expected a renumbering pass")
	}
	want := []float64{1000, 2000, 3000}
	for i, key := range p.Renumbered {
		if key != want[i] {
			t.Errorf("renumbered[%d] = %v, want %v", i, key, want[i])
		}
	}
	if p.Position <= p.Renumbered[0] || p.Position >= p.Renumbered[1] {
		t.Errorf("position %v not strictly between renumbered neighbours", p.Position)
	}
}

// Positions stay pairwise distinct and sorted across an arbitrary insertion
// sequence.
func TestPositionTotality(t *testing.T) {
	var keys []float64
	insert := func(index int) {
		p := At(keys, index)
		if p.Renumbered != nil {
			keys = append([]float64(nil), p.Renumbered...)
		}
		if index > len(keys) {
			index = len(keys)
		}
		keys = append(keys, 0)
		copy(keys[index+1:], keys[index:])
		keys[index] = p.Position
	}

	pattern := []int{0, 0, 1, 2, 0, 3, 1, 1, 4, 2, 0, 5}
	for _, index := range pattern {
		insert(index)
	}

	if !sort.Float64sAreSorted(keys) {
		t.Fatalf("keys lost ordering: %v", keys)
	}
	seen := make(map[float64]bool, len(keys))
	for _, key := range keys {
		if seen[key] {
			t.Fatalf("duplicate key %v in %v", key, keys)
		}
		seen[key] = true
	}
}

func TestRenumber(t *testing.T) {
	keys := Renumber(4)
	want := []float64{1000, 2000, 3000, 4000}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("keys[%d] = %v, want %v", i, keys[i], want[i])
		}
	}
}

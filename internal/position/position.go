// Package position computes fractional ordering keys for user-reorderable
// lists (kanban tasks within a column, subtasks within a task). Items are
// displayed in ascending key order; inserting between two neighbours takes
// their midpoint so no other row has to move. The package is pure: callers
// persist the resulting keys themselves.
package position

// Gap is the spacing between keys on append and after a renumbering pass.
const Gap = 1000

// Placement is the outcome of placing an item into a collection.
type Placement struct {
	// Position is the ordering key the moved/inserted item should take.
	Position float64
	// Renumbered holds replacement keys for every existing item, in the
	// collection's current ascending order. It is non-nil only when repeated
	// midpoint insertion exhausted float64 precision between two neighbours
	// and the whole collection had to be reassigned contiguous multiples of
	// Gap before Position could be computed. Callers must write these back
	// in the same transaction as Position.
	Renumbered []float64
}

// End returns the key for appending to a collection whose highest current
// key is last. Appending never requires renumbering.
func End(last float64) float64 {
	return last + Gap
}

// Between returns the midpoint key strictly between prev and next. ok is
// false when float64 precision is exhausted and the midpoint collides with
// either neighbour.
func Between(prev, next float64) (mid float64, ok bool) {
	mid = (prev + next) / 2
	return mid, mid > prev && mid < next
}

// At places an item at index within a collection whose existing keys are
// given in ascending order. index 0 is the head (half of the current first
// key), index len(sorted) is the tail (last key + Gap), anything in between
// is the midpoint of its neighbours. When precision between the target
// neighbours is exhausted, the collection is renumbered first and the
// returned Placement carries the replacement keys.
func At(sorted []float64, index int) Placement {
	if index < 0 {
		index = 0
	}
	if index > len(sorted) {
		index = len(sorted)
	}

	if len(sorted) == 0 {
		return Placement{Position: Gap}
	}
	if index == len(sorted) {
		return Placement{Position: End(sorted[len(sorted)-1])}
	}

	prev := 0.0
	if index > 0 {
		prev = sorted[index-1]
	}
	next := sorted[index]

	if mid, ok := Between(prev, next); ok {
		return Placement{Position: mid}
	}

	renumbered := Renumber(len(sorted))
	prev = 0
	if index > 0 {
		prev = renumbered[index-1]
	}
	mid, _ := Between(prev, renumbered[index])
	return Placement{Position: mid, Renumbered: renumbered}
}

// Renumber returns fresh keys for a collection of n items: contiguous
// multiples of Gap in ascending order.
func Renumber(n int) []float64 {
	keys := make([]float64, n)
	for i := range keys {
		keys[i] = float64(i+1) * Gap
	}
	return keys
}

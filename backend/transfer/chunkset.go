package transfer

import "sort"

// ChunkSet is the set of chunk indices already sent or received.
type ChunkSet map[int]struct{}

func NewChunkSet(indices ...int) ChunkSet {
	cs := make(ChunkSet, len(indices))
	for _, idx := range indices {
		cs.Add(idx)
	}
	return cs
}

func (cs ChunkSet) Add(idx int) {
	cs[idx] = struct{}{}
}

func (cs ChunkSet) Has(idx int) bool {
	_, ok := cs[idx]
	return ok
}

// Covers reports whether every index in [0, total) is present.
func (cs ChunkSet) Covers(total int) bool {
	for i := 0; i < total; i++ {
		if !cs.Has(i) {
			return false
		}
	}
	return true
}

// FirstMissing returns the lowest index in [0, total) not in the set,
// or total when the set covers everything.
func (cs ChunkSet) FirstMissing(total int) int {
	for i := 0; i < total; i++ {
		if !cs.Has(i) {
			return i
		}
	}
	return total
}

// Indices returns the sorted members of the set.
func (cs ChunkSet) Indices() []int {
	out := make([]int, 0, len(cs))
	for idx := range cs {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

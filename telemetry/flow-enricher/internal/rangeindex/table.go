// Package rangeindex maps IPv4 addresses to the country and autonomous system
// that own them. Address ranges are loaded from tab separated or MaxMind
// datasets into immutable tables, grouped into a snapshot, and published
// through an atomically swappable Index so readers never block on a reload.
package rangeindex

import (
	"cmp"
	"slices"
	"sort"
)

// Entry binds the closed interval [Start, End] to a value.
type Entry[T any] struct {
	Start uint32
	End   uint32
	Value T
}

// Table is an immutable set of possibly overlapping ranges. Lookups return
// the first containing entry under the ordering (start asc, end asc, input
// order), which makes results independent of how many times a dataset is
// rebuilt.
type Table[T any] struct {
	entries []Entry[T]
	// maxEnd[i] is the largest End among entries[0..i].
	maxEnd []uint32
}

// NewTable sorts a copy of entries and builds the lookup structure. Entries
// with Start > End are dropped; the number dropped is returned.
func NewTable[T any](entries []Entry[T]) (*Table[T], int) {
	kept := make([]Entry[T], 0, len(entries))
	for _, e := range entries {
		if e.Start > e.End {
			continue
		}
		kept = append(kept, e)
	}
	dropped := len(entries) - len(kept)

	slices.SortStableFunc(kept, func(a, b Entry[T]) int {
		if c := cmp.Compare(a.Start, b.Start); c != 0 {
			return c
		}
		return cmp.Compare(a.End, b.End)
	})

	maxEnd := make([]uint32, len(kept))
	for i, e := range kept {
		maxEnd[i] = e.End
		if i > 0 && maxEnd[i-1] > e.End {
			maxEnd[i] = maxEnd[i-1]
		}
	}
	return &Table[T]{entries: kept, maxEnd: maxEnd}, dropped
}

// Lookup returns the value of the first entry containing addr.
func (t *Table[T]) Lookup(addr uint32) (T, bool) {
	var zero T
	if t == nil {
		return zero, false
	}
	// Candidates are the entries whose start is <= addr.
	hi := sort.Search(len(t.entries), func(i int) bool {
		return t.entries[i].Start > addr
	})
	if hi == 0 {
		return zero, false
	}
	// The first candidate whose running max end reaches addr is the first
	// candidate that contains it: every earlier candidate ends before addr.
	j := sort.Search(hi, func(i int) bool {
		return t.maxEnd[i] >= addr
	})
	if j == hi {
		return zero, false
	}
	return t.entries[j].Value, true
}

// Len returns the number of entries in the table.
func (t *Table[T]) Len() int {
	if t == nil {
		return 0
	}
	return len(t.entries)
}

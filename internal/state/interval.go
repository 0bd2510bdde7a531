package state

import (
	"fmt"

	"github.com/google/btree"
)

// Interval is a half-open byte range [Start, End).
type Interval struct {
	Start int64
	End   int64
}

func (iv Interval) String() string {
	return fmt.Sprintf("[%d,%d)", iv.Start, iv.End)
}

// Len returns the number of bytes covered.
func (iv Interval) Len() int64 {
	return iv.End - iv.Start
}

// Empty reports whether the interval covers no bytes.
func (iv Interval) Empty() bool {
	return iv.End <= iv.Start
}

// Overlaps reports whether the two intervals share at least one byte.
func (iv Interval) Overlaps(o Interval) bool {
	return iv.Start < o.End && o.Start < iv.End
}

// Contains reports whether o lies entirely inside iv.
func (iv Interval) Contains(o Interval) bool {
	return iv.Start <= o.Start && o.End <= iv.End
}

func lessByStart(a, b Interval) bool {
	return a.Start < b.Start
}

// IntervalSet is an ordered set of non-overlapping intervals. Overlapping or
// adjacent intervals are coalesced on every insert.
type IntervalSet struct {
	tree *btree.BTreeG[Interval]
}

// NewIntervalSet returns an empty set.
func NewIntervalSet() *IntervalSet {
	return &IntervalSet{tree: btree.NewG[Interval](8, lessByStart)}
}

// Len returns the number of disjoint intervals.
func (s *IntervalSet) Len() int {
	return s.tree.Len()
}

// Intervals returns the members in ascending order.
func (s *IntervalSet) Intervals() []Interval {
	out := make([]Interval, 0, s.tree.Len())
	s.tree.Ascend(func(iv Interval) bool {
		out = append(out, iv)
		return true
	})
	return out
}

// Last returns the interval with the greatest start.
func (s *IntervalSet) Last() (Interval, bool) {
	return s.tree.Max()
}

// touching returns every member that overlaps or is adjacent to iv.
func (s *IntervalSet) touching(iv Interval) []Interval {
	var hits []Interval
	s.tree.DescendLessOrEqual(Interval{Start: iv.Start}, func(m Interval) bool {
		if m.End >= iv.Start {
			hits = append(hits, m)
		}
		return false
	})
	s.tree.AscendGreaterOrEqual(Interval{Start: iv.Start}, func(m Interval) bool {
		if m.Start > iv.End {
			return false
		}
		if len(hits) == 0 || hits[len(hits)-1] != m {
			hits = append(hits, m)
		}
		return true
	})
	return hits
}

// Insert adds iv, merging it with every overlapping or adjacent member.
func (s *IntervalSet) Insert(iv Interval) {
	if iv.Empty() {
		return
	}
	merged := iv
	for _, m := range s.touching(iv) {
		if m.Start < merged.Start {
			merged.Start = m.Start
		}
		if m.End > merged.End {
			merged.End = m.End
		}
		s.tree.Delete(m)
	}
	s.tree.ReplaceOrInsert(merged)
}

// Subtract removes iv from the set, splitting members into left and right
// remainders where iv falls strictly inside them.
func (s *IntervalSet) Subtract(iv Interval) {
	if iv.Empty() {
		return
	}
	for _, m := range s.touching(iv) {
		if !m.Overlaps(iv) {
			continue
		}
		s.tree.Delete(m)
		if left := (Interval{Start: m.Start, End: iv.Start}); !left.Empty() {
			s.tree.ReplaceOrInsert(left)
		}
		if right := (Interval{Start: iv.End, End: m.End}); !right.Empty() {
			s.tree.ReplaceOrInsert(right)
		}
	}
}

// FirstEndingAfter returns the first member whose end exceeds cursor.
func (s *IntervalSet) FirstEndingAfter(cursor int64) (Interval, bool) {
	var found Interval
	ok := false
	s.tree.DescendLessOrEqual(Interval{Start: cursor}, func(m Interval) bool {
		if m.End > cursor {
			found, ok = m, true
		}
		return false
	})
	if ok {
		return found, true
	}
	s.tree.AscendGreaterOrEqual(Interval{Start: cursor}, func(m Interval) bool {
		found, ok = m, true
		return false
	})
	return found, ok
}

// Clone returns an independent copy of the set.
func (s *IntervalSet) Clone() *IntervalSet {
	return &IntervalSet{tree: s.tree.Clone()}
}

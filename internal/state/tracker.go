package state

import (
	"fmt"
	"sort"
)

// Origin says which collection NextUnprocessed drew an interval from.
type Origin int

const (
	FromNone Origin = iota
	FromInProcess
	FromUnprocessed
)

func (o Origin) String() string {
	switch o {
	case FromInProcess:
		return "in-process"
	case FromUnprocessed:
		return "unprocessed"
	default:
		return "none"
	}
}

// Tracker owns the unprocessed and in-process byte ranges of one source.
// All mutation goes through its methods so the coverage invariant can be
// checked in one place.
type Tracker struct {
	unprocessed *IntervalSet
	inProcess   []Packet
	fileSize    int64
	timestamp   *float64
}

// NewTracker returns a tracker for an empty source.
func NewTracker() *Tracker {
	return &Tracker{unprocessed: NewIntervalSet()}
}

// Restore builds a tracker from a persisted snapshot. Corrupt snapshots are
// rejected, never repaired. Every restored in-process packet is marked
// pending so the parser decodes it again before returning anything new.
func Restore(st State) (*Tracker, error) {
	if err := st.Validate(); err != nil {
		return nil, err
	}
	st = st.Clone()
	t := NewTracker()
	for _, iv := range st.Unprocessed {
		t.unprocessed.Insert(iv)
	}
	t.inProcess = st.InProcess
	for i := range t.inProcess {
		t.inProcess[i].pending = true
	}
	t.fileSize = st.FileSize
	t.timestamp = st.Timestamp
	return t, nil
}

// Snapshot returns a deep copy of the persisted state.
func (t *Tracker) Snapshot() State {
	st := State{
		Unprocessed: t.unprocessed.Intervals(),
		InProcess:   make([]Packet, len(t.inProcess)),
		FileSize:    t.fileSize,
	}
	for i, p := range t.inProcess {
		st.InProcess[i] = Packet{Interval: p.Interval, SamplesReturned: p.SamplesReturned}
		if p.SamplesParsed != nil {
			n := *p.SamplesParsed
			st.InProcess[i].SamplesParsed = &n
		}
	}
	if t.timestamp != nil {
		ts := *t.timestamp
		st.Timestamp = &ts
	}
	return st
}

// Clone returns an independent copy, pending marks included.
func (t *Tracker) Clone() *Tracker {
	c := &Tracker{
		unprocessed: t.unprocessed.Clone(),
		inProcess:   make([]Packet, len(t.inProcess)),
		fileSize:    t.fileSize,
	}
	for i, p := range t.inProcess {
		c.inProcess[i] = p
		if p.SamplesParsed != nil {
			n := *p.SamplesParsed
			c.inProcess[i].SamplesParsed = &n
		}
	}
	if t.timestamp != nil {
		ts := *t.timestamp
		c.timestamp = &ts
	}
	return c
}

// FileSize returns the number of source bytes scheduled so far.
func (t *Tracker) FileSize() int64 {
	return t.fileSize
}

// SetTimestamp records the time of the last delivered record.
func (t *Tracker) SetTimestamp(ts float64) {
	t.timestamp = &ts
}

// InProcess returns a copy of the in-process packets in discovery order.
func (t *Tracker) InProcess() []Packet {
	return append([]Packet(nil), t.inProcess...)
}

// Unprocessed returns the unprocessed intervals in ascending order.
func (t *Tracker) Unprocessed() []Interval {
	return t.unprocessed.Intervals()
}

// Lookup returns a copy of the in-process packet covering exactly iv.
func (t *Tracker) Lookup(iv Interval) (Packet, bool) {
	i := t.find(iv)
	if i < 0 {
		return Packet{}, false
	}
	return t.inProcess[i], true
}

func (t *Tracker) find(iv Interval) int {
	for i := range t.inProcess {
		if t.inProcess[i].Interval == iv {
			return i
		}
	}
	return -1
}

// MarkInProcess registers a validated block. It returns false when the exact
// range is already known.
func (t *Tracker) MarkInProcess(iv Interval) bool {
	if iv.Empty() || t.find(iv) >= 0 {
		return false
	}
	t.inProcess = append(t.inProcess, Packet{Interval: iv})
	return true
}

// RecordSampleCount attributes n decoded samples to the oldest in-process
// packet whose count is still unknown. It returns false if there is none.
func (t *Tracker) RecordSampleCount(n int) bool {
	for i := range t.inProcess {
		if t.inProcess[i].SamplesParsed == nil {
			t.inProcess[i].SamplesParsed = &n
			t.inProcess[i].pending = false
			return true
		}
	}
	return false
}

// Redecoded settles a pending packet after it was decoded again. If the new
// count is smaller than what was already returned the returned count is
// clamped and an error describes the discrepancy.
func (t *Tracker) Redecoded(iv Interval, n int) error {
	i := t.find(iv)
	if i < 0 {
		return fmt.Errorf("packet %s is not in process", iv)
	}
	p := &t.inProcess[i]
	p.pending = false
	var err error
	if p.SamplesParsed != nil && *p.SamplesParsed != n {
		err = fmt.Errorf("packet %s decoded to %d samples, snapshot recorded %d", iv, n, *p.SamplesParsed)
	}
	if p.SamplesReturned > n {
		p.SamplesReturned = n
	}
	p.SamplesParsed = &n
	return err
}

// Advance distributes returned samples across in-process packets in order.
// Fully returned packets and packets that yielded no samples are removed and
// their ranges subtracted from the unprocessed set. It returns the number of
// samples that could not be attributed to any packet.
func (t *Tracker) Advance(returned int) int {
	remain := returned
	var freed []Interval
	kept := t.inProcess[:0]
	blocked := false
	for _, p := range t.inProcess {
		switch {
		case p.SamplesParsed != nil && *p.SamplesParsed == 0:
			freed = append(freed, p.Interval)
			continue
		case blocked || p.SamplesParsed == nil || p.pending:
			blocked = true
		default:
			need := *p.SamplesParsed - p.SamplesReturned
			if need <= remain {
				remain -= need
				freed = append(freed, p.Interval)
				continue
			}
			p.SamplesReturned += remain
			remain = 0
			blocked = true
		}
		kept = append(kept, p)
	}
	for i := len(kept); i < len(t.inProcess); i++ {
		t.inProcess[i] = Packet{}
	}
	t.inProcess = kept
	t.consume(freed)
	return remain
}

// consume merges adjacent freed ranges and subtracts each combined span from
// the unprocessed set.
func (t *Tracker) consume(freed []Interval) {
	if len(freed) == 0 {
		return
	}
	sort.Slice(freed, func(i, j int) bool { return freed[i].Start < freed[j].Start })
	merged := []Interval{freed[0]}
	for _, iv := range freed[1:] {
		last := &merged[len(merged)-1]
		if iv.Start <= last.End {
			if iv.End > last.End {
				last.End = iv.End
			}
			continue
		}
		merged = append(merged, iv)
	}
	for _, iv := range merged {
		t.unprocessed.Subtract(iv)
	}
}

// Grow schedules bytes appended since the last call. The last unprocessed
// interval is extended when it ends at the old file size; otherwise a new
// interval [old, new) is added. Sizes not larger than the current one are
// ignored.
func (t *Tracker) Grow(newSize int64) bool {
	if newSize <= t.fileSize {
		return false
	}
	old := t.fileSize
	t.fileSize = newSize
	if last, ok := t.unprocessed.Last(); ok && last.End == old {
		t.unprocessed.Insert(Interval{Start: last.Start, End: newSize})
		return true
	}
	t.unprocessed.Insert(Interval{Start: old, End: newSize})
	return true
}

// NextUnprocessed returns the first interval ending after cursor, looking at
// pending in-process packets before unprocessed data.
func (t *Tracker) NextUnprocessed(cursor int64) (Interval, Origin, bool) {
	for _, p := range t.inProcess {
		if p.pending && p.End > cursor {
			return p.Interval, FromInProcess, true
		}
	}
	if iv, ok := t.unprocessed.FirstEndingAfter(cursor); ok {
		return iv, FromUnprocessed, true
	}
	return Interval{}, FromNone, false
}

// Validate checks the coverage invariant of the current state.
func (t *Tracker) Validate() error {
	return t.Snapshot().Validate()
}

// Consumed returns the complement of the unprocessed set within the file.
func (t *Tracker) Consumed() []Interval {
	var out []Interval
	cursor := int64(0)
	for _, iv := range t.unprocessed.Intervals() {
		if iv.Start > cursor {
			out = append(out, Interval{Start: cursor, End: iv.Start})
		}
		cursor = iv.End
	}
	if cursor < t.fileSize {
		out = append(out, Interval{Start: cursor, End: t.fileSize})
	}
	return out
}

package state

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/multierr"
)

// ErrCorruptState marks a snapshot that fails structural validation.
var ErrCorruptState = errors.New("corrupt parser state")

// CorruptionError lists every structural problem found in a snapshot.
type CorruptionError struct {
	Err error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("%v: %v", ErrCorruptState, e.Err)
}

func (e *CorruptionError) Unwrap() []error {
	return []error{ErrCorruptState, e.Err}
}

// Problems returns the individual validation failures.
func (e *CorruptionError) Problems() []error {
	return multierr.Errors(e.Err)
}

// Packet is an in-process block: a sieved, validated range and its sample
// bookkeeping. SamplesParsed is nil until the block has been decoded.
type Packet struct {
	Interval
	SamplesParsed   *int
	SamplesReturned int

	// pending marks a packet restored from a snapshot that has not been
	// decoded by the current parser yet.
	pending bool
}

// State is the persisted parser position for one source.
type State struct {
	Unprocessed []Interval `json:"unprocessed"`
	InProcess   []Packet   `json:"in_process"`
	FileSize    int64      `json:"file_size"`
	// Timestamp is the POSIX time of the last delivered record; telemetered
	// sources only.
	Timestamp *float64 `json:"timestamp,omitempty"`
}

// MarshalJSON encodes the interval as [start, end].
func (iv Interval) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]int64{iv.Start, iv.End})
}

// UnmarshalJSON decodes [start, end].
func (iv *Interval) UnmarshalJSON(data []byte) error {
	var raw []int64
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("interval: %w", err)
	}
	if len(raw) != 2 {
		return fmt.Errorf("interval: want 2 elements, got %d", len(raw))
	}
	iv.Start, iv.End = raw[0], raw[1]
	return nil
}

// MarshalJSON encodes the packet as [start, end, samples_parsed|null, samples_returned].
func (p Packet) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{p.Start, p.End, p.SamplesParsed, p.SamplesReturned})
}

// UnmarshalJSON decodes [start, end, samples_parsed|null, samples_returned].
func (p *Packet) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("in-process packet: %w", err)
	}
	if len(raw) != 4 {
		return fmt.Errorf("in-process packet: want 4 elements, got %d", len(raw))
	}
	var out Packet
	if err := json.Unmarshal(raw[0], &out.Start); err != nil {
		return fmt.Errorf("in-process packet start: %w", err)
	}
	if err := json.Unmarshal(raw[1], &out.End); err != nil {
		return fmt.Errorf("in-process packet end: %w", err)
	}
	if !bytes.Equal(bytes.TrimSpace(raw[2]), []byte("null")) {
		var n int
		if err := json.Unmarshal(raw[2], &n); err != nil {
			return fmt.Errorf("in-process packet samples parsed: %w", err)
		}
		out.SamplesParsed = &n
	}
	if err := json.Unmarshal(raw[3], &out.SamplesReturned); err != nil {
		return fmt.Errorf("in-process packet samples returned: %w", err)
	}
	*p = out
	return nil
}

// UnmarshalJSON requires every persisted field to be present.
func (st *State) UnmarshalJSON(data []byte) error {
	var raw struct {
		Unprocessed *[]Interval `json:"unprocessed"`
		InProcess   *[]Packet   `json:"in_process"`
		FileSize    *int64      `json:"file_size"`
		Timestamp   *float64    `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return &CorruptionError{Err: err}
	}
	var errs error
	if raw.Unprocessed == nil {
		errs = multierr.Append(errs, errors.New("missing unprocessed"))
	}
	if raw.InProcess == nil {
		errs = multierr.Append(errs, errors.New("missing in_process"))
	}
	if raw.FileSize == nil {
		errs = multierr.Append(errs, errors.New("missing file_size"))
	}
	if errs != nil {
		return &CorruptionError{Err: errs}
	}
	*st = State{
		Unprocessed: *raw.Unprocessed,
		InProcess:   *raw.InProcess,
		FileSize:    *raw.FileSize,
		Timestamp:   raw.Timestamp,
	}
	return nil
}

// Decode parses and validates a persisted snapshot.
func Decode(data []byte) (State, error) {
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		var ce *CorruptionError
		if errors.As(err, &ce) {
			return State{}, err
		}
		return State{}, &CorruptionError{Err: err}
	}
	if err := st.Validate(); err != nil {
		return State{}, err
	}
	return st, nil
}

// Encode serializes the snapshot.
func (st State) Encode() ([]byte, error) {
	return json.Marshal(st)
}

// Validate checks the structural invariants of a snapshot: intervals are
// well formed and inside the file, the unprocessed set is sorted, disjoint
// and coalesced, in-process packets are disjoint, lie inside unprocessed
// bytes and never return more samples than they parsed.
func (st State) Validate() error {
	var errs error
	if st.FileSize < 0 {
		errs = multierr.Append(errs, fmt.Errorf("negative file_size %d", st.FileSize))
	}
	for i, iv := range st.Unprocessed {
		if iv.Start < 0 || iv.Start >= iv.End {
			errs = multierr.Append(errs, fmt.Errorf("unprocessed[%d] %s is empty or negative", i, iv))
		}
		if iv.End > st.FileSize {
			errs = multierr.Append(errs, fmt.Errorf("unprocessed[%d] %s exceeds file_size %d", i, iv, st.FileSize))
		}
		if i > 0 {
			prev := st.Unprocessed[i-1]
			switch {
			case iv.Start < prev.End:
				errs = multierr.Append(errs, fmt.Errorf("unprocessed[%d] %s overlaps or precedes %s", i, iv, prev))
			case iv.Start == prev.End:
				errs = multierr.Append(errs, fmt.Errorf("unprocessed[%d] %s is not coalesced with %s", i, iv, prev))
			}
		}
	}

	ordered := make([]Interval, 0, len(st.InProcess))
	for i, p := range st.InProcess {
		if p.Start < 0 || p.Start >= p.End {
			errs = multierr.Append(errs, fmt.Errorf("in_process[%d] %s is empty or negative", i, p.Interval))
		}
		if p.End > st.FileSize {
			errs = multierr.Append(errs, fmt.Errorf("in_process[%d] %s exceeds file_size %d", i, p.Interval, st.FileSize))
		}
		if p.SamplesReturned < 0 {
			errs = multierr.Append(errs, fmt.Errorf("in_process[%d] negative samples_returned", i))
		}
		if p.SamplesParsed == nil {
			if p.SamplesReturned != 0 {
				errs = multierr.Append(errs, fmt.Errorf("in_process[%d] returned %d samples before being parsed", i, p.SamplesReturned))
			}
		} else {
			if *p.SamplesParsed < 0 {
				errs = multierr.Append(errs, fmt.Errorf("in_process[%d] negative samples_parsed", i))
			}
			if p.SamplesReturned > *p.SamplesParsed {
				errs = multierr.Append(errs, fmt.Errorf("in_process[%d] returned %d of %d samples", i, p.SamplesReturned, *p.SamplesParsed))
			}
		}
		if !coveredBy(st.Unprocessed, p.Interval) {
			errs = multierr.Append(errs, fmt.Errorf("in_process[%d] %s is not inside unprocessed data", i, p.Interval))
		}
		ordered = append(ordered, p.Interval)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Start < ordered[j].Start })
	for i := 1; i < len(ordered); i++ {
		if ordered[i].Overlaps(ordered[i-1]) {
			errs = multierr.Append(errs, fmt.Errorf("in_process ranges %s and %s overlap", ordered[i-1], ordered[i]))
		}
	}
	if errs != nil {
		return &CorruptionError{Err: errs}
	}
	return nil
}

func coveredBy(set []Interval, iv Interval) bool {
	for _, m := range set {
		if m.Contains(iv) {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (st State) Clone() State {
	out := State{
		Unprocessed: make([]Interval, len(st.Unprocessed)),
		InProcess:   make([]Packet, len(st.InProcess)),
		FileSize:    st.FileSize,
	}
	copy(out.Unprocessed, st.Unprocessed)
	for i, p := range st.InProcess {
		out.InProcess[i] = Packet{Interval: p.Interval, SamplesReturned: p.SamplesReturned}
		if p.SamplesParsed != nil {
			n := *p.SamplesParsed
			out.InProcess[i].SamplesParsed = &n
		}
	}
	if st.Timestamp != nil {
		ts := *st.Timestamp
		out.Timestamp = &ts
	}
	return out
}

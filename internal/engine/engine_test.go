package engine

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"go.uber.org/zap"

	"example.com/siomule/internal/common"
	"example.com/siomule/internal/instrument"
	"example.com/siomule/internal/sio"
	"example.com/siomule/internal/state"
)

type recordingSink struct {
	states   []state.State
	ingested []bool
	records  []instrument.Record
	errs     []error
}

func (s *recordingSink) PersistState(st state.State, ingested bool) error {
	s.states = append(s.states, st.Clone())
	s.ingested = append(s.ingested, ingested)
	return nil
}

func (s *recordingSink) EmitRecords(recs []instrument.Record) error {
	s.records = append(s.records, recs...)
	return nil
}

func (s *recordingSink) ReportError(err error) {
	s.errs = append(s.errs, err)
}

func (s *recordingSink) count(target error) int {
	n := 0
	for _, err := range s.errs {
		if errors.Is(err, target) {
			n++
		}
	}
	return n
}

func block(t *testing.T, id string, ts uint32, payload []byte) []byte {
	t.Helper()
	blk, err := sio.BuildBlock(sio.BlockSpec{InstrumentID: id, ControllerID: 12371, InductiveID: 1, Timestamp: ts}, payload)
	if err != nil {
		t.Fatalf("BuildBlock: %v", err)
	}
	return blk
}

func adcpsPayload(t *testing.T, ensemble uint16, vel int16) []byte {
	t.Helper()
	e := instrument.ADCPSEnsemble{
		EnsembleNumber: ensemble,
		Time:           time.Date(2013, 7, 22, 0, 0, int(ensemble%60), 0, time.UTC),
		Heading:        1000,
		ComponentFlags: instrument.VelocityEast | instrument.VelocityNorth,
		Velocities:     [][]int16{{vel, vel + 1}, {-vel, 0x182B}},
	}
	ens, err := e.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return instrument.WrapADCPS(ens)
}

// phsenPayload builds n SAMI control records.
func phsenPayload(first, n int) []byte {
	lines := make([]string, n)
	for i := range lines {
		k := first + i
		lines[i] = instrument.SAMIRecord(0x2C, instrument.PHSENControlBody(0xC0, uint32(0xCC000000+k), 0, k, 0, 100*k, 0x0CF0))
	}
	return []byte(strings.Join(lines, "\r") + "\r")
}

func pullAll(t *testing.T, p *Parser, n int) []instrument.Record {
	t.Helper()
	var out []instrument.Record
	for i := 0; i < 1000; i++ {
		recs, err := p.Pull(context.Background(), n)
		if err != nil {
			t.Fatalf("Pull: %v", err)
		}
		if len(recs) == 0 {
			return out
		}
		out = append(out, recs...)
	}
	t.Fatalf("parser never ran out of records")
	return nil
}

func TestFourADCPSBlocks(t *testing.T) {
	buf := make([]byte, 5000)
	offsets := []int{223, 1100, 2600, 4100}
	var gaps []state.Interval
	prev := 0
	for i, off := range offsets {
		blk := block(t, "AD", uint32(0x51EC763C+i), adcpsPayload(t, uint16(i+1), int16(10*i)))
		copy(buf[off:], blk)
		gaps = append(gaps, state.Interval{Start: int64(prev), End: int64(off)})
		prev = off + len(blk)
	}
	gaps = append(gaps, state.Interval{Start: int64(prev), End: 5000})

	sink := &recordingSink{}
	p, err := New(instrument.ADCPS, NewMemorySource(buf, 512), sink, WithLogger(zap.NewNop()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	recs, err := p.Pull(context.Background(), 10)
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if len(recs) != 4 {
		t.Fatalf("records = %d, want 4", len(recs))
	}
	for i, rec := range recs {
		if rec.Offset != int64(offsets[i]) {
			t.Fatalf("record %d offset = %d, want %d", i, rec.Offset, offsets[i])
		}
		if rec.Values["ensemble_number"] != i+1 {
			t.Fatalf("record %d ensemble = %v", i, rec.Values["ensemble_number"])
		}
	}
	st := p.State()
	if diff := cmp.Diff(gaps, st.Unprocessed); diff != "" {
		t.Fatalf("unprocessed mismatch (-want +got):\n%s", diff)
	}
	if len(st.InProcess) != 0 || st.FileSize != 5000 {
		t.Fatalf("state = %+v", st)
	}
	if !p.Ingested() || !sink.ingested[len(sink.ingested)-1] {
		t.Fatalf("recovered source not reported ingested")
	}
	if len(sink.records) != 4 {
		t.Fatalf("sink saw %d records", len(sink.records))
	}
	if n := sink.count(ErrUnexpectedData); n != 0 {
		t.Fatalf("zero gaps reported as unexpected data %d times", n)
	}
}

// mixedPHSENFile holds multi-record PH blocks, a foreign AD block, error text
// and a PH block the decoder rejects.
func mixedPHSENFile(t *testing.T) []byte {
	var b bytes.Buffer
	b.WriteString("\r\nERR: modem timeout\r\n")
	b.Write(block(t, "PH", 100, phsenPayload(1, 3)))
	b.Write(block(t, "AD", 101, adcpsPayload(t, 9, 5)))
	b.Write(block(t, "PH", 102, phsenPayload(4, 1)))
	b.WriteString("noise")
	b.Write(block(t, "PH", 103, []byte("*zz\r")))
	b.Write(block(t, "PH", 104, phsenPayload(5, 2)))
	b.Write(make([]byte, 40))
	b.Write(block(t, "PH", 105, phsenPayload(7, 3)))
	return b.Bytes()
}

func TestRestartFromEverySnapshot(t *testing.T) {
	data := mixedPHSENFile(t)
	sink := &recordingSink{}
	p, err := New(instrument.PHSEN, NewMemorySource(data, 0), sink, WithLogger(zap.NewNop()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	full := pullAll(t, p, 1)
	if len(full) != 9 {
		t.Fatalf("full run decoded %d records, want 9", len(full))
	}
	if n := sink.count(instrument.ErrRecoverable); n != 1 {
		t.Fatalf("recoverable errors = %d, want 1", n)
	}
	if n := sink.count(ErrUnexpectedData); n != 2 {
		t.Fatalf("unexpected data reports = %d, want 2 (%v)", n, sink.errs)
	}
	if !p.Ingested() {
		t.Fatalf("file not ingested after full run")
	}

	// state i was persisted after the pull that delivered record i
	for i, snap := range sink.states {
		delivered := i + 1
		if delivered > len(full) {
			delivered = len(full)
		}
		for _, batch := range []int{1, 2, 5} {
			resumed, err := New(instrument.PHSEN, NewMemorySource(data, 0), &recordingSink{},
				WithState(snap), WithLogger(zap.NewNop()))
			if err != nil {
				t.Fatalf("snapshot %d: New: %v", i, err)
			}
			rest := pullAll(t, resumed, batch)
			if diff := cmp.Diff(full[delivered:], rest, cmpopts.EquateEmpty()); diff != "" {
				t.Fatalf("snapshot %d batch %d: resumed records mismatch (-want +got):\n%s", i, batch, diff)
			}
		}
	}
}

var errDiskFull = errors.New("disk full")

// flakySink fails the next failures calls to PersistState.
type flakySink struct {
	recordingSink
	failures int
}

func (s *flakySink) PersistState(st state.State, ingested bool) error {
	if s.failures > 0 {
		s.failures--
		return errDiskFull
	}
	return s.recordingSink.PersistState(st, ingested)
}

func TestFailedPersistKeepsRecordsQueued(t *testing.T) {
	data := append(block(t, "PH", 1, phsenPayload(1, 3)), block(t, "PH", 2, phsenPayload(4, 2))...)
	sink := &flakySink{failures: 1}
	p, err := New(instrument.PHSEN, NewMemorySource(data, 0), sink, WithLogger(zap.NewNop()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	recs, err := p.Pull(context.Background(), 3)
	if !errors.Is(err, errDiskFull) || len(recs) != 0 {
		t.Fatalf("first pull = %d records, %v; want persist failure", len(recs), err)
	}
	if len(sink.records) != 0 {
		t.Fatalf("records emitted without persisted state")
	}
	for _, pkt := range p.State().InProcess {
		if pkt.SamplesReturned != 0 {
			t.Fatalf("failed pull advanced %s to %d returned", pkt.Interval, pkt.SamplesReturned)
		}
	}

	got := pullAll(t, p, 3)
	if len(got) != 5 {
		t.Fatalf("after retry %d records, want 5", len(got))
	}
	for i, rec := range got {
		if rec.Values["num_data_records"] != i+1 {
			t.Fatalf("record %d = %v", i, rec.Values)
		}
	}
	if !p.Ingested() {
		t.Fatalf("file not ingested after retry")
	}

	resumed, err := New(instrument.PHSEN, NewMemorySource(data, 0), &recordingSink{},
		WithState(sink.states[0]), WithLogger(zap.NewNop()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if diff := cmp.Diff(got[3:], pullAll(t, resumed, 3)); diff != "" {
		t.Fatalf("resume after retry (-want +got):\n%s", diff)
	}
}

func escapedADCPSStream(t *testing.T) []byte {
	var b bytes.Buffer
	b.Write(block(t, "AD", 0x51EC763C, adcpsPayload(t, 1, 0x2B18)))
	b.WriteString("ERR+\x18 modem")
	b.Write(block(t, "AD", 0x51EC7640, adcpsPayload(t, 2, 0x182B)))
	b.Write(block(t, "AD", 0x51EC7644, adcpsPayload(t, 3, 0x1818)))
	b.Write(block(t, "AD", 0x51EC7648, adcpsPayload(t, 4, 0x2B2B)))
	return sio.Escape(b.Bytes())
}

func TestTelemeteredRestartFromEverySnapshot(t *testing.T) {
	data := escapedADCPSStream(t)
	sink := &recordingSink{}
	p, err := New(instrument.ADCPS, NewMemorySource(data, 11), sink, WithMode(Telemetered), WithLogger(zap.NewNop()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	full := pullAll(t, p, 1)
	if len(full) != 4 {
		t.Fatalf("full run decoded %d records, want 4", len(full))
	}
	if n := sink.count(ErrUnexpectedData); n != 1 {
		t.Fatalf("unexpected data reports = %d, want 1 (%v)", n, sink.errs)
	}

	for i, snap := range sink.states {
		delivered := i + 1
		if delivered > len(full) {
			delivered = len(full)
		}
		if snap.Timestamp == nil || *snap.Timestamp != float64(full[delivered-1].Timestamp.UnixNano())/1e9 {
			t.Fatalf("snapshot %d timestamp = %v", i, snap.Timestamp)
		}
		for _, chunk := range []int{1, 7, 0} {
			resumed, err := New(instrument.ADCPS, NewMemorySource(data, chunk), &recordingSink{},
				WithState(snap), WithMode(Telemetered), WithLogger(zap.NewNop()))
			if err != nil {
				t.Fatalf("snapshot %d: New: %v", i, err)
			}
			rest := pullAll(t, resumed, 2)
			if diff := cmp.Diff(full[delivered:], rest, cmpopts.EquateEmpty()); diff != "" {
				t.Fatalf("snapshot %d chunk %d: resumed records mismatch (-want +got):\n%s", i, chunk, diff)
			}
		}
	}
}

func TestBackfillYieldsOnlyNewRecords(t *testing.T) {
	a := block(t, "PH", 1, phsenPayload(1, 1))
	b := block(t, "PH", 2, phsenPayload(2, 2))
	c := block(t, "PH", 3, phsenPayload(4, 1))

	partial := append(append(append([]byte{}, a...), make([]byte, len(b))...), c...)
	sink := &recordingSink{}
	p, err := New(instrument.PHSEN, NewMemorySource(partial, 0), sink, WithLogger(zap.NewNop()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	first := pullAll(t, p, 10)
	if len(first) != 2 || first[0].Offset != 0 || first[1].Offset != int64(len(a)+len(b)) {
		t.Fatalf("first pass = %d records", len(first))
	}
	if n := sink.count(ErrUnexpectedData); n != 0 {
		t.Fatalf("zero-filled gap reported %d times", n)
	}
	snap := p.State()
	want := []state.Interval{{Start: int64(len(a)), End: int64(len(a) + len(b))}}
	if diff := cmp.Diff(want, snap.Unprocessed); diff != "" {
		t.Fatalf("unprocessed mismatch (-want +got):\n%s", diff)
	}

	filled := append(append(append([]byte{}, a...), b...), c...)
	p2, err := New(instrument.PHSEN, NewMemorySource(filled, 0), &recordingSink{}, WithState(snap), WithLogger(zap.NewNop()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	second := pullAll(t, p2, 10)
	if len(second) != 2 {
		t.Fatalf("backfill pass = %d records, want 2", len(second))
	}
	for _, rec := range second {
		if rec.Offset != int64(len(a)) {
			t.Fatalf("backfilled record offset = %d", rec.Offset)
		}
	}
	if second[0].Values["num_data_records"] != 2 || second[1].Values["num_data_records"] != 3 {
		t.Fatalf("backfilled records out of order: %v %v", second[0].Values, second[1].Values)
	}
	if st := p2.State(); len(st.Unprocessed) != 0 {
		t.Fatalf("unprocessed after backfill = %v", st.Unprocessed)
	}
}

func TestGrowingFileWithinOneParser(t *testing.T) {
	a := block(t, "PH", 1, phsenPayload(1, 1))
	b := block(t, "PH", 2, phsenPayload(2, 1))
	src := NewMemorySource(append(append([]byte{}, a...), b[:20]...), 0)
	sink := &recordingSink{}
	p, err := New(instrument.PHSEN, src, sink, WithLogger(zap.NewNop()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if recs := pullAll(t, p, 5); len(recs) != 1 {
		t.Fatalf("first pull = %d records", len(recs))
	}
	src.Append(b[20:])
	recs := pullAll(t, p, 5)
	if len(recs) != 1 || recs[0].Offset != int64(len(a)) {
		t.Fatalf("after growth = %+v", recs)
	}
	if n := sink.count(ErrUnexpectedData); n != 0 {
		t.Fatalf("truncated tail reported as unexpected data")
	}
}

func TestTelemeteredEscapesAndGrowth(t *testing.T) {
	a := block(t, "AD", 0x51EC763C, adcpsPayload(t, 1, 0x2B18))
	b := block(t, "AD", 0x51EC7640, adcpsPayload(t, 2, 0x182B))
	if !bytes.Contains(a, []byte{0x2B}) || !bytes.Contains(a, []byte{0x18}) {
		t.Fatalf("fixture carries no bytes that need escaping")
	}
	src := NewMemorySource(sio.Escape(a), 7)
	sink := &recordingSink{}
	p, err := New(instrument.ADCPS, src, sink, WithMode(Telemetered), WithLogger(zap.NewNop()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	recs, err := p.Pull(context.Background(), 5)
	if err != nil || len(recs) != 1 {
		t.Fatalf("first pull = %d records, %v", len(recs), err)
	}
	src.Append(sio.Escape(b))
	recs, err = p.Pull(context.Background(), 5)
	if err != nil || len(recs) != 1 {
		t.Fatalf("second pull = %d records, %v", len(recs), err)
	}
	if recs[0].Offset != int64(len(a)) {
		t.Fatalf("offset = %d, want unescaped offset %d", recs[0].Offset, len(a))
	}
	st := p.State()
	if st.FileSize != int64(len(a)+len(b)) {
		t.Fatalf("file size = %d, want %d", st.FileSize, len(a)+len(b))
	}
	if st.Timestamp == nil || *st.Timestamp != float64(recs[0].Timestamp.Unix()) {
		t.Fatalf("timestamp = %v", st.Timestamp)
	}
	for _, ing := range sink.ingested {
		if ing {
			t.Fatalf("telemetered parser reported ingested")
		}
	}
}

func TestTelemeteredTrailingEscapeFlushedAtEnd(t *testing.T) {
	a := block(t, "AD", 0x51EC763C, adcpsPayload(t, 1, 0x2B18))
	src := NewMemorySource(append(sio.Escape(a), 0x18), 0)
	p, err := New(instrument.ADCPS, src, &recordingSink{}, WithMode(Telemetered), WithLogger(zap.NewNop()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if recs := pullAll(t, p, 5); len(recs) != 1 {
		t.Fatalf("decoded %d records, want 1", len(recs))
	}
	if got := p.State().FileSize; got != int64(len(a)) {
		t.Fatalf("file size with held escape = %d, want %d", got, len(a))
	}
	src.Close()
	if _, err := p.Pull(context.Background(), 5); err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if got := p.State().FileSize; got != int64(len(a)+1) {
		t.Fatalf("file size after end of stream = %d, want %d", got, len(a)+1)
	}
}

func TestCorruptStateAbortsNew(t *testing.T) {
	bad := state.State{
		Unprocessed: []state.Interval{{Start: 0, End: 10}, {Start: 5, End: 20}},
		InProcess:   []state.Packet{},
		FileSize:    20,
	}
	_, err := New(instrument.ADCPS, NewMemorySource(nil, 0), &recordingSink{}, WithState(bad))
	if !errors.Is(err, state.ErrCorruptState) {
		t.Fatalf("New error = %v, want ErrCorruptState", err)
	}
}

func TestPullHonoursCancelledContext(t *testing.T) {
	p, err := New(instrument.ADCPS, NewMemorySource(nil, 0), &recordingSink{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Pull(ctx, 1); !errors.Is(err, context.Canceled) {
		t.Fatalf("Pull error = %v", err)
	}
}

func TestSourceErrorsSurfaceUnmodified(t *testing.T) {
	boom := errors.New("disk gone")
	p, err := New(instrument.ADCPS, failingSource{err: boom}, &recordingSink{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.Pull(context.Background(), 1); err != boom {
		t.Fatalf("Pull error = %v, want %v", err, boom)
	}
}

type failingSource struct{ err error }

func (f failingSource) ReadMore(context.Context) ([]byte, error) { return nil, f.err }

func TestMetricsAndYield(t *testing.T) {
	data := mixedPHSENFile(t)
	m := common.NewMetrics()
	yields := 0
	p, err := New(instrument.PHSEN, NewMemorySource(data, 0), &recordingSink{},
		WithMetrics(m), WithYield(func() { yields++ }), WithLogger(zap.NewNop()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	pullAll(t, p, 100)
	snap := m.Snapshot()
	if snap.Records != 9 || snap.Packets != 6 || snap.DecodeErrors != 1 {
		t.Fatalf("metrics = %+v", snap)
	}
	if yields == 0 {
		t.Fatalf("parser never yielded")
	}
}

func TestFileSourceFollowsGrowth(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node58p1.dat")
	if err := os.WriteFile(path, bytes.Repeat([]byte{'a'}, 1500), 0o644); err != nil {
		t.Fatal(err)
	}
	fs, err := OpenFile(path, 1024)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer fs.Close()
	ctx := context.Background()
	var total int
	for {
		chunk, err := fs.ReadMore(ctx)
		if err != nil {
			break
		}
		total += len(chunk)
	}
	if total != 1500 || fs.Offset() != 1500 {
		t.Fatalf("read %d bytes, offset %d", total, fs.Offset())
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	f.Write([]byte("more"))
	f.Close()
	chunk, err := fs.ReadMore(ctx)
	if err != nil || string(chunk) != "more" {
		t.Fatalf("after append: %q %v", chunk, err)
	}
}

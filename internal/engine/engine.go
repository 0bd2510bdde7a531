// Package engine drives resumable decoding of SIO controller streams: it
// reads source bytes, sieves validated blocks, decodes them with the
// configured instrument family and keeps the byte-range state that lets a
// restarted parser continue without duplicating or losing records.
package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"

	"go.uber.org/zap"

	"example.com/siomule/internal/common"
	"example.com/siomule/internal/instrument"
	"example.com/siomule/internal/sio"
	"example.com/siomule/internal/state"
)

// Mode selects how source bytes are interpreted.
type Mode int

const (
	// Recovered sources are files read from instrument storage.
	Recovered Mode = iota
	// Telemetered sources passed through the controller and carry escape
	// sequences.
	Telemetered
)

func (m Mode) String() string {
	if m == Telemetered {
		return "telemetered"
	}
	return "recovered"
}

// ParseMode accepts "telemetered" or "recovered".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "recovered", "":
		return Recovered, nil
	case "telemetered":
		return Telemetered, nil
	}
	return Recovered, fmt.Errorf("unknown mode %q", s)
}

// Sink receives everything a parser produces.
type Sink interface {
	// PersistState is called after every pull that changed the state.
	// ingested is only ever true for recovered sources.
	PersistState(st state.State, ingested bool) error
	EmitRecords(recs []instrument.Record) error
	// ReportError receives recoverable problems; the parser continues.
	ReportError(err error)
}

// Option configures a Parser.
type Option func(*Parser)

func WithMode(m Mode) Option {
	return func(p *Parser) { p.mode = m }
}

// WithState resumes from a persisted snapshot.
func WithState(st state.State) Option {
	return func(p *Parser) {
		snap := st.Clone()
		p.resume = &snap
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(p *Parser) { p.logger = l }
}

func WithMetrics(m *common.Metrics) Option {
	return func(p *Parser) { p.metrics = m }
}

// WithYield sets the function called at cooperative yield points.
func WithYield(fn func()) Option {
	return func(p *Parser) { p.yield = fn }
}

// Parser decodes one source. It is not safe for concurrent use.
type Parser struct {
	family  instrument.Family
	mode    Mode
	src     Source
	sink    Sink
	logger  *zap.Logger
	metrics *common.Metrics
	yield   func()
	resume  *state.State

	sieve   sio.Sieve
	tracker *state.Tracker
	buf     []byte
	unesc   sio.Unescaper

	// ready holds decoded records not yet returned, in in-process order.
	ready    []instrument.Record
	srcEOF   bool
	ingested bool
	reported map[state.Interval]struct{}
}

// New builds a parser for family. A snapshot passed with WithState that
// fails validation aborts construction.
func New(family instrument.Family, src Source, sink Sink, opts ...Option) (*Parser, error) {
	if _, err := instrument.ParseFamily(family.String()); err != nil {
		return nil, err
	}
	if src == nil {
		return nil, errors.New("engine: nil source")
	}
	if sink == nil {
		return nil, errors.New("engine: nil sink")
	}
	p := &Parser{
		family:   family,
		src:      src,
		sink:     sink,
		yield:    runtime.Gosched,
		reported: make(map[state.Interval]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = common.Logger()
	}
	p.logger = p.logger.With(zap.Stringer("family", family), zap.Stringer("mode", p.mode))
	if p.yield == nil {
		p.yield = func() {}
	}
	p.sieve = sio.Sieve{Logger: p.logger, Yield: p.yield}

	if p.resume != nil {
		tr, err := state.Restore(*p.resume)
		if err != nil {
			return nil, fmt.Errorf("engine: resume: %w", err)
		}
		p.tracker = tr
		p.logger.Debug("resumed parser state",
			zap.Int("unprocessed", len(p.resume.Unprocessed)),
			zap.Int("inProcess", len(p.resume.InProcess)),
			zap.Int64("fileSize", p.resume.FileSize))
		p.resume = nil
	} else {
		p.tracker = state.NewTracker()
	}
	return p, nil
}

// State returns a copy of the current persisted state.
func (p *Parser) State() state.State {
	return p.tracker.Snapshot()
}

// Ingested reports whether a recovered source has been fully decoded and
// every record delivered.
func (p *Parser) Ingested() bool {
	return p.ingested
}

// Pull returns up to n records. Fewer records, including none, mean the
// available data is exhausted. ctx is checked before work starts and by the
// source between reads; a cancelled pull returns ctx's error and delivers
// nothing. Records are only taken off the queue once their state has been
// persisted, so a failed persist leaves them for the next pull.
func (p *Parser) Pull(ctx context.Context, n int) ([]instrument.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, nil
	}
	if err := p.fill(ctx); err != nil {
		return nil, err
	}
	exhausted := p.collect(n)

	k := n
	if k > len(p.ready) {
		k = len(p.ready)
	}
	out := make([]instrument.Record, k)
	copy(out, p.ready)

	next := p.tracker.Clone()
	if left := next.Advance(k); left != 0 {
		err := fmt.Errorf("%w: %d of %d returned records have no in-process packet", ErrSampleAccounting, left, k)
		p.logger.Error("advance", zap.Error(err))
		p.sink.ReportError(err)
	}
	if p.mode == Telemetered && k > 0 {
		last := out[k-1].Timestamp
		next.SetTimestamp(float64(last.UnixNano()) / 1e9)
	}
	ingested := p.mode == Recovered && p.srcEOF && exhausted &&
		len(p.ready) == k && len(next.InProcess()) == 0

	st := next.Snapshot()
	if err := p.sink.PersistState(st, ingested); err != nil {
		return nil, fmt.Errorf("persist state: %w", err)
	}
	p.tracker = next
	p.ready = p.ready[k:]
	p.ingested = ingested
	p.logger.Debug("state persisted",
		zap.Int("records", k),
		zap.Int("unprocessed", len(st.Unprocessed)),
		zap.Int("inProcess", len(st.InProcess)),
		zap.Bool("ingested", p.ingested))
	if k > 0 {
		if err := p.sink.EmitRecords(out); err != nil {
			return out, fmt.Errorf("emit records: %w", err)
		}
		p.metrics.AddRecords(k)
	}
	return out, nil
}

// fill reads every byte the source has right now.
func (p *Parser) fill(ctx context.Context) error {
	p.srcEOF = false
	for {
		chunk, err := p.src.ReadMore(ctx)
		if len(chunk) > 0 {
			if p.mode == Telemetered {
				p.buf = p.unesc.Append(p.buf, chunk)
			} else {
				p.buf = append(p.buf, chunk...)
			}
		}
		if errors.Is(err, io.EOF) {
			p.srcEOF = true
			if p.mode == Telemetered && ended(p.src) {
				p.buf = p.unesc.Flush(p.buf)
			}
			break
		}
		if err != nil {
			return err
		}
		p.yield()
	}
	if p.tracker.Grow(int64(len(p.buf))) {
		p.logger.Debug("source grew", zap.Int64("fileSize", p.tracker.FileSize()))
	}
	return nil
}

// collect decodes until at least n records are ready or no data is left.
// It reports whether the data ran out.
func (p *Parser) collect(n int) bool {
	var cursor int64
	for len(p.ready) < n {
		iv, origin, ok := p.tracker.NextUnprocessed(cursor)
		if !ok {
			return true
		}
		switch origin {
		case state.FromInProcess:
			// restored packets are settled first; the cursor stays put
			// so every pending packet is seen in discovery order
			p.redecode(iv)
		case state.FromUnprocessed:
			from := iv.Start
			if cursor > from {
				from = cursor
			}
			end := iv.End
			if end > int64(len(p.buf)) {
				end = int64(len(p.buf))
			}
			if from >= end {
				return true
			}
			p.sift(from, end)
			cursor = end
		default:
			return true
		}
	}
	return false
}

// redecode decodes a restored in-process packet again and drops the records
// delivered before the snapshot was taken.
func (p *Parser) redecode(iv state.Interval) {
	pkt, _ := p.tracker.Lookup(iv)
	var recs []instrument.Record
	if iv.End <= int64(len(p.buf)) {
		if hdr, err := sio.ParseHeader(p.buf, int(iv.Start)); err == nil {
			recs = p.decode(sio.Packet{Header: hdr, Start: int(iv.Start), End: int(iv.End)})
		} else {
			p.sink.ReportError(fmt.Errorf("restored packet %s: %w", iv, err))
		}
	} else {
		p.sink.ReportError(fmt.Errorf("restored packet %s lies beyond %d buffered bytes", iv, len(p.buf)))
	}
	if err := p.tracker.Redecoded(iv, len(recs)); err != nil {
		p.logger.Warn("restored packet changed", zap.Error(err))
		p.sink.ReportError(err)
	}
	skip := pkt.SamplesReturned
	if skip > len(recs) {
		skip = len(recs)
	}
	p.ready = append(p.ready, recs[skip:]...)
}

// sift sieves buf[from:end] and decodes every newly found block.
func (p *Parser) sift(from, end int64) {
	res := p.sieve.Scan(p.buf[:end], int(from))
	p.metrics.AddBytes(end - from)
	for _, rej := range res.Rejects {
		p.metrics.IncReject()
		p.logger.Debug("block rejected", zap.Int("offset", rej.Offset), zap.String("reason", rej.Reason))
	}
	for _, pkt := range res.Packets {
		iv := state.Interval{Start: int64(pkt.Start), End: int64(pkt.End)}
		if !p.tracker.MarkInProcess(iv) {
			continue
		}
		p.metrics.AddPacket(iv.Len())
		recs := p.decode(pkt)
		p.tracker.RecordSampleCount(len(recs))
		p.ready = append(p.ready, recs...)
	}
	for _, span := range res.Leftovers {
		if res.PendingAt >= 0 && span.End > res.PendingAt {
			span.End = res.PendingAt
		}
		if span.Start >= span.End {
			continue
		}
		p.unexpected(state.Interval{Start: int64(span.Start), End: int64(span.End)})
	}
}

// decode runs the family decoder over one block. Blocks of other
// instruments and rejected payloads yield no records.
func (p *Parser) decode(pkt sio.Packet) []instrument.Record {
	if !p.family.Accepts(pkt.Header.InstrumentID) {
		return nil
	}
	recs, err := p.family.Decode(pkt.Payload(p.buf), pkt.Header.Time())
	if err != nil {
		var de *instrument.DecodeError
		if errors.As(err, &de) {
			de.Offset = int64(pkt.Start)
		}
		p.metrics.IncDecodeError()
		p.logger.Warn("packet not decoded", zap.Int("offset", pkt.Start), zap.Error(err))
		p.sink.ReportError(err)
		return nil
	}
	for i := range recs {
		recs[i].Offset = int64(pkt.Start)
	}
	return recs
}

// unexpected reports a span once per parser. Zero-filled spans are
// placeholders for data not yet backfilled and are not reported.
func (p *Parser) unexpected(iv state.Interval) {
	if _, seen := p.reported[iv]; seen {
		return
	}
	p.reported[iv] = struct{}{}
	data := p.buf[iv.Start:iv.End]
	if len(bytes.Trim(data, "\x00")) == 0 {
		return
	}
	head := data
	if len(head) > 16 {
		head = head[:16]
	}
	err := &UnexpectedDataError{Start: iv.Start, End: iv.End, Head: append([]byte(nil), head...)}
	p.metrics.IncUnexpected()
	p.logger.Info("unexpected data", zap.Int64("start", iv.Start), zap.Int64("end", iv.End))
	p.sink.ReportError(err)
}

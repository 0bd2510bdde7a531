package sio

import (
	"bytes"
	"errors"
	"strings"

	"go.uber.org/zap"

	"example.com/siomule/internal/checksum"
)

// Sieve scans buffered bytes for validated SIO blocks. It never decodes
// payloads.
type Sieve struct {
	Logger *zap.Logger
	// Yield is called after every candidate header so a host scheduler can
	// run other work during long scans.
	Yield func()
}

// Scan sieves buf from offset from to len(buf). Offsets in the result are
// absolute positions in buf.
func (s *Sieve) Scan(buf []byte, from int) Result {
	res := Result{PendingAt: -1}
	if from < 0 {
		from = 0
	}
	logger := s.logger()
	cursor := from
	gapStart := from
	for cursor < len(buf) {
		rel := bytes.IndexByte(buf[cursor:], blockStart)
		if rel < 0 {
			break
		}
		at := cursor + rel
		hdr, err := ParseHeader(buf, at)
		if err != nil {
			if errors.Is(err, ErrShortHeader) {
				s.markPending(&res, at)
				break
			}
			cursor = at + 1
			continue
		}
		s.yield()

		end := hdr.End + hdr.PayloadLength
		if end >= len(buf) {
			// the block is not fully buffered yet
			s.markPending(&res, at)
			cursor = hdr.End
			continue
		}
		if buf[end] != blockEnd {
			logger.Debug("sio block end missing", zap.Int("offset", at), zap.Int("end", end))
			res.Rejects = append(res.Rejects, Reject{Offset: at, Reason: "block end 0x03 missing"})
			cursor = hdr.End
			continue
		}
		calc := checksum.SIOHeader(buf[hdr.End:end])
		if !strings.EqualFold(calc, hdr.Checksum) {
			logger.Debug("sio header checksum mismatch",
				zap.Int("offset", at),
				zap.String("declared", hdr.Checksum),
				zap.String("computed", calc))
			res.Rejects = append(res.Rejects, Reject{Offset: at, Reason: "header checksum mismatch"})
			cursor = hdr.End
			continue
		}

		if at > gapStart {
			res.Leftovers = append(res.Leftovers, Span{Start: gapStart, End: at})
		}
		res.Packets = append(res.Packets, Packet{Header: hdr, Start: at, End: end + 1})
		cursor = end + 1
		gapStart = cursor
	}
	if gapStart < len(buf) {
		res.Leftovers = append(res.Leftovers, Span{Start: gapStart, End: len(buf)})
	}
	return res
}

func (s *Sieve) markPending(res *Result, at int) {
	if res.PendingAt < 0 {
		res.PendingAt = at
	}
}

func (s *Sieve) logger() *zap.Logger {
	if s == nil || s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

func (s *Sieve) yield() {
	if s != nil && s.Yield != nil {
		s.Yield()
	}
}

package sio

import (
	"errors"
	"fmt"
	"strconv"
)

const (
	HeaderSize = 33

	blockStart   = 0x01
	headerEnd    = 0x02
	blockEnd     = 0x03
	escapeByte   = 0x18
	fieldDivider = '_'
)

// Known instrument identifiers carried in the SIO header.
var InstrumentIDs = []string{"CT", "AD", "FL", "DO", "PH", "PS", "CS", "WA", "WC", "WE", "CO"}

var (
	ErrNotHeader    = errors.New("bytes do not form an SIO header")
	ErrShortHeader  = errors.New("header truncated")
	ErrUnknownIDTag = errors.New("instrument id not in allow-list")
)

func knownID(a, b byte) bool {
	for _, id := range InstrumentIDs {
		if id[0] == a && id[1] == b {
			return true
		}
	}
	return false
}

// ParseHeader parses the header that starts at buf[offset].
func ParseHeader(buf []byte, offset int) (Header, error) {
	var hdr Header
	if offset < 0 || offset >= len(buf) || buf[offset] != blockStart {
		return hdr, ErrNotHeader
	}
	if offset+HeaderSize > len(buf) {
		return hdr, ErrShortHeader
	}
	h := buf[offset : offset+HeaderSize]
	if !knownID(h[1], h[2]) {
		return hdr, ErrUnknownIDTag
	}
	if !allDecimal(h[3:10]) {
		return hdr, fmt.Errorf("%w: controller/inductive id", ErrNotHeader)
	}
	if h[10] != fieldDivider || h[24] != fieldDivider || h[27] != fieldDivider {
		return hdr, fmt.Errorf("%w: field divider", ErrNotHeader)
	}
	if !allHex(h[11:15]) || !allHex(h[16:24]) || !allHex(h[25:27]) || !allHex(h[28:32]) {
		return hdr, fmt.Errorf("%w: hex field", ErrNotHeader)
	}
	if !isAlnum(h[15]) {
		return hdr, fmt.Errorf("%w: processing flag", ErrNotHeader)
	}
	if h[32] != headerEnd {
		return hdr, fmt.Errorf("%w: missing 0x02", ErrNotHeader)
	}

	length, _ := strconv.ParseUint(string(h[11:15]), 16, 16)
	ts, _ := strconv.ParseUint(string(h[16:24]), 16, 32)
	block, _ := strconv.ParseUint(string(h[25:27]), 16, 8)

	hdr = Header{
		InstrumentID:  string(h[1:3]),
		ControllerID:  string(h[3:8]),
		InductiveID:   string(h[8:10]),
		PayloadLength: int(length),
		Flag:          h[15],
		Timestamp:     uint32(ts),
		BlockNumber:   uint8(block),
		Checksum:      string(h[28:32]),
		Start:         offset,
		End:           offset + HeaderSize,
	}
	return hdr, nil
}

func allDecimal(b []byte) bool {
	for _, c := range b {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func allHex(b []byte) bool {
	for _, c := range b {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

func isAlnum(c byte) bool {
	return c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

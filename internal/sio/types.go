package sio

import "time"

// Header is a parsed SIO controller block header.
type Header struct {
	InstrumentID  string
	ControllerID  string
	InductiveID   string
	PayloadLength int
	Flag          byte
	Timestamp     uint32
	BlockNumber   uint8
	Checksum      string

	// Start is the offset of the 0x01 start byte; End is one past the 0x02
	// byte, i.e. the first payload byte.
	Start int
	End   int
}

// Time converts the controller's POSIX timestamp.
func (h Header) Time() time.Time {
	return time.Unix(int64(h.Timestamp), 0).UTC()
}

// Packet is a validated block: header, payload and trailing 0x03.
type Packet struct {
	Header Header
	Start  int
	End    int
}

// Payload returns the payload bytes of p within buf.
func (p Packet) Payload(buf []byte) []byte {
	return buf[p.Header.End : p.Header.End+p.Header.PayloadLength]
}

// Span is a half-open byte range that matched no validated packet.
type Span struct {
	Start int
	End   int
}

// Reject records a header that was found but failed validation.
type Reject struct {
	Offset int
	Reason string
}

// Result is the outcome of one sieve pass.
type Result struct {
	Packets   []Packet
	Leftovers []Span
	Rejects   []Reject

	// PendingAt is the offset of the first header whose block extends past
	// the buffered bytes, or -1.
	PendingAt int
}

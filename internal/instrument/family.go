// Package instrument decodes the payloads carried inside SIO controller
// blocks for each supported instrument family.
package instrument

import (
	"fmt"
	"strings"
	"time"
)

// Family is the closed set of instrument families the engine decodes.
type Family int

const (
	Unknown Family = iota
	ADCPS
	DOSTAD
	FLORTD
	PHSEN
)

type decodeFunc func(payload []byte, controller time.Time) ([]Record, error)

type familySpec struct {
	name    string
	id      string
	streams []string
	decode  decodeFunc
}

// families is filled in init so decoders may use Family methods without an
// initialization cycle.
var families map[Family]familySpec

func init() {
	families = map[Family]familySpec{
		ADCPS: {
			name:    "adcps",
			id:      "AD",
			streams: []string{StreamADCPS},
			decode:  decodeADCPS,
		},
		DOSTAD: {
			name:    "dostad",
			id:      "DO",
			streams: []string{StreamDOSTAD},
			decode:  decodeDOSTAD,
		},
		FLORTD: {
			name:    "flortd",
			id:      "FL",
			streams: []string{StreamFLORTD},
			decode:  decodeFLORTD,
		},
		PHSEN: {
			name:    "phsen",
			id:      "PH",
			streams: []string{StreamPHSENInstrument, StreamPHSENMetadata},
			decode:  decodePHSEN,
		},
	}
}

// Families lists every supported family in a stable order.
func Families() []Family {
	return []Family{ADCPS, DOSTAD, FLORTD, PHSEN}
}

// ParseFamily resolves a family by name ("adcps") or SIO instrument ID ("AD").
func ParseFamily(s string) (Family, error) {
	for _, f := range Families() {
		spec := families[f]
		if strings.EqualFold(s, spec.name) || s == spec.id {
			return f, nil
		}
	}
	return Unknown, fmt.Errorf("unknown instrument family %q", s)
}

func (f Family) String() string {
	if spec, ok := families[f]; ok {
		return spec.name
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (f Family) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *Family) UnmarshalText(b []byte) error {
	v, err := ParseFamily(string(b))
	if err != nil {
		return err
	}
	*f = v
	return nil
}

// ID returns the two-letter SIO instrument ID carried in block headers.
func (f Family) ID() string {
	return families[f].id
}

// Streams returns the record stream names the family produces.
func (f Family) Streams() []string {
	return append([]string(nil), families[f].streams...)
}

// Accepts reports whether blocks with the given instrument ID belong to f.
func (f Family) Accepts(instrumentID string) bool {
	spec, ok := families[f]
	return ok && spec.id == instrumentID
}

// Decode turns one block payload into records. controller is the block
// header timestamp. Rejected payloads return a *DecodeError.
func (f Family) Decode(payload []byte, controller time.Time) ([]Record, error) {
	spec, ok := families[f]
	if !ok {
		return nil, fmt.Errorf("decode: unsupported family %d", int(f))
	}
	recs, err := spec.decode(payload, controller)
	if err != nil {
		return nil, err
	}
	for i := range recs {
		recs[i].Family = f
	}
	return recs, nil
}

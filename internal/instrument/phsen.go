package instrument

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"example.com/siomule/internal/checksum"
)

const (
	StreamPHSENInstrument = "phsen_abcdef_sio_mule_instrument"
	StreamPHSENMetadata   = "phsen_abcdef_sio_mule_metadata"
)

const (
	phsenTypeMeasurement = 0x0A
	phsenLenMeasurement  = 0xE7
	phsenLenControl      = 0x14

	phsenReferenceLights = 16
	phsenLights          = 92
	phsenLineMarker      = "^0A"
)

// sami1904 is the SAMI clock epoch.
var sami1904 = time.Date(1904, 1, 1, 0, 0, 0, 0, time.UTC)

// SAMITime converts seconds since 1904-01-01 UTC.
func SAMITime(sec uint32) time.Time {
	return sami1904.Add(time.Duration(sec) * time.Second)
}

// hexFields walks fixed-width hex fields of a SAMI record.
type hexFields struct {
	s   string
	pos int
	err error
}

func (h *hexFields) next(width int) uint64 {
	if h.err != nil {
		return 0
	}
	if h.pos+width > len(h.s) {
		h.err = fmt.Errorf("record ends at %d, field needs %d more digits", len(h.s), h.pos+width-len(h.s))
		return 0
	}
	v, err := strconv.ParseUint(h.s[h.pos:h.pos+width], 16, 64)
	if err != nil {
		h.err = err
		return 0
	}
	h.pos += width
	return v
}

func (h *hexFields) ints(n, width int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = int(h.next(width))
	}
	return out
}

// samiLines splits a PHSEN payload into SAMI records without the leading '*'.
func samiLines(payload []byte) ([]string, error) {
	var out []string
	for _, line := range bytes.FieldsFunc(payload, func(r rune) bool { return r == '\r' || r == '\n' }) {
		s := strings.TrimSpace(string(line))
		s = strings.TrimPrefix(s, phsenLineMarker)
		if s == "" {
			continue
		}
		if s[0] != '*' {
			return nil, fmt.Errorf("record %d does not start with '*'", len(out))
		}
		out = append(out, s[1:])
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no SAMI records")
	}
	return out, nil
}

func decodePHSEN(payload []byte, controller time.Time) ([]Record, error) {
	lines, err := samiLines(payload)
	if err != nil {
		return nil, decodeErr(PHSEN, "malformed payload", err)
	}
	recs := make([]Record, 0, len(lines))
	for i, line := range lines {
		rec, err := decodeSAMI(line, controller)
		if err != nil {
			return nil, decodeErr(PHSEN, fmt.Sprintf("record %d", i), err)
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func decodeSAMI(line string, controller time.Time) (Record, error) {
	h := &hexFields{s: line}
	uniqueID := h.next(2)
	length := h.next(2)
	typ := h.next(2)
	recTime := h.next(8)
	if h.err != nil {
		return Record{}, h.err
	}

	var wantLen uint64
	switch {
	case typ == phsenTypeMeasurement:
		wantLen = phsenLenMeasurement
	case typ >= 0x80:
		wantLen = phsenLenControl
	default:
		return Record{}, fmt.Errorf("unknown record type 0x%02X", typ)
	}
	if length != wantLen {
		return Record{}, fmt.Errorf("type 0x%02X declares length 0x%02X, want 0x%02X", typ, length, wantLen)
	}
	if got := len(line); got != 2+2*int(length) {
		return Record{}, fmt.Errorf("record has %d hex digits, length 0x%02X needs %d", got, length, 2+2*int(length))
	}

	values := map[string]any{
		"unique_id":        int(uniqueID),
		"record_length":    int(length),
		"record_type":      int(typ),
		"record_time":      int64(recTime),
		"instrument_clock": SAMITime(uint32(recTime)).Format(time.RFC3339),
	}
	stream := StreamPHSENMetadata
	if typ == phsenTypeMeasurement {
		stream = StreamPHSENInstrument
		values["thermistor_start"] = int(h.next(4))
		values["reference_light_measurements"] = h.ints(phsenReferenceLights, 4)
		values["light_measurements"] = h.ints(phsenLights, 4)
		h.next(4) // unused
		values["voltage_battery"] = int(h.next(4))
		values["thermistor_end"] = int(h.next(4))
	} else {
		values["status_flags"] = int(h.next(4))
		values["num_data_records"] = int(h.next(6))
		values["num_error_records"] = int(h.next(6))
		values["num_bytes_stored"] = int(h.next(6))
		values["voltage_battery"] = int(h.next(4))
	}
	declared := h.next(2)
	if h.err != nil {
		return Record{}, h.err
	}

	computed, err := checksum.HexPairSum8([]byte(line[2 : len(line)-2]))
	if err != nil {
		return Record{}, err
	}
	quality := QualityOK
	if uint64(computed) != declared {
		quality = QualityChecksumFailed
	}
	values["passed_checksum"] = quality == QualityOK

	return Record{
		Stream:    stream,
		Timestamp: controller.UTC(),
		Quality:   quality,
		Values:    values,
	}, nil
}

// SAMIRecord builds an ASCII-hex SAMI record line, including the leading
// '*' and trailing checksum, from the digits after record_length. Used for
// fixtures and sample generation.
func SAMIRecord(uniqueID uint8, body string) string {
	length := 1 + len(body)/2 + 1
	inner := fmt.Sprintf("%02X%s", length, body)
	sum, _ := checksum.HexPairSum8([]byte(inner))
	return fmt.Sprintf("*%02X%s%02X", uniqueID, inner, sum)
}

// PHSENMeasurementBody returns the digits of a pH measurement record after
// the length byte: type, time, thermistor, lights, battery and thermistor end.
func PHSENMeasurementBody(recordTime uint32, thermistor int, refs [phsenReferenceLights]int, lights [phsenLights]int, battery, thermistorEnd int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%02X%08X%04X", phsenTypeMeasurement, recordTime, thermistor)
	for _, v := range refs {
		fmt.Fprintf(&b, "%04X", v)
	}
	for _, v := range lights {
		fmt.Fprintf(&b, "%04X", v)
	}
	fmt.Fprintf(&b, "%04X%04X%04X", 0, battery, thermistorEnd)
	return b.String()
}

// PHSENControlBody returns the digits of a control record after the length
// byte.
func PHSENControlBody(typ uint8, recordTime uint32, flags, dataRecords, errorRecords, bytesStored, battery int) string {
	return fmt.Sprintf("%02X%08X%04X%06X%06X%06X%04X", typ, recordTime, flags, dataRecords, errorRecords, bytesStored, battery)
}

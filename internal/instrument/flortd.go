package instrument

import (
	"bytes"
	"fmt"
	"strconv"
	"time"
)

const StreamFLORTD = "flortd_sio_instrument"

var flortdPrefix = []byte{0xFF, 0xFF, 0xFF, 0xFF, 0x42}

var flortdIntFields = []string{
	"measurement_wavelength_beta",
	"raw_signal_beta",
	"measurement_wavelength_chl",
	"raw_signal_chl",
	"measurement_wavelength_cdom",
	"raw_signal_cdom",
	"raw_internal_temp",
}

// FLORTDSample is one fluorometer reading. Date and Time are the
// instrument's own MM/DD/YY and HH:MM:SS strings.
type FLORTDSample struct {
	Date   string
	Time   string
	Values [7]int
}

// Encode writes the sample the way the controller forwards it.
func (s FLORTDSample) Encode() []byte {
	var b bytes.Buffer
	b.Write(flortdPrefix)
	b.WriteString(s.Date)
	b.WriteByte('\t')
	b.WriteString(s.Time)
	for _, v := range s.Values {
		b.WriteByte('\t')
		b.WriteString(strconv.Itoa(v))
	}
	b.WriteString("\r\n")
	return b.Bytes()
}

// flortdTime converts the instrument clock. Two-digit years are 20YY.
func flortdTime(date, clock string) (time.Time, error) {
	ts, err := time.Parse("01/02/06 15:04:05", date+" "+clock)
	if err != nil {
		return time.Time{}, err
	}
	if ts.Year() < 2000 {
		ts = ts.AddDate(100, 0, 0)
	}
	return ts.UTC(), nil
}

func decodeFLORTD(payload []byte, _ time.Time) ([]Record, error) {
	fields, err := splitLine(FLORTD, payload, flortdPrefix, 2+len(flortdIntFields))
	if err != nil {
		return nil, err
	}
	ts, err := flortdTime(fields[0], fields[1])
	if err != nil {
		return nil, decodeErr(FLORTD, fmt.Sprintf("instrument clock %q %q", fields[0], fields[1]), err)
	}
	values := map[string]any{
		"date_string": fields[0],
		"time_string": fields[1],
	}
	for i, name := range flortdIntFields {
		v, err := strconv.Atoi(fields[2+i])
		if err != nil {
			return nil, decodeErr(FLORTD, name, err)
		}
		values[name] = v
	}
	return []Record{{
		Stream:    StreamFLORTD,
		Timestamp: ts,
		Quality:   QualityOK,
		Values:    values,
	}}, nil
}

package instrument

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const StreamDOSTAD = "dostad_sio_instrument"

var dostadPrefix = []byte{0xFF, 0x11, 0x25, 0x11}

var dostadFloatFields = []string{
	"estimated_oxygen_concentration",
	"estimated_oxygen_saturation",
	"optode_temperature",
	"calibrated_phase",
	"temp_compensated_phase",
	"blue_phase",
	"red_phase",
	"blue_amplitude",
	"red_amplitude",
	"raw_temperature",
}

// DOSTADSample is one oxygen optode reading.
type DOSTADSample struct {
	ProductNumber int
	SerialNumber  int
	// Values follows the optode's output order: concentration, saturation,
	// optode temperature, calibrated phase, compensated phase, blue phase,
	// red phase, blue amplitude, red amplitude, raw temperature.
	Values [10]float64
}

// Encode writes the sample the way the controller forwards it.
func (s DOSTADSample) Encode() []byte {
	var b bytes.Buffer
	b.Write(dostadPrefix)
	fmt.Fprintf(&b, "%d\t%d", s.ProductNumber, s.SerialNumber)
	for _, v := range s.Values {
		b.WriteByte('\t')
		b.WriteString(strconv.FormatFloat(v, 'f', -1, 64))
	}
	b.WriteString("\r\n")
	return b.Bytes()
}

// splitLine checks prefix and CRLF terminator and returns the tab-separated
// fields in between.
func splitLine(f Family, payload, prefix []byte, want int) ([]string, error) {
	if !bytes.HasPrefix(payload, prefix) {
		return nil, decodeErr(f, "payload prefix mismatch", nil)
	}
	body := payload[len(prefix):]
	if !bytes.HasSuffix(body, []byte("\r\n")) {
		return nil, decodeErr(f, "payload not terminated by CRLF", nil)
	}
	fields := strings.Split(string(body[:len(body)-2]), "\t")
	if len(fields) != want {
		return nil, decodeErr(f, fmt.Sprintf("%d fields, want %d", len(fields), want), nil)
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}
	return fields, nil
}

func decodeDOSTAD(payload []byte, controller time.Time) ([]Record, error) {
	fields, err := splitLine(DOSTAD, payload, dostadPrefix, 2+len(dostadFloatFields))
	if err != nil {
		return nil, err
	}
	product, err := strconv.Atoi(fields[0])
	if err != nil {
		return nil, decodeErr(DOSTAD, "product_number", err)
	}
	serial, err := strconv.Atoi(fields[1])
	if err != nil {
		return nil, decodeErr(DOSTAD, "serial_number", err)
	}
	values := map[string]any{
		"product_number": product,
		"serial_number":  serial,
	}
	for i, name := range dostadFloatFields {
		v, err := strconv.ParseFloat(fields[2+i], 64)
		if err != nil {
			return nil, decodeErr(DOSTAD, name, err)
		}
		values[name] = v
	}
	return []Record{{
		Stream:    StreamDOSTAD,
		Timestamp: controller.UTC(),
		Quality:   QualityOK,
		Values:    values,
	}}, nil
}

package instrument

import (
	"bytes"
	"errors"
	"fmt"
	"math/bits"
	"strconv"
	"time"

	"github.com/kaitai-io/kaitai_struct_go_runtime/kaitai"

	"example.com/siomule/internal/checksum"
)

const StreamADCPS = "adcps_jln_sio_mule_instrument"

const (
	adcpsHeaderSize = 32
	adcpsWrapOpen   = `<adcp crc32="`
	adcpsWrapClose  = `</adcp>`
)

var adcpsID = []byte{0x6E, 0x7F}

// ADCPS velocity component flags.
const (
	VelocityEast uint8 = 1 << iota
	VelocityNorth
	VelocityUp
	VelocityError
)

var velocityNames = []struct {
	flag uint8
	name string
}{
	{VelocityEast, "water_velocity_east"},
	{VelocityNorth, "water_velocity_north"},
	{VelocityUp, "water_velocity_up"},
	{VelocityError, "error_velocity"},
}

// ADCPSEnsemble is one little-endian ADCP ensemble.
type ADCPSEnsemble struct {
	EnsembleNumber   uint16
	UnitID           uint8
	FirmwareVersion  uint8
	FirmwareRevision uint8
	Time             time.Time
	Heading          uint16 // 0.01 degree
	Pitch            int16  // 0.01 degree
	Roll             int16  // 0.01 degree
	Temperature      int16  // 0.01 degC
	Pressure         int32  // decapascal
	ComponentFlags   uint8
	StartBin         uint8
	// Velocities holds one slice of mm/s values per flagged component, in
	// east, north, up, error order.
	Velocities [][]int16
}

func (e ADCPSEnsemble) numBins() int {
	if len(e.Velocities) == 0 {
		return 0
	}
	return len(e.Velocities[0])
}

// Encode writes the ensemble followed by its Sum16 checksum.
func (e ADCPSEnsemble) Encode() ([]byte, error) {
	if n := bits.OnesCount8(e.ComponentFlags & 0x0F); n != len(e.Velocities) {
		return nil, fmt.Errorf("adcps: %d velocity components for flags %04b", len(e.Velocities), e.ComponentFlags)
	}
	bins := e.numBins()
	for _, v := range e.Velocities {
		if len(v) != bins {
			return nil, errors.New("adcps: velocity components differ in length")
		}
	}
	if bins > 0xFF {
		return nil, fmt.Errorf("adcps: %d bins", bins)
	}
	numBytes := adcpsHeaderSize + 2*bins*len(e.Velocities)
	if numBytes > 0xFFFF {
		return nil, fmt.Errorf("adcps: ensemble of %d bytes", numBytes)
	}

	var buf bytes.Buffer
	w := kaitai.NewWriter(&buf)
	t := e.Time.UTC()
	steps := []error{
		w.WriteBytes(adcpsID),
		w.WriteU2le(uint16(numBytes)),
		w.WriteU2le(e.EnsembleNumber),
		w.WriteU1(e.UnitID),
		w.WriteU1(e.FirmwareVersion),
		w.WriteU1(e.FirmwareRevision),
		w.WriteU2le(uint16(t.Year())),
		w.WriteU1(uint8(t.Month())),
		w.WriteU1(uint8(t.Day())),
		w.WriteU1(uint8(t.Hour())),
		w.WriteU1(uint8(t.Minute())),
		w.WriteU1(uint8(t.Second())),
		w.WriteU1(uint8(t.Nanosecond() / int(10*time.Millisecond))),
		w.WriteU2le(e.Heading),
		w.WriteS2le(e.Pitch),
		w.WriteS2le(e.Roll),
		w.WriteS2le(e.Temperature),
		w.WriteS4le(e.Pressure),
		w.WriteU1(e.ComponentFlags),
		w.WriteU1(e.StartBin),
		w.WriteU1(uint8(bins)),
	}
	for _, comp := range e.Velocities {
		for _, v := range comp {
			steps = append(steps, w.WriteS2le(v))
		}
	}
	if err := errors.Join(steps...); err != nil {
		return nil, fmt.Errorf("adcps: encode: %w", err)
	}
	sum := checksum.Sum16(buf.Bytes())
	if err := w.WriteU2le(sum); err != nil {
		return nil, fmt.Errorf("adcps: encode: %w", err)
	}
	return buf.Bytes(), nil
}

// WrapADCPS surrounds an encoded ensemble with the CRC-32 XML wrapper.
func WrapADCPS(ensemble []byte) []byte {
	out := make([]byte, 0, len(ensemble)+32)
	out = append(out, adcpsWrapOpen...)
	out = append(out, fmt.Sprintf("%08x", checksum.CRC32Raw(ensemble))...)
	out = append(out, `">`...)
	out = append(out, ensemble...)
	return append(out, adcpsWrapClose...)
}

func unwrapADCPS(payload []byte) ([]byte, error) {
	if !bytes.HasPrefix(payload, []byte(adcpsWrapOpen)) {
		return payload, nil
	}
	rest := payload[len(adcpsWrapOpen):]
	if len(rest) < 10 || rest[8] != '"' || rest[9] != '>' {
		return nil, decodeErr(ADCPS, "malformed crc32 wrapper", nil)
	}
	declared, err := strconv.ParseUint(string(rest[:8]), 16, 32)
	if err != nil {
		return nil, decodeErr(ADCPS, "malformed crc32 wrapper", err)
	}
	body := bytes.TrimRight(rest[10:], "\r\n")
	if !bytes.HasSuffix(body, []byte(adcpsWrapClose)) {
		return nil, decodeErr(ADCPS, "crc32 wrapper not closed", nil)
	}
	ens := body[:len(body)-len(adcpsWrapClose)]
	if got := checksum.CRC32Raw(ens); got != uint32(declared) {
		return nil, decodeErr(ADCPS, fmt.Sprintf("crc32 mismatch: declared %08x computed %08x", declared, got), nil)
	}
	return ens, nil
}

// adcpsReader collects the first read error so field decoding stays linear.
type adcpsReader struct {
	s   *kaitai.Stream
	err error
}

func (r *adcpsReader) u1() uint8 {
	if r.err != nil {
		return 0
	}
	v, err := r.s.ReadU1()
	r.err = err
	return v
}

func (r *adcpsReader) u2() uint16 {
	if r.err != nil {
		return 0
	}
	v, err := r.s.ReadU2le()
	r.err = err
	return v
}

func (r *adcpsReader) s2() int16 {
	if r.err != nil {
		return 0
	}
	v, err := r.s.ReadS2le()
	r.err = err
	return v
}

func (r *adcpsReader) s4() int32 {
	if r.err != nil {
		return 0
	}
	v, err := r.s.ReadS4le()
	r.err = err
	return v
}

// ParseADCPSEnsemble decodes and checks an unwrapped ensemble.
func ParseADCPSEnsemble(ens []byte) (ADCPSEnsemble, error) {
	var out ADCPSEnsemble
	if len(ens) < adcpsHeaderSize+2 {
		return out, decodeErr(ADCPS, fmt.Sprintf("ensemble too short: %d bytes", len(ens)), nil)
	}
	if !bytes.Equal(ens[:2], adcpsID) {
		return out, decodeErr(ADCPS, fmt.Sprintf("bad ensemble id % X", ens[:2]), nil)
	}
	r := &adcpsReader{s: kaitai.NewStream(bytes.NewReader(ens[2:]))}
	numBytes := int(r.u2())
	out.EnsembleNumber = r.u2()
	out.UnitID = r.u1()
	out.FirmwareVersion = r.u1()
	out.FirmwareRevision = r.u1()
	year := int(r.u2())
	month, day := int(r.u1()), int(r.u1())
	hour, minute, second, hundredths := int(r.u1()), int(r.u1()), int(r.u1()), int(r.u1())
	out.Heading = r.u2()
	out.Pitch = r.s2()
	out.Roll = r.s2()
	out.Temperature = r.s2()
	out.Pressure = r.s4()
	out.ComponentFlags = r.u1()
	out.StartBin = r.u1()
	bins := int(r.u1())
	if r.err != nil {
		return out, decodeErr(ADCPS, "truncated ensemble header", r.err)
	}

	comps := bits.OnesCount8(out.ComponentFlags & 0x0F)
	if want := adcpsHeaderSize + 2*bins*comps; numBytes != want {
		return out, decodeErr(ADCPS, fmt.Sprintf("num_bytes %d, layout needs %d", numBytes, want), nil)
	}
	if len(ens) != numBytes+2 {
		return out, decodeErr(ADCPS, fmt.Sprintf("ensemble is %d bytes, header declares %d", len(ens), numBytes+2), nil)
	}
	if month < 1 || month > 12 || day < 1 || day > 31 || hour > 23 || minute > 59 || second > 59 || hundredths > 99 {
		return out, decodeErr(ADCPS, fmt.Sprintf("invalid clock %04d-%02d-%02d %02d:%02d:%02d.%02d",
			year, month, day, hour, minute, second, hundredths), nil)
	}
	out.Time = time.Date(year, time.Month(month), day, hour, minute, second, hundredths*int(10*time.Millisecond), time.UTC)

	out.Velocities = make([][]int16, comps)
	for c := range out.Velocities {
		out.Velocities[c] = make([]int16, bins)
		for b := range out.Velocities[c] {
			out.Velocities[c][b] = r.s2()
		}
	}
	declared := r.u2()
	if r.err != nil {
		return out, decodeErr(ADCPS, "truncated velocity data", r.err)
	}
	if got := checksum.Sum16(ens[:numBytes]); got != declared {
		return out, decodeErr(ADCPS, fmt.Sprintf("ensemble checksum mismatch: declared %04X computed %04X", declared, got), nil)
	}
	return out, nil
}

func decodeADCPS(payload []byte, _ time.Time) ([]Record, error) {
	ens, err := unwrapADCPS(payload)
	if err != nil {
		return nil, err
	}
	e, err := ParseADCPSEnsemble(ens)
	if err != nil {
		return nil, err
	}
	values := map[string]any{
		"ensemble_number":          int(e.EnsembleNumber),
		"unit_id":                  int(e.UnitID),
		"firmware_version":         int(e.FirmwareVersion),
		"firmware_revision":        int(e.FirmwareRevision),
		"real_time_clock":          e.Time.Format("2006-01-02T15:04:05.00Z"),
		"heading":                  float64(e.Heading) / 100,
		"pitch":                    float64(e.Pitch) / 100,
		"roll":                     float64(e.Roll) / 100,
		"temperature":              float64(e.Temperature) / 100,
		"pressure":                 int(e.Pressure),
		"velocity_component_flags": int(e.ComponentFlags),
		"start_bin":                int(e.StartBin),
		"num_bins":                 e.numBins(),
	}
	c := 0
	for _, vn := range velocityNames {
		if e.ComponentFlags&vn.flag == 0 {
			continue
		}
		vals := make([]int, len(e.Velocities[c]))
		for i, v := range e.Velocities[c] {
			vals[i] = int(v)
		}
		values[vn.name] = vals
		c++
	}
	return []Record{{
		Stream:    StreamADCPS,
		Timestamp: e.Time,
		Quality:   QualityOK,
		Values:    values,
	}}, nil
}

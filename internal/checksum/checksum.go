// Package checksum implements the checksum families used by SIO controller
// blocks and the instrument payloads they carry.
package checksum

import (
	"fmt"
	"hash/crc32"
)

const sioPoly = 0x8408

// SIOHeader returns the header checksum the SIO controller writes for a block
// payload, formatted as four uppercase hex digits.
func SIOHeader(payload []byte) string {
	var c SIOAccumulator
	c.Reset()
	c.Write(payload)
	return fmt.Sprintf("%04X", c.Sum16())
}

// SIOAccumulator is a streaming form of SIOHeader.
type SIOAccumulator struct {
	value uint16
}

// Reset seeds the accumulator.
func (c *SIOAccumulator) Reset() {
	c.value = 0xFFFF
}

// Write folds p into the running value.
func (c *SIOAccumulator) Write(p []byte) {
	for _, b := range p {
		c.value ^= uint16(b)
		for i := 0; i < 8; i++ {
			if c.value&1 != 0 {
				c.value = (c.value >> 1) ^ sioPoly
			} else {
				c.value >>= 1
			}
		}
	}
}

// Sum16 returns the complemented running value.
func (c *SIOAccumulator) Sum16() uint16 {
	return ^c.value
}

var ieeeTable = crc32.MakeTable(crc32.IEEE)

// CRC32Raw returns the reflected IEEE CRC-32 register seeded with 0xFFFFFFFF
// without the final inversion. Instrument XML wrappers declare this raw value.
func CRC32Raw(payload []byte) uint32 {
	return ^crc32.Update(0, ieeeTable, payload)
}

// Sum16 is the byte sum modulo 65536.
func Sum16(payload []byte) uint16 {
	var sum uint16
	for _, b := range payload {
		sum += uint16(b)
	}
	return sum
}

// HexPairSum8 sums the bytes encoded by an ASCII hex string modulo 256.
// A trailing odd digit is ignored.
func HexPairSum8(hexDigits []byte) (uint8, error) {
	var sum uint8
	for i := 0; i+1 < len(hexDigits); i += 2 {
		hi, ok := hexNibble(hexDigits[i])
		if !ok {
			return 0, fmt.Errorf("invalid hex digit %q at %d", hexDigits[i], i)
		}
		lo, ok := hexNibble(hexDigits[i+1])
		if !ok {
			return 0, fmt.Errorf("invalid hex digit %q at %d", hexDigits[i+1], i+1)
		}
		sum += hi<<4 | lo
	}
	return sum, nil
}

func hexNibble(c byte) (uint8, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

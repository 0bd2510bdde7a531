package sio

import (
	"fmt"

	"example.com/siomule/internal/checksum"
)

// BlockSpec describes a block for BuildBlock.
type BlockSpec struct {
	InstrumentID string
	ControllerID int
	InductiveID  int
	Flag         byte
	Timestamp    uint32
	BlockNumber  uint8
}

// BuildBlock frames payload as a complete SIO block with a valid header
// checksum.
func BuildBlock(spec BlockSpec, payload []byte) ([]byte, error) {
	if len(spec.InstrumentID) != 2 || !knownID(spec.InstrumentID[0], spec.InstrumentID[1]) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownIDTag, spec.InstrumentID)
	}
	if len(payload) > 0xFFFF {
		return nil, fmt.Errorf("payload too long: %d bytes", len(payload))
	}
	if spec.ControllerID < 0 || spec.ControllerID > 99999 || spec.InductiveID < 0 || spec.InductiveID > 99 {
		return nil, fmt.Errorf("controller/inductive id out of range: %d/%d", spec.ControllerID, spec.InductiveID)
	}
	flag := spec.Flag
	if flag == 0 {
		flag = 'u'
	}
	hdr := fmt.Sprintf("\x01%s%05d%02d_%04X%c%08X_%02X_%s\x02",
		spec.InstrumentID,
		spec.ControllerID,
		spec.InductiveID,
		len(payload),
		flag,
		spec.Timestamp,
		spec.BlockNumber,
		checksum.SIOHeader(payload),
	)
	out := make([]byte, 0, len(hdr)+len(payload)+1)
	out = append(out, hdr...)
	out = append(out, payload...)
	out = append(out, blockEnd)
	return out, nil
}

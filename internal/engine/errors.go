package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrUnexpectedData is matched by every UnexpectedDataError.
	ErrUnexpectedData = errors.New("unexpected data")
	// ErrSampleAccounting reports returned records the tracker could not
	// attribute to an in-process packet.
	ErrSampleAccounting = errors.New("sample accounting mismatch")
)

// UnexpectedDataError reports bytes between validated blocks that match no
// block header. The bytes stay unprocessed.
type UnexpectedDataError struct {
	Start int64
	End   int64
	// Head holds up to the first 16 bytes of the span.
	Head []byte
}

func (e *UnexpectedDataError) Error() string {
	return fmt.Sprintf("unexpected data at [%d,%d): %d bytes, starting % X", e.Start, e.End, e.End-e.Start, e.Head)
}

func (e *UnexpectedDataError) Is(target error) bool { return target == ErrUnexpectedData }

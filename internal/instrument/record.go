package instrument

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Quality flags a decoded record.
type Quality int

const (
	QualityOK Quality = iota
	QualityChecksumFailed
)

func (q Quality) String() string {
	if q == QualityChecksumFailed {
		return "checksum_failed"
	}
	return "ok"
}

// MarshalText implements encoding.TextMarshaler.
func (q Quality) MarshalText() ([]byte, error) {
	return []byte(q.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (q *Quality) UnmarshalText(b []byte) error {
	switch string(b) {
	case "ok":
		*q = QualityOK
	case "checksum_failed":
		*q = QualityChecksumFailed
	default:
		return fmt.Errorf("unknown quality %q", b)
	}
	return nil
}

// Record is one decoded, timestamped sample.
type Record struct {
	Stream    string         `json:"stream"`
	Family    Family         `json:"family"`
	Timestamp time.Time      `json:"timestamp"`
	Quality   Quality        `json:"quality"`
	Values    map[string]any `json:"values"`
	// Offset is the position of the carrying SIO block in the source.
	Offset int64 `json:"offset"`
}

// MarshalJSON keeps the timestamp in UTC with sub-second precision.
func (r Record) MarshalJSON() ([]byte, error) {
	type alias Record
	a := alias(r)
	a.Timestamp = r.Timestamp.UTC()
	return json.Marshal(a)
}

// ErrRecoverable is matched by every DecodeError.
var ErrRecoverable = errors.New("recoverable decode error")

// DecodeError reports a packet the family decoder rejected. The packet's
// range is still consumed with zero samples.
type DecodeError struct {
	Family Family
	Offset int64
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	msg := fmt.Sprintf("%s packet at %d: %s", e.Family, e.Offset, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DecodeError) Unwrap() error { return e.Err }

func (e *DecodeError) Is(target error) bool { return target == ErrRecoverable }

func decodeErr(f Family, reason string, err error) error {
	return &DecodeError{Family: f, Reason: reason, Err: err}
}

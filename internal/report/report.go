// Package report writes decode run summaries as JSON and PDF, and streams
// decoded records as NDJSON.
package report

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"example.com/siomule/internal/common"
	"example.com/siomule/internal/state"
)

// Span is a byte range reported as unexpected data.
type Span struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Summary describes one decode run over a single source.
type Summary struct {
	Source       string                 `json:"source"`
	SourceSHA256 string                 `json:"sourceSha256,omitempty"`
	SourceSize   int64                  `json:"sourceSize"`
	Family       string                 `json:"family"`
	Mode         string                 `json:"mode"`
	StartedAt    time.Time              `json:"startedAt"`
	FinishedAt   time.Time              `json:"finishedAt"`
	Records      map[string]int         `json:"records"`
	DecodeErrors []string               `json:"decodeErrors,omitempty"`
	Unexpected   []Span                 `json:"unexpectedData,omitempty"`
	Ingested     bool                   `json:"ingested"`
	StateKey     string                 `json:"stateKey,omitempty"`
	StateSHA256  string                 `json:"stateSha256"`
	State        *state.State           `json:"state,omitempty"`
	Metrics      common.MetricsSnapshot `json:"metrics"`
}

// TotalRecords sums records across streams.
func (s Summary) TotalRecords() int {
	total := 0
	for _, n := range s.Records {
		total += n
	}
	return total
}

// Streams returns the stream names with at least one record, sorted.
func (s Summary) Streams() []string {
	out := make([]string, 0, len(s.Records))
	for name := range s.Records {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// StateDigest is the SHA-256 of the canonical JSON encoding of st.
func StateDigest(st state.State) (string, error) {
	raw, err := st.Encode()
	if err != nil {
		return "", fmt.Errorf("encode state: %w", err)
	}
	return common.SHA256Hex(raw), nil
}

// SetState records st and its digest.
func (s *Summary) SetState(st state.State) error {
	digest, err := StateDigest(st)
	if err != nil {
		return err
	}
	cp := st.Clone()
	s.State = &cp
	s.StateSHA256 = digest
	return nil
}

func SaveSummaryJSON(sum Summary, out string) error {
	b, err := json.MarshalIndent(sum, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(out, b, 0o644)
}

func LoadSummaryJSON(path string) (Summary, error) {
	var sum Summary
	b, err := os.ReadFile(path)
	if err != nil {
		return sum, err
	}
	err = json.Unmarshal(b, &sum)
	return sum, err
}

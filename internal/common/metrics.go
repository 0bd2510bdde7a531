package common

import (
	"fmt"
	"io"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// Metrics counts decode progress for one or more parsers. Safe for
// concurrent use; batch runs share one instance across files.
type Metrics struct {
	mu           sync.Mutex
	start        time.Time
	end          time.Time
	bytes        int64
	totalBytes   int64
	packets      int64
	rejects      int64
	records      int64
	decodeErrors int64
	unexpected   int64
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) Start() {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.start.IsZero() {
		m.start = time.Now()
		m.end = time.Time{}
	}
	m.mu.Unlock()
}

func (m *Metrics) Stop() {
	if m == nil {
		return
	}
	m.mu.Lock()
	if !m.start.IsZero() && m.end.IsZero() {
		m.end = time.Now()
	}
	m.mu.Unlock()
}

// AddPacket counts one validated SIO block of size bytes.
func (m *Metrics) AddPacket(size int64) {
	if m == nil || size <= 0 {
		return
	}
	m.mu.Lock()
	m.packets++
	m.mu.Unlock()
}

// AddBytes counts bytes handed to the sieve.
func (m *Metrics) AddBytes(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.mu.Lock()
	m.bytes += n
	m.mu.Unlock()
}

// IncReject counts a header that failed block validation.
func (m *Metrics) IncReject() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.rejects++
	m.mu.Unlock()
}

// AddRecords counts records delivered to the caller.
func (m *Metrics) AddRecords(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.mu.Lock()
	m.records += int64(n)
	m.mu.Unlock()
}

func (m *Metrics) IncDecodeError() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.decodeErrors++
	m.mu.Unlock()
}

func (m *Metrics) IncUnexpected() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.unexpected++
	m.mu.Unlock()
}

// AddTotalBytes grows the expected input size; batch runs add one file at a
// time.
func (m *Metrics) AddTotalBytes(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.mu.Lock()
	m.totalBytes += n
	m.mu.Unlock()
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return MetricsSnapshot{
		Duration:     m.elapsedLocked(),
		Bytes:        m.bytes,
		TotalBytes:   m.totalBytes,
		Packets:      m.packets,
		Rejects:      m.rejects,
		Records:      m.records,
		DecodeErrors: m.decodeErrors,
		Unexpected:   m.unexpected,
	}
}

func (m *Metrics) elapsedLocked() time.Duration {
	if m.start.IsZero() {
		return 0
	}
	if !m.end.IsZero() {
		return m.end.Sub(m.start)
	}
	return time.Since(m.start)
}

type MetricsSnapshot struct {
	Duration     time.Duration `json:"duration"`
	Bytes        int64         `json:"bytes"`
	TotalBytes   int64         `json:"totalBytes"`
	Packets      int64         `json:"packets"`
	Rejects      int64         `json:"rejects"`
	Records      int64         `json:"records"`
	DecodeErrors int64         `json:"decodeErrors"`
	Unexpected   int64         `json:"unexpectedData"`
}

func (s MetricsSnapshot) ThroughputBytesPerSecond() float64 {
	if s.Duration <= 0 {
		return 0
	}
	return float64(s.Bytes) / s.Duration.Seconds()
}

func (s MetricsSnapshot) Completion() float64 {
	if s.TotalBytes <= 0 {
		return 0
	}
	ratio := float64(s.Bytes) / float64(s.TotalBytes)
	if ratio < 0 {
		return 0
	}
	if ratio > 1 {
		return 1
	}
	return ratio
}

// FormatBytes renders a byte count with IEC units.
func FormatBytes(b int64) string {
	if b < 0 {
		b = 0
	}
	return humanize.IBytes(uint64(b))
}

func formatProgressLine(s MetricsSnapshot) string {
	rate := humanize.IBytes(uint64(s.ThroughputBytesPerSecond()))
	if s.TotalBytes > 0 {
		pct := s.Completion() * 100
		if math.IsNaN(pct) || math.IsInf(pct, 0) {
			pct = 0
		}
		return fmt.Sprintf("Progress: %6.2f%% (%s / %s) %s/s, %s records",
			pct, FormatBytes(s.Bytes), FormatBytes(s.TotalBytes), rate, humanize.Comma(s.Records))
	}
	return fmt.Sprintf("Sieved: %s %s/s, %s records", FormatBytes(s.Bytes), rate, humanize.Comma(s.Records))
}

func StartProgressPrinter(w io.Writer, m *Metrics, interval time.Duration) func() {
	if m == nil || w == nil {
		return func() {}
	}
	if interval <= 0 {
		interval = time.Second
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		lastLen := 0
		for {
			select {
			case <-ticker.C:
				line := formatProgressLine(m.Snapshot())
				pad := lastLen - len(line)
				if pad > 0 {
					line += strings.Repeat(" ", pad)
				}
				fmt.Fprintf(w, "\r%s", line)
				lastLen = len(line)
			case <-done:
				if lastLen > 0 {
					fmt.Fprintf(w, "\r%s\r\n", strings.Repeat(" ", lastLen))
				}
				return
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

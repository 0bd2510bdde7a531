package common

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestSHA256OfFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.dat")
	if err := os.WriteFile(path, []byte("abc"), 0o644); err != nil {
		t.Fatal(err)
	}
	digest, size, err := SHA256OfFile(path)
	if err != nil {
		t.Fatalf("SHA256OfFile: %v", err)
	}
	const want = "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if digest != want || size != 3 {
		t.Fatalf("digest = %s size = %d", digest, size)
	}
	if SHA256Hex([]byte("abc")) != want {
		t.Fatalf("SHA256Hex mismatch")
	}
}

func TestListSourceFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.dat", "a.dat", ".hidden", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "sub.dat"), 0o755); err != nil {
		t.Fatal(err)
	}
	files, err := ListSourceFiles(dir, "*.dat")
	if err != nil {
		t.Fatalf("ListSourceFiles: %v", err)
	}
	if len(files) != 2 || filepath.Base(files[0]) != "a.dat" || filepath.Base(files[1]) != "b.dat" {
		t.Fatalf("files = %v", files)
	}
	all, _ := ListSourceFiles(dir, "")
	if len(all) != 3 {
		t.Fatalf("all = %v", all)
	}
	if _, err := ListSourceFiles(dir, "["); err == nil {
		t.Fatalf("expected bad pattern error")
	}
}

func TestJournalAppendAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "runs.jsonl")
	j := NewJournal(path)
	if err := j.Append(JournalEntry{Source: "/data/a.dat", Family: "phsen", Records: 9, Ingested: true}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := j.Append(JournalEntry{Source: "/data/b.dat", Error: "boom"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := j.Append(JournalEntry{}); err == nil {
		t.Fatalf("entry without source accepted")
	}
	var nilJournal *Journal
	if err := nilJournal.Append(JournalEntry{Source: "x"}); err == nil {
		t.Fatalf("nil journal accepted entry")
	}
	entries, err := ReadJournal(path)
	if err != nil {
		t.Fatalf("ReadJournal: %v", err)
	}
	if len(entries) != 2 || entries[0].Records != 9 || entries[1].Error != "boom" || entries[0].Ts.IsZero() {
		t.Fatalf("entries = %+v", entries)
	}
}

func TestMetricsSnapshotAndNil(t *testing.T) {
	var nilMetrics *Metrics
	nilMetrics.AddPacket(10)
	nilMetrics.IncReject()
	if nilMetrics.Snapshot() != (MetricsSnapshot{}) {
		t.Fatalf("nil metrics snapshot not zero")
	}

	m := NewMetrics()
	m.Start()
	m.AddTotalBytes(200)
	m.AddBytes(100)
	m.AddPacket(40)
	m.AddPacket(0)
	m.IncReject()
	m.AddRecords(3)
	m.IncDecodeError()
	m.IncUnexpected()
	m.Stop()
	s := m.Snapshot()
	if s.Packets != 1 || s.Rejects != 1 || s.Records != 3 || s.DecodeErrors != 1 || s.Unexpected != 1 {
		t.Fatalf("snapshot = %+v", s)
	}
	if s.Completion() != 0.5 {
		t.Fatalf("completion = %v", s.Completion())
	}
	if line := formatProgressLine(s); !strings.Contains(line, "50.00%") || !strings.Contains(line, "3 records") {
		t.Fatalf("progress line = %q", line)
	}
	if FormatBytes(2048) != "2.0 KiB" {
		t.Fatalf("FormatBytes = %q", FormatBytes(2048))
	}
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]zapcore.Level{"": zapcore.InfoLevel, "DEBUG": zapcore.DebugLevel, " warn ": zapcore.WarnLevel} {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Fatalf("ParseLevel(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestConfigureLoggingWritesRotatingFile(t *testing.T) {
	dir := t.TempDir()
	prev := SetLogger(zap.NewNop())
	t.Cleanup(func() { SetLogger(prev) })

	l, err := ConfigureLogging(LogConfig{Level: "debug", Directory: dir, MaxSizeMB: 1})
	if err != nil {
		t.Fatalf("ConfigureLogging: %v", err)
	}
	l.Debug("state persisted", zap.Int("records", 4))
	Logf("decoded %d files", 2)
	if err := CloseLogging(); err != nil {
		t.Fatalf("CloseLogging: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "siomule.log"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Contains(data, []byte(`"msg":"state persisted"`)) || !bytes.Contains(data, []byte("decoded 2 files")) {
		t.Fatalf("log file = %s", data)
	}
}

func TestNewConsoleLogger(t *testing.T) {
	var buf bytes.Buffer
	l := NewConsoleLogger(&buf, zapcore.WarnLevel)
	l.Info("hidden")
	l.Warn("shown", zap.String("source", "a.dat"))
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "shown") || !strings.Contains(out, "a.dat") {
		t.Fatalf("console output = %q", out)
	}
}

package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"example.com/siomule/internal/common"
	"example.com/siomule/internal/instrument"
	"example.com/siomule/internal/report"
	"example.com/siomule/internal/sio"
)

// writeDOSTADFile writes n back-to-back DOSTA-D blocks.
func writeDOSTADFile(t *testing.T, path string, n int) {
	t.Helper()
	var buf bytes.Buffer
	for i := 0; i < n; i++ {
		sample := instrument.DOSTADSample{
			ProductNumber: 4831,
			SerialNumber:  1100 + i,
			Values:        [10]float64{285.3, 103.2, 13.1, 31.4, 31.4, 31.4, 0, 813.7, 730.7, -65.5},
		}
		blk, err := sio.BuildBlock(sio.BlockSpec{
			InstrumentID: "DO",
			ControllerID: 12371,
			InductiveID:  1,
			Timestamp:    0x51EC763C + uint32(i),
			BlockNumber:  uint8(i),
		}, sample.Encode())
		if err != nil {
			t.Fatalf("BuildBlock: %v", err)
		}
		buf.Write(blk)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--log-level", "error"}, args...))
	err := root.Execute()
	return out.String(), err
}

func countLines(t *testing.T, path string) int {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile %s: %v", path, err)
	}
	return strings.Count(string(data), "\n")
}

func TestDecodeCmdPersistsAndSkipsIngested(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "in", "node58p1.dat")
	writeDOSTADFile(t, src, 3)
	outDir := filepath.Join(root, "out")
	db := filepath.Join(root, "state.db")
	summary := filepath.Join(root, "summary.json")

	args := []string{"--state-store", db, "decode", src, "--family", "dostad", "--out-dir", outDir, "--batch-size", "2"}
	if _, err := run(t, append(args, "--summary", summary)...); err != nil {
		t.Fatalf("decode: %v", err)
	}
	ndjson := filepath.Join(outDir, "node58p1.ndjson")
	if got := countLines(t, ndjson); got != 3 {
		t.Fatalf("records = %d, want 3", got)
	}
	sum, err := report.LoadSummaryJSON(summary)
	if err != nil {
		t.Fatalf("LoadSummaryJSON: %v", err)
	}
	if !sum.Ingested || sum.Records[instrument.StreamDOSTAD] != 3 || sum.StateSHA256 == "" || sum.SourceSHA256 == "" {
		t.Fatalf("summary = %+v", sum)
	}
	if len(sum.Unexpected) != 0 || len(sum.DecodeErrors) != 0 {
		t.Fatalf("problems reported for a clean file: %+v", sum)
	}

	out, err := run(t, args...)
	if err != nil {
		t.Fatalf("second decode: %v", err)
	}
	if !strings.Contains(out, "ingested=true") {
		t.Fatalf("second decode output = %q", out)
	}
	if got := countLines(t, ndjson); got != 3 {
		t.Fatalf("ingested source decoded again: %d records", got)
	}

	out, err = run(t, "--state-store", db, "state", "show", src)
	if err != nil {
		t.Fatalf("state show: %v", err)
	}
	var entry struct {
		Key      string `json:"key"`
		Ingested bool   `json:"ingested"`
	}
	if err := json.Unmarshal([]byte(out), &entry); err != nil {
		t.Fatalf("state show output %q: %v", out, err)
	}
	if !entry.Ingested || entry.Key != stateKey(src) {
		t.Fatalf("entry = %+v", entry)
	}

	if _, err := run(t, "--state-store", db, "state", "reset", src); err != nil {
		t.Fatalf("state reset: %v", err)
	}
	if _, err := run(t, "--state-store", db, "state", "show", src); err == nil {
		t.Fatalf("state show after reset succeeded")
	}
	if _, err := run(t, args...); err != nil {
		t.Fatalf("decode after reset: %v", err)
	}
	if got := countLines(t, ndjson); got != 6 {
		t.Fatalf("records after reset = %d, want 6", got)
	}
}

func TestDecodeCmdRequiresFamily(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "a.dat")
	writeDOSTADFile(t, src, 1)
	if _, err := run(t, "--state-store", filepath.Join(root, "s.db"), "decode", src); err == nil {
		t.Fatalf("decode without family succeeded")
	}
}

func TestBatchCmdGeneratesOutputs(t *testing.T) {
	root := t.TempDir()
	inputDir := filepath.Join(root, "inputs")
	writeDOSTADFile(t, filepath.Join(inputDir, "alpha.dat"), 2)
	writeDOSTADFile(t, filepath.Join(inputDir, "beta.dat"), 4)
	if err := os.WriteFile(filepath.Join(inputDir, ".hidden"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	outDir := filepath.Join(root, "out")

	out, err := run(t,
		"--state-store", filepath.Join(root, "state.db"),
		"batch", inputDir,
		"--family", "dostad",
		"--out-dir", outDir,
		"--concurrency", "2",
	)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if !strings.Contains(out, "2 files, 6 records, 0 failed") {
		t.Fatalf("batch output = %q", out)
	}

	check := func(name string, want int) {
		if got := countLines(t, filepath.Join(outDir, name+".ndjson")); got != want {
			t.Fatalf("%s records = %d, want %d", name, got, want)
		}
		sum, err := report.LoadSummaryJSON(filepath.Join(outDir, name+".summary.json"))
		if err != nil {
			t.Fatalf("LoadSummaryJSON %s: %v", name, err)
		}
		if !sum.Ingested || sum.TotalRecords() != want {
			t.Fatalf("unexpected summary for %s: %+v", name, sum)
		}
	}
	check("alpha", 2)
	check("beta", 4)

	runs, err := common.ReadJournal(filepath.Join(outDir, journalFileName))
	if err != nil {
		t.Fatalf("ReadJournal: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("journal entries = %+v", runs)
	}
	data, err := os.ReadFile(filepath.Join(outDir, manifestFileName))
	if err != nil {
		t.Fatalf("ReadFile manifest: %v", err)
	}
	var m report.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("Unmarshal manifest: %v", err)
	}
	types := map[string]int{}
	for _, item := range m.Items {
		types[item.Type]++
	}
	if types["records"] != 2 || types["summary"] != 2 || types["journal"] != 1 {
		t.Fatalf("manifest items = %+v", m.Items)
	}

	out, err = run(t, "--state-store", filepath.Join(root, "state.db"), "state", "show")
	if err != nil {
		t.Fatalf("state show: %v", err)
	}
	if !strings.Contains(out, "alpha.dat") || !strings.Contains(out, "beta.dat") {
		t.Fatalf("state listing = %q", out)
	}
}

func TestReportCmdWritesPDF(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "node.dat")
	writeDOSTADFile(t, src, 1)
	summary := filepath.Join(root, "node.summary.json")
	if _, err := run(t, "--state-store", filepath.Join(root, "s.db"), "decode", src,
		"--family", "DO", "--out-dir", filepath.Join(root, "out"), "--summary", summary); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, err := run(t, "report", summary); err != nil {
		t.Fatalf("report: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(root, "node.summary.pdf"))
	if err != nil {
		t.Fatalf("ReadFile pdf: %v", err)
	}
	if !bytes.HasPrefix(data, []byte("%PDF-")) {
		t.Fatalf("report is not a PDF")
	}
}

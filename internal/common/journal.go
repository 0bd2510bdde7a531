package common

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// JournalEntry records the outcome of one decode run over a source.
type JournalEntry struct {
	Source       string    `json:"source"`
	Family       string    `json:"family"`
	Mode         string    `json:"mode"`
	Records      int       `json:"records"`
	DecodeErrors int       `json:"decodeErrors,omitempty"`
	Unexpected   int       `json:"unexpectedData,omitempty"`
	Ingested     bool      `json:"ingested"`
	StateSHA256  string    `json:"stateSha256,omitempty"`
	Error        string    `json:"error,omitempty"`
	Ts           time.Time `json:"ts"`
}

// Journal provides append-only access to a JSONL run log. Safe for
// concurrent use.
type Journal struct {
	path string
	mu   sync.Mutex
}

func NewJournal(path string) *Journal {
	return &Journal{path: path}
}

// Path returns the backing file path for the journal.
func (j *Journal) Path() string {
	if j == nil {
		return ""
	}
	return j.path
}

// Append writes entry as one JSON line and syncs the file.
func (j *Journal) Append(entry JournalEntry) error {
	if j == nil {
		return errors.New("nil journal")
	}
	if entry.Source == "" {
		return errors.New("journal entry missing source")
	}
	if entry.Ts.IsZero() {
		entry.Ts = time.Now().UTC()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	dir := filepath.Dir(j.path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

// ReadJournal loads every entry from the JSONL file at path.
func ReadJournal(path string) ([]JournalEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	var entries []JournalEntry
	for line := 1; scanner.Scan(); line++ {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var entry JournalEntry
		if err := json.Unmarshal([]byte(text), &entry); err != nil {
			return nil, fmt.Errorf("journal line %d: %w", line, err)
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

package report

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"example.com/siomule/internal/common"
)

// Item is one output file listed in a manifest.
type Item struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	Sha256 string `json:"sha256"`
	Type   string `json:"type"`
}

// Manifest lists the files a batch run produced with their digests.
type Manifest struct {
	CreatedAt time.Time `json:"createdAt"`
	ShaAlgo   string    `json:"shaAlgo"`
	Items     []Item    `json:"items"`
}

// BuildManifest hashes every path. Paths are stored relative to base when
// base is set.
func BuildManifest(base string, paths []string) (Manifest, error) {
	m := Manifest{CreatedAt: time.Now().UTC(), ShaAlgo: "sha256"}
	for _, p := range paths {
		digest, size, err := common.SHA256OfFile(p)
		if err != nil {
			return m, err
		}
		name := p
		if base != "" {
			if rel, err := filepath.Rel(base, p); err == nil {
				name = rel
			}
		}
		m.Items = append(m.Items, Item{Path: filepath.ToSlash(name), Size: size, Sha256: digest, Type: itemType(p)})
	}
	return m, nil
}

func itemType(path string) string {
	switch {
	case strings.HasSuffix(path, ".summary.json"):
		return "summary"
	case strings.HasSuffix(path, ".ndjson"):
		return "records"
	case strings.HasSuffix(path, ".jsonl"):
		return "journal"
	case strings.HasSuffix(path, ".pdf"):
		return "report"
	default:
		return "other"
	}
}

func SaveManifest(m Manifest, out string) error {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(out, b, 0o644)
}

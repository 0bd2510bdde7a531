// Package statestore persists parser state in a bbolt database, one entry
// per source.
package statestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"example.com/siomule/internal/state"
)

var bucketStates = []byte("parser_states")

// ErrNotFound is returned by Load for unknown keys.
var ErrNotFound = errors.New("no stored state")

// Entry is one persisted parser position.
type Entry struct {
	Key       string      `json:"key"`
	State     state.State `json:"state"`
	Ingested  bool        `json:"ingested"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

type storedEntry struct {
	State     json.RawMessage `json:"state"`
	Ingested  bool            `json:"ingested"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Bolt stores entries in a single bucket keyed by source path.
type Bolt struct {
	Path   string
	db     *bolt.DB
	logger *zap.Logger
}

// Open opens or creates the database file.
func Open(path string, logger *zap.Logger) (*Bolt, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("state store dir: %w", err)
		}
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open state store %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketStates)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize state store: %w", err)
	}
	return &Bolt{Path: path, db: db, logger: logger}, nil
}

// Close releases the database.
func (b *Bolt) Close() error {
	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return err
}

// Save writes the state for key.
func (b *Bolt) Save(key string, st state.State, ingested bool) error {
	raw, err := st.Encode()
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	val, err := json.Marshal(storedEntry{State: raw, Ingested: ingested, UpdatedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	err = b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketStates).Put([]byte(key), val)
	})
	if err != nil {
		return fmt.Errorf("save state %s: %w", key, err)
	}
	b.logger.Debug("state saved", zap.String("key", key), zap.Bool("ingested", ingested), zap.Int("bytes", len(val)))
	return nil
}

// Load returns the validated state for key. Corrupt entries fail with an
// error matching state.ErrCorruptState.
func (b *Bolt) Load(key string) (Entry, error) {
	var val []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketStates).Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		val = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return Entry{}, err
	}
	return decodeEntry(key, val)
}

func decodeEntry(key string, val []byte) (Entry, error) {
	var se storedEntry
	if err := json.Unmarshal(val, &se); err != nil {
		return Entry{}, &state.CorruptionError{Err: fmt.Errorf("entry %s: %w", key, err)}
	}
	st, err := state.Decode(se.State)
	if err != nil {
		return Entry{}, fmt.Errorf("entry %s: %w", key, err)
	}
	return Entry{Key: key, State: st, Ingested: se.Ingested, UpdatedAt: se.UpdatedAt}, nil
}

// Delete removes key; deleting an unknown key is not an error.
func (b *Bolt) Delete(key string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketStates).Delete([]byte(key))
	})
}

// List returns every entry in key order. Entries that fail validation are
// skipped and reported through the returned error.
func (b *Bolt) List() ([]Entry, error) {
	var out []Entry
	var bad []error
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketStates).ForEach(func(k, v []byte) error {
			e, err := decodeEntry(string(k), v)
			if err != nil {
				bad = append(bad, err)
				return nil
			}
			out = append(out, e)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, errors.Join(bad...)
}

// Keys returns every stored key in order, including entries that would
// fail validation.
func (b *Bolt) Keys() ([]string, error) {
	var keys []string
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketStates).ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}

// Binding persists state for one key; it satisfies the PersistState half
// of the engine sink.
type Binding struct {
	store *Bolt
	key   string
}

// For binds the store to key.
func (b *Bolt) For(key string) *Binding {
	return &Binding{store: b, key: key}
}

func (bd *Binding) Key() string { return bd.key }

func (bd *Binding) PersistState(st state.State, ingested bool) error {
	return bd.store.Save(bd.key, st, ingested)
}

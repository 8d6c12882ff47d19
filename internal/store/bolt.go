package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// recordVersion is bumped whenever boltRecord changes shape.
const recordVersion = 1

var bucketHistory = []byte("history")

// boltRecord is the value stored per recipient key.
type boltRecord struct {
	Version    int                `json:"v"`
	Registered bool               `json:"registered"`
	Centers    map[string]float64 `json:"centers"`
}

// BoltStore keeps the history in a local bbolt file, one key per recipient.
type BoltStore struct {
	db        *bolt.DB
	bktName   []byte
	logger    *slog.Logger
	openedNew bool
}

// OpenBolt opens (or creates) the history file. A file that is not a valid
// bolt database is moved aside and replaced with a fresh one so a damaged
// snapshot never blocks startup. prefix namespaces the bucket.
func OpenBolt(path, prefix string, logger *slog.Logger) (*BoltStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}

	_, statErr := os.Stat(path)
	openedNew := errors.Is(statErr, os.ErrNotExist)

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		if errors.Is(err, bolt.ErrTimeout) {
			return nil, fmt.Errorf("history file %s is locked by another process: %w", path, err)
		}
		aside := fmt.Sprintf("%s.corrupt-%d", path, time.Now().Unix())
		logger.Warn("history file unreadable, starting fresh", "path", path, "moved_to", aside, "error", err)
		if rerr := os.Rename(path, aside); rerr != nil {
			return nil, fmt.Errorf("move aside unreadable history %s: %w", path, rerr)
		}
		db, err = bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
		if err != nil {
			return nil, fmt.Errorf("open history: %w", err)
		}
		openedNew = true
	}

	bkt := []byte(prefix + string(bucketHistory))
	err = db.Update(func(tx *bolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists(bkt)
		return e
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltStore{db: db, bktName: bkt, logger: logger, openedNew: openedNew}, nil
}

// Path returns the file backing the store.
func (s *BoltStore) Path() string { return s.db.Path() }

// Fresh reports whether the store started without a previous snapshot.
func (s *BoltStore) Fresh() bool { return s.openedNew }

func (s *BoltStore) Close() error { return s.db.Close() }

// Load reads every recipient record. Records that fail to decode are logged
// and skipped rather than failing the whole load.
func (s *BoltStore) Load(_ context.Context) (*History, error) {
	h := NewHistory()
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bktName)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var rec boltRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				s.logger.Warn("skipping unreadable history record", "recipient", string(k), "error", err)
				return nil
			}
			if rec.Version > recordVersion {
				s.logger.Warn("skipping history record from newer version", "recipient", string(k), "version", rec.Version)
				return nil
			}
			h.Put(string(k), RecipientHistory{Registered: rec.Registered, Centers: rec.Centers})
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	return h, nil
}

// Save replaces the bucket content with h in a single transaction.
func (s *BoltStore) Save(_ context.Context, h *History) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(s.bktName) != nil {
			if err := tx.DeleteBucket(s.bktName); err != nil {
				return err
			}
		}
		b, err := tx.CreateBucket(s.bktName)
		if err != nil {
			return err
		}
		for _, r := range h.Recipients() {
			rec, _ := h.Record(r)
			v, err := json.Marshal(boltRecord{Version: recordVersion, Registered: rec.Registered, Centers: rec.Centers})
			if err != nil {
				return err
			}
			if err := b.Put([]byte(r), v); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save history: %w", err)
	}
	return nil
}

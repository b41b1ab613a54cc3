package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

const (
	journalBucket     = "calculations"
	defaultMaxEntries = 1000
	openTimeout       = 1 * time.Second
)

// ErrJournalLocked is returned when another process holds the database.
var ErrJournalLocked = errors.New("journal is locked by another process")

// Entry is one dispatched request as recorded in the journal.
type Entry struct {
	ID         string    `json:"id"`
	Time       time.Time `json:"time"`
	Kind       string    `json:"kind"`
	Expression string    `json:"expression,omitempty"`
	Status     string    `json:"status"`
	Message    string    `json:"message"`
	Result     *float64  `json:"result,omitempty"`
	PeerPID    int32     `json:"peer_pid,omitempty"`
	PeerUID    uint32    `json:"peer_uid,omitempty"`
}

// JournalConfig holds configuration for Journal initialization
type JournalConfig struct {
	Path       string
	MaxEntries int
	Logger     *zap.Logger
}

// Journal is an append-only audit trail of calculations kept in BoltDB.
// Keys are UUIDv7 values, so bucket order is insertion order.
type Journal struct {
	db         *bbolt.DB
	maxEntries int
	logger     *zap.Logger
}

// OpenJournal opens or creates the journal database for writing.
func OpenJournal(cfg JournalConfig) (*Journal, error) {
	return openJournal(cfg, false)
}

// OpenJournalReadOnly opens an existing journal without taking the write lock.
func OpenJournalReadOnly(cfg JournalConfig) (*Journal, error) {
	return openJournal(cfg, true)
}

func openJournal(cfg JournalConfig, readOnly bool) (*Journal, error) {
	maxEntries := cfg.MaxEntries
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	if !readOnly {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create journal directory: %w", err)
		}
	}

	db, err := bbolt.Open(cfg.Path, 0600, &bbolt.Options{Timeout: openTimeout, ReadOnly: readOnly})
	if err != nil {
		if errors.Is(err, bbolt.ErrTimeout) {
			return nil, ErrJournalLocked
		}
		return nil, fmt.Errorf("failed to open journal database: %w", err)
	}

	if !readOnly {
		err = db.Update(func(tx *bbolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists([]byte(journalBucket))
			return err
		})
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	logger.Debug("Journal opened",
		zap.String("path", cfg.Path),
		zap.Bool("read_only", readOnly),
		zap.Int("max_entries", maxEntries))

	return &Journal{db: db, maxEntries: maxEntries, logger: logger}, nil
}

// Append stores an entry, assigning ID and Time when unset, and prunes the
// oldest entries beyond the configured maximum.
func (j *Journal) Append(entry Entry) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("failed to generate entry id: %w", err)
	}
	if entry.ID == "" {
		entry.ID = id.String()
	}
	if entry.Time.IsZero() {
		entry.Time = time.Now()
	}

	encoded, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	return j.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(journalBucket))
		if err := b.Put(id[:], encoded); err != nil {
			return err
		}

		excess := countKeys(b) - j.maxEntries
		if excess <= 0 {
			return nil
		}
		stale := make([][]byte, 0, excess)
		c := b.Cursor()
		for k, _ := c.First(); k != nil && len(stale) < excess; k, _ = c.Next() {
			stale = append(stale, append([]byte(nil), k...))
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		j.logger.Debug("Pruned journal", zap.Int("removed", len(stale)), zap.Int("max_entries", j.maxEntries))
		return nil
	})
}

// List returns up to limit entries, newest first. A non-positive limit
// returns everything.
func (j *Journal) List(limit int) ([]Entry, error) {
	var entries []Entry
	err := j.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(journalBucket))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(entries) >= limit {
				break
			}
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("failed to decode entry %x: %w", k, err)
			}
			entries = append(entries, e)
		}
		return nil
	})
	return entries, err
}

// Count returns the number of stored entries.
func (j *Journal) Count() (int, error) {
	var n int
	err := j.db.View(func(tx *bbolt.Tx) error {
		if b := tx.Bucket([]byte(journalBucket)); b != nil {
			n = countKeys(b)
		}
		return nil
	})
	return n, err
}

// Close releases the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

func countKeys(b *bbolt.Bucket) int {
	n := 0
	c := b.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		n++
	}
	return n
}

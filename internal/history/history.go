package history

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// Record is one completed or failed transfer, as remembered locally.
type Record struct {
	ID         string    `json:"id"`
	Op         string    `json:"op"` // push, pull or image
	LocalPath  string    `json:"local_path"`
	RemotePath string    `json:"remote_path"`
	Size       uint64    `json:"size"`
	Outcome    string    `json:"outcome"`
	Reason     string    `json:"reason,omitempty"`
	When       time.Time `json:"when"`
}

// Store wraps BadgerDB for the local transfer journal.
type Store struct {
	db *badger.DB
}

// Open opens (or creates) the journal at the given path.
func Open(dbPath string) (*Store, error) {
	db, err := badger.Open(badger.DefaultOptions(dbPath).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("failed to open history store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the journal.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append records one transfer. Keys sort by timestamp so Recent can walk
// newest-first.
func (s *Store) Append(rec Record) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.When.IsZero() {
		rec.When = time.Now()
	}

	key := []byte(fmt.Sprintf("xfer:%020d:%s", rec.When.UnixNano(), rec.ID))
	val, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, val)
	})
}

// Recent returns up to n records, newest first.
func (s *Store) Recent(n int) ([]Record, error) {
	var records []Record
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = []byte("xfer:")
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration starts past the end of the prefix range.
		for it.Seek([]byte("xfer;")); it.Valid() && len(records) < n; it.Next() {
			var rec Record
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return err
			}
			records = append(records, rec)
		}
		return nil
	})
	return records, err
}

// Package runstore persists the run bookkeeping that outlives a single
// process: which methods have completed cleanly on the baseline node, and a
// summary per dispatched example.
package runstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketCompleted = []byte("completed_methods")
	bucketResults   = []byte("results")

	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("runstore: record not found")
)

// Store is the BoltDB-backed run record.
type Store struct {
	db *bolt.DB
}

// CompletedRecord tracks clean baseline completions for one method.
type CompletedRecord struct {
	Method      string    `json:"method"`
	CompletedAt time.Time `json:"completedAt"`
	Examples    int       `json:"examples"`
}

// ResultSummary captures one node's outcome for one dispatched example.
type ResultSummary struct {
	Method   string    `json:"method"`
	Example  int       `json:"example"`
	Node     string    `json:"node"`
	OK       bool      `json:"ok"`
	Error    string    `json:"error,omitempty"`
	Artifact string    `json:"artifact,omitempty"`
	At       time.Time `json:"at"`
}

// Open initialises (and migrates) the store at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("runstore: open %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketCompleted, bucketResults} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("runstore: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// MarkCompleted records a clean baseline completion for method, bumping the
// example counter on repeat completions.
func (s *Store) MarkCompleted(method string) error {
	if s == nil {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketCompleted)
		record := CompletedRecord{Method: method, CompletedAt: time.Now().UTC()}
		if existing := bucket.Get([]byte(method)); existing != nil {
			_ = json.Unmarshal(existing, &record)
			record.CompletedAt = time.Now().UTC()
		}
		record.Examples++
		payload, err := json.Marshal(record)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(method), payload)
	})
}

// Completed returns the record for method, or ErrNotFound.
func (s *Store) Completed(method string) (CompletedRecord, error) {
	var record CompletedRecord
	if s == nil {
		return record, ErrNotFound
	}
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketCompleted).Get([]byte(method))
		if raw == nil {
			return ErrNotFound
		}
		return json.Unmarshal(raw, &record)
	})
	return record, err
}

// CompletedMethods lists all methods with at least one clean completion.
func (s *Store) CompletedMethods() ([]string, error) {
	if s == nil {
		return nil, nil
	}
	var out []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCompleted).ForEach(func(k, _ []byte) error {
			out = append(out, string(k))
			return nil
		})
	})
	return out, err
}

// RecordResult stores one node's outcome for a dispatched example.
func (s *Store) RecordResult(summary ResultSummary) error {
	if s == nil {
		return nil
	}
	if summary.At.IsZero() {
		summary.At = time.Now().UTC()
	}
	key := fmt.Sprintf("%s|%04d|%s", summary.Method, summary.Example, summary.Node)
	payload, err := json.Marshal(summary)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketResults).Put([]byte(key), payload)
	})
}

// Results returns every stored summary for method, ordered by key.
func (s *Store) Results(method string) ([]ResultSummary, error) {
	if s == nil {
		return nil, nil
	}
	prefix := []byte(method + "|")
	var out []ResultSummary
	err := s.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(bucketResults).Cursor()
		for k, v := cursor.Seek(prefix); k != nil && len(k) >= len(prefix) && string(k[:len(prefix)]) == string(prefix); k, v = cursor.Next() {
			var summary ResultSummary
			if err := json.Unmarshal(v, &summary); err != nil {
				return err
			}
			out = append(out, summary)
		}
		return nil
	})
	return out, err
}

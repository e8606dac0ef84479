package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

// BboltMetadataStore keeps stream records in a single bbolt bucket.
// It is the default metadata backend for the file store.
type BboltMetadataStore struct {
	db   *bbolt.DB
	path string
}

var streamsBucket = []byte("streams")

// NewBboltMetadataStore opens (or creates) the metadata database under
// dataDir.
func NewBboltMetadataStore(dataDir string) (*BboltMetadataStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create metadata directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "metadata.db")
	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(streamsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create streams bucket: %w", err)
	}

	return &BboltMetadataStore{db: db, path: dataDir}, nil
}

func (s *BboltMetadataStore) Put(rec *StreamRecord) error {
	data, err := json.Marshal(recordToWire(rec))
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(streamsBucket).Put([]byte(rec.Meta.Path), data)
	})
}

func (s *BboltMetadataStore) Get(path string) (*StreamRecord, error) {
	var rec *StreamRecord

	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(streamsBucket).Get([]byte(path))
		if data == nil {
			return ErrStreamNotFound
		}

		var m metadataRecord
		if err := json.Unmarshal(data, &m); err != nil {
			return fmt.Errorf("failed to unmarshal record: %w", err)
		}

		var err error
		rec, err = recordFromWire(&m)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *BboltMetadataStore) Delete(path string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(streamsBucket)
		if b.Get([]byte(path)) == nil {
			return ErrStreamNotFound
		}
		return b.Delete([]byte(path))
	})
}

func (s *BboltMetadataStore) UpdateTail(path string, next Offset, lastSeq string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(streamsBucket)
		data := b.Get([]byte(path))
		if data == nil {
			return ErrStreamNotFound
		}

		var m metadataRecord
		if err := json.Unmarshal(data, &m); err != nil {
			return err
		}

		m.NextOffset = next.String()
		if lastSeq != "" {
			m.LastSeq = lastSeq
		}

		updated, err := json.Marshal(m)
		if err != nil {
			return err
		}
		return b.Put([]byte(path), updated)
	})
}

func (s *BboltMetadataStore) ForEach(fn func(*StreamRecord) error) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(streamsBucket).ForEach(func(k, v []byte) error {
			var m metadataRecord
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			rec, err := recordFromWire(&m)
			if err != nil {
				return err
			}
			return fn(rec)
		})
	})
}

func (s *BboltMetadataStore) Close() error {
	return s.db.Close()
}

// Path returns the directory holding the metadata database.
func (s *BboltMetadataStore) Path() string {
	return s.path
}

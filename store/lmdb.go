package store

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"

	"github.com/PowerDNS/lmdb-go/lmdb"
)

// LMDBMetadataStore keeps stream records in an LMDB environment. It is
// an alternate metadata backend for deployments already running LMDB.
type LMDBMetadataStore struct {
	env  *lmdb.Env
	dbi  lmdb.DBI
	path string
}

// NewLMDBMetadataStore opens (or creates) an LMDB environment under
// dataDir.
func NewLMDBMetadataStore(dataDir string) (*LMDBMetadataStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create metadata directory: %w", err)
	}

	env, err := lmdb.NewEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to create LMDB environment: %w", err)
	}

	if err := env.SetMapSize(1 << 30); err != nil {
		env.Close()
		return nil, fmt.Errorf("failed to set map size: %w", err)
	}
	if err := env.SetMaxDBs(1); err != nil {
		env.Close()
		return nil, fmt.Errorf("failed to set max dbs: %w", err)
	}
	if err := env.Open(dataDir, 0, 0o755); err != nil {
		env.Close()
		return nil, fmt.Errorf("failed to open LMDB environment: %w", err)
	}

	var dbi lmdb.DBI
	err = env.Update(func(txn *lmdb.Txn) error {
		var err error
		dbi, err = txn.OpenDBI("streams", lmdb.Create)
		return err
	})
	if err != nil {
		env.Close()
		return nil, fmt.Errorf("failed to open streams database: %w", err)
	}

	return &LMDBMetadataStore{env: env, dbi: dbi, path: dataDir}, nil
}

func (s *LMDBMetadataStore) Put(rec *StreamRecord) error {
	data, err := json.Marshal(recordToWire(rec))
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	// LMDB write transactions must stay on one OS thread.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	return s.env.Update(func(txn *lmdb.Txn) error {
		return txn.Put(s.dbi, []byte(rec.Meta.Path), data, 0)
	})
}

func (s *LMDBMetadataStore) Get(path string) (*StreamRecord, error) {
	var rec *StreamRecord

	err := s.env.View(func(txn *lmdb.Txn) error {
		data, err := txn.Get(s.dbi, []byte(path))
		if lmdb.IsNotFound(err) {
			return ErrStreamNotFound
		}
		if err != nil {
			return err
		}

		// The value is only valid inside the transaction.
		dataCopy := make([]byte, len(data))
		copy(dataCopy, data)

		var m metadataRecord
		if err := json.Unmarshal(dataCopy, &m); err != nil {
			return fmt.Errorf("failed to unmarshal record: %w", err)
		}
		rec, err = recordFromWire(&m)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *LMDBMetadataStore) Delete(path string) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	return s.env.Update(func(txn *lmdb.Txn) error {
		err := txn.Del(s.dbi, []byte(path), nil)
		if lmdb.IsNotFound(err) {
			return ErrStreamNotFound
		}
		return err
	})
}

func (s *LMDBMetadataStore) UpdateTail(path string, next Offset, lastSeq string) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	return s.env.Update(func(txn *lmdb.Txn) error {
		data, err := txn.Get(s.dbi, []byte(path))
		if lmdb.IsNotFound(err) {
			return ErrStreamNotFound
		}
		if err != nil {
			return err
		}

		dataCopy := make([]byte, len(data))
		copy(dataCopy, data)

		var m metadataRecord
		if err := json.Unmarshal(dataCopy, &m); err != nil {
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
		return txn.Put(s.dbi, []byte(path), updated, 0)
	})
}

func (s *LMDBMetadataStore) ForEach(fn func(*StreamRecord) error) error {
	return s.env.View(func(txn *lmdb.Txn) error {
		cursor, err := txn.OpenCursor(s.dbi)
		if err != nil {
			return err
		}
		defer cursor.Close()

		for {
			_, data, err := cursor.Get(nil, nil, lmdb.Next)
			if lmdb.IsNotFound(err) {
				return nil
			}
			if err != nil {
				return err
			}

			dataCopy := make([]byte, len(data))
			copy(dataCopy, data)

			var m metadataRecord
			if err := json.Unmarshal(dataCopy, &m); err != nil {
				return err
			}
			rec, err := recordFromWire(&m)
			if err != nil {
				return err
			}
			if err := fn(rec); err != nil {
				return err
			}
		}
	})
}

func (s *LMDBMetadataStore) Close() error {
	return s.env.Close()
}

// Path returns the directory holding the LMDB environment.
func (s *LMDBMetadataStore) Path() string {
	return s.path
}

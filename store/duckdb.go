package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/marcboeker/go-duckdb"
)

// DuckDBMetadataStore keeps stream records in a DuckDB database,
// queryable with plain SQL for operational inspection.
type DuckDBMetadataStore struct {
	db   *sql.DB
	path string
}

const duckdbSchema = `
CREATE TABLE IF NOT EXISTS streams (
	path         TEXT PRIMARY KEY,
	stream_id    TEXT NOT NULL,
	content_type TEXT NOT NULL,
	next_offset  TEXT NOT NULL,
	last_seq     TEXT NOT NULL DEFAULT '',
	ttl_seconds  BIGINT,
	expires_at   BIGINT,
	created_at   BIGINT NOT NULL,
	dir          TEXT NOT NULL
)`

// NewDuckDBMetadataStore opens (or creates) the metadata database under
// dataDir.
func NewDuckDBMetadataStore(dataDir string) (*DuckDBMetadataStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create metadata directory: %w", err)
	}

	db, err := sql.Open("duckdb", filepath.Join(dataDir, "metadata.duckdb"))
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata database: %w", err)
	}

	if _, err := db.Exec(duckdbSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create streams table: %w", err)
	}

	return &DuckDBMetadataStore{db: db, path: dataDir}, nil
}

func (s *DuckDBMetadataStore) Put(rec *StreamRecord) error {
	m := recordToWire(rec)
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO streams
		(path, stream_id, content_type, next_offset, last_seq, ttl_seconds, expires_at, created_at, dir)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.Path, m.StreamID, m.ContentType, m.NextOffset, m.LastSeq,
		m.TTLSeconds, m.ExpiresAt, m.CreatedAt, m.Dir)
	return err
}

func (s *DuckDBMetadataStore) Get(path string) (*StreamRecord, error) {
	row := s.db.QueryRow(`
		SELECT path, stream_id, content_type, next_offset, last_seq, ttl_seconds, expires_at, created_at, dir
		FROM streams WHERE path = ?`, path)

	rec, err := scanStreamRow(row)
	if err == sql.ErrNoRows {
		return nil, ErrStreamNotFound
	}
	return rec, err
}

func (s *DuckDBMetadataStore) Delete(path string) error {
	res, err := s.db.Exec(`DELETE FROM streams WHERE path = ?`, path)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrStreamNotFound
	}
	return nil
}

func (s *DuckDBMetadataStore) UpdateTail(path string, next Offset, lastSeq string) error {
	var res sql.Result
	var err error
	if lastSeq != "" {
		res, err = s.db.Exec(`UPDATE streams SET next_offset = ?, last_seq = ? WHERE path = ?`,
			next.String(), lastSeq, path)
	} else {
		res, err = s.db.Exec(`UPDATE streams SET next_offset = ? WHERE path = ?`,
			next.String(), path)
	}
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrStreamNotFound
	}
	return nil
}

func (s *DuckDBMetadataStore) ForEach(fn func(*StreamRecord) error) error {
	rows, err := s.db.Query(`
		SELECT path, stream_id, content_type, next_offset, last_seq, ttl_seconds, expires_at, created_at, dir
		FROM streams`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanStreamRow(rows)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *DuckDBMetadataStore) Close() error {
	return s.db.Close()
}

// Path returns the directory holding the DuckDB database.
func (s *DuckDBMetadataStore) Path() string {
	return s.path
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStreamRow(row rowScanner) (*StreamRecord, error) {
	var m metadataRecord
	var ttl, expires sql.NullInt64

	err := row.Scan(&m.Path, &m.StreamID, &m.ContentType, &m.NextOffset,
		&m.LastSeq, &ttl, &expires, &m.CreatedAt, &m.Dir)
	if err != nil {
		return nil, err
	}

	if ttl.Valid {
		m.TTLSeconds = &ttl.Int64
	}
	if expires.Valid {
		m.ExpiresAt = &expires.Int64
	}

	return recordFromWire(&m)
}

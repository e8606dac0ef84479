package store

import "time"

// StreamRecord is the persisted form of a stream's metadata plus the
// directory its data file lives in. Records are keyed by stream URL.
type StreamRecord struct {
	Meta StreamMetadata
	Dir  string
}

// MetadataStore persists stream records for the file-backed store.
// Implementations: bbolt (default), LMDB, DuckDB.
type MetadataStore interface {
	// Put stores or replaces the record for rec.Meta.Path.
	Put(rec *StreamRecord) error

	// Get returns the record for path, or ErrStreamNotFound.
	Get(path string) (*StreamRecord, error)

	// Delete removes the record for path, or ErrStreamNotFound.
	Delete(path string) error

	// UpdateTail rewrites only the tail offset and, when non-empty, the
	// last accepted Stream-Seq.
	UpdateTail(path string, next Offset, lastSeq string) error

	// ForEach visits every record.
	ForEach(fn func(*StreamRecord) error) error

	// Close releases the backend.
	Close() error
}

// metadataRecord is the serialized wire form shared by the KV backends.
type metadataRecord struct {
	StreamID    string `json:"stream_id"`
	Path        string `json:"path"`
	ContentType string `json:"content_type"`
	NextOffset  string `json:"next_offset"`
	LastSeq     string `json:"last_seq,omitempty"`
	TTLSeconds  *int64 `json:"ttl_seconds,omitempty"`
	ExpiresAt   *int64 `json:"expires_at,omitempty"` // Unix seconds
	CreatedAt   int64  `json:"created_at"`           // Unix seconds
	Dir         string `json:"dir"`
}

func recordToWire(rec *StreamRecord) metadataRecord {
	m := metadataRecord{
		StreamID:    rec.Meta.StreamID,
		Path:        rec.Meta.Path,
		ContentType: rec.Meta.ContentType,
		NextOffset:  rec.Meta.NextOffset.String(),
		LastSeq:     rec.Meta.LastSeq,
		TTLSeconds:  rec.Meta.TTLSeconds,
		CreatedAt:   rec.Meta.CreatedAt.Unix(),
		Dir:         rec.Dir,
	}
	if rec.Meta.ExpiresAt != nil {
		ts := rec.Meta.ExpiresAt.Unix()
		m.ExpiresAt = &ts
	}
	return m
}

func recordFromWire(m *metadataRecord) (*StreamRecord, error) {
	next, err := ParseOffset(m.NextOffset)
	if err != nil {
		return nil, err
	}

	rec := &StreamRecord{
		Meta: StreamMetadata{
			StreamID:    m.StreamID,
			Path:        m.Path,
			ContentType: m.ContentType,
			NextOffset:  next,
			LastSeq:     m.LastSeq,
			TTLSeconds:  m.TTLSeconds,
			CreatedAt:   time.Unix(m.CreatedAt, 0),
		},
		Dir: m.Dir,
	}
	if m.ExpiresAt != nil {
		t := time.Unix(*m.ExpiresAt, 0)
		rec.Meta.ExpiresAt = &t
	}
	return rec, nil
}

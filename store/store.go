// Package store implements the durable stream storage kernel: an
// append-only log per URL with opaque lexicographic offsets, per-stream
// exclusive append serialization, TTL-based expiry, and a wait/wake
// subsystem that unblocks live readers when the tail advances.
package store

import (
	"context"
	"errors"
	"time"
)

// Error kinds surfaced by stores. The HTTP pipeline maps these to status
// codes at its boundary; nothing below the pipeline knows about HTTP.
var (
	ErrStreamNotFound      = errors.New("stream not found")
	ErrConfigMismatch      = errors.New("stream configuration mismatch")
	ErrSequenceConflict    = errors.New("sequence regression")
	ErrContentTypeMismatch = errors.New("content type mismatch")
	ErrEmptyBody           = errors.New("empty body not allowed")
	ErrInvalidJSON         = errors.New("invalid JSON")
	ErrEmptyJSONArray      = errors.New("empty JSON array not allowed")
	ErrOffsetBeyondTail    = errors.New("offset beyond stream")
	ErrOffsetGone          = errors.New("offset before retention floor")
)

// AwaitOutcome is the result of waiting for data past an offset.
type AwaitOutcome int

const (
	// AwaitData means the tail advanced past the requested offset; a
	// subsequent read at that offset returns at least one byte/entry.
	AwaitData AwaitOutcome = iota
	// AwaitTimeout means the deadline elapsed with no new data.
	AwaitTimeout
	// AwaitNotFound means the stream was deleted or expired while waiting.
	AwaitNotFound
)

// Store is the storage kernel contract.
//
// All operations are safe for concurrent use. Appends on one stream are
// totally ordered; reads observe a committed prefix and never torn data.
type Store interface {
	// Create creates a stream, applying any initial body atomically.
	// If the stream already exists with a matching config, Create is
	// idempotent and returns the existing metadata with created=false.
	// A differing config returns ErrConfigMismatch.
	Create(path string, opts CreateOptions) (meta *StreamMetadata, created bool, err error)

	// Head returns a copy of the stream's metadata, or ErrStreamNotFound.
	Head(path string) (*StreamMetadata, error)

	// Append adds a payload to the stream and returns the new tail.
	// Stream-Seq regression returns ErrSequenceConflict; a payload whose
	// content type differs from the stream's returns
	// ErrContentTypeMismatch. On any error the tail is unchanged.
	Append(path string, data []byte, opts AppendOptions) (Offset, error)

	// Read returns committed data in [start, min(tail, start+limit)).
	// The limit counts bytes for byte streams and entries for JSON
	// streams; limit <= 0 means unlimited. JSON streams always return a
	// JSON array (possibly empty). UpToDate is set iff the returned
	// region reaches the tail as of the read snapshot.
	Read(path string, start Offset, limit int) (ReadResult, error)

	// Delete removes the stream and releases its waiters.
	Delete(path string) error

	// Await blocks until the tail advances past start, the timeout
	// elapses, the stream disappears, or ctx is canceled (in which case
	// the context error is returned).
	Await(ctx context.Context, path string, start Offset, timeout time.Duration) (AwaitOutcome, error)

	// Close releases all resources held by the store.
	Close() error
}

// CreateOptions configures stream creation. At most one of TTLSeconds
// and ExpiresAt may be set; the engine validates this before calling.
type CreateOptions struct {
	ContentType string
	TTLSeconds  *int64
	ExpiresAt   *time.Time
	InitialData []byte
}

// AppendOptions carries per-append protocol state.
type AppendOptions struct {
	// ContentType is validated against the stream's content type.
	ContentType string
	// Seq is the writer-supplied Stream-Seq token. A value
	// lexicographically <= the last recorded one is rejected.
	Seq string
}

// ReadResult is the outcome of a catch-up read.
type ReadResult struct {
	Data       []byte
	NextOffset Offset
	UpToDate   bool
}

// StreamMetadata describes a stream at rest. NextOffset equals the total
// payload size for byte streams and the total entry count for JSON mode.
type StreamMetadata struct {
	StreamID    string
	Path        string
	ContentType string
	NextOffset  Offset
	LastSeq     string
	TTLSeconds  *int64
	ExpiresAt   *time.Time
	CreatedAt   time.Time
}

// EffectiveExpiry returns the absolute deadline after which the stream
// is invalid, or nil if it never expires.
func (m *StreamMetadata) EffectiveExpiry() *time.Time {
	if m.ExpiresAt != nil {
		return m.ExpiresAt
	}
	if m.TTLSeconds != nil {
		t := m.CreatedAt.Add(time.Duration(*m.TTLSeconds) * time.Second)
		return &t
	}
	return nil
}

// IsExpired reports whether the stream's deadline has passed.
func (m *StreamMetadata) IsExpired(now time.Time) bool {
	deadline := m.EffectiveExpiry()
	return deadline != nil && now.After(*deadline)
}

// ConfigMatches reports whether opts describes the same configuration,
// which makes a repeated create idempotent.
func (m *StreamMetadata) ConfigMatches(opts CreateOptions) bool {
	if !ContentTypeMatches(m.ContentType, opts.ContentType) {
		return false
	}
	if (m.TTLSeconds == nil) != (opts.TTLSeconds == nil) {
		return false
	}
	if m.TTLSeconds != nil && *m.TTLSeconds != *opts.TTLSeconds {
		return false
	}
	if (m.ExpiresAt == nil) != (opts.ExpiresAt == nil) {
		return false
	}
	if m.ExpiresAt != nil && !m.ExpiresAt.Equal(*opts.ExpiresAt) {
		return false
	}
	return true
}

// DefaultContentType is assumed when a create carries no Content-Type.
const DefaultContentType = "application/octet-stream"

// ContentTypeMatches compares two content types, ignoring case and
// parameters such as charset.
func ContentTypeMatches(a, b string) bool {
	if a == "" {
		a = DefaultContentType
	}
	if b == "" {
		b = DefaultContentType
	}
	return asciiEqualFold(MediaType(a), MediaType(b))
}

// MediaType strips parameters from a Content-Type value.
func MediaType(ct string) string {
	for i := 0; i < len(ct); i++ {
		if ct[i] == ';' {
			return ct[:i]
		}
	}
	return ct
}

// IsJSONContentType reports whether ct selects the JSON codec.
func IsJSONContentType(ct string) bool {
	return asciiEqualFold(MediaType(ct), "application/json")
}

func asciiEqualFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if ca >= 'A' && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if cb >= 'A' && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

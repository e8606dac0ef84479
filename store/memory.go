package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MemoryStore keeps streams entirely in process memory. It is the
// reference Store implementation and the default when no data directory
// is configured.
type MemoryStore struct {
	mu      sync.RWMutex
	streams map[string]*memoryStream
	logger  *zap.Logger

	closeOnce sync.Once
	sweepStop chan struct{}
	sweepDone chan struct{}
}

type memoryStream struct {
	// mu is the per-stream exclusive append lock. Reads take it in
	// shared mode only to snapshot (codec, tail); appends hold it
	// exclusively for the duration of the write.
	mu      sync.RWMutex
	meta    StreamMetadata
	codec   Codec
	waiters *waiterSet
}

// MemoryStoreConfig configures a MemoryStore.
type MemoryStoreConfig struct {
	Logger *zap.Logger
	// SweepInterval is how often expired streams are evicted.
	// Zero disables the background sweeper; expired streams are then
	// evicted lazily on access.
	SweepInterval time.Duration
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(cfg MemoryStoreConfig) *MemoryStore {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &MemoryStore{
		streams:   make(map[string]*memoryStream),
		logger:    logger,
		sweepStop: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}

	if cfg.SweepInterval > 0 {
		go s.sweepLoop(cfg.SweepInterval)
	} else {
		close(s.sweepDone)
	}

	return s
}

func (s *MemoryStore) Create(path string, opts CreateOptions) (*StreamMetadata, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.streams[path]; ok {
		if existing.meta.IsExpired(time.Now()) {
			existing.waiters.tombstone()
			delete(s.streams, path)
		} else if existing.meta.ConfigMatches(opts) {
			existing.mu.RLock()
			meta := existing.meta
			meta.NextOffset = existing.codec.Size()
			existing.mu.RUnlock()
			return &meta, false, nil
		} else {
			return nil, false, ErrConfigMismatch
		}
	}

	contentType := opts.ContentType
	if contentType == "" {
		contentType = DefaultContentType
	}

	st := &memoryStream{
		meta: StreamMetadata{
			StreamID:    uuid.NewString(),
			Path:        path,
			ContentType: contentType,
			TTLSeconds:  opts.TTLSeconds,
			ExpiresAt:   opts.ExpiresAt,
			CreatedAt:   time.Now(),
		},
		codec:   NewCodec(contentType),
		waiters: newWaiterSet(),
	}

	if len(opts.InitialData) > 0 {
		if err := st.codec.ApplyInitial(opts.InitialData); err != nil {
			return nil, false, err
		}
	}
	st.meta.NextOffset = st.codec.Size()

	s.streams[path] = st
	s.logger.Debug("stream created",
		zap.String("path", path),
		zap.String("content_type", contentType))

	meta := st.meta
	return &meta, true, nil
}

func (s *MemoryStore) Head(path string) (*StreamMetadata, error) {
	st, err := s.lookup(path)
	if err != nil {
		return nil, err
	}

	st.mu.RLock()
	meta := st.meta
	meta.NextOffset = st.codec.Size()
	st.mu.RUnlock()
	return &meta, nil
}

func (s *MemoryStore) Append(path string, data []byte, opts AppendOptions) (Offset, error) {
	st, err := s.lookup(path)
	if err != nil {
		return Offset{}, err
	}

	if opts.ContentType != "" && !ContentTypeMatches(st.meta.ContentType, opts.ContentType) {
		return Offset{}, ErrContentTypeMismatch
	}

	st.mu.Lock()
	if opts.Seq != "" && st.meta.LastSeq != "" && opts.Seq <= st.meta.LastSeq {
		st.mu.Unlock()
		return Offset{}, ErrSequenceConflict
	}

	if err := st.codec.Append(data); err != nil {
		st.mu.Unlock()
		return Offset{}, err
	}

	newTail := st.codec.Size()
	st.meta.NextOffset = newTail
	if opts.Seq != "" {
		st.meta.LastSeq = opts.Seq
	}
	st.mu.Unlock()

	// Wake only after the new tail is published.
	st.waiters.wake()

	return newTail, nil
}

func (s *MemoryStore) Read(path string, start Offset, limit int) (ReadResult, error) {
	st, err := s.lookup(path)
	if err != nil {
		return ReadResult{}, err
	}

	st.mu.RLock()
	data, next, upToDate, err := st.codec.Read(start, limit)
	st.mu.RUnlock()
	if err != nil {
		return ReadResult{}, err
	}

	// Copy out: the codec's buffer may grow under a later append.
	out := make([]byte, len(data))
	copy(out, data)

	return ReadResult{Data: out, NextOffset: next, UpToDate: upToDate}, nil
}

func (s *MemoryStore) Delete(path string) error {
	s.mu.Lock()
	st, ok := s.streams[path]
	if ok {
		delete(s.streams, path)
	}
	s.mu.Unlock()

	if !ok {
		return ErrStreamNotFound
	}

	st.waiters.tombstone()
	s.logger.Debug("stream deleted", zap.String("path", path))
	return nil
}

func (s *MemoryStore) Await(ctx context.Context, path string, start Offset, timeout time.Duration) (AwaitOutcome, error) {
	st, err := s.lookup(path)
	if err != nil {
		return AwaitNotFound, nil
	}

	tail := func() (Offset, bool) {
		s.mu.RLock()
		cur, ok := s.streams[path]
		s.mu.RUnlock()
		if !ok || cur != st || cur.meta.IsExpired(time.Now()) {
			return Offset{}, false
		}
		cur.mu.RLock()
		t := cur.codec.Size()
		cur.mu.RUnlock()
		return t, true
	}

	return awaitTail(ctx, st.waiters, tail, start, timeout)
}

func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.sweepStop)
		<-s.sweepDone
	})
	return nil
}

// lookup returns a live stream, lazily evicting it if expired.
func (s *MemoryStore) lookup(path string) (*memoryStream, error) {
	s.mu.RLock()
	st, ok := s.streams[path]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrStreamNotFound
	}

	if st.meta.IsExpired(time.Now()) {
		s.mu.Lock()
		if cur, ok := s.streams[path]; ok && cur == st {
			delete(s.streams, path)
		}
		s.mu.Unlock()
		st.waiters.tombstone()
		return nil, ErrStreamNotFound
	}

	return st, nil
}

func (s *MemoryStore) sweepLoop(interval time.Duration) {
	defer close(s.sweepDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.sweepStop:
			return
		case <-ticker.C:
			s.sweepExpired()
		}
	}
}

func (s *MemoryStore) sweepExpired() {
	now := time.Now()

	s.mu.Lock()
	var expired []*memoryStream
	for path, st := range s.streams {
		if st.meta.IsExpired(now) {
			expired = append(expired, st)
			delete(s.streams, path)
		}
	}
	s.mu.Unlock()

	for _, st := range expired {
		st.waiters.tombstone()
		s.logger.Debug("stream expired", zap.String("path", st.meta.Path))
	}
}

package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// FileStore is the durable Store implementation. Payload bytes live in
// one data.bin per stream (raw for byte streams, length-prefixed records
// for JSON streams); metadata lives in a pluggable MetadataStore keyed
// by stream URL. On restart the data file is authoritative: tails are
// reconciled to what is actually on disk.
type FileStore struct {
	dataDir string
	meta    MetadataStore
	pool    *FilePool
	logger  *zap.Logger

	mu      sync.RWMutex
	streams map[string]*fileStream

	closeOnce sync.Once
	sweepStop chan struct{}
	sweepDone chan struct{}
}

type fileStream struct {
	// mu is the per-stream exclusive append lock; reads take it shared
	// only long enough to snapshot the tail and entry index.
	mu      sync.RWMutex
	meta    StreamMetadata
	dir     string
	waiters *waiterSet

	// entryEnds holds, for JSON streams, the cumulative byte position
	// after each record in data.bin. nil for byte streams.
	entryEnds []uint64
}

// FileStoreConfig configures a FileStore.
type FileStoreConfig struct {
	DataDir        string
	Metadata       MetadataStore // defaults to bbolt under DataDir/metadata
	MaxFileHandles int
	SweepInterval  time.Duration // 0 disables the background sweeper
	Logger         *zap.Logger
}

// NewFileStore opens a file-backed store rooted at cfg.DataDir,
// recovering stream state from a previous run.
func NewFileStore(cfg FileStoreConfig) (*FileStore, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	if err := os.MkdirAll(filepath.Join(cfg.DataDir, "streams"), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	meta := cfg.Metadata
	if meta == nil {
		var err error
		meta, err = NewBboltMetadataStore(filepath.Join(cfg.DataDir, "metadata"))
		if err != nil {
			return nil, fmt.Errorf("failed to open metadata store: %w", err)
		}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	fs := &FileStore{
		dataDir:   cfg.DataDir,
		meta:      meta,
		pool:      NewFilePool(cfg.MaxFileHandles),
		logger:    logger,
		streams:   make(map[string]*fileStream),
		sweepStop: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}

	if err := fs.recover(); err != nil {
		meta.Close()
		return nil, fmt.Errorf("recovery failed: %w", err)
	}

	if cfg.SweepInterval > 0 {
		go fs.sweepLoop(cfg.SweepInterval)
	} else {
		close(fs.sweepDone)
	}

	return fs, nil
}

// recover loads all stream records, reconciling each tail with the data
// file. Orphaned records (no data file) are dropped. Metadata writes are
// collected and applied after ForEach returns: the bbolt backend iterates
// inside a read transaction, and opening a write transaction on the same
// goroutine would deadlock.
func (s *FileStore) recover() error {
	var orphans []string

	type reconciliation struct {
		path string
		tail Offset
	}
	var reconciled []reconciliation

	err := s.meta.ForEach(func(rec *StreamRecord) error {
		dataPath := s.dataPath(rec.Dir)

		if _, err := os.Stat(dataPath); os.IsNotExist(err) {
			orphans = append(orphans, rec.Meta.Path)
			return nil
		}

		st := &fileStream{meta: rec.Meta, dir: rec.Dir, waiters: newWaiterSet()}

		var trueTail Offset
		if IsJSONContentType(rec.Meta.ContentType) {
			index, err := scanEntryIndex(dataPath)
			if err != nil {
				return fmt.Errorf("failed to scan %s: %w", rec.Meta.Path, err)
			}
			st.entryEnds = index
			trueTail = Offset{Seq: rec.Meta.NextOffset.Seq, Position: uint64(len(index))}
		} else {
			size, err := dataFileSize(dataPath)
			if err != nil {
				return fmt.Errorf("failed to stat %s: %w", rec.Meta.Path, err)
			}
			trueTail = Offset{Seq: rec.Meta.NextOffset.Seq, Position: size}
		}

		if !st.meta.NextOffset.Equal(trueTail) {
			s.logger.Warn("reconciled stream tail on recovery",
				zap.String("path", rec.Meta.Path),
				zap.String("recorded", st.meta.NextOffset.String()),
				zap.String("actual", trueTail.String()))
			st.meta.NextOffset = trueTail
			reconciled = append(reconciled, reconciliation{path: rec.Meta.Path, tail: trueTail})
		}

		s.streams[rec.Meta.Path] = st
		return nil
	})
	if err != nil {
		return err
	}

	for _, rec := range reconciled {
		if err := s.meta.UpdateTail(rec.path, rec.tail, ""); err != nil {
			return err
		}
	}

	for _, path := range orphans {
		s.logger.Warn("dropping orphaned stream record", zap.String("path", path))
		if err := s.meta.Delete(path); err != nil {
			return err
		}
	}
	return nil
}

func (s *FileStore) Create(path string, opts CreateOptions) (*StreamMetadata, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.streams[path]; ok {
		if existing.meta.IsExpired(time.Now()) {
			s.evictLocked(path, existing)
		} else if existing.meta.ConfigMatches(opts) {
			existing.mu.RLock()
			meta := existing.meta
			existing.mu.RUnlock()
			return &meta, false, nil
		} else {
			return nil, false, ErrConfigMismatch
		}
	}

	dir, err := streamDirName(path)
	if err != nil {
		return nil, false, fmt.Errorf("failed to name stream directory: %w", err)
	}

	streamDir := filepath.Join(s.dataDir, "streams", dir)
	if err := os.MkdirAll(streamDir, 0o755); err != nil {
		return nil, false, fmt.Errorf("failed to create stream directory: %w", err)
	}
	if err := createDataFile(filepath.Join(streamDir, DataFileName)); err != nil {
		os.RemoveAll(streamDir)
		return nil, false, err
	}

	contentType := opts.ContentType
	if contentType == "" {
		contentType = DefaultContentType
	}

	st := &fileStream{
		meta: StreamMetadata{
			StreamID:    uuid.NewString(),
			Path:        path,
			ContentType: contentType,
			TTLSeconds:  opts.TTLSeconds,
			ExpiresAt:   opts.ExpiresAt,
			CreatedAt:   time.Now(),
		},
		dir:     dir,
		waiters: newWaiterSet(),
	}

	if len(opts.InitialData) > 0 {
		if _, err := s.writePayload(st, opts.InitialData, true); err != nil {
			s.pool.Remove(s.dataPath(dir))
			os.RemoveAll(streamDir)
			return nil, false, err
		}
	}

	if err := s.meta.Put(&StreamRecord{Meta: st.meta, Dir: dir}); err != nil {
		s.pool.Remove(s.dataPath(dir))
		os.RemoveAll(streamDir)
		return nil, false, fmt.Errorf("failed to persist stream record: %w", err)
	}

	s.streams[path] = st
	s.logger.Debug("stream created",
		zap.String("path", path),
		zap.String("content_type", contentType))

	meta := st.meta
	return &meta, true, nil
}

func (s *FileStore) Head(path string) (*StreamMetadata, error) {
	st, err := s.lookup(path)
	if err != nil {
		return nil, err
	}

	st.mu.RLock()
	meta := st.meta
	st.mu.RUnlock()
	return &meta, nil
}

func (s *FileStore) Append(path string, data []byte, opts AppendOptions) (Offset, error) {
	st, err := s.lookup(path)
	if err != nil {
		return Offset{}, err
	}

	if opts.ContentType != "" && !ContentTypeMatches(st.meta.ContentType, opts.ContentType) {
		return Offset{}, ErrContentTypeMismatch
	}
	if len(data) == 0 {
		return Offset{}, ErrEmptyBody
	}

	st.mu.Lock()
	if opts.Seq != "" && st.meta.LastSeq != "" && opts.Seq <= st.meta.LastSeq {
		st.mu.Unlock()
		return Offset{}, ErrSequenceConflict
	}

	newTail, err := s.appendLocked(st, data)
	if err != nil {
		st.mu.Unlock()
		return Offset{}, err
	}

	st.meta.NextOffset = newTail
	if opts.Seq != "" {
		st.meta.LastSeq = opts.Seq
	}

	if err := s.meta.UpdateTail(path, newTail, opts.Seq); err != nil {
		// The data file is the source of truth; recovery reconciles.
		s.logger.Error("failed to persist tail update",
			zap.String("path", path), zap.Error(err))
	}
	st.mu.Unlock()

	st.waiters.wake()

	return newTail, nil
}

// appendLocked writes payload bytes with st.mu held exclusively.
func (s *FileStore) appendLocked(st *fileStream, data []byte) (Offset, error) {
	dataPath := s.dataPath(st.dir)

	f, err := s.pool.Appender(dataPath)
	if err != nil {
		return Offset{}, fmt.Errorf("failed to open data file: %w", err)
	}

	if IsJSONContentType(st.meta.ContentType) {
		entries, err := SplitJSONBody(data, false)
		if err != nil {
			return Offset{}, err
		}

		var committed uint64
		if n := len(st.entryEnds); n > 0 {
			committed = st.entryEnds[n-1]
		}
		pos := committed
		ends := st.entryEnds
		for _, entry := range entries {
			n, err := writeRecord(f, entry)
			if err != nil {
				s.rollback(f, committed)
				return Offset{}, err
			}
			pos += uint64(n)
			ends = append(ends, pos)
		}

		if err := s.pool.Sync(dataPath); err != nil {
			s.rollback(f, committed)
			return Offset{}, err
		}
		st.entryEnds = ends
		return Offset{Seq: st.meta.NextOffset.Seq, Position: uint64(len(ends))}, nil
	}

	if _, err := f.Write(data); err != nil {
		s.rollback(f, st.meta.NextOffset.Position)
		return Offset{}, err
	}
	if err := s.pool.Sync(dataPath); err != nil {
		s.rollback(f, st.meta.NextOffset.Position)
		return Offset{}, err
	}

	return st.meta.NextOffset.Add(uint64(len(data))), nil
}

// writePayload applies a create body inside Create, before the stream
// is published. Empty JSON arrays are allowed here.
func (s *FileStore) writePayload(st *fileStream, data []byte, initial bool) (Offset, error) {
	dataPath := s.dataPath(st.dir)

	if IsJSONContentType(st.meta.ContentType) {
		entries, err := SplitJSONBody(data, initial)
		if err != nil {
			return Offset{}, err
		}

		f, err := s.pool.Appender(dataPath)
		if err != nil {
			return Offset{}, err
		}

		var pos uint64
		for _, entry := range entries {
			n, err := writeRecord(f, entry)
			if err != nil {
				return Offset{}, err
			}
			pos += uint64(n)
			st.entryEnds = append(st.entryEnds, pos)
		}
		if err := s.pool.Sync(dataPath); err != nil {
			return Offset{}, err
		}
		st.meta.NextOffset = Offset{Position: uint64(len(st.entryEnds))}
		return st.meta.NextOffset, nil
	}

	f, err := s.pool.Appender(dataPath)
	if err != nil {
		return Offset{}, err
	}
	if _, err := f.Write(data); err != nil {
		return Offset{}, err
	}
	if err := s.pool.Sync(dataPath); err != nil {
		return Offset{}, err
	}
	st.meta.NextOffset = Offset{Position: uint64(len(data))}
	return st.meta.NextOffset, nil
}

// rollback truncates a partially written append so the file never holds
// bytes past the committed tail.
func (s *FileStore) rollback(f *os.File, committedBytes uint64) {
	if err := f.Truncate(int64(committedBytes)); err != nil {
		s.logger.Error("failed to roll back partial append", zap.Error(err))
	}
}

func (s *FileStore) Read(path string, start Offset, limit int) (ReadResult, error) {
	st, err := s.lookup(path)
	if err != nil {
		return ReadResult{}, err
	}

	// Snapshot tail (and the entry index for JSON streams) first; bytes
	// below the snapshot are immutable, so the file read needs no lock.
	st.mu.RLock()
	tail := st.meta.NextOffset
	contentType := st.meta.ContentType
	ends := st.entryEnds
	st.mu.RUnlock()

	dataPath := s.dataPath(st.dir)

	if IsJSONContentType(contentType) {
		count := tail.Position
		if start.Position > count {
			return ReadResult{}, ErrOffsetBeyondTail
		}
		end := count
		if limit > 0 && start.Position+uint64(limit) < end {
			end = start.Position + uint64(limit)
		}

		var startByte uint64
		if start.Position > 0 {
			startByte = ends[start.Position-1]
		}
		entries, err := readEntries(dataPath, startByte, int(end-start.Position))
		if err != nil {
			return ReadResult{}, err
		}

		return ReadResult{
			Data:       EncodeJSONArray(entries),
			NextOffset: Offset{Seq: start.Seq, Position: end},
			UpToDate:   end == count,
		}, nil
	}

	if start.Position > tail.Position {
		return ReadResult{}, ErrOffsetBeyondTail
	}
	end := tail.Position
	if limit > 0 && start.Position+uint64(limit) < end {
		end = start.Position + uint64(limit)
	}

	data, err := readRange(dataPath, start.Position, end)
	if err != nil {
		return ReadResult{}, err
	}

	return ReadResult{
		Data:       data,
		NextOffset: Offset{Seq: start.Seq, Position: end},
		UpToDate:   end == tail.Position,
	}, nil
}

func (s *FileStore) Delete(path string) error {
	s.mu.Lock()
	st, ok := s.streams[path]
	if !ok {
		s.mu.Unlock()
		return ErrStreamNotFound
	}
	s.evictLocked(path, st)
	s.mu.Unlock()

	if err := s.meta.Delete(path); err != nil && err != ErrStreamNotFound {
		return err
	}
	s.logger.Debug("stream deleted", zap.String("path", path))
	return nil
}

// evictLocked drops a stream from the registry, releases its waiters,
// and schedules its directory for removal. Registry lock must be held.
func (s *FileStore) evictLocked(path string, st *fileStream) {
	delete(s.streams, path)
	st.waiters.tombstone()

	s.pool.Remove(s.dataPath(st.dir))

	// Rename first so a crash mid-delete leaves no half-removed live dir.
	streamDir := filepath.Join(s.dataDir, "streams", st.dir)
	deletedDir := filepath.Join(s.dataDir, "streams",
		fmt.Sprintf(".deleted~%s~%d", st.dir, time.Now().UnixNano()))
	if err := os.Rename(streamDir, deletedDir); err == nil {
		go os.RemoveAll(deletedDir)
	}
}

func (s *FileStore) Await(ctx context.Context, path string, start Offset, timeout time.Duration) (AwaitOutcome, error) {
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
		t := cur.meta.NextOffset
		cur.mu.RUnlock()
		return t, true
	}

	return awaitTail(ctx, st.waiters, tail, start, timeout)
}

func (s *FileStore) Close() error {
	var lastErr error
	s.closeOnce.Do(func() {
		close(s.sweepStop)
		<-s.sweepDone

		if err := s.pool.Close(); err != nil {
			lastErr = err
		}
		if err := s.meta.Close(); err != nil {
			lastErr = err
		}
	})
	return lastErr
}

func (s *FileStore) lookup(path string) (*fileStream, error) {
	s.mu.RLock()
	st, ok := s.streams[path]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrStreamNotFound
	}

	if st.meta.IsExpired(time.Now()) {
		s.mu.Lock()
		if cur, ok := s.streams[path]; ok && cur == st {
			s.evictLocked(path, st)
		}
		s.mu.Unlock()
		s.meta.Delete(path)
		return nil, ErrStreamNotFound
	}

	return st, nil
}

func (s *FileStore) dataPath(dir string) string {
	return filepath.Join(s.dataDir, "streams", dir, DataFileName)
}

func (s *FileStore) sweepLoop(interval time.Duration) {
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

func (s *FileStore) sweepExpired() {
	now := time.Now()

	s.mu.Lock()
	var expired []string
	for path, st := range s.streams {
		if st.meta.IsExpired(now) {
			expired = append(expired, path)
			s.evictLocked(path, st)
		}
	}
	s.mu.Unlock()

	for _, path := range expired {
		s.meta.Delete(path)
		s.logger.Debug("stream expired", zap.String("path", path))
	}
}

// streamDirName builds a unique filesystem-safe directory name for a
// stream URL: encoded_path~timestamp~random.
func streamDirName(path string) (string, error) {
	encoded := url.PathEscape(path)

	random := make([]byte, 4)
	if _, err := rand.Read(random); err != nil {
		return "", err
	}

	return fmt.Sprintf("%s~%d~%s", encoded, time.Now().UnixNano(), hex.EncodeToString(random)), nil
}

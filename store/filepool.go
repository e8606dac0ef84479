package store

import (
	"container/list"
	"os"
	"sync"
)

// FilePool caches open append handles for stream data files with LRU
// eviction, bounding the number of file descriptors a busy store holds.
type FilePool struct {
	mu      sync.Mutex
	maxSize int
	files   map[string]*poolEntry
	lru     *list.List // front = most recently used
}

type poolEntry struct {
	path    string
	file    *os.File
	element *list.Element
}

// NewFilePool creates a pool holding at most maxSize open handles.
func NewFilePool(maxSize int) *FilePool {
	if maxSize <= 0 {
		maxSize = 100
	}
	return &FilePool{
		maxSize: maxSize,
		files:   make(map[string]*poolEntry),
		lru:     list.New(),
	}
}

// Appender returns an append-mode handle for path, opening it if
// needed. The handle is owned by the pool; callers must not close it.
func (p *FilePool) Appender(path string) (*os.File, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if entry, ok := p.files[path]; ok {
		p.lru.MoveToFront(entry.element)
		return entry.file, nil
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}

	p.evictIfFull()

	entry := &poolEntry{path: path, file: file}
	entry.element = p.lru.PushFront(entry)
	p.files[path] = entry

	return file, nil
}

// Sync flushes a pooled handle to disk; a path with no open handle is a
// no-op.
func (p *FilePool) Sync(path string) error {
	p.mu.Lock()
	entry, ok := p.files[path]
	p.mu.Unlock()

	if !ok {
		return nil
	}
	return entry.file.Sync()
}

// Remove closes and drops the handle for path.
func (p *FilePool) Remove(path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.files[path]
	if !ok {
		return nil
	}

	p.lru.Remove(entry.element)
	delete(p.files, path)
	return entry.file.Close()
}

// Close closes every pooled handle.
func (p *FilePool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var lastErr error
	for path, entry := range p.files {
		if err := entry.file.Close(); err != nil {
			lastErr = err
		}
		delete(p.files, path)
	}
	p.lru.Init()

	return lastErr
}

// Size returns the number of open handles.
func (p *FilePool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.files)
}

// evictIfFull drops the least recently used handle. Lock must be held.
func (p *FilePool) evictIfFull() {
	if len(p.files) < p.maxSize {
		return
	}

	elem := p.lru.Back()
	if elem == nil {
		return
	}

	entry := elem.Value.(*poolEntry)
	p.lru.Remove(elem)
	delete(p.files, entry.path)
	entry.file.Close()
}

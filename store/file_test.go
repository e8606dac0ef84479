package store

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestFileStore(t *testing.T, dir string) *FileStore {
	t.Helper()
	s, err := NewFileStore(FileStoreConfig{DataDir: dir})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return s
}

func TestFileStore_CreateAndHead(t *testing.T) {
	s := newTestFileStore(t, t.TempDir())
	defer s.Close()

	meta, created, err := s.Create("/test/stream", CreateOptions{ContentType: "application/json"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if !created {
		t.Error("expected created=true for new stream")
	}
	if meta.Path != "/test/stream" {
		t.Errorf("path mismatch: %q", meta.Path)
	}
	if meta.ContentType != "application/json" {
		t.Errorf("content type mismatch: %q", meta.ContentType)
	}

	got, err := s.Head("/test/stream")
	if err != nil {
		t.Fatalf("Head failed: %v", err)
	}
	if got.StreamID != meta.StreamID {
		t.Error("stream ID mismatch on Head")
	}

	if _, err := s.Head("/nonexistent"); !errors.Is(err, ErrStreamNotFound) {
		t.Errorf("expected ErrStreamNotFound, got %v", err)
	}
}

func TestFileStore_CreateIdempotent(t *testing.T) {
	s := newTestFileStore(t, t.TempDir())
	defer s.Close()

	opts := CreateOptions{ContentType: "text/plain"}

	_, created1, err := s.Create("/test", opts)
	if err != nil {
		t.Fatalf("first Create failed: %v", err)
	}
	if !created1 {
		t.Error("first create should return created=true")
	}

	_, created2, err := s.Create("/test", opts)
	if err != nil {
		t.Fatalf("second Create failed: %v", err)
	}
	if created2 {
		t.Error("idempotent create should return created=false")
	}

	opts.ContentType = "application/json"
	if _, _, err := s.Create("/test", opts); !errors.Is(err, ErrConfigMismatch) {
		t.Errorf("expected ErrConfigMismatch, got %v", err)
	}
}

func TestFileStore_ByteAppendAndRead(t *testing.T) {
	s := newTestFileStore(t, t.TempDir())
	defer s.Close()

	_, _, err := s.Create("/test", CreateOptions{ContentType: "text/plain"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	tail, err := s.Append("/test", []byte("hello"), AppendOptions{ContentType: "text/plain"})
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if tail.Position != 5 {
		t.Errorf("expected tail 5, got %d", tail.Position)
	}

	if _, err := s.Append("/test", []byte(" world"), AppendOptions{}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	res, err := s.Read("/test", ZeroOffset, 0)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !bytes.Equal(res.Data, []byte("hello world")) {
		t.Errorf("unexpected data: %q", res.Data)
	}
	if !res.UpToDate {
		t.Error("full read should be up to date")
	}

	// Partial read with a byte limit.
	res, err = s.Read("/test", Offset{Position: 6}, 3)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !bytes.Equal(res.Data, []byte("wor")) {
		t.Errorf("unexpected data: %q", res.Data)
	}
	if res.UpToDate {
		t.Error("limited read should not be up to date")
	}
}

func TestFileStore_ByteModeFileIsRaw(t *testing.T) {
	dir := t.TempDir()
	s := newTestFileStore(t, dir)
	defer s.Close()

	_, _, err := s.Create("/raw", CreateOptions{
		ContentType: "application/octet-stream",
		InitialData: []byte{0x01, 0x02, 0x03},
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := s.Append("/raw", []byte{0x04}, AppendOptions{}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	// The data file holds exactly the payload bytes, no framing.
	entries, err := os.ReadDir(filepath.Join(dir, "streams"))
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected one stream dir, got %v (%v)", entries, err)
	}
	raw, err := os.ReadFile(filepath.Join(dir, "streams", entries[0].Name(), DataFileName))
	if err != nil {
		t.Fatalf("read data file: %v", err)
	}
	if !bytes.Equal(raw, []byte{0x01, 0x02, 0x03, 0x04}) {
		t.Errorf("unexpected file contents: %v", raw)
	}
}

func TestFileStore_JSONAppendAndRead(t *testing.T) {
	s := newTestFileStore(t, t.TempDir())
	defer s.Close()

	_, _, err := s.Create("/events", CreateOptions{
		ContentType: "application/json",
		InitialData: []byte(`[{"a":1},{"b":2}]`),
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	tail, err := s.Append("/events", []byte(`{"c":3}`), AppendOptions{ContentType: "application/json"})
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if tail.Position != 3 {
		t.Errorf("expected 3 entries, got %d", tail.Position)
	}

	res, err := s.Read("/events", Offset{Position: 1}, 0)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !bytes.Equal(res.Data, []byte(`[{"b":2},{"c":3}]`)) {
		t.Errorf("unexpected data: %s", res.Data)
	}

	// Entry limit.
	res, err = s.Read("/events", ZeroOffset, 2)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !bytes.Equal(res.Data, []byte(`[{"a":1},{"b":2}]`)) {
		t.Errorf("unexpected data: %s", res.Data)
	}
	if res.UpToDate {
		t.Error("limited read should not be up to date")
	}
}

func TestFileStore_PersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	s := newTestFileStore(t, dir)
	_, _, err := s.Create("/persist", CreateOptions{ContentType: "text/plain"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := s.Append("/persist", []byte("durable"), AppendOptions{Seq: "001"}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	s2 := newTestFileStore(t, dir)
	defer s2.Close()

	meta, err := s2.Head("/persist")
	if err != nil {
		t.Fatalf("Head after reopen failed: %v", err)
	}
	if meta.NextOffset.Position != 7 {
		t.Errorf("expected tail 7 after reopen, got %d", meta.NextOffset.Position)
	}

	res, err := s2.Read("/persist", ZeroOffset, 0)
	if err != nil {
		t.Fatalf("Read after reopen failed: %v", err)
	}
	if !bytes.Equal(res.Data, []byte("durable")) {
		t.Errorf("unexpected data after reopen: %q", res.Data)
	}

	// Appends continue from the recovered tail.
	tail, err := s2.Append("/persist", []byte("!"), AppendOptions{})
	if err != nil {
		t.Fatalf("Append after reopen failed: %v", err)
	}
	if tail.Position != 8 {
		t.Errorf("expected tail 8, got %d", tail.Position)
	}
}

func TestFileStore_JSONRecoveryRebuildsEntryIndex(t *testing.T) {
	dir := t.TempDir()

	s := newTestFileStore(t, dir)
	_, _, err := s.Create("/events", CreateOptions{ContentType: "application/json"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := s.Append("/events", []byte(`[{"a":1},{"b":2},{"c":3}]`), AppendOptions{}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	s2 := newTestFileStore(t, dir)
	defer s2.Close()

	meta, err := s2.Head("/events")
	if err != nil {
		t.Fatalf("Head after reopen failed: %v", err)
	}
	if meta.NextOffset.Position != 3 {
		t.Errorf("expected 3 entries after reopen, got %d", meta.NextOffset.Position)
	}

	res, err := s2.Read("/events", Offset{Position: 2}, 0)
	if err != nil {
		t.Fatalf("Read after reopen failed: %v", err)
	}
	if !bytes.Equal(res.Data, []byte(`[{"c":3}]`)) {
		t.Errorf("unexpected data after reopen: %s", res.Data)
	}
}

func TestFileStore_RecoveryReconcilesTruncatedTail(t *testing.T) {
	dir := t.TempDir()

	s := newTestFileStore(t, dir)
	_, _, err := s.Create("/trunc", CreateOptions{ContentType: "text/plain"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := s.Append("/trunc", []byte("0123456789"), AppendOptions{}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Simulate a crash that lost the last bytes of the data file.
	entries, err := os.ReadDir(filepath.Join(dir, "streams"))
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected one stream dir, got %v (%v)", entries, err)
	}
	dataPath := filepath.Join(dir, "streams", entries[0].Name(), DataFileName)
	if err := os.Truncate(dataPath, 4); err != nil {
		t.Fatalf("truncate failed: %v", err)
	}

	s2 := newTestFileStore(t, dir)
	defer s2.Close()

	meta, err := s2.Head("/trunc")
	if err != nil {
		t.Fatalf("Head after reopen failed: %v", err)
	}
	if meta.NextOffset.Position != 4 {
		t.Errorf("expected reconciled tail 4, got %d", meta.NextOffset.Position)
	}
}

func TestFileStore_JSONAppendFailureKeepsCommittedTail(t *testing.T) {
	s := newTestFileStore(t, t.TempDir())
	defer s.Close()

	_, _, err := s.Create("/events", CreateOptions{ContentType: "application/json"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := s.Append("/events", []byte(`{"a":1}`), AppendOptions{}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	// A batch whose second entry exceeds the record size limit fails
	// after the first entry already reached the file.
	body := []byte(`[{"b":2},"`)
	body = append(body, bytes.Repeat([]byte("x"), MaxEntrySize)...)
	body = append(body, '"', ']')
	if _, err := s.Append("/events", body, AppendOptions{}); !errors.Is(err, ErrEntryTooLarge) {
		t.Fatalf("expected ErrEntryTooLarge, got %v", err)
	}

	meta, err := s.Head("/events")
	if err != nil {
		t.Fatalf("Head failed: %v", err)
	}
	if meta.NextOffset.Position != 1 {
		t.Errorf("failed batch moved the tail: %d", meta.NextOffset.Position)
	}

	// No bytes from the failed batch may remain: the next append must
	// land exactly where the entry index says it does.
	if _, err := s.Append("/events", []byte(`{"c":3}`), AppendOptions{}); err != nil {
		t.Fatalf("Append after failure failed: %v", err)
	}
	res, err := s.Read("/events", ZeroOffset, 0)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !bytes.Equal(res.Data, []byte(`[{"a":1},{"c":3}]`)) {
		t.Errorf("unexpected data after rollback: %s", res.Data)
	}
}

func TestFileStore_CloseIdempotent(t *testing.T) {
	s := newTestFileStore(t, t.TempDir())

	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
}

// failingPutMetadata rejects every Put, for exercising Create failure
// cleanup.
type failingPutMetadata struct{}

func (failingPutMetadata) Put(*StreamRecord) error                 { return errors.New("put rejected") }
func (failingPutMetadata) Get(string) (*StreamRecord, error)       { return nil, ErrStreamNotFound }
func (failingPutMetadata) Delete(string) error                     { return ErrStreamNotFound }
func (failingPutMetadata) UpdateTail(string, Offset, string) error { return nil }
func (failingPutMetadata) ForEach(func(*StreamRecord) error) error { return nil }
func (failingPutMetadata) Close() error                            { return nil }

func TestFileStore_CreateFailureReleasesFileHandle(t *testing.T) {
	s, err := NewFileStore(FileStoreConfig{
		DataDir:  t.TempDir(),
		Metadata: failingPutMetadata{},
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer s.Close()

	// The initial payload opens a pooled handle before the record write
	// fails; cleanup must close it, not just unlink the directory.
	_, _, err = s.Create("/doomed", CreateOptions{
		ContentType: "text/plain",
		InitialData: []byte("payload"),
	})
	if err == nil {
		t.Fatal("expected Create to fail")
	}
	if n := s.pool.Size(); n != 0 {
		t.Errorf("pool still holds %d handle(s) after failed create", n)
	}
}

func TestFileStore_SequenceConflict(t *testing.T) {
	s := newTestFileStore(t, t.TempDir())
	defer s.Close()

	_, _, err := s.Create("/test", CreateOptions{ContentType: "text/plain"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if _, err := s.Append("/test", []byte("a"), AppendOptions{Seq: "005"}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if _, err := s.Append("/test", []byte("b"), AppendOptions{Seq: "004"}); !errors.Is(err, ErrSequenceConflict) {
		t.Errorf("expected ErrSequenceConflict, got %v", err)
	}
	if _, err := s.Append("/test", []byte("c"), AppendOptions{Seq: "006"}); err != nil {
		t.Errorf("higher seq should succeed: %v", err)
	}
}

func TestFileStore_Delete(t *testing.T) {
	s := newTestFileStore(t, t.TempDir())
	defer s.Close()

	_, _, err := s.Create("/test", CreateOptions{})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := s.Delete("/test"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := s.Head("/test"); !errors.Is(err, ErrStreamNotFound) {
		t.Errorf("expected ErrStreamNotFound after delete, got %v", err)
	}
	if err := s.Delete("/test"); !errors.Is(err, ErrStreamNotFound) {
		t.Errorf("expected ErrStreamNotFound on double delete, got %v", err)
	}
}

func TestFileStore_AwaitData(t *testing.T) {
	s := newTestFileStore(t, t.TempDir())
	defer s.Close()

	_, _, err := s.Create("/test", CreateOptions{ContentType: "text/plain"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	done := make(chan AwaitOutcome, 1)
	go func() {
		outcome, _ := s.Await(context.Background(), "/test", ZeroOffset, 5*time.Second)
		done <- outcome
	}()

	time.Sleep(50 * time.Millisecond)
	if _, err := s.Append("/test", []byte("wake"), AppendOptions{}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	select {
	case outcome := <-done:
		if outcome != AwaitData {
			t.Errorf("expected AwaitData, got %v", outcome)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken by append")
	}
}

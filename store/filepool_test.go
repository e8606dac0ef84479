package store

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFilePool_ReusesHandles(t *testing.T) {
	dir := t.TempDir()
	pool := NewFilePool(10)
	defer pool.Close()

	path := filepath.Join(dir, "a.bin")

	f1, err := pool.Appender(path)
	if err != nil {
		t.Fatalf("Appender failed: %v", err)
	}
	f2, err := pool.Appender(path)
	if err != nil {
		t.Fatalf("Appender failed: %v", err)
	}
	if f1 != f2 {
		t.Error("expected the same handle for repeated Appender calls")
	}
	if pool.Size() != 1 {
		t.Errorf("expected pool size 1, got %d", pool.Size())
	}
}

func TestFilePool_EvictsLRU(t *testing.T) {
	dir := t.TempDir()
	pool := NewFilePool(2)
	defer pool.Close()

	for _, name := range []string{"a", "b", "c"} {
		if _, err := pool.Appender(filepath.Join(dir, name)); err != nil {
			t.Fatalf("Appender(%s) failed: %v", name, err)
		}
	}

	if pool.Size() != 2 {
		t.Errorf("expected pool size 2 after eviction, got %d", pool.Size())
	}
}

func TestFilePool_EvictedHandleStillAppends(t *testing.T) {
	dir := t.TempDir()
	pool := NewFilePool(1)
	defer pool.Close()

	pathA := filepath.Join(dir, "a.bin")
	pathB := filepath.Join(dir, "b.bin")

	f, err := pool.Appender(pathA)
	if err != nil {
		t.Fatalf("Appender failed: %v", err)
	}
	if _, err := f.Write([]byte("one")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	// Force eviction of a.bin, then reopen it; writes must append.
	if _, err := pool.Appender(pathB); err != nil {
		t.Fatalf("Appender failed: %v", err)
	}
	f, err = pool.Appender(pathA)
	if err != nil {
		t.Fatalf("Appender after eviction failed: %v", err)
	}
	if _, err := f.Write([]byte("two")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := pool.Sync(pathA); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	data, err := os.ReadFile(pathA)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(data) != "onetwo" {
		t.Errorf("expected %q, got %q", "onetwo", data)
	}
}

func TestFilePool_Remove(t *testing.T) {
	dir := t.TempDir()
	pool := NewFilePool(10)
	defer pool.Close()

	path := filepath.Join(dir, "a.bin")
	if _, err := pool.Appender(path); err != nil {
		t.Fatalf("Appender failed: %v", err)
	}

	if err := pool.Remove(path); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if pool.Size() != 0 {
		t.Errorf("expected empty pool, got %d", pool.Size())
	}

	// Removing an unknown path is a no-op.
	if err := pool.Remove(filepath.Join(dir, "missing")); err != nil {
		t.Errorf("Remove of unknown path failed: %v", err)
	}
}

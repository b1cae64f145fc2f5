package storage

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// newTestStorage creates a temporary storage for testing.
func newTestStorage(t *testing.T) (*Storage, func()) {
	t.Helper()

	dir, err := os.MkdirTemp("", "trustlinks-storage-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}

	s, err := New(filepath.Join(dir, "db"))
	if err != nil {
		os.RemoveAll(dir)
		t.Fatalf("failed to create storage: %v", err)
	}

	cleanup := func() {
		s.Close()
		os.RemoveAll(dir)
	}

	return s, cleanup
}

func TestSetAndGet(t *testing.T) {
	s, cleanup := newTestStorage(t)
	defer cleanup()

	key := []byte("test-key")
	value := []byte("test-value")

	if err := s.Set(key, value); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	got, err := s.Get(key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if !bytes.Equal(got, value) {
		t.Errorf("Get returned %q, want %q", got, value)
	}
}

func TestGetNonExistent(t *testing.T) {
	s, cleanup := newTestStorage(t)
	defer cleanup()

	got, err := s.Get([]byte("non-existent"))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if got != nil {
		t.Errorf("Get returned %q, want nil", got)
	}
}

func TestSetBatch(t *testing.T) {
	s, cleanup := newTestStorage(t)
	defer cleanup()

	pairs := []KeyValue{
		{Key: []byte("batch-1"), Value: []byte("value-1")},
		{Key: []byte("batch-2"), Value: []byte("value-2")},
		{Key: []byte("batch-3"), Value: []byte("value-3")},
	}

	if err := s.SetBatch(pairs); err != nil {
		t.Fatalf("SetBatch failed: %v", err)
	}

	for _, kv := range pairs {
		got, err := s.Get(kv.Key)
		if err != nil {
			t.Fatalf("Get failed for %q: %v", kv.Key, err)
		}

		if !bytes.Equal(got, kv.Value) {
			t.Errorf("Get(%q) = %q, want %q", kv.Key, got, kv.Value)
		}
	}
}

func TestSetOverwrite(t *testing.T) {
	s, cleanup := newTestStorage(t)
	defer cleanup()

	key := []byte("overwrite-key")

	if err := s.Set(key, []byte("first")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	if err := s.Set(key, []byte("second")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	got, err := s.Get(key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if !bytes.Equal(got, []byte("second")) {
		t.Errorf("Get returned %q, want %q", got, "second")
	}
}

func TestLargeRecord(t *testing.T) {
	s, cleanup := newTestStorage(t)
	defer cleanup()

	key := []byte("large-record")
	value := make([]byte, 8192) // serialized anonymous attestation with proof
	for i := range value {
		value[i] = byte(i % 256)
	}

	if err := s.Set(key, value); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	got, err := s.Get(key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if !bytes.Equal(got, value) {
		t.Error("Get returned different value for large record")
	}
}

func TestHas(t *testing.T) {
	s, cleanup := newTestStorage(t)
	defer cleanup()

	ok, err := s.Has([]byte("missing"))
	if err != nil {
		t.Fatalf("Has failed: %v", err)
	}

	if ok {
		t.Error("Has returned true for missing key")
	}

	if err := s.Set([]byte("present"), nil); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	ok, err = s.Has([]byte("present"))
	if err != nil {
		t.Fatalf("Has failed: %v", err)
	}

	if !ok {
		t.Error("Has returned false for key with empty value")
	}
}

func TestSetIfAbsent(t *testing.T) {
	s, cleanup := newTestStorage(t)
	defer cleanup()

	key := []byte("n:nullifier")

	stored, err := s.SetIfAbsent(key, []byte("first"))
	if err != nil {
		t.Fatalf("SetIfAbsent failed: %v", err)
	}

	if !stored {
		t.Fatal("first SetIfAbsent should store")
	}

	stored, err = s.SetIfAbsent(key, []byte("second"))
	if err != nil {
		t.Fatalf("SetIfAbsent failed: %v", err)
	}

	if stored {
		t.Error("second SetIfAbsent should not store")
	}

	got, _ := s.Get(key)
	if !bytes.Equal(got, []byte("first")) {
		t.Errorf("value overwritten: %q", got)
	}
}

func TestIteratePrefixOrder(t *testing.T) {
	s, cleanup := newTestStorage(t)
	defer cleanup()

	pairs := []KeyValue{
		{Key: []byte("s:a:1"), Value: []byte("1")},
		{Key: []byte("s:a:3"), Value: []byte("3")},
		{Key: []byte("s:a:2"), Value: []byte("2")},
		{Key: []byte("s:b:1"), Value: []byte("other")},
		{Key: []byte("a:a:1"), Value: []byte("other")},
	}

	if err := s.SetBatch(pairs); err != nil {
		t.Fatalf("SetBatch failed: %v", err)
	}

	var forward []string

	err := s.IteratePrefix([]byte("s:a:"), func(_, v []byte) error {
		forward = append(forward, string(v))
		return nil
	})
	if err != nil {
		t.Fatalf("IteratePrefix failed: %v", err)
	}

	if got := strings.Join(forward, ","); got != "1,2,3" {
		t.Errorf("forward = %s, want 1,2,3", got)
	}
}

func TestIterateStop(t *testing.T) {
	s, cleanup := newTestStorage(t)
	defer cleanup()

	for i := 0; i < 5; i++ {
		if err := s.Set([]byte{'k', byte('0' + i)}, []byte{byte(i)}); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
	}

	seen := 0
	err := s.IteratePrefix([]byte("k"), func(_, _ []byte) error {
		seen++
		if seen == 2 {
			return ErrStop
		}
		return nil
	})

	if err != nil {
		t.Fatalf("ErrStop should end cleanly, got %v", err)
	}

	if seen != 2 {
		t.Errorf("visited %d entries, want 2", seen)
	}
}

func TestPrefixUpperBound(t *testing.T) {
	if got := prefixUpperBound([]byte{0x01, 0xFF}); !bytes.Equal(got, []byte{0x02}) {
		t.Errorf("upper bound = %x, want 02", got)
	}

	if got := prefixUpperBound([]byte{0xFF, 0xFF}); got != nil {
		t.Errorf("upper bound = %x, want nil", got)
	}
}

func TestOpenOptions(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir, Options{CacheSize: 1 << 20, SyncInterval: 5 * time.Millisecond})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if err := s.Set([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	time.Sleep(20 * time.Millisecond)

	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := New(dir)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.Get([]byte("k"))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if !bytes.Equal(got, []byte("v")) {
		t.Errorf("value after reopen = %q, want v", got)
	}
}

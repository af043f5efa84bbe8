package util

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestWriteFileAtomicReplaces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "checkpoint.json")
	if err := WriteFileAtomic(path, []byte(`{"page":1}`), 0o600); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := WriteFileAtomic(path, []byte(`{"page":2}`), 0o600); err != nil {
		t.Fatalf("second write: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != `{"page":2}` {
		t.Fatalf("unexpected content: %s", data)
	}
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Fatalf("temp files left behind: %d entries", len(entries))
	}
}

func TestWriteFileOnceRefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.json")
	if err := WriteFileOnce(path, []byte("a"), 0o600); err != nil {
		t.Fatalf("first write: %v", err)
	}
	err := WriteFileOnce(path, []byte("b"), 0o600)
	if !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "a" {
		t.Fatalf("manifest was mutated: %s", data)
	}
}

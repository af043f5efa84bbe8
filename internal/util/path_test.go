package util

import (
	"strings"
	"testing"
	"time"
)

func TestBuildArchiveKey(t *testing.T) {
	when := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	key := BuildArchiveKey("mirror", "clone_20240101_100000_ab12cd34", when, "tar.zst")
	if !strings.HasPrefix(key, "mirror/clones/clone_20240101_100000_ab12cd34/") {
		t.Fatalf("unexpected prefix: %s", key)
	}
	if !strings.HasSuffix(key, "20240101T100000Z_clone.tar.zst") {
		t.Fatalf("unexpected suffix: %s", key)
	}
}

func TestBuildArchivePrefix(t *testing.T) {
	if p := BuildArchivePrefix("/mirror/", "op1"); p != "mirror/clones/op1" {
		t.Fatalf("unexpected prefix: %s", p)
	}
	if p := BuildArchivePrefix("", ""); p != "clones" {
		t.Fatalf("unexpected prefix: %s", p)
	}
}

func TestValidOperationID(t *testing.T) {
	for _, id := range []string{"clone_20240101_100000_ab12cd34", "nightly.v2", "a-b"} {
		if !ValidOperationID(id) {
			t.Fatalf("expected %q to be valid", id)
		}
	}
	for _, id := range []string{"", "..", "../etc", "a/b", strings.Repeat("x", 129)} {
		if ValidOperationID(id) {
			t.Fatalf("expected %q to be invalid", id)
		}
	}
}

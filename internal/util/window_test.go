package util

import (
	"testing"
	"time"
)

func TestWindowSameDay(t *testing.T) {
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	ok, err := Window{Start: "09:00", End: "11:00", Timezone: "UTC"}.Contains(now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatalf("expected to be in window")
	}
}

func TestWindowWrap(t *testing.T) {
	now := time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC)
	ok, err := Window{Start: "23:00", End: "02:00", Timezone: "UTC"}.Contains(now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatalf("expected to be in window")
	}
}

func TestWindowOutside(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 30, 0, 0, time.UTC)
	ok, err := Window{Start: "22:00", End: "06:00"}.Contains(now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected to be outside window")
	}
}

func TestWindowUnrestricted(t *testing.T) {
	ok, err := Window{}.Contains(time.Now())
	if err != nil || !ok {
		t.Fatalf("empty window should always allow: %v %v", ok, err)
	}
}

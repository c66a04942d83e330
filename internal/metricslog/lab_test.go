package metricslog

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestStartLabSessionCreatesEmptyFile(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 2, 9, 30, 0, 0, time.Local)}
	store := newTestStore(t, clock)

	filename, err := store.StartLabSession("m1")
	if err != nil {
		t.Fatalf("start lab session: %v", err)
	}
	if !strings.HasPrefix(filename, "Lab_Test_") || !strings.HasSuffix(filename, ".csv") {
		t.Fatalf("unexpected lab filename %q", filename)
	}
	info, err := os.Stat(filepath.Join(store.Root(), "m1", filename))
	if err != nil {
		t.Fatalf("stat lab file: %v", err)
	}
	if info.Size() != 0 {
		t.Fatalf("new lab file has %d bytes, want 0", info.Size())
	}
}

func TestStartLabSessionTruncatesExisting(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 2, 9, 30, 0, 0, time.Local)}
	store := newTestStore(t, clock)

	filename, err := store.StartLabSession("m1")
	if err != nil {
		t.Fatalf("start lab session: %v", err)
	}
	store.AppendTo(context.Background(), "m1", filename, testRecord(clock.now).ClampedForLab())

	again, err := store.StartLabSession("m1")
	if err != nil {
		t.Fatalf("restart lab session: %v", err)
	}
	if again != filename {
		t.Fatalf("same clock produced different filenames: %q vs %q", filename, again)
	}
	info, err := os.Stat(filepath.Join(store.Root(), "m1", filename))
	if err != nil {
		t.Fatalf("stat lab file: %v", err)
	}
	if info.Size() != 0 {
		t.Fatalf("restarted lab file has %d bytes, want 0", info.Size())
	}
}

func TestLatestLabFile(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 2, 9, 30, 0, 0, time.Local)}
	store := newTestStore(t, clock)

	first, err := store.StartLabSession("m1")
	if err != nil {
		t.Fatalf("start first session: %v", err)
	}
	clock.advance(time.Minute)
	second, err := store.StartLabSession("m1")
	if err != nil {
		t.Fatalf("start second session: %v", err)
	}

	// Mod times decide which file is current, not names.
	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(filepath.Join(store.Root(), "m1", first), old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	got, ok := store.LatestLabFile("m1")
	if !ok {
		t.Fatal("no lab file found")
	}
	if got != second {
		t.Fatalf("latest lab file = %q, want %q", got, second)
	}
}

func TestLatestLabFileAbsent(t *testing.T) {
	store := newTestStore(t, &fakeClock{now: time.Now()})
	if _, ok := store.LatestLabFile("m1"); ok {
		t.Fatal("found a lab file in an empty directory")
	}
}

func TestClampedForLab(t *testing.T) {
	rec := testRecord(time.Now())
	rec.Capacity = -12.5
	rec.Rejects = 1e-9
	rec.Counters[0] = -3
	rec.Counters[1] = 42

	got := rec.ClampedForLab()
	if got.Capacity != 0 || got.Rejects != 0 || got.Counters[0] != 0 {
		t.Fatalf("negative or near-zero values not clamped: %+v", got)
	}
	if got.Counters[1] != 42 || got.Accepts != rec.Accepts {
		t.Fatalf("valid values altered: %+v", got)
	}
	if got.Mode != ModeLab {
		t.Fatalf("mode = %q, want %q", got.Mode, ModeLab)
	}
}

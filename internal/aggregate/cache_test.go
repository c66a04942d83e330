package aggregate

import (
	"context"
	"io"
	"log"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"sorterfleet/internal/metricslog"
)

type stubClock struct {
	now time.Time
}

func (c stubClock) Now() time.Time { return c.now }

// newTestStore pins the store clock near the test timestamps so purges do
// not eat the fixture rows.
func newTestStore(t *testing.T) *metricslog.Store {
	t.Helper()
	clock := stubClock{now: time.Date(2026, 3, 2, 12, 30, 0, 0, time.Local)}
	store, err := metricslog.NewStore(t.TempDir(), log.New(io.Discard, "", 0), metricslog.WithClock(clock))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func newTestCache(t *testing.T, source Source, opts ...Option) *Cache {
	t.Helper()
	cache, err := NewCache(source, log.New(io.Discard, "", 0), opts...)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	return cache
}

func rateRecord(ts time.Time, capacity float64) metricslog.Record {
	return metricslog.Record{
		Timestamp: ts,
		Capacity:  capacity,
		Running:   1,
		Mode:      metricslog.ModeLive,
	}
}

func approx(t *testing.T, name string, got, want float64) {
	t.Helper()
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("%s = %v, want %v", name, got, want)
	}
}

func TestTotalsLeftRectangleIntegration(t *testing.T) {
	store := newTestStore(t)
	cache := newTestCache(t, store)

	base := time.Date(2026, 3, 2, 12, 0, 0, 0, time.Local)
	for i, capacity := range []float64{60, 120, 90} {
		store.Append(context.Background(), "m1", rateRecord(base.Add(time.Duration(i)*time.Minute), capacity))
	}

	totals, err := cache.Totals("m1", metricslog.MetricsFilename)
	if err != nil {
		t.Fatalf("totals: %v", err)
	}
	// 60 lbs/hr for one minute plus 120 lbs/hr for one minute. The
	// newest sample's interval is still open.
	approx(t, "CapacityLbs", totals.CapacityLbs, 3.0)
	approx(t, "AvgRate", totals.AvgRate, 90)
	approx(t, "MinRate", totals.MinRate, 60)
	approx(t, "MaxRate", totals.MaxRate, 120)
	if totals.Samples != 3 {
		t.Fatalf("Samples = %d, want 3", totals.Samples)
	}
	if !totals.LastTimestamp.Equal(base.Add(2 * time.Minute)) {
		t.Fatalf("LastTimestamp = %v", totals.LastTimestamp)
	}
}

func TestTotalsIncrementalMatchesFullRecompute(t *testing.T) {
	store := newTestStore(t)
	incremental := newTestCache(t, store)

	base := time.Date(2026, 3, 2, 12, 0, 0, 0, time.Local)
	rates := []float64{50, 80, 70, 110, 95, 60}

	for i := 0; i < 3; i++ {
		rec := rateRecord(base.Add(time.Duration(i)*time.Minute), rates[i])
		rec.Objects60M = rates[i] * 10
		rec.Counters[2] = rates[i] / 2
		store.Append(context.Background(), "m1", rec)
	}
	if _, err := incremental.Totals("m1", metricslog.MetricsFilename); err != nil {
		t.Fatalf("first pass: %v", err)
	}

	for i := 3; i < len(rates); i++ {
		rec := rateRecord(base.Add(time.Duration(i)*time.Minute), rates[i])
		rec.Objects60M = rates[i] * 10
		rec.Counters[2] = rates[i] / 2
		store.Append(context.Background(), "m1", rec)
	}

	got, err := incremental.Totals("m1", metricslog.MetricsFilename)
	if err != nil {
		t.Fatalf("incremental totals: %v", err)
	}
	want, err := newTestCache(t, store).Totals("m1", metricslog.MetricsFilename)
	if err != nil {
		t.Fatalf("full recompute: %v", err)
	}

	approx(t, "CapacityLbs", got.CapacityLbs, want.CapacityLbs)
	approx(t, "Objects", got.Objects, want.Objects)
	approx(t, "CounterTotals[2]", got.CounterTotals[2], want.CounterTotals[2])
	approx(t, "AvgRate", got.AvgRate, want.AvgRate)
	approx(t, "RunMinutes", got.RunMinutes, want.RunMinutes)
	if got.Samples != want.Samples {
		t.Fatalf("Samples = %d, want %d", got.Samples, want.Samples)
	}
}

func TestTotalsCacheResetOnFileReplaced(t *testing.T) {
	store := newTestStore(t)
	cache := newTestCache(t, store)

	base := time.Date(2026, 3, 2, 12, 0, 0, 0, time.Local)
	for i := 0; i < 5; i++ {
		store.Append(context.Background(), "m1", rateRecord(base.Add(time.Duration(i)*time.Minute), 100))
	}
	if _, err := cache.Totals("m1", metricslog.MetricsFilename); err != nil {
		t.Fatalf("prime cache: %v", err)
	}

	// Replace the file with a shorter one, as a purge or a cleared
	// machine would.
	if err := store.ClearMachineData("m1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	store.Append(context.Background(), "m1", rateRecord(base.Add(10*time.Minute), 40))
	store.Append(context.Background(), "m1", rateRecord(base.Add(11*time.Minute), 40))

	totals, err := cache.Totals("m1", metricslog.MetricsFilename)
	if err != nil {
		t.Fatalf("totals after replace: %v", err)
	}
	if totals.Samples != 2 {
		t.Fatalf("Samples = %d after replacement, want 2", totals.Samples)
	}
	approx(t, "CapacityLbs", totals.CapacityLbs, 40.0/60.0)
}

func TestTotalsCacheResetOnRewoundModTime(t *testing.T) {
	store := newTestStore(t)
	cache := newTestCache(t, store)

	base := time.Date(2026, 3, 2, 12, 0, 0, 0, time.Local)
	store.Append(context.Background(), "m1", rateRecord(base, 100))
	if _, err := cache.Totals("m1", metricslog.MetricsFilename); err != nil {
		t.Fatalf("prime cache: %v", err)
	}

	path := filepath.Join(store.Root(), "m1", metricslog.MetricsFilename)
	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	totals, err := cache.Totals("m1", metricslog.MetricsFilename)
	if err != nil {
		t.Fatalf("totals after rewind: %v", err)
	}
	if totals.Samples != 1 {
		t.Fatalf("Samples = %d after recompute, want 1", totals.Samples)
	}
}

func TestTotalsMissingFile(t *testing.T) {
	store := newTestStore(t)
	cache := newTestCache(t, store)

	totals, err := cache.Totals("ghost", metricslog.MetricsFilename)
	if err != nil {
		t.Fatalf("totals: %v", err)
	}
	if totals.Samples != 0 || totals.CapacityLbs != 0 {
		t.Fatalf("missing file yielded %+v, want zero totals", totals)
	}
}

func TestTotalsObjectScale(t *testing.T) {
	store := newTestStore(t)
	cache := newTestCache(t, store, WithObjectScale(1.042))

	base := time.Date(2026, 3, 2, 12, 0, 0, 0, time.Local)
	for i := 0; i < 3; i++ {
		rec := rateRecord(base.Add(time.Duration(i)*time.Minute), 100)
		rec.Objects60M = 600
		store.Append(context.Background(), "m1", rec)
	}

	totals, err := cache.Totals("m1", metricslog.MetricsFilename)
	if err != nil {
		t.Fatalf("totals: %v", err)
	}
	approx(t, "Objects", totals.Objects, 600*2*1.042)
}

func TestTotalsRunStopAndLastRates(t *testing.T) {
	store := newTestStore(t)
	cache := newTestCache(t, store)

	base := time.Date(2026, 3, 2, 12, 0, 0, 0, time.Local)
	for i := 0; i < 4; i++ {
		rec := rateRecord(base.Add(time.Duration(i)*time.Minute), 100)
		if i%2 == 1 {
			rec.Running = 0
			rec.Stopped = 1
		}
		rec.Counters[0] = float64(i + 1)
		store.Append(context.Background(), "m1", rec)
	}

	totals, err := cache.Totals("m1", metricslog.MetricsFilename)
	if err != nil {
		t.Fatalf("totals: %v", err)
	}
	approx(t, "RunMinutes", totals.RunMinutes, 2)
	approx(t, "StopMinutes", totals.StopMinutes, 2)
	approx(t, "LastCounterRates[0]", totals.LastCounterRates[0], 4)
}

func TestResetForcesRecompute(t *testing.T) {
	store := newTestStore(t)
	cache := newTestCache(t, store)

	base := time.Date(2026, 3, 2, 12, 0, 0, 0, time.Local)
	store.Append(context.Background(), "m1", rateRecord(base, 100))
	store.Append(context.Background(), "m1", rateRecord(base.Add(time.Minute), 100))

	first, err := cache.Totals("m1", metricslog.MetricsFilename)
	if err != nil {
		t.Fatalf("totals: %v", err)
	}
	cache.Reset("m1", metricslog.MetricsFilename)
	second, err := cache.Totals("m1", metricslog.MetricsFilename)
	if err != nil {
		t.Fatalf("totals after reset: %v", err)
	}
	approx(t, "CapacityLbs", second.CapacityLbs, first.CapacityLbs)
	if second.Samples != first.Samples {
		t.Fatalf("Samples = %d after reset, want %d", second.Samples, first.Samples)
	}
}

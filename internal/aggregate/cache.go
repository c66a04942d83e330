// Package aggregate folds metric log rows into running production totals.
//
// Rates are integrated with left rectangles: each sample's rate is held
// constant until the next sample, so a row contributes rate times the gap
// to its successor. The newest row has no successor yet and only feeds the
// min/avg/max statistics until the next append closes its interval.
package aggregate

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"sorterfleet/internal/metricslog"
	"sorterfleet/internal/observability/metrics"
)

// Source is the slice of the metric log store the cache reads from.
type Source interface {
	Root() string
	ReadRecordsFile(machineID, filename string) ([]metricslog.Record, error)
}

// Totals is the accumulated production summary of one log file.
type Totals struct {
	Samples int

	// CapacityLbs is integrated from the lbs/hr capacity column.
	CapacityLbs float64
	// Objects and CounterTotals are integrated from per-minute rates.
	Objects       float64
	CounterTotals [metricslog.CounterCount]float64

	// Capacity rate statistics over every sample, the open interval
	// at the end included.
	AvgRate float64
	MinRate float64
	MaxRate float64

	// Run and stop minutes are column sums: each row stands for one
	// logging interval spent in that state.
	RunMinutes  float64
	StopMinutes float64

	LastCounterRates [metricslog.CounterCount]float64
	LastTimestamp    time.Time
}

type cacheKey struct {
	machineID string
	filename  string
}

// entry carries the accumulator state plus the file fingerprint that
// validates it. A shrinking size or a rewound mod time means the file was
// replaced and the accumulator no longer describes it.
type entry struct {
	size     int64
	modTime  time.Time
	consumed int
	last     metricslog.Record

	samples     int
	capacityLbs float64
	objects     float64
	counters    [metricslog.CounterCount]float64
	rateSum     float64
	rateMin     float64
	rateMax     float64
	runMinutes  float64
	stopMinutes float64
}

// Option configures a Cache.
type Option func(*Cache)

// WithObjectScale applies a calibration factor to integrated object and
// counter totals.
func WithObjectScale(scale float64) Option {
	return func(c *Cache) {
		if scale > 0 {
			c.objectScale = scale
		}
	}
}

// Cache computes totals incrementally, consuming only rows appended since
// the previous call for each (machine, file) pair.
type Cache struct {
	source      Source
	logger      *log.Logger
	objectScale float64

	mu      sync.Mutex
	entries map[cacheKey]*entry
}

// NewCache returns a cache reading from the given source.
func NewCache(source Source, logger *log.Logger, opts ...Option) (*Cache, error) {
	if source == nil {
		return nil, fmt.Errorf("aggregate: nil source")
	}
	c := &Cache{
		source:      source,
		logger:      logger,
		objectScale: 1.0,
		entries:     make(map[cacheKey]*entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Totals returns the running totals for one machine's log file, advancing
// the cached accumulator past any newly appended rows. A missing file
// yields zero totals.
func (c *Cache) Totals(machineID, filename string) (Totals, error) {
	path := filepath.Join(c.source.Root(), machineID, filename)

	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey{machineID: machineID, filename: filename}
	ent := c.entries[key]

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			delete(c.entries, key)
			return Totals{}, nil
		}
		return Totals{}, fmt.Errorf("aggregate: stat %s: %w", path, err)
	}

	if ent != nil && (info.Size() < ent.size || info.ModTime().Before(ent.modTime)) {
		if c.logger != nil {
			c.logger.Printf("totals cache reset for %s/%s: file replaced", machineID, filename)
		}
		metrics.IncCacheReset(machineID)
		ent = nil
	}

	// Unchanged file: the accumulator already covers every row.
	if ent != nil && info.Size() == ent.size && info.ModTime().Equal(ent.modTime) {
		return ent.totals(), nil
	}

	records, err := c.source.ReadRecordsFile(machineID, filename)
	if err != nil {
		return Totals{}, err
	}
	if ent != nil && ent.consumed > len(records) {
		metrics.IncCacheReset(machineID)
		ent = nil
	}
	if ent == nil {
		ent = &entry{}
		c.entries[key] = ent
	}

	added := len(records) - ent.consumed
	for _, rec := range records[ent.consumed:] {
		c.consume(ent, rec)
	}
	ent.size = info.Size()
	ent.modTime = info.ModTime()
	if added > 0 {
		metrics.AddAggregatedRows(machineID, added)
	}
	return ent.totals(), nil
}

// Reset drops the cached accumulator for one file so the next Totals call
// recomputes from the start. Used when a lab session restarts into the
// same filename.
func (c *Cache) Reset(machineID, filename string) {
	c.mu.Lock()
	delete(c.entries, cacheKey{machineID: machineID, filename: filename})
	c.mu.Unlock()
}

// ResetMachine drops every cached accumulator for a machine.
func (c *Cache) ResetMachine(machineID string) {
	c.mu.Lock()
	for key := range c.entries {
		if key.machineID == machineID {
			delete(c.entries, key)
		}
	}
	c.mu.Unlock()
}

// consume folds one more row into the accumulator: it closes the interval
// opened by the previous row, then takes the new row's sample statistics.
func (c *Cache) consume(ent *entry, rec metricslog.Record) {
	if ent.samples > 0 {
		dt := rec.Timestamp.Sub(ent.last.Timestamp)
		if dt > 0 {
			ent.capacityLbs += ent.last.Capacity * dt.Hours()
			minutes := dt.Minutes()
			ent.objects += objectRate(ent.last) * minutes * c.objectScale
			for i, rate := range ent.last.Counters {
				ent.counters[i] += rate * minutes * c.objectScale
			}
		}
	}

	if ent.samples == 0 || rec.Capacity < ent.rateMin {
		ent.rateMin = rec.Capacity
	}
	if ent.samples == 0 || rec.Capacity > ent.rateMax {
		ent.rateMax = rec.Capacity
	}
	ent.rateSum += rec.Capacity
	ent.runMinutes += float64(rec.Running)
	ent.stopMinutes += float64(rec.Stopped)
	ent.samples++
	ent.last = rec
	ent.consumed++
}

func (ent *entry) totals() Totals {
	t := Totals{
		Samples:       ent.samples,
		CapacityLbs:   ent.capacityLbs,
		Objects:       ent.objects,
		CounterTotals: ent.counters,
		MinRate:       ent.rateMin,
		MaxRate:       ent.rateMax,
		RunMinutes:    ent.runMinutes,
		StopMinutes:   ent.stopMinutes,
	}
	if ent.samples > 0 {
		t.AvgRate = ent.rateSum / float64(ent.samples)
		t.LastCounterRates = ent.last.Counters
		t.LastTimestamp = ent.last.Timestamp
	}
	return t
}

// objectRate prefers the 60 minute rolling object rate and falls back to
// the instantaneous rate when the machine does not publish it.
func objectRate(rec metricslog.Record) float64 {
	if rec.Objects60M != 0 {
		return rec.Objects60M
	}
	return rec.ObjectsPerMin
}

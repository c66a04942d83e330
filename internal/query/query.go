// Package query is the read-only view over acquired telemetry: recent
// metric series, production totals and the control log. It never mutates
// acquisition or storage state.
package query

import (
	"fmt"
	"time"

	"sorterfleet/internal/acquisition"
	"sorterfleet/internal/aggregate"
	"sorterfleet/internal/metricslog"
)

// Store is the metric log surface the service reads.
type Store interface {
	ReadRecordsSince(machineID string, window time.Duration) ([]metricslog.Record, error)
	ReadControl(machineID string) ([]metricslog.ControlEntry, error)
	LatestLabFile(machineID string) (string, bool)
}

// Totaler produces running totals for one log file.
type Totaler interface {
	Totals(machineID, filename string) (aggregate.Totals, error)
}

// StatusSource reports connection state.
type StatusSource interface {
	Status(machineID string) acquisition.Status
}

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// MetricsSeries is the per-field view of recent metric rows, aligned by
// index with Timestamps.
type MetricsSeries struct {
	Timestamps []time.Time
	Capacity   []float64
	Accepts    []float64
	Rejects    []float64
	Objects    []float64
	Running    []int
	Stopped    []int
	Counters   [metricslog.CounterCount][]float64
}

// Totals is the production summary exposed to callers. Run and stop times
// are row-count sums in minutes: each logged row stands for one logging
// interval in that state.
type Totals struct {
	TotalCapacityLbs float64
	TotalObjects     float64
	CounterTotals    [metricslog.CounterCount]float64
	AverageRate      float64
	MinRate          float64
	MaxRate          float64
	RunTimeMinutes   float64
	StopTimeMinutes  float64
	LastCounterRates [metricslog.CounterCount]float64
}

// Option configures a Service.
type Option func(*Service)

// WithClock substitutes the wall clock.
func WithClock(clock Clock) Option {
	return func(s *Service) { s.clock = clock }
}

// Service answers read-only telemetry queries.
type Service struct {
	store   Store
	totaler Totaler
	status  StatusSource
	clock   Clock
}

// NewService validates dependencies and returns a service.
func NewService(store Store, totaler Totaler, status StatusSource, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("query: nil store")
	}
	if totaler == nil {
		return nil, fmt.Errorf("query: nil totaler")
	}
	if status == nil {
		return nil, fmt.Errorf("query: nil status source")
	}
	s := &Service{store: store, totaler: totaler, status: status, clock: systemClock{}}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// LoadRecentMetrics returns per-field series for rows inside the last
// `hours` hours, oldest first.
func (s *Service) LoadRecentMetrics(machineID string, hours int) (MetricsSeries, error) {
	if hours <= 0 {
		hours = 24
	}
	records, err := s.store.ReadRecordsSince(machineID, time.Duration(hours)*time.Hour)
	if err != nil {
		return MetricsSeries{}, err
	}

	series := MetricsSeries{
		Timestamps: make([]time.Time, 0, len(records)),
		Capacity:   make([]float64, 0, len(records)),
		Accepts:    make([]float64, 0, len(records)),
		Rejects:    make([]float64, 0, len(records)),
		Objects:    make([]float64, 0, len(records)),
		Running:    make([]int, 0, len(records)),
		Stopped:    make([]int, 0, len(records)),
	}
	for _, rec := range records {
		series.Timestamps = append(series.Timestamps, rec.Timestamp)
		series.Capacity = append(series.Capacity, rec.Capacity)
		series.Accepts = append(series.Accepts, rec.Accepts)
		series.Rejects = append(series.Rejects, rec.Rejects)
		series.Objects = append(series.Objects, rec.Objects60M)
		series.Running = append(series.Running, rec.Running)
		series.Stopped = append(series.Stopped, rec.Stopped)
		for i := range rec.Counters {
			series.Counters[i] = append(series.Counters[i], rec.Counters[i])
		}
	}
	return series, nil
}

// LoadTotals returns the production summary of the rolling 24h file.
// Inactive counters are masked out of totals and last rates; the mask does
// not alter the underlying fold.
func (s *Service) LoadTotals(machineID string, activeCounters [metricslog.CounterCount]bool) (Totals, error) {
	return s.totalsFor(machineID, metricslog.MetricsFilename, activeCounters)
}

// LoadLabTotals returns the summary of the machine's newest lab session
// file. No lab file yields zero totals.
func (s *Service) LoadLabTotals(machineID string, activeCounters [metricslog.CounterCount]bool) (Totals, error) {
	filename, ok := s.store.LatestLabFile(machineID)
	if !ok {
		return Totals{}, nil
	}
	return s.totalsFor(machineID, filename, activeCounters)
}

func (s *Service) totalsFor(machineID, filename string, active [metricslog.CounterCount]bool) (Totals, error) {
	folded, err := s.totaler.Totals(machineID, filename)
	if err != nil {
		return Totals{}, err
	}
	totals := Totals{
		TotalCapacityLbs: folded.CapacityLbs,
		TotalObjects:     folded.Objects,
		AverageRate:      folded.AvgRate,
		MinRate:          folded.MinRate,
		MaxRate:          folded.MaxRate,
		RunTimeMinutes:   folded.RunMinutes,
		StopTimeMinutes:  folded.StopMinutes,
	}
	for i := range active {
		if !active[i] {
			continue
		}
		totals.CounterTotals[i] = folded.CounterTotals[i]
		totals.LastCounterRates[i] = folded.LastCounterRates[i]
	}
	return totals, nil
}

// LoadRecentControlLog returns entries inside the last `hours` hours,
// newest first.
func (s *Service) LoadRecentControlLog(machineID string, hours int) ([]metricslog.ControlEntry, error) {
	if hours <= 0 {
		hours = 24
	}
	entries, err := s.store.ReadControl(machineID)
	if err != nil {
		return nil, err
	}
	cutoff := s.clock.Now().Add(-time.Duration(hours) * time.Hour)
	recent := make([]metricslog.ControlEntry, 0, len(entries))
	for _, entry := range entries {
		if entry.Timestamp.Before(cutoff) {
			continue
		}
		recent = append(recent, entry)
	}
	for i, j := 0, len(recent)-1; i < j; i, j = i+1, j-1 {
		recent[i], recent[j] = recent[j], recent[i]
	}
	return recent, nil
}

// ConnectionStatus reports a machine's connection state. Unknown machines
// yield the zero Status, not an error.
func (s *Service) ConnectionStatus(machineID string) acquisition.Status {
	return s.status.Status(machineID)
}

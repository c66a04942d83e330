// Package metricslog persists per-machine metric rows as rolling 24h CSV files.
package metricslog

import (
	"fmt"
	"strconv"
	"time"
)

// Modes recorded in the trailing column of every row.
const (
	ModeLive = "Live"
	ModeDemo = "Demo"
	ModeLab  = "Lab"
)

// TimeLayout is the on-disk timestamp format: ISO-8601 with microseconds.
const TimeLayout = "2006-01-02T15:04:05.000000"

// legacyTimeLayout parses rows written by earlier tooling.
const legacyTimeLayout = "2006-01-02 15:04:05"

// CounterCount is the number of per-category defect counters per row.
const CounterCount = 12

// Record is one metric row. Total ordering is by file position, which
// equals timestamp order because each file has a single writer.
type Record struct {
	Timestamp     time.Time
	Capacity      float64
	Accepts       float64
	Rejects       float64
	ObjectsPerMin float64
	Objects60M    float64
	Running       int
	Stopped       int
	Counters      [CounterCount]float64
	Mode          string
}

// MetricsHeader returns the canonical column set of a metrics file.
func MetricsHeader() []string {
	header := []string{
		"timestamp", "capacity", "accepts", "rejects",
		"objects_per_min", "objects_60M", "running", "stopped",
	}
	for i := 1; i <= CounterCount; i++ {
		header = append(header, fmt.Sprintf("counter_%d", i))
	}
	return append(header, "mode")
}

func (r Record) fields() []string {
	out := []string{
		r.Timestamp.Format(TimeLayout),
		formatFloat(r.Capacity),
		formatFloat(r.Accepts),
		formatFloat(r.Rejects),
		formatFloat(r.ObjectsPerMin),
		formatFloat(r.Objects60M),
		strconv.Itoa(r.Running),
		strconv.Itoa(r.Stopped),
	}
	for _, c := range r.Counters {
		out = append(out, formatFloat(c))
	}
	return append(out, r.Mode)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// ParseTimestamp accepts the canonical layout plus legacy formats. Rows
// with unparseable timestamps are skipped by readers and purges alike.
func ParseTimestamp(s string) (time.Time, error) {
	if ts, err := time.ParseInLocation(TimeLayout, s, time.Local); err == nil {
		return ts, nil
	}
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return ts, nil
	}
	return time.ParseInLocation(legacyTimeLayout, s, time.Local)
}

// parseRecord maps a CSV row to a Record using the file's own header, so
// files written before a column existed still parse (missing column means
// zero value, not an error).
func parseRecord(header, fields []string) (Record, error) {
	byName := make(map[string]string, len(header))
	for i, name := range header {
		if i < len(fields) {
			byName[name] = fields[i]
		}
	}

	ts, err := ParseTimestamp(byName["timestamp"])
	if err != nil {
		return Record{}, fmt.Errorf("metricslog: bad timestamp %q: %w", byName["timestamp"], err)
	}

	rec := Record{
		Timestamp:     ts,
		Capacity:      parseFloat(byName["capacity"]),
		Accepts:       parseFloat(byName["accepts"]),
		Rejects:       parseFloat(byName["rejects"]),
		ObjectsPerMin: parseFloat(byName["objects_per_min"]),
		Objects60M:    parseFloat(byName["objects_60M"]),
		Running:       int(parseFloat(byName["running"])),
		Stopped:       int(parseFloat(byName["stopped"])),
		Mode:          byName["mode"],
	}
	for i := 1; i <= CounterCount; i++ {
		rec.Counters[i-1] = parseFloat(byName[fmt.Sprintf("counter_%d", i)])
	}
	return rec, nil
}

func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

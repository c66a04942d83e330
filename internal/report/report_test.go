package report

import (
	"bytes"
	"testing"
	"time"

	"sorterfleet/internal/metricslog"
	"sorterfleet/internal/query"
)

func sampleSummary() Summary {
	totals := query.Totals{
		TotalCapacityLbs: 12500.5,
		TotalObjects:     480000,
		AverageRate:      2100,
		MinRate:          1800,
		MaxRate:          2400,
		RunTimeMinutes:   420,
		StopTimeMinutes:  30,
	}
	totals.CounterTotals[0] = 1500
	totals.LastCounterRates[0] = 25
	return Summary{
		MachineID:   "m1",
		GeneratedAt: time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC),
		Connected:   true,
		Totals:      totals,
		ControlLog: []metricslog.ControlEntry{
			{Timestamp: time.Date(2026, 3, 2, 11, 0, 0, 0, time.UTC), Tag: "Status.Feeders.1Rate", Action: metricslog.ActionUp, OldValue: "80", NewValue: "90"},
		},
	}
}

func TestBuildPDF(t *testing.T) {
	data, err := BuildPDF(sampleSummary())
	if err != nil {
		t.Fatalf("build pdf: %v", err)
	}
	if !bytes.HasPrefix(data, []byte("%PDF")) {
		t.Fatalf("output is not a PDF, starts with %q", data[:4])
	}
}

func TestBuildXLSX(t *testing.T) {
	data, err := BuildXLSX(sampleSummary())
	if err != nil {
		t.Fatalf("build xlsx: %v", err)
	}
	// XLSX is a zip container.
	if !bytes.HasPrefix(data, []byte("PK")) {
		t.Fatalf("output is not a workbook, starts with %q", data[:2])
	}
}

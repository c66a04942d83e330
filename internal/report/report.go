// Package report renders production summaries as PDF and XLSX. Rendering
// only: all numbers come from the query layer unchanged.
package report

import (
	"bytes"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	"sorterfleet/internal/metricslog"
	"sorterfleet/internal/query"
)

// Summary is everything one machine report renders.
type Summary struct {
	MachineID   string
	GeneratedAt time.Time
	Connected   bool
	Totals      query.Totals
	ControlLog  []metricslog.ControlEntry
}

// BuildPDF renders a machine production report.
func BuildPDF(sum Summary) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Machine Production Report")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Machine: %s", sum.MachineID))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Generated: %s", sum.GeneratedAt.Format(time.RFC3339)))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Connected: %t", sum.Connected))
	pdf.Ln(8)

	pdf.Cell(0, 6, fmt.Sprintf("Total Capacity (lbs): %.1f", sum.Totals.TotalCapacityLbs))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Total Objects: %.0f", sum.Totals.TotalObjects))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Rate avg/min/max (lbs/hr): %.1f / %.1f / %.1f",
		sum.Totals.AverageRate, sum.Totals.MinRate, sum.Totals.MaxRate))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Run time (min): %.0f   Stop time (min): %.0f",
		sum.Totals.RunTimeMinutes, sum.Totals.StopTimeMinutes))
	pdf.Ln(8)

	pdf.SetFont("Arial", "B", 10)
	pdf.CellFormat(40, 6, "Counter", "1", 0, "C", false, 0, "")
	pdf.CellFormat(50, 6, "Total Objects", "1", 0, "C", false, 0, "")
	pdf.CellFormat(50, 6, "Last Rate (/min)", "1", 0, "C", false, 0, "")
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 10)
	for i := 0; i < metricslog.CounterCount; i++ {
		pdf.CellFormat(40, 6, fmt.Sprintf("%d", i+1), "1", 0, "C", false, 0, "")
		pdf.CellFormat(50, 6, fmt.Sprintf("%.1f", sum.Totals.CounterTotals[i]), "1", 0, "R", false, 0, "")
		pdf.CellFormat(50, 6, fmt.Sprintf("%.1f", sum.Totals.LastCounterRates[i]), "1", 0, "R", false, 0, "")
		pdf.Ln(-1)
	}

	if len(sum.ControlLog) > 0 {
		pdf.Ln(6)
		pdf.SetFont("Arial", "B", 10)
		pdf.Cell(0, 6, "Recent Setting Changes")
		pdf.Ln(7)
		pdf.SetFont("Arial", "", 9)
		for _, entry := range sum.ControlLog {
			pdf.Cell(0, 5, fmt.Sprintf("%s  %s  %s -> %s",
				entry.Timestamp.Format("2006-01-02 15:04:05"), entry.Tag, entry.OldValue, entry.NewValue))
			pdf.Ln(4)
		}
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildXLSX renders the same report as a workbook with summary, counters
// and control log sheets.
func BuildXLSX(sum Summary) ([]byte, error) {
	f := excelize.NewFile()
	summarySheet := "summary"
	countersSheet := "counters"
	controlSheet := "control_log"
	f.SetSheetName("Sheet1", summarySheet)
	f.NewSheet(countersSheet)
	f.NewSheet(controlSheet)

	_ = f.SetCellValue(summarySheet, "A1", "Machine Production Report")
	_ = f.SetCellValue(summarySheet, "A3", "Machine")
	_ = f.SetCellValue(summarySheet, "B3", sum.MachineID)
	_ = f.SetCellValue(summarySheet, "A4", "Generated")
	_ = f.SetCellValue(summarySheet, "B4", sum.GeneratedAt.Format(time.RFC3339))
	_ = f.SetCellValue(summarySheet, "A5", "Connected")
	_ = f.SetCellValue(summarySheet, "B5", sum.Connected)
	_ = f.SetCellValue(summarySheet, "A6", "Total Capacity (lbs)")
	_ = f.SetCellValue(summarySheet, "B6", sum.Totals.TotalCapacityLbs)
	_ = f.SetCellValue(summarySheet, "A7", "Total Objects")
	_ = f.SetCellValue(summarySheet, "B7", sum.Totals.TotalObjects)
	_ = f.SetCellValue(summarySheet, "A8", "Average Rate (lbs/hr)")
	_ = f.SetCellValue(summarySheet, "B8", sum.Totals.AverageRate)
	_ = f.SetCellValue(summarySheet, "A9", "Min Rate (lbs/hr)")
	_ = f.SetCellValue(summarySheet, "B9", sum.Totals.MinRate)
	_ = f.SetCellValue(summarySheet, "A10", "Max Rate (lbs/hr)")
	_ = f.SetCellValue(summarySheet, "B10", sum.Totals.MaxRate)
	_ = f.SetCellValue(summarySheet, "A11", "Run Time (min)")
	_ = f.SetCellValue(summarySheet, "B11", sum.Totals.RunTimeMinutes)
	_ = f.SetCellValue(summarySheet, "A12", "Stop Time (min)")
	_ = f.SetCellValue(summarySheet, "B12", sum.Totals.StopTimeMinutes)

	_ = f.SetCellValue(countersSheet, "A1", "Counter")
	_ = f.SetCellValue(countersSheet, "B1", "Total Objects")
	_ = f.SetCellValue(countersSheet, "C1", "Last Rate (/min)")
	for i := 0; i < metricslog.CounterCount; i++ {
		row := i + 2
		_ = f.SetCellValue(countersSheet, fmt.Sprintf("A%d", row), i+1)
		_ = f.SetCellValue(countersSheet, fmt.Sprintf("B%d", row), sum.Totals.CounterTotals[i])
		_ = f.SetCellValue(countersSheet, fmt.Sprintf("C%d", row), sum.Totals.LastCounterRates[i])
	}

	_ = f.SetCellValue(controlSheet, "A1", "Timestamp")
	_ = f.SetCellValue(controlSheet, "B1", "Tag")
	_ = f.SetCellValue(controlSheet, "C1", "Action")
	_ = f.SetCellValue(controlSheet, "D1", "Old Value")
	_ = f.SetCellValue(controlSheet, "E1", "New Value")
	for i, entry := range sum.ControlLog {
		row := i + 2
		_ = f.SetCellValue(controlSheet, fmt.Sprintf("A%d", row), entry.Timestamp.Format("2006-01-02 15:04:05"))
		_ = f.SetCellValue(controlSheet, fmt.Sprintf("B%d", row), entry.Tag)
		_ = f.SetCellValue(controlSheet, fmt.Sprintf("C%d", row), entry.Action)
		_ = f.SetCellValue(controlSheet, fmt.Sprintf("D%d", row), entry.OldValue)
		_ = f.SetCellValue(controlSheet, fmt.Sprintf("E%d", row), entry.NewValue)
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

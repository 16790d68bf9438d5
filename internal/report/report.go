// Package report renders visitor data as spreadsheets for staff download.
package report

import (
	"bytes"
	"fmt"
	"time"

	"qms/prayerroom-service/internal/models"

	"github.com/xuri/excelize/v2"
)

const (
	VisitorsSheet = "Visitors"
	SummarySheet  = "Summary"
	timeLayout    = "2006-01-02 15:04:05"
)

var VisitorsHeader = []string{
	"First Name",
	"Last Name",
	"Phone",
	"Country",
	"State",
	"Registered At",
	"Entered At",
	"Left At",
	"Minutes Inside",
}

var visitorsColumnWidths = []float64{18, 18, 18, 10, 12, 20, 20, 20, 15}

// VisitorsWorkbook builds an XLSX with one row per visitor and a summary
// sheet carrying the dashboard figures. Times are written in loc.
func VisitorsWorkbook(visitors []models.Visitor, dashboard models.Dashboard, loc *time.Location) ([]byte, error) {
	if loc == nil {
		loc = time.UTC
	}
	f := excelize.NewFile()

	if err := f.SetSheetName("Sheet1", VisitorsSheet); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to name sheet: %w", err)
	}

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{
			Type:    "pattern",
			Color:   []string{"#E6F3FF"},
			Pattern: 1,
		},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create header style: %w", err)
	}

	if err := writeRow(f, VisitorsSheet, 1, toCells(VisitorsHeader)); err != nil {
		f.Close()
		return nil, err
	}
	lastHeader, _ := excelize.CoordinatesToCellName(len(VisitorsHeader), 1)
	if err := f.SetCellStyle(VisitorsSheet, "A1", lastHeader, headerStyle); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to set header style: %w", err)
	}
	for i, width := range visitorsColumnWidths {
		col, err := excelize.ColumnNumberToName(i + 1)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to convert column number: %w", err)
		}
		if err := f.SetColWidth(VisitorsSheet, col, col, width); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to set column width: %w", err)
		}
	}

	for i, visitor := range visitors {
		if err := writeRow(f, VisitorsSheet, i+2, visitorCells(visitor, loc)); err != nil {
			f.Close()
			return nil, err
		}
	}

	if err := f.SetPanes(VisitorsSheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to freeze panes: %w", err)
	}

	if err := writeSummary(f, dashboard); err != nil {
		f.Close()
		return nil, err
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write to buffer: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to close file: %w", err)
	}
	return buf.Bytes(), nil
}

func writeSummary(f *excelize.File, dashboard models.Dashboard) error {
	if _, err := f.NewSheet(SummarySheet); err != nil {
		return fmt.Errorf("failed to create summary sheet: %w", err)
	}
	rows := [][]interface{}{
		{"Total Entered", dashboard.TotalEntered},
		{"Total Subscriptions", dashboard.TotalSubscriptions},
		{"Average Minutes Inside", dashboard.AverageMinutes},
		{},
		{"Date", "Entered"},
	}
	for _, day := range dashboard.EnteredPerDay {
		rows = append(rows, []interface{}{day.Date, day.Count})
	}
	for i, row := range rows {
		if err := writeRow(f, SummarySheet, i+1, row); err != nil {
			return err
		}
	}
	return f.SetColWidth(SummarySheet, "A", "A", 24)
}

func visitorCells(visitor models.Visitor, loc *time.Location) []interface{} {
	minutes := ""
	if visitor.EnteredAt != nil && visitor.LeftAt != nil {
		minutes = fmt.Sprintf("%.0f", visitor.LeftAt.Sub(*visitor.EnteredAt).Minutes())
	}
	return []interface{}{
		visitor.FirstName,
		visitor.LastName,
		visitor.Phone,
		visitor.Country,
		string(models.StateOf(visitor)),
		formatTime(&visitor.CreatedAt, loc),
		formatTime(visitor.EnteredAt, loc),
		formatTime(visitor.LeftAt, loc),
		minutes,
	}
}

func formatTime(t *time.Time, loc *time.Location) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.In(loc).Format(timeLayout)
}

func toCells(values []string) []interface{} {
	cells := make([]interface{}, len(values))
	for i, value := range values {
		cells[i] = value
	}
	return cells
}

func writeRow(f *excelize.File, sheet string, row int, values []interface{}) error {
	if len(values) == 0 {
		return nil
	}
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	if err := f.SetSheetRow(sheet, cell, &values); err != nil {
		return fmt.Errorf("failed to write row %d on %s: %w", row, sheet, err)
	}
	return nil
}

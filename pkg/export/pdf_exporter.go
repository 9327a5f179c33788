package export

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/jung-kurt/gofpdf"
)

const (
	pageWidth   = 277.0
	periodWidth = 18.0
	timeWidth   = 24.0
	rowHeight   = 14.0
)

// PDFExporter renders timetable grids on a landscape A4 page.
type PDFExporter struct{}

// NewPDFExporter constructs a PDF exporter.
func NewPDFExporter() *PDFExporter {
	return &PDFExporter{}
}

// Render draws the grid with one column per day.
func (e *PDFExporter) Render(grid Grid) ([]byte, error) {
	if err := grid.validate(); err != nil {
		return nil, err
	}
	pdf := gofpdf.New("L", "mm", "A4", "")
	pdf.SetMargins(10, 12, 10)
	pdf.AddPage()

	if grid.Title != "" {
		pdf.SetFont("Arial", "B", 14)
		pdf.CellFormat(0, 9, strings.ToUpper(grid.Title), "", 1, "C", false, 0, "")
	}
	if grid.Subtitle != "" {
		pdf.SetFont("Arial", "", 10)
		pdf.CellFormat(0, 6, grid.Subtitle, "", 1, "C", false, 0, "")
	}
	pdf.Ln(3)

	dayWidth := (pageWidth - periodWidth - timeWidth) / float64(len(grid.Days))
	pdf.SetFont("Arial", "B", 9)
	pdf.SetFillColor(230, 230, 230)
	pdf.CellFormat(periodWidth, 8, "Period", "1", 0, "C", true, 0, "")
	pdf.CellFormat(timeWidth, 8, "Time", "1", 0, "C", true, 0, "")
	for _, day := range grid.Days {
		pdf.CellFormat(dayWidth, 8, day, "1", 0, "C", true, 0, "")
	}
	pdf.Ln(-1)

	pdf.SetFont("Arial", "", 8)
	for _, row := range grid.Rows {
		x, y := pdf.GetXY()
		pdf.CellFormat(periodWidth, rowHeight, row.Label, "1", 0, "C", false, 0, "")
		pdf.CellFormat(timeWidth, rowHeight, row.Time, "1", 0, "C", false, 0, "")
		for i, cell := range row.Cells {
			cx := x + periodWidth + timeWidth + float64(i)*dayWidth
			pdf.Rect(cx, y, dayWidth, rowHeight, "D")
			pdf.SetXY(cx, y+1)
			pdf.MultiCell(dayWidth, 4, cell, "", "C", false)
		}
		pdf.SetXY(x, y+rowHeight)
	}

	buf := &bytes.Buffer{}
	if err := pdf.Output(buf); err != nil {
		return nil, fmt.Errorf("render pdf: %w", err)
	}
	return buf.Bytes(), nil
}

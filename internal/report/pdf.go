package report

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jung-kurt/gofpdf"
)

const qrImageName = "state-digest-qr"

// SaveSummaryPDF renders the run summary into a PDF document. When the
// summary carries a state digest, a QR code of it is placed beside the
// summary table.
func SaveSummaryPDF(sum Summary, out string) error {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetTitle("SIO Decode Report", false)
	pdf.SetAuthor("siomulectl", false)
	pdf.SetCreator("siomulectl", false)
	pdf.SetMargins(15, 20, 15)
	pdf.SetAutoPageBreak(true, 20)
	pdf.AddPage()

	addPDFTitle(pdf, "SIO Decode Report")
	if err := addDigestQR(pdf, sum.StateSHA256); err != nil {
		return err
	}
	addSummarySection(pdf, sum)
	addStreamsSection(pdf, sum)
	addStateSection(pdf, sum)
	addProblemsSection(pdf, sum)

	if pdf.Err() {
		return pdf.Error()
	}
	return pdf.OutputFileAndClose(out)
}

func addPDFTitle(pdf *gofpdf.Fpdf, title string) {
	pdf.SetFont("Helvetica", "B", 18)
	pdf.Cell(0, 10, title)
	pdf.Ln(12)
}

func addDigestQR(pdf *gofpdf.Fpdf, digest string) error {
	if strings.TrimSpace(digest) == "" {
		return nil
	}
	png, err := StateDigestToQR(digest, 256)
	if err != nil {
		return err
	}
	opts := gofpdf.ImageOptions{ImageType: "PNG", ReadDpi: false}
	pdf.RegisterImageOptionsReader(qrImageName, opts, bytes.NewReader(png))
	pageW, _ := pdf.GetPageSize()
	_, _, right, _ := pdf.GetMargins()
	const side = 35.0
	pdf.ImageOptions(qrImageName, pageW-right-side, 18, side, side, false, opts, 0, "")
	return nil
}

func addSummarySection(pdf *gofpdf.Fpdf, sum Summary) {
	pdf.SetFont("Helvetica", "B", 12)
	pdf.Cell(0, 8, "Summary")
	pdf.Ln(8)

	pdf.SetFont("Helvetica", "", 11)
	items := []struct {
		label string
		value string
	}{
		{label: "Source", value: emptyFallback(sum.Source, "-")},
		{label: "Size", value: humanize.IBytes(uint64(max(sum.SourceSize, 0)))},
		{label: "Family", value: emptyFallback(sum.Family, "-")},
		{label: "Mode", value: emptyFallback(sum.Mode, "-")},
		{label: "Started", value: timeLabel(sum.StartedAt)},
		{label: "Finished", value: timeLabel(sum.FinishedAt)},
		{label: "Records", value: humanize.Comma(int64(sum.TotalRecords()))},
		{label: "Decode Errors", value: strconv.Itoa(len(sum.DecodeErrors))},
		{label: "Unexpected Data", value: strconv.Itoa(len(sum.Unexpected))},
		{label: "Ingested", value: yesNo(sum.Ingested)},
	}
	for _, item := range items {
		pdf.CellFormat(40, 6, item.label, "", 0, "L", false, 0, "")
		pdf.CellFormat(100, 6, item.value, "", 1, "L", false, 0, "")
	}
	pdf.Ln(4)
}

func addStreamsSection(pdf *gofpdf.Fpdf, sum Summary) {
	pdf.SetFont("Helvetica", "B", 12)
	pdf.Cell(0, 8, "Streams")
	pdf.Ln(9)

	headers := []string{"Stream", "Records"}
	widths := []float64{120, 40}
	pdf.SetFillColor(240, 240, 240)
	pdf.SetFont("Helvetica", "B", 10)
	for i, h := range headers {
		pdf.CellFormat(widths[i], 7, h, "1", 0, "L", true, 0, "")
	}
	pdf.Ln(-1)

	pdf.SetFont("Helvetica", "", 9)
	streams := sum.Streams()
	if len(streams) == 0 {
		renderTableRow(pdf, widths, []string{"-", "0"}, 5)
	}
	for _, name := range streams {
		renderTableRow(pdf, widths, []string{name, humanize.Comma(int64(sum.Records[name]))}, 5)
	}
	pdf.Ln(4)
}

func addStateSection(pdf *gofpdf.Fpdf, sum Summary) {
	pdf.SetFont("Helvetica", "B", 12)
	pdf.Cell(0, 8, "Persisted State")
	pdf.Ln(8)

	pdf.SetFont("Helvetica", "", 10)
	if sum.StateKey != "" {
		pdf.MultiCell(0, 5, "Key: "+sum.StateKey, "", "L", false)
	}
	pdf.MultiCell(0, 5, "SHA-256: "+emptyFallback(sum.StateSHA256, "-"), "", "L", false)
	if sum.State == nil {
		pdf.Ln(4)
		return
	}
	st := sum.State
	pdf.MultiCell(0, 5, fmt.Sprintf("File size: %s", humanize.IBytes(uint64(max(st.FileSize, 0)))), "", "L", false)
	var unprocessed int64
	parts := make([]string, 0, len(st.Unprocessed))
	for _, iv := range st.Unprocessed {
		unprocessed += iv.Len()
		parts = append(parts, iv.String())
	}
	pdf.MultiCell(0, 5, fmt.Sprintf("Unprocessed: %s in %d ranges", humanize.IBytes(uint64(unprocessed)), len(st.Unprocessed)), "", "L", false)
	if len(parts) > 0 {
		pdf.SetFont("Helvetica", "", 9)
		pdf.MultiCell(0, 4, strings.Join(parts, ", "), "", "L", false)
		pdf.SetFont("Helvetica", "", 10)
	}
	pdf.MultiCell(0, 5, fmt.Sprintf("In process: %d packets", len(st.InProcess)), "", "L", false)
	if st.Timestamp != nil {
		pdf.MultiCell(0, 5, "Last record: "+timeLabel(posixTime(*st.Timestamp)), "", "L", false)
	}
	pdf.Ln(4)
}

func addProblemsSection(pdf *gofpdf.Fpdf, sum Summary) {
	pdf.SetFont("Helvetica", "B", 12)
	pdf.Cell(0, 8, "Problems")
	pdf.Ln(9)

	if len(sum.DecodeErrors) == 0 && len(sum.Unexpected) == 0 {
		pdf.SetFont("Helvetica", "", 11)
		pdf.MultiCell(0, 6, "No problems recorded.", "", "L", false)
		return
	}
	pdf.SetFont("Helvetica", "", 10)
	for i, msg := range sum.DecodeErrors {
		pdf.MultiCell(0, 5, fmt.Sprintf("%d. %s", i+1, msg), "", "L", false)
	}
	for _, sp := range sum.Unexpected {
		pdf.MultiCell(0, 5, fmt.Sprintf("Unexpected data [%d, %d) %s", sp.Start, sp.End, humanize.IBytes(uint64(sp.End-sp.Start))), "", "L", false)
	}
}

func renderTableRow(pdf *gofpdf.Fpdf, widths []float64, values []string, lineHeight float64) {
	xStart := pdf.GetX()
	yStart := pdf.GetY()
	maxLines := 1
	splitCols := make([][]string, len(values))
	for i, val := range values {
		text := strings.TrimSpace(val)
		if text == "" {
			text = "-"
		}
		lines := pdf.SplitText(text, widths[i]-2)
		if len(lines) == 0 {
			lines = []string{""}
		}
		splitCols[i] = lines
		if len(lines) > maxLines {
			maxLines = len(lines)
		}
	}
	rowHeight := float64(maxLines) * lineHeight
	x := xStart
	for i, lines := range splitCols {
		pdf.SetXY(x, yStart)
		pdf.MultiCell(widths[i], lineHeight, strings.Join(lines, "\n"), "1", "L", false)
		x += widths[i]
	}
	pdf.SetXY(xStart, yStart+rowHeight)
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

func timeLabel(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func posixTime(sec float64) time.Time {
	whole := int64(sec)
	return time.Unix(whole, int64((sec-float64(whole))*1e9)).UTC()
}

func emptyFallback(val, fallback string) string {
	if strings.TrimSpace(val) == "" {
		return fallback
	}
	return val
}

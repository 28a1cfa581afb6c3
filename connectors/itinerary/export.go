package itinerary

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"mathia.chat/mathia/runtime/store"
)

// render serializes an itinerary into one of the supported export
// formats and returns the content plus its MIME type. The pdf variant is
// a minimal single-page document built by hand; anything fancier belongs
// in a dedicated export service.
func render(it *store.Itinerary, format string) (string, string, error) {
	switch format {
	case "json":
		out, err := json.MarshalIndent(exportView(it), "", "  ")
		if err != nil {
			return "", "", fmt.Errorf("itinerary: encode json: %w", err)
		}
		return string(out), "application/json", nil
	case "ical":
		return renderICal(it), "text/calendar", nil
	case "pdf":
		return renderPDF(it), "application/pdf", nil
	default:
		return "", "", fmt.Errorf("itinerary: unsupported export format %q", format)
	}
}

func exportView(it *store.Itinerary) map[string]any {
	items := make([]map[string]any, len(it.Items))
	for i, item := range it.Items {
		v := map[string]any{"kind": item.Kind, "title": item.Title}
		if !item.StartAt.IsZero() {
			v["start_at"] = item.StartAt.Format(time.RFC3339)
		}
		if !item.EndAt.IsZero() {
			v["end_at"] = item.EndAt.Format(time.RFC3339)
		}
		if len(item.Details) > 0 {
			v["details"] = item.Details
		}
		items[i] = v
	}
	return map[string]any{
		"id":         it.ID,
		"title":      it.Title,
		"created_at": it.CreatedAt.Format(time.RFC3339),
		"items":      items,
	}
}

// renderICal emits an RFC 5545 VCALENDAR with one VEVENT per dated item.
func renderICal(it *store.Itinerary) string {
	var b strings.Builder
	b.WriteString("BEGIN:VCALENDAR\r\n")
	b.WriteString("VERSION:2.0\r\n")
	b.WriteString("PRODID:-//Mathia//Itinerary//EN\r\n")
	for i, item := range it.Items {
		if item.StartAt.IsZero() {
			continue
		}
		end := item.EndAt
		if end.IsZero() {
			end = item.StartAt.Add(time.Hour)
		}
		b.WriteString("BEGIN:VEVENT\r\n")
		fmt.Fprintf(&b, "UID:%s-%d@mathia.chat\r\n", it.ID, i)
		fmt.Fprintf(&b, "DTSTART:%s\r\n", item.StartAt.UTC().Format("20060102T150405Z"))
		fmt.Fprintf(&b, "DTEND:%s\r\n", end.UTC().Format("20060102T150405Z"))
		fmt.Fprintf(&b, "SUMMARY:%s\r\n", icalEscape(item.Title))
		fmt.Fprintf(&b, "CATEGORIES:%s\r\n", icalEscape(item.Kind))
		b.WriteString("END:VEVENT\r\n")
	}
	b.WriteString("END:VCALENDAR\r\n")
	return b.String()
}

func icalEscape(s string) string {
	r := strings.NewReplacer("\\", "\\\\", ";", "\\;", ",", "\\,", "\n", "\\n")
	return r.Replace(s)
}

// renderPDF builds a single-page PDF with the itinerary as plain text.
func renderPDF(it *store.Itinerary) string {
	var lines []string
	lines = append(lines, it.Title, "")
	for _, item := range it.Items {
		line := fmt.Sprintf("- [%s] %s", item.Kind, item.Title)
		if !item.StartAt.IsZero() {
			line += " " + item.StartAt.Format("2006-01-02 15:04")
		}
		lines = append(lines, line)
	}

	var content bytes.Buffer
	content.WriteString("BT /F1 12 Tf 50 780 Td 16 TL\n")
	for _, line := range lines {
		fmt.Fprintf(&content, "(%s) Tj T*\n", pdfEscape(line))
	}
	content.WriteString("ET\n")

	objs := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Contents 4 0 R /Resources << /Font << /F1 5 0 R >> >> >>",
		fmt.Sprintf("<< /Length %d >>\nstream\n%sendstream", content.Len(), content.String()),
		"<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>",
	}

	var doc bytes.Buffer
	doc.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objs)+1)
	for i, obj := range objs {
		offsets[i+1] = doc.Len()
		fmt.Fprintf(&doc, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}
	xref := doc.Len()
	fmt.Fprintf(&doc, "xref\n0 %d\n0000000000 65535 f \n", len(objs)+1)
	for i := 1; i <= len(objs); i++ {
		fmt.Fprintf(&doc, "%010d 00000 n \n", offsets[i])
	}
	fmt.Fprintf(&doc, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objs)+1, xref)
	return doc.String()
}

func pdfEscape(s string) string {
	r := strings.NewReplacer("\\", "\\\\", "(", "\\(", ")", "\\)")
	return r.Replace(s)
}

// Package fields pulls structured values out of one line of raw listing
// text. Every field is optional: a missing label yields a nil field, never
// a default, so downstream code can tell "unknown" apart from real values.
package fields

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ParsedFields is the structured subset of a listing row. Pointers are nil
// when the corresponding label was not present or its value did not parse.
type ParsedFields struct {
	SaleID     *string
	SaleDate   *string
	Status     *string
	Parcel     *string
	OpeningBid *float64
	HighBid    *float64
	Applicant  *string
}

// labels in the order they tend to appear on a listing row. Matching is
// position based: a field's value runs from just after its label up to the
// next label occurrence, so a later label can never bleed into an earlier
// field's capture.
var labels = []string{
	"Sale Date:",
	"Status:",
	"Parcel:",
	"Min Bid:",
	"High Bid:",
	"Applicant Name:",
}

var saleIDPattern = regexp.MustCompile(`Tax Sale\s+(\d+)`)

// Parse extracts ParsedFields from a whitespace-normalized listing row.
func Parse(raw string) ParsedFields {
	var out ParsedFields

	if m := saleIDPattern.FindStringSubmatch(raw); m != nil {
		out.SaleID = &m[1]
	}

	values := sliceByLabels(raw)

	if v, ok := values["Sale Date:"]; ok {
		if iso, ok := NormalizeSaleDate(v); ok {
			out.SaleDate = &iso
		}
	}
	if v, ok := values["Status:"]; ok && v != "" {
		out.Status = &v
	}
	if v, ok := values["Parcel:"]; ok && v != "" {
		out.Parcel = &v
	}
	if v, ok := values["Min Bid:"]; ok {
		if amount, ok := NormalizeMoney(v); ok {
			out.OpeningBid = &amount
		}
	}
	if v, ok := values["High Bid:"]; ok {
		if amount, ok := NormalizeMoney(v); ok {
			out.HighBid = &amount
		}
	}
	if v, ok := values["Applicant Name:"]; ok && v != "" {
		out.Applicant = &v
	}

	return out
}

type labelPos struct {
	label string
	start int
	end   int
}

func sliceByLabels(raw string) map[string]string {
	var positions []labelPos
	for _, label := range labels {
		idx := strings.Index(raw, label)
		if idx < 0 {
			continue
		}
		positions = append(positions, labelPos{
			label: label,
			start: idx,
			end:   idx + len(label),
		})
	}

	values := make(map[string]string, len(positions))
	for _, pos := range positions {
		// the value ends at the nearest following label, or the end of
		// the row
		valueEnd := len(raw)
		for _, other := range positions {
			if other.start > pos.start && other.start < valueEnd {
				valueEnd = other.start
			}
		}
		values[pos.label] = strings.TrimSpace(raw[pos.end:valueEnd])
	}
	return values
}

var moneyJunk = regexp.MustCompile(`[^0-9.]`)

// NormalizeMoney strips currency symbols and thousands separators from a
// money-like capture. An unparseable amount reports !ok rather than 0,
// because 0 is a valid opening bid.
func NormalizeMoney(s string) (float64, bool) {
	cleaned := moneyJunk.ReplaceAllString(s, "")
	if cleaned == "" || cleaned == "." || strings.Count(cleaned, ".") > 1 {
		return 0, false
	}
	value, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, false
	}
	return value, true
}

var saleDateLayouts = []string{
	"Jan 2, 2006",
	"01/02/2006",
}

// NormalizeSaleDate turns the site's sale date formats into ISO yyyy-mm-dd.
func NormalizeSaleDate(s string) (string, bool) {
	trimmed := strings.TrimSpace(s)
	for _, layout := range saleDateLayouts {
		t, err := time.Parse(layout, trimmed)
		if err != nil {
			continue
		}
		return t.Format("2006-01-02"), true
	}
	return "", false
}

// Package address extracts a mailing/physical address out of a blob of
// document text. The documents are OCR'd scans of tax deed notices, so the
// extraction is anchored on a prioritized table of marker phrases rather
// than on layout.
package address

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Marker is a label phrase that anchors address extraction within free
// text. Markers are tried in table order; the first one present wins.
type Marker struct {
	Name   string
	Phrase string
}

// DefaultMarkers orders the markers by how authoritative the address
// following them tends to be: the tax-roll address of record, then the
// property's physical address, then the title holder's mailing address.
var DefaultMarkers = []Marker{
	{Name: "tax_roll", Phrase: "ADDRESS OF RECORD PER TAX ROLL"},
	{Name: "physical_address", Phrase: "PHYSICAL ADDRESS"},
	{Name: "title_holder", Phrase: "TITLE HOLDER AND ADDRESS OF RECORD"},
}

// Resolution is the outcome of one extraction. Snippet carries leading
// document text for operator inspection when nothing was found.
type Resolution struct {
	Street  string
	City    string
	State   string
	Zip     string
	Marker  string
	Found   bool
	// Fallback is set when no marker matched anywhere and the address came
	// from the first city/state/zip pattern in the whole document.
	Fallback bool
	Snippet  string
}

type Resolver struct {
	markers []compiledMarker
}

// compiledMarker matches its phrase case-insensitively against the
// original text. OCR output contains runes whose uppercase mapping has a
// different byte length, so offsets from a ToUpper'd copy must never be
// applied to the original.
type compiledMarker struct {
	name    string
	pattern *regexp.Regexp
}

// NewResolver builds a resolver over the given marker table, or
// DefaultMarkers when none are given.
func NewResolver(markers []Marker) Resolver {
	if len(markers) == 0 {
		markers = DefaultMarkers
	}
	compiled := make([]compiledMarker, 0, len(markers))
	for _, m := range markers {
		compiled = append(compiled, compiledMarker{
			name:    m.Name,
			pattern: regexp.MustCompile(`(?i)` + regexp.QuoteMeta(m.Phrase)),
		})
	}
	return Resolver{markers: compiled}
}

// cityStZip matches a "City, ST 32801" line (zip+4 allowed). The match is
// anchored to the start of a line: notices put the street on its own line
// with city/state/zip on the next, and anchoring keeps a same-line street
// from being swallowed into the city capture.
var cityStZip = regexp.MustCompile(`(?m)^[ \t]*([A-Za-z][A-Za-z .'-]*?)\s*,\s*([A-Z]{2})\.?\s+(\d{5})(?:-\d{4})?`)

const snippetLen = 240

// Resolve extracts an address from document text. It is a pure function of
// its input: re-running it on the same text yields the same result.
func (r Resolver) Resolve(text string) Resolution {
	for _, marker := range r.markers {
		loc := marker.pattern.FindStringIndex(text)
		if loc == nil {
			continue
		}
		res, ok := matchAddress(text[loc[1]:])
		if !ok {
			continue
		}
		res.Marker = marker.name
		res.Found = true
		return res
	}

	// no marker matched: low-confidence fallback over the whole document
	if res, ok := matchAddress(text); ok {
		res.Found = true
		res.Fallback = true
		return res
	}

	return Resolution{Snippet: snippet(text)}
}

// matchAddress finds the first city/state/zip pattern in the slice and
// takes the last non-empty line before it as the street line.
func matchAddress(slice string) (Resolution, bool) {
	m := cityStZip.FindStringSubmatchIndex(slice)
	if m == nil {
		return Resolution{}, false
	}

	var street string
	before := slice[:m[0]]
	lines := strings.Split(before, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line != "" {
			street = line
			break
		}
	}

	return Resolution{
		Street: street,
		City:   strings.TrimSpace(slice[m[2]:m[3]]),
		State:  slice[m[4]:m[5]],
		Zip:    slice[m[6]:m[7]],
	}, true
}

var houseNumber = regexp.MustCompile(`^\d+\s+\S`)

// HouseNumbered reports whether the street line starts with a numeric
// house number. A street-name-only line cannot be matched to a specific
// property, so callers that require numbered addresses skip such records.
func HouseNumbered(street string) bool {
	return houseNumber.MatchString(strings.TrimSpace(street))
}

func snippet(text string) string {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) <= snippetLen {
		return trimmed
	}
	// back off to a rune boundary so the snippet stays valid UTF-8
	cut := snippetLen
	for cut > 0 && !utf8.RuneStart(trimmed[cut]) {
		cut--
	}
	return trimmed[:cut]
}

package doctext

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"deedwatch/lib/telemetry"
)

// scriptedRunner answers each tool by name and records every call.
type scriptedRunner struct {
	calls     [][]string
	nativeOut string
	nativeErr error
	ocrOut    map[int]string
	renderErr map[int]error
	ocrErr    map[int]error
}

func (r *scriptedRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	r.calls = append(r.calls, append([]string{name}, args...))
	switch name {
	case "pdftotext":
		return []byte(r.nativeOut), r.nativeErr
	case "pdftoppm":
		page := pageArg(args)
		if err := r.renderErr[page]; err != nil {
			return nil, err
		}
		return nil, nil
	case "tesseract":
		page := pageFromPrefix(args[0])
		if err := r.ocrErr[page]; err != nil {
			return nil, err
		}
		return []byte(r.ocrOut[page]), nil
	}
	return nil, errors.New("unexpected tool: " + name)
}

func pageArg(args []string) int {
	for i, a := range args {
		if a == "-f" {
			n := 0
			for _, c := range args[i+1] {
				n = n*10 + int(c-'0')
			}
			return n
		}
	}
	return 0
}

func pageFromPrefix(prefix string) int {
	idx := strings.LastIndex(prefix, "page-")
	n := 0
	for _, c := range prefix[idx+len("page-"):] {
		if c < '0' || c > '9' {
			break
		}
		n = n*10 + int(c-'0')
	}
	return n
}

func (r *scriptedRunner) callsTo(tool string) int {
	count := 0
	for _, c := range r.calls {
		if c[0] == tool {
			count++
		}
	}
	return count
}

func TestExtractNativeTextWins(t *testing.T) {
	runner := &scriptedRunner{nativeOut: "NOTICE OF APPLICATION FOR TAX DEED"}
	e := NewExtractor(Options{Runner: runner, Telemetry: telemetry.NewRecorder()})

	text, source, err := e.Extract(context.Background(), []byte("%PDF-1.4"))
	require.NoError(t, err)
	require.Equal(t, SourceNative, source)
	require.Contains(t, text, "NOTICE OF APPLICATION")

	// OCR must never run when the text layer is usable
	require.Equal(t, 0, runner.callsTo("pdftoppm"))
	require.Equal(t, 0, runner.callsTo("tesseract"))
}

func TestExtractOCRBoundedToConfiguredPages(t *testing.T) {
	runner := &scriptedRunner{
		nativeOut: "  \n ",
		ocrOut:    map[int]string{1: "page one", 2: "page two", 3: "page three"},
	}
	e := NewExtractor(Options{Pages: 3, Runner: runner, Telemetry: telemetry.NewRecorder()})

	text, source, err := e.Extract(context.Background(), []byte("%PDF-1.4"))
	require.NoError(t, err)
	require.Equal(t, SourceOCR, source)
	require.Contains(t, text, "page one")
	require.Contains(t, text, "page three")

	// exactly the configured page count, never more
	require.Equal(t, 3, runner.callsTo("pdftoppm"))
	require.Equal(t, 3, runner.callsTo("tesseract"))
}

func TestExtractOCRStopsAtEndOfDocument(t *testing.T) {
	runner := &scriptedRunner{
		nativeOut: "",
		ocrOut:    map[int]string{1: "only page"},
		renderErr: map[int]error{2: errors.New("page out of range")},
	}
	e := NewExtractor(Options{Pages: 3, Runner: runner, Telemetry: telemetry.NewRecorder()})

	text, source, err := e.Extract(context.Background(), []byte("%PDF-1.4"))
	require.NoError(t, err)
	require.Equal(t, SourceOCR, source)
	require.Equal(t, "only page", text)
	require.Equal(t, 2, runner.callsTo("pdftoppm"))
	require.Equal(t, 1, runner.callsTo("tesseract"))
}

func TestExtractNothingAnywhereIsNotAnError(t *testing.T) {
	runner := &scriptedRunner{
		nativeErr: errors.New("pdftotext exploded"),
		ocrOut:    map[int]string{},
	}
	e := NewExtractor(Options{Runner: runner, Telemetry: telemetry.NewRecorder()})

	text, source, err := e.Extract(context.Background(), []byte("%PDF-1.4"))
	require.NoError(t, err)
	require.Equal(t, SourceNone, source)
	require.Empty(t, text)
}

func TestExtractSkipsFailedOCRPage(t *testing.T) {
	runner := &scriptedRunner{
		nativeOut: "",
		ocrOut:    map[int]string{1: "first", 3: "third"},
		ocrErr:    map[int]error{2: errors.New("tesseract failed")},
	}
	e := NewExtractor(Options{Pages: 3, Runner: runner, Telemetry: telemetry.NewRecorder()})

	text, source, err := e.Extract(context.Background(), []byte("%PDF-1.4"))
	require.NoError(t, err)
	require.Equal(t, SourceOCR, source)
	require.Contains(t, text, "first")
	require.Contains(t, text, "third")
}

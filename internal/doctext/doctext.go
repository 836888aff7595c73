// Package doctext turns document bytes into best-effort text. The native
// text layer is cheap and exact when it exists, but most source documents
// are scans, so the common path renders the first few pages and runs OCR
// over them. Empty output is a normal outcome, not an error.
package doctext

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"deedwatch/internal/assert"
	"deedwatch/lib/telemetry"
)

const (
	report_native = "doctext.native"
	report_ocr    = "doctext.ocr"
)

// Source says which strategy produced the text.
type Source string

const (
	SourceNative Source = "native"
	SourceOCR    Source = "ocr"
	SourceNone   Source = "none"
)

// CommandRunner executes an external tool and returns its stdout. It
// exists so tests can substitute a double instead of shelling out.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

type Options struct {
	// Pages bounds how many pages are rendered for OCR. The address is
	// always near the front of a notice, so a small bound keeps per-record
	// cost flat. Defaults to 3.
	Pages int
	// DPI used when rendering pages for OCR. Defaults to 300; scans need
	// the upscale for tesseract to have a chance.
	DPI int
	// Runner defaults to executing pdftotext/pdftoppm/tesseract.
	Runner CommandRunner

	Telemetry telemetry.API
}

type Extractor struct {
	pages  int
	dpi    int
	runner CommandRunner
	tel    telemetry.API
}

func NewExtractor(opts Options) *Extractor {
	if opts.Pages == 0 {
		opts.Pages = 3
	}
	if opts.DPI == 0 {
		opts.DPI = 300
	}
	if opts.Runner == nil {
		opts.Runner = execRunner{}
	}
	if opts.Telemetry == nil {
		opts.Telemetry = telemetry.SlogAPI{}
	}
	assert.Positive(opts.Pages)
	assert.Positive(opts.DPI)

	return &Extractor{
		pages:  opts.Pages,
		dpi:    opts.DPI,
		runner: opts.Runner,
		tel:    telemetry.NewScopedAPI("doctext", opts.Telemetry),
	}
}

// Extract returns best-effort text for the document plus the strategy that
// produced it. It never fails on an unreadable document: the worst case is
// empty text with SourceNone, which downstream treats as "address not
// found".
func (e *Extractor) Extract(ctx context.Context, doc []byte) (string, Source, error) {
	dir, err := os.MkdirTemp("", "deedwatch-doc-*")
	if err != nil {
		return "", SourceNone, fmt.Errorf("doctext: temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	docPath := filepath.Join(dir, "document.pdf")
	if err := os.WriteFile(docPath, doc, 0o600); err != nil {
		return "", SourceNone, fmt.Errorf("doctext: write document: %w", err)
	}

	if text, ok := e.nativeText(ctx, docPath); ok {
		return text, SourceNative, nil
	}

	text := e.ocrText(ctx, dir, docPath)
	if strings.TrimSpace(text) == "" {
		return "", SourceNone, nil
	}
	return text, SourceOCR, nil
}

// nativeText extracts the text layer across all pages. ok is false when
// the document has no text layer worth using.
func (e *Extractor) nativeText(ctx context.Context, docPath string) (string, bool) {
	out, err := e.runner.Run(ctx, "pdftotext", "-layout", docPath, "-")
	if err != nil {
		e.tel.ReportWarning(report_native, err)
		return "", false
	}
	text := string(out)
	if strings.TrimSpace(text) == "" {
		return "", false
	}
	return text, true
}

// ocrText renders the first Pages pages to images and runs OCR over each,
// concatenating whatever comes back. Pages that fail to render or OCR are
// reported and skipped.
func (e *Extractor) ocrText(ctx context.Context, dir, docPath string) string {
	var parts []string
	for page := 1; page <= e.pages; page++ {
		prefix := filepath.Join(dir, "page-"+strconv.Itoa(page))

		_, err := e.runner.Run(ctx, "pdftoppm",
			"-png",
			"-r", strconv.Itoa(e.dpi),
			"-f", strconv.Itoa(page),
			"-l", strconv.Itoa(page),
			"-singlefile",
			docPath, prefix,
		)
		if err != nil {
			// past the last page of the document, most likely
			e.tel.ReportDebug(report_ocr, "render stopped", page, err)
			break
		}

		out, err := e.runner.Run(ctx, "tesseract", prefix+".png", "stdout")
		if err != nil {
			e.tel.ReportWarning(report_ocr, err, page)
			continue
		}
		parts = append(parts, string(out))
	}
	return strings.Join(parts, "\n")
}

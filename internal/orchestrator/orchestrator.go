// Package orchestrator runs one scrape batch end to end: a single listing
// read, then a strictly sequential per-record pipeline of viewer
// navigation, document fetch, text extraction, address resolution, and
// ingestion, with checkpointing so an interrupted batch resumes where it
// stopped.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"deedwatch/internal/address"
	"deedwatch/internal/antibot"
	"deedwatch/internal/assert"
	"deedwatch/internal/checkpoint"
	"deedwatch/internal/doctext"
	"deedwatch/internal/fields"
	"deedwatch/internal/ingest"
	"deedwatch/internal/nav"
	"deedwatch/lib/telemetry"
)

const (
	report_run       = "orchestrator.run"
	report_record    = "orchestrator.record"
	report_archive   = "orchestrator.archive"
	report_reconcile = "orchestrator.reconcile"
)

// Navigator is the slice of nav.Machine the run loop drives.
type Navigator interface {
	OpenListing(ctx context.Context) (nav.Listing, error)
	OpenViewer(ctx context.Context, lot nav.Lot) (string, error)
	DocumentURL(ctx context.Context) (string, bool, error)
	ReturnToListing(ctx context.Context) error
	Restart(ctx context.Context) error
	Cookies(ctx context.Context) ([]*http.Cookie, error)
}

type DocumentFetcher interface {
	Fetch(ctx context.Context, docURL string, cookies []*http.Cookie) ([]byte, error)
}

type TextExtractor interface {
	Extract(ctx context.Context, doc []byte) (string, doctext.Source, error)
}

type CheckpointStore interface {
	Read(ctx context.Context) (checkpoint.State, bool, error)
	Write(ctx context.Context, node string)
}

type Ingestor interface {
	Upsert(ctx context.Context, record ingest.Record) (ingest.Action, error)
	KnownNodes(ctx context.Context, nodes []string) (map[string]struct{}, error)
	Reconcile(ctx context.Context, currentNodes []string) (int, error)
}

// Archiver shadows every ingested record locally. *archive.Store
// satisfies it.
type Archiver interface {
	UpsertRecord(ctx context.Context, node string, record any) error
}

// CountyProfile carries the jurisdiction constants merged into every
// record from this county's runner.
type CountyProfile struct {
	Name     string `json:"name"`
	City     string `json:"city"`
	County   string `json:"county"`
	State    string `json:"state"`
	SaleType string `json:"saleType"`
	Enabled  bool   `json:"enabled"`
}

type Config struct {
	County CountyProfile

	// MaxRecords caps how many records one run processes. 0 means all.
	MaxRecords int
	// RestartEvery forces a prophylactic session restart after this many
	// processed records, before the site decides to do it for us. 0
	// disables.
	RestartEvery int
	// Pacing is the idle delay between records.
	Pacing time.Duration

	ResumeFromCheckpoint   bool
	RequireNumberedAddress bool

	Telemetry telemetry.API

	// Sleep is substituted in tests. Defaults to a context-aware wait.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Counters summarizes a run for logs and exit reporting.
type Counters struct {
	Listed  int
	Created int
	Updated int
	Skipped int
	Failed  int
	Removed int
}

type Orchestrator struct {
	cfg        Config
	nav        Navigator
	fetcher    DocumentFetcher
	extractor  TextExtractor
	resolver   address.Resolver
	controller *antibot.Controller
	ckpt       CheckpointStore
	ingestor   Ingestor
	archiver   Archiver
	tel        telemetry.API
	sleep      func(ctx context.Context, d time.Duration) error
}

func New(
	cfg Config,
	navigator Navigator,
	fetcher DocumentFetcher,
	extractor TextExtractor,
	resolver address.Resolver,
	controller *antibot.Controller,
	ckpt CheckpointStore,
	ingestor Ingestor,
	archiver Archiver,
) *Orchestrator {
	assert.NotNil(navigator)
	assert.NotNil(fetcher)
	assert.NotNil(extractor)
	assert.NotNil(controller)
	assert.NotNil(ingestor)
	if cfg.Telemetry == nil {
		cfg.Telemetry = telemetry.SlogAPI{}
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}

	return &Orchestrator{
		cfg:        cfg,
		nav:        navigator,
		fetcher:    fetcher,
		extractor:  extractor,
		resolver:   resolver,
		controller: controller,
		ckpt:       ckpt,
		ingestor:   ingestor,
		archiver:   archiver,
		tel:        telemetry.NewScopedAPI("orchestrator", cfg.Telemetry),
		sleep:      cfg.Sleep,
	}
}

// Run executes one batch. It returns early only on context cancellation,
// an unrecoverable session, or rejected credentials; every per-record
// failure is counted and skipped past instead.
func (o *Orchestrator) Run(ctx context.Context) (Counters, error) {
	var counters Counters

	listing, err := o.nav.OpenListing(ctx)
	if err != nil {
		return counters, fmt.Errorf("open listing: %w", err)
	}
	counters.Listed = len(listing.Lots)
	o.tel.ReportCount(report_run, int64(len(listing.Lots)))

	allNodes := make([]string, 0, len(listing.Lots))
	for _, lot := range listing.Lots {
		allNodes = append(allNodes, lot.Node)
	}

	if known, err := o.ingestor.KnownNodes(ctx, allNodes); err != nil {
		o.tel.ReportWarning(report_run, fmt.Errorf("existence check: %w", err))
	} else {
		o.tel.ReportCount(report_run+".new", int64(len(allNodes)-len(known)))
	}

	start := 0
	if o.cfg.ResumeFromCheckpoint && o.ckpt != nil {
		if state, ok, err := o.ckpt.Read(ctx); err != nil {
			o.tel.ReportWarning(report_run, fmt.Errorf("checkpoint read: %w", err))
		} else if ok {
			start = checkpoint.StartIndex(listing.Lots, state.LastProcessedNode)
			o.tel.ReportDebug(report_run, "resuming", state.LastProcessedNode, start)
		}
	}

	processed := 0
	for i := start; i < len(listing.Lots); i++ {
		if err := ctx.Err(); err != nil {
			return counters, err
		}
		if o.cfg.MaxRecords > 0 && processed >= o.cfg.MaxRecords {
			break
		}

		if o.cfg.RestartEvery > 0 && processed > 0 && processed%o.cfg.RestartEvery == 0 {
			if err := o.nav.Restart(ctx); err != nil {
				return counters, fmt.Errorf("prophylactic restart: %w", err)
			}
		}
		processed++

		if err := o.processLot(ctx, &counters, i, listing.Lots[i]); err != nil {
			return counters, err
		}

		if o.cfg.Pacing > 0 && i+1 < len(listing.Lots) {
			if err := o.sleep(ctx, o.cfg.Pacing); err != nil {
				return counters, err
			}
		}
	}

	removed, err := o.ingestor.Reconcile(ctx, allNodes)
	if err != nil {
		o.tel.ReportWarning(report_reconcile, err)
	} else {
		counters.Removed = removed
		o.tel.ReportCount(report_reconcile, int64(removed))
	}

	return counters, nil
}

// processLot runs the per-record pipeline. A non-nil return aborts the
// whole run; recoverable outcomes are folded into the counters instead.
func (o *Orchestrator) processLot(ctx context.Context, counters *Counters, index int, lot nav.Lot) error {
	var viewerURL string
	err := o.controller.Retry(ctx,
		index,
		func(ctx context.Context) error {
			var err error
			viewerURL, err = o.nav.OpenViewer(ctx, lot)
			return err
		},
		o.nav.ReturnToListing,
	)
	if errors.Is(err, nav.ErrSessionLost) {
		// one hard restart, then the record gets one more chance
		if rerr := o.nav.Restart(ctx); rerr != nil {
			return fmt.Errorf("restart after session loss: %w", rerr)
		}
		viewerURL, err = o.nav.OpenViewer(ctx, lot)
	}
	if errors.Is(err, antibot.ErrChallenged) {
		o.tel.ReportWarning(report_record, "skipping challenged record", lot.Node)
		counters.Skipped++
		o.advance(ctx, lot.Node)
		return o.backToListing(ctx)
	}
	if err != nil {
		return fmt.Errorf("open viewer for %s: %w", lot.Node, err)
	}

	record := o.buildRecord(lot, viewerURL)

	if ok := o.attachAddress(ctx, &record, lot); !ok {
		counters.Failed++
		return o.backToListing(ctx)
	}

	if o.cfg.RequireNumberedAddress && !address.HouseNumbered(record.Street) {
		o.tel.ReportDebug(report_record, "skipping: no numbered street address", lot.Node)
		counters.Skipped++
		o.advance(ctx, lot.Node)
		return o.backToListing(ctx)
	}

	action, err := o.ingestor.Upsert(ctx, record)
	if errors.Is(err, ingest.ErrUnauthorized) {
		return err
	}
	if err != nil {
		o.tel.ReportWarning(report_record, fmt.Errorf("upsert %s: %w", lot.Node, err))
		counters.Failed++
		return o.backToListing(ctx)
	}
	switch action {
	case ingest.ActionCreated:
		counters.Created++
	default:
		counters.Updated++
	}

	if o.archiver != nil {
		if err := o.archiver.UpsertRecord(ctx, lot.Node, record); err != nil {
			o.tel.ReportWarning(report_archive, err, lot.Node)
		}
	}
	o.advance(ctx, lot.Node)

	return o.backToListing(ctx)
}

// attachAddress fetches the linked document, extracts its text, and folds
// the resolved address into the record. ok=false only for transient fetch
// failures worth retrying next run; a viewer with no document, or a
// document with no findable address, is a complete (address-less) record.
func (o *Orchestrator) attachAddress(ctx context.Context, record *ingest.Record, lot nav.Lot) (ok bool) {
	docURL, found, err := o.nav.DocumentURL(ctx)
	if err != nil {
		o.tel.ReportWarning(report_record, fmt.Errorf("document url for %s: %w", lot.Node, err))
		return false
	}
	if !found {
		appendNote(record, "no document linked")
		return true
	}
	record.DocumentURL = docURL

	cookies, err := o.nav.Cookies(ctx)
	if err != nil {
		o.tel.ReportWarning(report_record, fmt.Errorf("export cookies for %s: %w", lot.Node, err))
		return false
	}
	doc, err := o.fetcher.Fetch(ctx, docURL, cookies)
	if err != nil {
		o.tel.ReportWarning(report_record, fmt.Errorf("fetch document for %s: %w", lot.Node, err))
		return false
	}

	text, source, err := o.extractor.Extract(ctx, doc)
	if err != nil {
		o.tel.ReportWarning(report_record, fmt.Errorf("extract text for %s: %w", lot.Node, err))
		return false
	}
	if source == doctext.SourceNone {
		appendNote(record, "document text unreadable")
		return true
	}

	res := o.resolver.Resolve(text)
	if !res.Found {
		o.tel.ReportDebug(report_record, "address not found", lot.Node, res.Snippet)
		appendNote(record, "address marker not found")
		return true
	}
	record.Street = res.Street
	record.AddressCity = res.City
	record.AddressState = res.State
	record.AddressZip = res.Zip
	record.AddressMarker = res.Marker
	if res.Fallback {
		appendNote(record, "address from whole-document scan")
	}
	return true
}

// buildRecord merges the parsed listing row with the county's
// jurisdiction constants.
func (o *Orchestrator) buildRecord(lot nav.Lot, viewerURL string) ingest.Record {
	parsed := fields.Parse(lot.RawRowText)

	record := ingest.Record{
		Node:       lot.Node,
		City:       o.cfg.County.City,
		County:     o.cfg.County.County,
		State:      o.cfg.County.State,
		SaleType:   o.cfg.County.SaleType,
		SaleID:     parsed.SaleID,
		SaleDate:   parsed.SaleDate,
		SaleStatus: parsed.Status,
		Parcel:     parsed.Parcel,
		AmountDue:  parsed.OpeningBid,
		HighBid:    parsed.HighBid,
		Applicant:  parsed.Applicant,
		ViewerURL:  viewerURL,
		Status:     "new",
	}

	var notes []string
	if parsed.Applicant != nil {
		notes = append(notes, "Applicant: "+*parsed.Applicant)
	}
	if parsed.Status != nil {
		notes = append(notes, "Status: "+*parsed.Status)
	}
	if parsed.HighBid != nil {
		notes = append(notes, fmt.Sprintf("High Bid: %.2f", *parsed.HighBid))
	}
	record.Notes = strings.Join(notes, " | ")

	return record
}

// advance moves the checkpoint past a record that is either ingested or
// deliberately skipped. Failed records stay behind the checkpoint so the
// next run retries them.
func (o *Orchestrator) advance(ctx context.Context, node string) {
	if o.ckpt != nil {
		o.ckpt.Write(ctx, node)
	}
}

// backToListing re-navigates to the captured listing page; losing it
// entirely forces a restart, and a failed restart ends the run.
func (o *Orchestrator) backToListing(ctx context.Context) error {
	if err := o.nav.ReturnToListing(ctx); err == nil {
		return nil
	}
	if err := o.nav.Restart(ctx); err != nil {
		return fmt.Errorf("restart after losing listing: %w", err)
	}
	return nil
}

func appendNote(record *ingest.Record, note string) {
	if record.Notes == "" {
		record.Notes = note
		return
	}
	record.Notes += " | " + note
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"deedwatch/internal/address"
	"deedwatch/internal/antibot"
	"deedwatch/internal/checkpoint"
	"deedwatch/internal/doctext"
	"deedwatch/internal/ingest"
	"deedwatch/internal/nav"
	"deedwatch/lib/telemetry"
)

const rowText = "Tax Sale 1001 Sale Date: Jan 5, 2026 Status: Active Parcel: 28-22-29 Min Bid: $2,432.29 High Bid: $5,100.00 Applicant Name: ACME FUND LLC"

const noticeText = `NOTICE OF APPLICATION FOR TAX DEED

TITLE HOLDER AND ADDRESS OF RECORD
JOHN DOE
123 MAIN ST
ORLANDO, FL 32801
`

type fakeNav struct {
	lots []nav.Lot

	// challenges counts how many OpenViewer calls per node land on a
	// challenge page before the viewer opens.
	challenges   map[string]int
	lostSessions map[string]int
	docURLs      map[string]string

	current     string
	viewerOpens map[string]int
	restarts    int
	returns     int
}

func newFakeNav(lots ...nav.Lot) *fakeNav {
	return &fakeNav{
		lots:         lots,
		challenges:   map[string]int{},
		lostSessions: map[string]int{},
		docURLs:      map[string]string{},
		viewerOpens:  map[string]int{},
	}
}

func (f *fakeNav) OpenListing(context.Context) (nav.Listing, error) {
	return nav.Listing{URL: "https://or.example.com/listing", Lots: f.lots}, nil
}

func (f *fakeNav) OpenViewer(_ context.Context, lot nav.Lot) (string, error) {
	f.viewerOpens[lot.Node]++
	if f.challenges[lot.Node] > 0 {
		f.challenges[lot.Node]--
		return "", fmt.Errorf("open viewer for %s: %w", lot.Node, antibot.ErrChallenged)
	}
	if f.lostSessions[lot.Node] > 0 {
		f.lostSessions[lot.Node]--
		return "", fmt.Errorf("open viewer for %s: %w", lot.Node, nav.ErrSessionLost)
	}
	f.current = lot.Node
	return "https://or.example.com/viewer?ID=" + lot.Node, nil
}

func (f *fakeNav) DocumentURL(context.Context) (string, bool, error) {
	url, ok := f.docURLs[f.current]
	return url, ok, nil
}

func (f *fakeNav) ReturnToListing(context.Context) error {
	f.returns++
	return nil
}

func (f *fakeNav) Restart(context.Context) error {
	f.restarts++
	return nil
}

func (f *fakeNav) Cookies(context.Context) ([]*http.Cookie, error) {
	return []*http.Cookie{{Name: "JSESSIONID", Value: "abc"}}, nil
}

type fakeFetcher struct {
	docs map[string]string
}

func (f *fakeFetcher) Fetch(_ context.Context, docURL string, _ []*http.Cookie) ([]byte, error) {
	doc, ok := f.docs[docURL]
	if !ok {
		return nil, fmt.Errorf("fetch %s: %w", docURL, nav.ErrNotDocument)
	}
	return []byte(doc), nil
}

// passthroughExtractor treats the fetched bytes as the document's text.
type passthroughExtractor struct{}

func (passthroughExtractor) Extract(_ context.Context, doc []byte) (string, doctext.Source, error) {
	if len(doc) == 0 {
		return "", doctext.SourceNone, nil
	}
	return string(doc), doctext.SourceNative, nil
}

type fakeCkpt struct {
	state  checkpoint.State
	has    bool
	writes []string
}

func (f *fakeCkpt) Read(context.Context) (checkpoint.State, bool, error) {
	return f.state, f.has, nil
}

func (f *fakeCkpt) Write(_ context.Context, node string) {
	f.writes = append(f.writes, node)
	f.state = checkpoint.State{LastProcessedNode: node}
	f.has = true
}

type fakeIngestor struct {
	known          map[string]struct{}
	unauthorized   bool
	upserts        []ingest.Record
	reconciledWith []string
	removed        int
}

func (f *fakeIngestor) Upsert(_ context.Context, record ingest.Record) (ingest.Action, error) {
	f.upserts = append(f.upserts, record)
	if f.unauthorized {
		return ingest.ActionFailed, fmt.Errorf("upsert: %w", ingest.ErrUnauthorized)
	}
	if _, ok := f.known[record.Node]; ok {
		return ingest.ActionUpdated, nil
	}
	return ingest.ActionCreated, nil
}

func (f *fakeIngestor) KnownNodes(_ context.Context, nodes []string) (map[string]struct{}, error) {
	out := map[string]struct{}{}
	for _, node := range nodes {
		if _, ok := f.known[node]; ok {
			out[node] = struct{}{}
		}
	}
	return out, nil
}

func (f *fakeIngestor) Reconcile(_ context.Context, currentNodes []string) (int, error) {
	f.reconciledWith = currentNodes
	return f.removed, nil
}

func noSleep(context.Context, time.Duration) error { return nil }

func testLot(node string) nav.Lot {
	return nav.Lot{
		Node:       node,
		DetailURL:  "https://or.example.com/viewer?ID=" + node,
		RawRowText: rowText,
	}
}

type fixture struct {
	nav      *fakeNav
	fetcher  *fakeFetcher
	ckpt     *fakeCkpt
	ingestor *fakeIngestor
}

func newOrchestrator(fix fixture, cfg Config) *Orchestrator {
	cfg.County = CountyProfile{
		Name: "orlando_fl", City: "Orlando", County: "Orange",
		State: "FL", SaleType: "tax_deed", Enabled: true,
	}
	cfg.Telemetry = telemetry.NewRecorder()
	cfg.Sleep = noSleep

	controller := antibot.NewController(antibot.Options{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		Jitter:      time.Millisecond,
		Telemetry:   cfg.Telemetry,
		Sleep:       noSleep,
	})

	return New(cfg,
		fix.nav, fix.fetcher, passthroughExtractor{}, address.NewResolver(nil),
		controller, fix.ckpt, fix.ingestor, nil)
}

func newFixture(lots ...nav.Lot) fixture {
	n := newFakeNav(lots...)
	docs := map[string]string{}
	for _, lot := range lots {
		docURL := "https://or.example.com/docs/" + lot.Node + ".pdf"
		n.docURLs[lot.Node] = docURL
		docs[docURL] = noticeText
	}
	return fixture{
		nav:      n,
		fetcher:  &fakeFetcher{docs: docs},
		ckpt:     &fakeCkpt{},
		ingestor: &fakeIngestor{known: map[string]struct{}{}},
	}
}

func TestRunFullPipeline(t *testing.T) {
	fix := newFixture(testLot("1001"), testLot("1002"))
	fix.ingestor.known["1002"] = struct{}{}

	counters, err := newOrchestrator(fix, Config{}).Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, 2, counters.Listed)
	require.Equal(t, 1, counters.Created)
	require.Equal(t, 1, counters.Updated)
	require.Zero(t, counters.Skipped)
	require.Zero(t, counters.Failed)

	require.Len(t, fix.ingestor.upserts, 2)
	record := fix.ingestor.upserts[0]
	require.Equal(t, "1001", record.Node)
	require.Equal(t, "Orlando", record.City)
	require.Equal(t, "Orange", record.County)
	require.Equal(t, "FL", record.State)
	require.Equal(t, "tax_deed", record.SaleType)
	require.Equal(t, "2026-01-05", *record.SaleDate)
	require.Equal(t, 2432.29, *record.AmountDue)
	require.Equal(t, "123 MAIN ST", record.Street)
	require.Equal(t, "ORLANDO", record.AddressCity)
	require.Equal(t, "FL", record.AddressState)
	require.Equal(t, "32801", record.AddressZip)
	require.Equal(t, "title_holder", record.AddressMarker)
	require.Equal(t, "new", record.Status)
	require.Equal(t, "Applicant: ACME FUND LLC | Status: Active | High Bid: 5100.00", record.Notes)

	require.Equal(t, []string{"1001", "1002"}, fix.ckpt.writes)
}

func TestRunResumesFromCheckpoint(t *testing.T) {
	fix := newFixture(testLot("1001"), testLot("1002"), testLot("1003"))
	fix.ckpt.state = checkpoint.State{LastProcessedNode: "1001"}
	fix.ckpt.has = true

	_, err := newOrchestrator(fix, Config{ResumeFromCheckpoint: true}).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, fix.ingestor.upserts, 2)
	require.Equal(t, "1002", fix.ingestor.upserts[0].Node)
	require.Equal(t, "1003", fix.ingestor.upserts[1].Node)
	require.Zero(t, fix.nav.viewerOpens["1001"])
}

func TestRunChallengedRecordSkippedNotFatal(t *testing.T) {
	fix := newFixture(testLot("1001"), testLot("1002"))
	fix.nav.challenges["1001"] = 100

	counters, err := newOrchestrator(fix, Config{}).Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, 1, counters.Skipped)
	require.Equal(t, 1, counters.Created)
	require.Equal(t, 3, fix.nav.viewerOpens["1001"])
	require.Len(t, fix.ingestor.upserts, 1)
	require.Equal(t, "1002", fix.ingestor.upserts[0].Node)
	// a deliberate skip still advances the checkpoint
	require.Equal(t, []string{"1001", "1002"}, fix.ckpt.writes)
}

func TestRunSessionLossRestartsAndRetriesOnce(t *testing.T) {
	fix := newFixture(testLot("1001"))
	fix.nav.lostSessions["1001"] = 1

	counters, err := newOrchestrator(fix, Config{}).Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, 1, fix.nav.restarts)
	require.Equal(t, 2, fix.nav.viewerOpens["1001"])
	require.Equal(t, 1, counters.Created)
}

func TestRunUnauthorizedAbortsBatch(t *testing.T) {
	fix := newFixture(testLot("1001"), testLot("1002"))
	fix.ingestor.unauthorized = true

	_, err := newOrchestrator(fix, Config{}).Run(context.Background())
	require.ErrorIs(t, err, ingest.ErrUnauthorized)
	require.Len(t, fix.ingestor.upserts, 1)
	require.Empty(t, fix.ckpt.writes)
}

func TestRunFetchFailureDoesNotAdvanceCheckpoint(t *testing.T) {
	fix := newFixture(testLot("1001"), testLot("1002"))
	delete(fix.fetcher.docs, "https://or.example.com/docs/1001.pdf")

	counters, err := newOrchestrator(fix, Config{}).Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, 1, counters.Failed)
	require.Equal(t, 1, counters.Created)
	// 1001 stays behind the checkpoint for the next run to retry
	require.Equal(t, []string{"1002"}, fix.ckpt.writes)
}

func TestRunRequireNumberedAddressSkips(t *testing.T) {
	fix := newFixture(testLot("1001"))
	fix.fetcher.docs["https://or.example.com/docs/1001.pdf"] = `
TITLE HOLDER AND ADDRESS OF RECORD
JOHN DOE
MAIN ST
ORLANDO, FL 32801
`

	counters, err := newOrchestrator(fix, Config{RequireNumberedAddress: true}).Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, 1, counters.Skipped)
	require.Empty(t, fix.ingestor.upserts)
	require.Equal(t, []string{"1001"}, fix.ckpt.writes)
}

func TestRunMaxRecordsCapsBatch(t *testing.T) {
	fix := newFixture(testLot("1001"), testLot("1002"), testLot("1003"))

	counters, err := newOrchestrator(fix, Config{MaxRecords: 1}).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, fix.ingestor.upserts, 1)
	require.Equal(t, 3, counters.Listed)
}

func TestRunProphylacticRestart(t *testing.T) {
	fix := newFixture(testLot("1001"), testLot("1002"), testLot("1003"), testLot("1004"))

	_, err := newOrchestrator(fix, Config{RestartEvery: 2}).Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, 1, fix.nav.restarts)
	require.Len(t, fix.ingestor.upserts, 4)
}

func TestRunReconcilesAgainstFullListing(t *testing.T) {
	fix := newFixture(testLot("1001"), testLot("1002"))
	fix.ingestor.removed = 3

	counters, err := newOrchestrator(fix, Config{}).Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, 3, counters.Removed)
	require.Equal(t, []string{"1001", "1002"}, fix.ingestor.reconciledWith)
}

func TestRunNoDocumentLinkedIsStillIngested(t *testing.T) {
	fix := newFixture(testLot("1001"))
	delete(fix.nav.docURLs, "1001")

	counters, err := newOrchestrator(fix, Config{}).Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, 1, counters.Created)
	record := fix.ingestor.upserts[0]
	require.Empty(t, record.Street)
	require.Contains(t, record.Notes, "no document linked")
}

func TestRunCancelledContextStopsLoop(t *testing.T) {
	fix := newFixture(testLot("1001"), testLot("1002"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newOrchestrator(fix, Config{}).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, fix.ingestor.upserts)
}

// Package nav drives a single browser session through the county
// recorder's fixed page sequence:
//
//	Start -> Disclaimer -> SearchForm -> ResultsList -> ListingPage -> Viewer*
//
// The site is session-bound: server-side state evaporates whenever the
// session breaks, and the only reliable recovery is tearing the whole
// machine down and walking the sequence again from the top.
package nav

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"deedwatch/internal/antibot"
	"deedwatch/internal/assert"
	"deedwatch/internal/browser"
	"deedwatch/lib/telemetry"
)

const (
	report_start          = "nav.start"
	report_open_listing   = "nav.open-listing"
	report_open_viewer    = "nav.open-viewer"
	report_return_listing = "nav.return-to-listing"
	report_restart        = "nav.restart"
)

// ErrSessionLost is returned when the site redirected to an earlier state,
// meaning the server no longer recognizes this session. The only remedy is
// a hard restart.
var ErrSessionLost = errors.New("session lost: redirected to an earlier state")

// Lot is one listing row before detail enrichment. Node is the site's
// stable record key; RawRowText is the whitespace-normalized inline text
// of the row.
type Lot struct {
	Node       string
	DetailURL  string
	RawRowText string
}

// Listing is the captured printable results page: its URL, for explicit
// re-navigation, and every lot on it.
type Listing struct {
	URL  string
	Lots []Lot
}

type Config struct {
	// DisclaimerURL is the entry page carrying the acknowledgement form.
	DisclaimerURL string
	// SearchURL is the application search form page.
	SearchURL string
	// SettleTimeout bounds each goto-and-settle wait. Defaults to 20s.
	SettleTimeout time.Duration

	Telemetry telemetry.API
}

// selectors for the fixed flow. They belong to the browser capability's
// syntax (search queries; plain CSS or XPath both work) and are not part
// of the machine's contract.
const (
	selAcknowledge   = `//input[@value='I Acknowledge']`
	selTaxDeedSales  = `//button[contains(text(),'Tax Deed Sales')]`
	selStatusSelect  = `//select[@name='DeedStatusID']`
	selSearchButton  = `//input[@value='Search']`
	selPrintableLink = `//a[contains(text(),'Printable Version')]`
)

const statusActiveSale = "AS"

// Machine walks the page sequence over one browser session and rebuilds
// itself from scratch when the session breaks.
type Machine struct {
	factory browser.Factory
	cfg     Config
	tel     telemetry.API

	session browser.Session
	listing *Listing
}

func NewMachine(factory browser.Factory, cfg Config) *Machine {
	assert.NotNil(factory)
	assert.NotEmptyStr(cfg.DisclaimerURL)
	assert.NotEmptyStr(cfg.SearchURL)
	if cfg.SettleTimeout == 0 {
		cfg.SettleTimeout = 20 * time.Second
	}
	if cfg.Telemetry == nil {
		cfg.Telemetry = telemetry.SlogAPI{}
	}

	return &Machine{
		factory: factory,
		cfg:     cfg,
		tel:     telemetry.NewScopedAPI("nav", cfg.Telemetry),
	}
}

// OpenListing walks Start through ListingPage and returns the captured
// listing. The lots are read from the DOM exactly once per session; a
// second call within the same session returns the captured copy rather
// than re-querying a live DOM.
func (m *Machine) OpenListing(ctx context.Context) (Listing, error) {
	if m.session != nil && m.listing != nil {
		return *m.listing, nil
	}

	if m.session == nil {
		session, err := m.factory(ctx)
		if err != nil {
			m.tel.ReportBroken(report_start, fmt.Errorf("new session: %w", err))
			return Listing{}, err
		}
		m.session = session
	}

	listing, err := m.walkToListing(ctx)
	if err != nil {
		m.tel.ReportBroken(report_open_listing, err)
		return Listing{}, err
	}
	m.listing = &listing
	return listing, nil
}

func (m *Machine) walkToListing(ctx context.Context) (Listing, error) {
	s := m.session

	// Disclaimer: acknowledge terms if the interstitial shows up
	if err := m.gotoAndSettle(ctx, m.cfg.DisclaimerURL); err != nil {
		return Listing{}, err
	}
	if ok, _ := s.Exists(ctx, selAcknowledge); ok {
		if err := s.Click(ctx, selAcknowledge); err != nil {
			return Listing{}, fmt.Errorf("acknowledge disclaimer: %w", err)
		}
		m.settle(ctx)
	}
	if ok, _ := s.Exists(ctx, selTaxDeedSales); ok {
		if err := s.Click(ctx, selTaxDeedSales); err != nil {
			return Listing{}, fmt.Errorf("enter tax deed sales: %w", err)
		}
		m.settle(ctx)
	}

	// SearchForm: filter to active sales and search
	if err := m.gotoAndSettle(ctx, m.cfg.SearchURL); err != nil {
		return Listing{}, err
	}
	if err := s.SelectOption(ctx, selStatusSelect, statusActiveSale); err != nil {
		return Listing{}, fmt.Errorf("select active sale status: %w", err)
	}
	if err := s.Click(ctx, selSearchButton); err != nil {
		return Listing{}, fmt.Errorf("submit search: %w", err)
	}
	m.settle(ctx)

	// ResultsList -> ListingPage: the printable version is a stable flat
	// page, unlike the scripted results list
	if ok, _ := s.Exists(ctx, selPrintableLink); !ok {
		return Listing{}, errors.New("printable version link not found on results page")
	}
	if err := s.Click(ctx, selPrintableLink); err != nil {
		return Listing{}, fmt.Errorf("open printable version: %w", err)
	}
	m.settle(ctx)

	listingURL, err := s.CurrentURL(ctx)
	if err != nil {
		return Listing{}, fmt.Errorf("capture listing url: %w", err)
	}

	html, err := s.PageHTML(ctx)
	if err != nil {
		return Listing{}, fmt.Errorf("read listing page: %w", err)
	}
	lots, err := ParseListing(html, listingURL)
	if err != nil {
		return Listing{}, err
	}

	m.tel.ReportCount(report_open_listing, int64(len(lots)))
	return Listing{URL: listingURL, Lots: lots}, nil
}

// OpenViewer navigates to the lot's detail page and returns the URL it
// actually landed on. Landing on a challenge page reports
// antibot.ErrChallenged; landing back on an earlier state of the flow
// reports ErrSessionLost.
func (m *Machine) OpenViewer(ctx context.Context, lot Lot) (string, error) {
	if m.session == nil {
		return "", errors.New("no session: OpenListing must run first")
	}

	if err := m.gotoAndSettle(ctx, lot.DetailURL); err != nil {
		return "", err
	}

	landed, err := m.session.CurrentURL(ctx)
	if err != nil {
		m.tel.ReportBroken(report_open_viewer, err, lot.Node)
		return "", err
	}

	if antibot.IsChallengeURL(landed) {
		m.tel.ReportWarning(report_open_viewer, "challenged", lot.Node, landed)
		return "", fmt.Errorf("open viewer for %s: %w", lot.Node, antibot.ErrChallenged)
	}
	if m.isEarlierState(landed) {
		m.tel.ReportWarning(report_open_viewer, "session lost", lot.Node, landed)
		return "", fmt.Errorf("open viewer for %s: %w", lot.Node, ErrSessionLost)
	}

	return landed, nil
}

// DocumentURL finds the scanned document linked from the current viewer
// page, resolved against the page URL. ok is false when the viewer links
// no document.
func (m *Machine) DocumentURL(ctx context.Context) (string, bool, error) {
	if m.session == nil {
		return "", false, errors.New("no session: OpenListing must run first")
	}

	html, err := m.session.PageHTML(ctx)
	if err != nil {
		return "", false, err
	}
	pageURL, err := m.session.CurrentURL(ctx)
	if err != nil {
		return "", false, err
	}
	return FindDocumentURL(html, pageURL)
}

// ReturnToListing re-navigates to the captured listing URL. Explicit
// re-navigation, never history-back: back-navigation silently breaks
// across restarted sessions.
func (m *Machine) ReturnToListing(ctx context.Context) error {
	if m.session == nil || m.listing == nil {
		return errors.New("no captured listing to return to")
	}
	if err := m.gotoAndSettle(ctx, m.listing.URL); err != nil {
		m.tel.ReportBroken(report_return_listing, err)
		return err
	}
	return nil
}

// Restart tears the whole session down and walks the flow again from
// Start. The previously captured listing is discarded with the session.
func (m *Machine) Restart(ctx context.Context) error {
	m.tel.ReportDebug(report_restart, "hard session restart")
	m.teardown()
	_, err := m.OpenListing(ctx)
	return err
}

// Cookies exports the live session's cookie jar for document fetches.
func (m *Machine) Cookies(ctx context.Context) ([]*http.Cookie, error) {
	if m.session == nil {
		return nil, errors.New("no session")
	}
	return m.session.Cookies(ctx)
}

func (m *Machine) Close() {
	m.teardown()
}

func (m *Machine) teardown() {
	if m.session != nil {
		_ = m.session.Close()
		m.session = nil
	}
	m.listing = nil
}

func (m *Machine) gotoAndSettle(ctx context.Context, url string) error {
	if err := m.session.Goto(ctx, url); err != nil {
		return fmt.Errorf("goto %s: %w", url, err)
	}
	m.settle(ctx)
	return nil
}

// settle waits for structural stability and proceeds either way. A slow
// settle is treated as best-effort: the next read simply sees whatever DOM
// is present.
func (m *Machine) settle(ctx context.Context) {
	if outcome := m.session.WaitUntilSettled(ctx, m.cfg.SettleTimeout); outcome == browser.TimedOut {
		m.tel.ReportDebug(report_start, "settle timed out, proceeding")
	}
}

// isEarlierState reports whether the URL belongs to a state before the
// listing in the flow, which means the server dropped the session.
func (m *Machine) isEarlierState(landed string) bool {
	for _, earlier := range []string{m.cfg.DisclaimerURL, m.cfg.SearchURL} {
		if strings.HasPrefix(landed, earlier) {
			return true
		}
	}
	return false
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// ParseListing reads every tax-sale lot out of the printable results page.
// Row text is whitespace-normalized; the node key comes from the detail
// link.
func ParseListing(html, baseURL string) ([]Lot, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse listing html: %w", err)
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse listing url: %w", err)
	}

	var lots []Lot
	doc.Find("#searchResultsTable a").Each(func(_ int, a *goquery.Selection) {
		if !strings.HasPrefix(strings.TrimSpace(a.Text()), "Tax Sale") {
			return
		}
		href, ok := a.Attr("href")
		if !ok || href == "" {
			return
		}
		resolved, err := base.Parse(href)
		if err != nil {
			return
		}
		detailURL := resolved.String()

		row := a.Closest("tr")
		rowText := row.Text()
		if rowText == "" {
			rowText = a.Text()
		}

		lots = append(lots, Lot{
			Node:       ExtractNode(detailURL),
			DetailURL:  detailURL,
			RawRowText: strings.TrimSpace(whitespaceRun.ReplaceAllString(rowText, " ")),
		})
	})
	return lots, nil
}

// ExtractNode pulls the site-assigned record key out of a detail URL. The
// viewer links carry it as the ID query parameter; failing that, the whole
// URL is as stable a key as anything else available.
func ExtractNode(detailURL string) string {
	parsed, err := url.Parse(detailURL)
	if err != nil {
		return detailURL
	}
	if id := parsed.Query().Get("ID"); id != "" {
		return id
	}
	return detailURL
}

// FindDocumentURL locates the scanned notice linked from a viewer page.
func FindDocumentURL(html, pageURL string) (string, bool, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", false, fmt.Errorf("parse viewer html: %w", err)
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return "", false, fmt.Errorf("parse viewer url: %w", err)
	}

	var found string
	doc.Find(`a[href], iframe[src], embed[src]`).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		ref, ok := sel.Attr("href")
		if !ok {
			ref, ok = sel.Attr("src")
		}
		if !ok {
			return true
		}
		if !strings.Contains(strings.ToLower(ref), ".pdf") {
			return true
		}
		resolved, err := base.Parse(ref)
		if err != nil {
			return true
		}
		found = resolved.String()
		return false
	})

	if found == "" {
		return "", false, nil
	}
	return found, true, nil
}

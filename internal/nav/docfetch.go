package nav

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"deedwatch/lib/telemetry"
)

const report_fetch_document = "nav.fetch-document"

// userAgent matches the one the browser session runs under; the site sees
// one consistent client across navigation and document fetches.
const fetchUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36"

// ErrNotDocument is returned when the fetch came back with something other
// than a document, usually an HTML error or challenge page. Callers treat
// it as a navigation/session failure, not a malformed document.
var ErrNotDocument = errors.New("response is not a document")

// Fetcher downloads the scanned notice over plain HTTP, reusing the
// browser session's cookies so the server sees the same session.
type Fetcher struct {
	http *resty.Client
	tel  telemetry.API
}

func NewFetcher(tel telemetry.API) (*Fetcher, error) {
	if tel == nil {
		tel = telemetry.SlogAPI{}
	}
	tel = telemetry.NewScopedAPI("docfetch", tel)

	httpClient := resty.New()
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	httpClient.SetCookieJar(jar)
	httpClient.GetClient().Transport = cloudflarebp.AddCloudFlareByPass(httpClient.GetClient().Transport)
	httpClient.SetHeader("user-agent", fetchUserAgent)
	httpClient.SetTimeout(time.Second * 60)

	// one document per request cycle; keep the fetch pace well under the
	// site's tolerance
	limiter := rate.NewLimiter(1, 1)
	httpClient.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		return limiter.Wait(req.Context())
	})

	telemetry.InstrumentResty(httpClient, tel)

	return &Fetcher{http: httpClient, tel: tel}, nil
}

// Fetch downloads the document at docURL carrying the given session
// cookies. The response must be a document content type; anything else is
// ErrNotDocument.
func (f *Fetcher) Fetch(ctx context.Context, docURL string, cookies []*http.Cookie) ([]byte, error) {
	parsed, err := url.Parse(docURL)
	if err != nil {
		return nil, fmt.Errorf("parse document url: %w", err)
	}
	f.http.GetClient().Jar.SetCookies(parsed, cookies)

	res, err := f.http.R().
		SetContext(ctx).
		Get(docURL)
	if err != nil {
		f.tel.ReportBroken(report_fetch_document, err, docURL)
		return nil, err
	}
	if res.StatusCode() != http.StatusOK {
		f.tel.ReportWarning(report_fetch_document, "unexpected status", res.Status(), docURL)
		return nil, fmt.Errorf("fetch document: status %s: %w", res.Status(), ErrNotDocument)
	}

	contentType := res.Header().Get("Content-Type")
	if !isDocumentType(contentType) {
		f.tel.ReportWarning(report_fetch_document, "unexpected content type", contentType, docURL)
		return nil, fmt.Errorf("fetch document: content type %q: %w", contentType, ErrNotDocument)
	}

	return res.Body(), nil
}

func isDocumentType(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "application/pdf") ||
		strings.Contains(ct, "application/octet-stream")
}

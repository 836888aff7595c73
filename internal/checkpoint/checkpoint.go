// Package checkpoint persists scrape progress so an interrupted run can
// resume mid-listing instead of starting over. The primary store is the
// backend's key-value endpoint; a local archive cursor shadows it so a
// run can still resume when the backend is unreachable.
package checkpoint

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"deedwatch/internal/assert"
	"deedwatch/internal/nav"
	"deedwatch/lib/telemetry"
	"deedwatch/lib/timezone"
)

// State is the resume point for one scraper.
type State struct {
	LastProcessedNode string    `json:"last_processed_node"`
	LastRun           time.Time `json:"last_run"`
}

// Cursor is the local shadow of the remote checkpoint. *archive.Store
// satisfies it.
type Cursor interface {
	SetCursor(ctx context.Context, scraperID, node string) error
	Cursor(ctx context.Context, scraperID string) (node string, lastRun time.Time, ok bool, err error)
}

type Options struct {
	BaseURL   string
	Token     string
	Retries   int
	RetryWait time.Duration
	Local     Cursor
	Telemetry telemetry.API
}

type Store struct {
	client    *resty.Client
	scraperID string
	local     Cursor
	tel       telemetry.API
}

func NewStore(scraperID string, opts Options) *Store {
	assert.NotEmptyStr(scraperID)
	assert.NotEmptyStr(opts.BaseURL)
	if opts.Telemetry == nil {
		opts.Telemetry = telemetry.SlogAPI{}
	}
	if opts.Retries <= 0 {
		opts.Retries = 3
	}
	if opts.RetryWait <= 0 {
		opts.RetryWait = time.Second
	}

	client := resty.New().
		SetBaseURL(opts.BaseURL).
		SetAuthToken(opts.Token).
		SetTimeout(time.Second * 15).
		SetRetryCount(opts.Retries - 1).
		SetRetryAfter(func(c *resty.Client, r *resty.Response) (time.Duration, error) {
			return opts.RetryWait * time.Duration(r.Request.Attempt), nil
		}).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		})
	limiter := rate.NewLimiter(2, 2)
	client.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		return limiter.Wait(req.Context())
	})
	tel := telemetry.NewScopedAPI("checkpoint", opts.Telemetry)
	telemetry.InstrumentResty(client, tel)

	return &Store{
		client:    client,
		scraperID: scraperID,
		local:     opts.Local,
		tel:       tel,
	}
}

const (
	reportCheckpointReadFailed  = "checkpoint_read_failed"
	reportCheckpointWriteFailed = "checkpoint_write_failed"
)

// Read returns the saved resume state, or ok=false when no checkpoint
// exists. A backend failure falls back to the local cursor.
func (s *Store) Read(ctx context.Context) (State, bool, error) {
	var state State
	resp, err := s.client.R().
		SetContext(ctx).
		SetResult(&state).
		Get(fmt.Sprintf("/kv/%s", s.scraperID))
	if err == nil && resp.StatusCode() == http.StatusNotFound {
		return State{}, false, nil
	}
	if err == nil && resp.IsSuccess() {
		return state, state.LastProcessedNode != "", nil
	}

	if err == nil {
		err = fmt.Errorf("checkpoint read: unexpected status %d", resp.StatusCode())
	}
	s.tel.ReportWarning(reportCheckpointReadFailed, err)

	if s.local == nil {
		return State{}, false, err
	}
	node, lastRun, ok, lerr := s.local.Cursor(ctx, s.scraperID)
	if lerr != nil || !ok {
		return State{}, false, err
	}
	return State{LastProcessedNode: node, LastRun: lastRun}, true, nil
}

// Write saves the resume state after each processed record. Failures are
// reported but do not abort the run; the record is already ingested and
// re-ingesting it on the next run is idempotent.
func (s *Store) Write(ctx context.Context, node string) {
	state := State{LastProcessedNode: node, LastRun: timezone.Now()}

	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(map[string]any{"key": s.scraperID, "value": state}).
		Post("/kv")
	if err == nil && !resp.IsSuccess() {
		err = fmt.Errorf("checkpoint write: unexpected status %d", resp.StatusCode())
	}
	if err != nil {
		s.tel.ReportWarning(reportCheckpointWriteFailed, err)
	}

	if s.local != nil {
		if lerr := s.local.SetCursor(ctx, s.scraperID, node); lerr != nil {
			s.tel.ReportWarning(reportCheckpointWriteFailed, lerr)
		}
	}
}

// StartIndex maps a saved node onto the current listing. The record
// after the last processed one is next; if the node vanished from the
// listing (or there is no checkpoint) the run starts from the top.
func StartIndex(lots []nav.Lot, lastNode string) int {
	if lastNode == "" {
		return 0
	}
	for i, lot := range lots {
		if lot.Node == lastNode {
			return i + 1
		}
	}
	return 0
}

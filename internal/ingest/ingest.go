// Package ingest is the client for the ingestion backend. Upserts are
// idempotent and keyed by node, so re-sending a record is always safe;
// reconciliation marks delisted records as removed without ever deleting
// data.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"deedwatch/internal/assert"
	"deedwatch/lib/telemetry"
)

const (
	report_upsert    = "ingest.upsert"
	report_existence = "ingest.existence-check"
	report_reconcile = "ingest.reconcile"
)

// ErrUnauthorized means the bearer token is bad. Retrying cannot help and
// every further record would fail the same way, so the caller aborts the
// remaining batch instead of burning its anti-bot budget for nothing.
var ErrUnauthorized = errors.New("ingestion backend rejected credentials")

// Action is the backend's verdict on an upsert.
type Action string

const (
	ActionCreated Action = "created"
	ActionUpdated Action = "updated"
	ActionFailed  Action = "failed"
)

// Record is the outbound unit: one canonical auction record keyed by the
// site-assigned node.
type Record struct {
	Node string `json:"node"`

	City     string `json:"city"`
	County   string `json:"county"`
	State    string `json:"state"`
	SaleType string `json:"sale_type"`

	SaleID     *string  `json:"sale_id,omitempty"`
	SaleDate   *string  `json:"auction_date,omitempty"`
	SaleStatus *string  `json:"sale_status,omitempty"`
	Parcel     *string  `json:"parcel,omitempty"`
	AmountDue  *float64 `json:"amount_due,omitempty"`
	HighBid    *float64 `json:"high_bid,omitempty"`
	Applicant  *string  `json:"applicant,omitempty"`

	Street        string `json:"address"`
	AddressCity   string `json:"address_city,omitempty"`
	AddressState  string `json:"address_state,omitempty"`
	AddressZip    string `json:"address_zip,omitempty"`
	AddressMarker string `json:"address_marker,omitempty"`

	DocumentURL string `json:"document_url,omitempty"`
	ViewerURL   string `json:"official_link"`

	Status string `json:"status"`
	Notes  string `json:"notes,omitempty"`
}

type Options struct {
	BaseURL string
	Token   string
	// Retries bounds upsert attempts. Defaults to 3.
	Retries int
	// RetryWait is the linear backoff step between attempts. Defaults to 2s.
	RetryWait time.Duration

	Telemetry telemetry.API
}

type Client struct {
	http    *resty.Client
	retries int
	tel     telemetry.API
}

func NewClient(opts Options) *Client {
	assert.NotEmptyStr(opts.BaseURL)
	if opts.Retries == 0 {
		opts.Retries = 3
	}
	if opts.RetryWait == 0 {
		opts.RetryWait = 2 * time.Second
	}
	if opts.Telemetry == nil {
		opts.Telemetry = telemetry.SlogAPI{}
	}
	tel := telemetry.NewScopedAPI("ingest", opts.Telemetry)

	httpClient := resty.New()
	httpClient.SetBaseURL(opts.BaseURL)
	httpClient.SetAuthToken(opts.Token)
	httpClient.SetTimeout(time.Second * 60)
	httpClient.SetRetryCount(opts.Retries - 1)
	httpClient.SetRetryWaitTime(opts.RetryWait)
	httpClient.SetRetryMaxWaitTime(opts.RetryWait * time.Duration(opts.Retries))
	// linear, not exponential: the backend is ours and not hostile
	httpClient.SetRetryAfter(func(c *resty.Client, res *resty.Response) (time.Duration, error) {
		return c.RetryWaitTime * time.Duration(res.Request.Attempt), nil
	})
	httpClient.AddRetryCondition(func(res *resty.Response, err error) bool {
		if err != nil {
			return true
		}
		// never retry auth failures, they cannot fix themselves
		if res.StatusCode() == http.StatusUnauthorized || res.StatusCode() == http.StatusForbidden {
			return false
		}
		return res.StatusCode() >= 500
	})

	limiter := rate.NewLimiter(2, 2)
	httpClient.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		return limiter.Wait(req.Context())
	})

	telemetry.InstrumentResty(httpClient, tel)

	return &Client{
		http:    httpClient,
		retries: opts.Retries,
		tel:     tel,
	}
}

// Upsert sends one record. The backend treats node as the identity: the
// same node twice is an update, never a duplicate insert.
func (c *Client) Upsert(ctx context.Context, record Record) (Action, error) {
	var result struct {
		Action string `json:"action"`
	}

	res, err := c.http.R().
		SetContext(ctx).
		SetBody(record).
		SetResult(&result).
		Post("/ingest")
	if err != nil {
		c.tel.ReportBroken(report_upsert, err, record.Node)
		return ActionFailed, err
	}
	if res.StatusCode() == http.StatusUnauthorized || res.StatusCode() == http.StatusForbidden {
		c.tel.ReportBroken(report_upsert, "auth rejected", record.Node)
		return ActionFailed, fmt.Errorf("upsert %s: %w", record.Node, ErrUnauthorized)
	}
	if res.StatusCode() != http.StatusOK {
		c.tel.ReportBroken(report_upsert, "unexpected status", res.Status(), record.Node)
		return ActionFailed, fmt.Errorf("upsert %s: status %s", record.Node, res.Status())
	}

	switch result.Action {
	case string(ActionCreated):
		return ActionCreated, nil
	case string(ActionUpdated):
		return ActionUpdated, nil
	default:
		c.tel.ReportWarning(report_upsert, "unknown action in response", result.Action, record.Node)
		return ActionUpdated, nil
	}
}

// KnownNodes asks the backend which of the given nodes it already has.
func (c *Client) KnownNodes(ctx context.Context, nodes []string) (map[string]struct{}, error) {
	var result struct {
		Known []string `json:"known"`
	}

	res, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string][]string{"nodes": nodes}).
		SetResult(&result).
		Post("/existence-check")
	if err != nil {
		c.tel.ReportBroken(report_existence, err)
		return nil, err
	}
	if res.StatusCode() == http.StatusUnauthorized || res.StatusCode() == http.StatusForbidden {
		return nil, fmt.Errorf("existence check: %w", ErrUnauthorized)
	}
	if res.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("existence check: status %s", res.Status())
	}

	known := make(map[string]struct{}, len(result.Known))
	for _, node := range result.Known {
		known[node] = struct{}{}
	}
	return known, nil
}

// Reconcile tells the backend the complete set of nodes currently listed.
// Backend records absent from the set are marked removed, never deleted.
// Returns how many were marked.
func (c *Client) Reconcile(ctx context.Context, currentNodes []string) (int, error) {
	var result struct {
		Removed int `json:"removed"`
	}

	res, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string][]string{"nodes": currentNodes}).
		SetResult(&result).
		Post("/mark-removed")
	if err != nil {
		c.tel.ReportBroken(report_reconcile, err)
		return 0, err
	}
	if res.StatusCode() == http.StatusUnauthorized || res.StatusCode() == http.StatusForbidden {
		return 0, fmt.Errorf("reconcile: %w", ErrUnauthorized)
	}
	if res.StatusCode() != http.StatusOK {
		return 0, fmt.Errorf("reconcile: status %s", res.Status())
	}

	c.tel.ReportCount(report_reconcile, int64(result.Removed))
	return result.Removed, nil
}

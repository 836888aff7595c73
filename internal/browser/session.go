// Package browser is the capability boundary around the headless browser.
// Everything above it sees a small Session interface; the chromedp wiring
// and the selectors' syntax live below it.
package browser

import (
	"context"
	"net/http"
	"time"
)

// SettleOutcome is the result of waiting for a page to become structurally
// stable. Callers decide policy: a timed-out settle is usually proceeded
// past, not failed on.
type SettleOutcome int

const (
	Settled SettleOutcome = iota
	TimedOut
)

func (o SettleOutcome) String() string {
	if o == Settled {
		return "settled"
	}
	return "timed-out"
}

// Session is one live browser tab with its cookie jar. It is never shared
// between logical tasks; tearing it down and making a new one is the only
// supported recovery from a broken session.
type Session interface {
	Goto(ctx context.Context, url string) error
	// WaitUntilSettled blocks until the page is structurally stable or the
	// timeout passes. Timing out is an outcome, not an error.
	WaitUntilSettled(ctx context.Context, timeout time.Duration) SettleOutcome
	Click(ctx context.Context, selector string) error
	// Exists reports whether the selector matches anything right now.
	Exists(ctx context.Context, selector string) (bool, error)
	// SelectOption picks the option with the given value on a <select>.
	SelectOption(ctx context.Context, selector, value string) error
	CurrentURL(ctx context.Context) (string, error)
	PageHTML(ctx context.Context) (string, error)
	// Cookies exports the session's cookie jar so document fetches can be
	// made over plain HTTP with the same server-side state.
	Cookies(ctx context.Context) ([]*http.Cookie, error)
	Close() error
}

// Factory makes a fresh Session. The navigation layer calls it again after
// every hard restart.
type Factory func(ctx context.Context) (Session, error)

// Package antibot handles the site's bot-verification interstitial. A
// challenge is not a slow page: a slow page wants patience, a challenge
// wants a long randomized wait and a fresh approach, so this controller is
// kept apart from ordinary navigation timeouts.
package antibot

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"strings"
	"time"

	"deedwatch/internal/assert"
	"deedwatch/lib/telemetry"
)

const (
	report_retry = "antibot.retry"
)

// ErrChallenged is reported by navigation when a goto lands on a known
// challenge page instead of the requested one.
var ErrChallenged = errors.New("landed on bot challenge page")

// challengeMarkers are URL fragments the verification interstitial is
// served under.
var challengeMarkers = []string{
	"/challenge",
	"captcha",
	"bot-check",
	"_incapsula_resource",
}

// IsChallengeURL reports whether the URL looks like a challenge page.
func IsChallengeURL(raw string) bool {
	parsed, err := url.Parse(raw)
	if err != nil {
		return false
	}
	probe := strings.ToLower(parsed.Path + "?" + parsed.RawQuery)
	for _, marker := range challengeMarkers {
		if strings.Contains(probe, marker) {
			return true
		}
	}
	return false
}

type Options struct {
	// MaxAttempts bounds how often one record is retried past a challenge
	// before it is given up on. Defaults to 3.
	MaxAttempts int
	// BaseDelay seeds the backoff. Defaults to 20s.
	BaseDelay time.Duration
	// Jitter is the upper bound of the random extra added to every wait.
	// Defaults to 10s.
	Jitter time.Duration

	Telemetry telemetry.API

	// Sleep is substituted in tests. Defaults to a context-aware wait.
	Sleep func(ctx context.Context, d time.Duration) error
}

type Controller struct {
	maxAttempts int
	baseDelay   time.Duration
	jitter      time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
	tel         telemetry.API
	rng         *rand.Rand
}

func NewController(opts Options) *Controller {
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = 3
	}
	if opts.BaseDelay == 0 {
		opts.BaseDelay = 20 * time.Second
	}
	if opts.Jitter == 0 {
		opts.Jitter = 10 * time.Second
	}
	if opts.Telemetry == nil {
		opts.Telemetry = telemetry.SlogAPI{}
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}
	assert.Positive(opts.MaxAttempts)

	return &Controller{
		maxAttempts: opts.MaxAttempts,
		baseDelay:   opts.BaseDelay,
		jitter:      opts.Jitter,
		sleep:       opts.Sleep,
		tel:         telemetry.NewScopedAPI("antibot", opts.Telemetry),
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Delay computes the wait before retry number `attempt` of the record at
// `recordIndex` in the batch. It grows with both: the deeper into a batch
// the scraper is and the more often one record has been challenged, the
// more suspicious the site already is.
func (c *Controller) Delay(recordIndex, attempt int) time.Duration {
	position := time.Duration(recordIndex) * c.baseDelay / 8
	escalation := time.Duration(attempt) * c.baseDelay
	jitter := time.Duration(c.rng.Int63n(int64(c.jitter) + 1))
	return escalation + position + jitter
}

// Retry runs `open` up to MaxAttempts times, waiting and re-entering the
// listing via `reenter` between challenged attempts. Errors other than
// ErrChallenged pass straight through. Exhausting the budget returns a
// wrapped ErrChallenged; the caller is expected to skip the record, not
// abort the run.
func (c *Controller) Retry(
	ctx context.Context,
	recordIndex int,
	open func(ctx context.Context) error,
	reenter func(ctx context.Context) error,
) error {
	for attempt := 1; ; attempt++ {
		err := open(ctx)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrChallenged) {
			return err
		}
		if attempt >= c.maxAttempts {
			c.tel.ReportWarning(report_retry, "retry budget exhausted", recordIndex, attempt)
			return fmt.Errorf("antibot: %d attempts challenged: %w", attempt, ErrChallenged)
		}

		delay := c.Delay(recordIndex, attempt)
		c.tel.ReportDebug(report_retry, "challenged, backing off", recordIndex, attempt, delay.String())
		if err := c.sleep(ctx, delay); err != nil {
			return err
		}
		if err := reenter(ctx); err != nil {
			return err
		}
	}
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

// Package tools calls the pricing, availability and booking backend.
//
// Every call goes through WithFallback: the primary host first, then the
// fallback host once when the primary is remote and failed at the transport
// level. Pricing degrades to an offline table. An inconclusive booking
// answer is resolved by asking the backend for the client's recent
// appointments, with the local appointment mirror as a second source.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/BTreeMap/RepairPipe/internal/models"
)

// Defaults for backend calls.
const (
	DefaultTimeout       = 8 * time.Second
	DefaultFallbackDelay = 300 * time.Millisecond
	DefaultVerifyWindow  = 6 * time.Hour
	DefaultPollInterval  = 500 * time.Millisecond
	DefaultPollAttempts  = 3
	maxErrorBody         = 2048
)

var (
	// ErrToolUnavailable is returned when neither host could serve the call.
	ErrToolUnavailable = errors.New("tool unavailable")
	// ErrAmbiguousBooking is returned when the backend response was inconclusive
	// and no matching appointment could be found afterwards.
	ErrAmbiguousBooking = errors.New("ambiguous booking response")
	// ErrNoBackend is returned when no primary host is configured.
	ErrNoBackend = errors.New("no backend host configured")
)

// HTTPError is a non-2xx backend response.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("backend returned status %d: %s", e.StatusCode, e.Body)
}

// AppointmentStore is where booked appointments are mirrored and verified.
type AppointmentStore interface {
	SaveAppointment(ctx context.Context, a models.AppointmentRecord) error
	FindRecentAppointmentByPhone(ctx context.Context, phone string, since time.Time, suffixDigits int) (*models.AppointmentRecord, error)
}

// Opts holds Client configuration.
type Opts struct {
	PrimaryURL    string
	FallbackURL   string
	Timeout       time.Duration
	FallbackDelay time.Duration
	VerifyWindow  time.Duration
	PollInterval  time.Duration
	PollAttempts  int
	SuffixDigits  int
	Region        string
	RateLimit     rate.Limit
	Pricing       *PricingTable
	HTTPClient    *http.Client
	Now           func() time.Time
}

// Option configures a Client.
type Option func(*Opts)

// WithPrimaryHost sets the backend base URL.
func WithPrimaryHost(url string) Option {
	return func(o *Opts) { o.PrimaryURL = strings.TrimRight(url, "/") }
}

// WithFallbackHost sets the base URL tried once after a qualifying primary failure.
func WithFallbackHost(url string) Option {
	return func(o *Opts) { o.FallbackURL = strings.TrimRight(url, "/") }
}

// WithTimeout bounds each HTTP attempt.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// WithFallbackDelay sets the pause before the fallback attempt.
func WithFallbackDelay(d time.Duration) Option {
	return func(o *Opts) { o.FallbackDelay = d }
}

// WithVerifyWindow sets how far back booking verification looks.
func WithVerifyWindow(d time.Duration) Option {
	return func(o *Opts) { o.VerifyWindow = d }
}

// WithPolling sets the verification poll cadence.
func WithPolling(interval time.Duration, attempts int) Option {
	return func(o *Opts) {
		o.PollInterval = interval
		o.PollAttempts = attempts
	}
}

// WithSuffixMatch compares only the trailing n phone digits during verification.
// Zero (the default) compares every digit.
func WithSuffixMatch(n int) Option {
	return func(o *Opts) { o.SuffixDigits = n }
}

// WithRegion is sent with quote requests.
func WithRegion(region string) Option {
	return func(o *Opts) { o.Region = region }
}

// WithRateLimit caps backend requests per second. Zero disables the limit.
func WithRateLimit(perSecond float64) Option {
	return func(o *Opts) { o.RateLimit = rate.Limit(perSecond) }
}

// WithPricingTable replaces the built-in offline pricing table.
func WithPricingTable(t *PricingTable) Option {
	return func(o *Opts) { o.Pricing = t }
}

// WithHTTPClient sets the HTTP client (tests).
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// Client performs backend tool calls.
type Client struct {
	opts    Opts
	http    *http.Client
	limiter *rate.Limiter
	appts   AppointmentStore
}

// NewClient creates a Client. appts may be nil, in which case bookings are
// trusted from the backend response and ambiguous responses stay ambiguous.
func NewClient(appts AppointmentStore, opts ...Option) *Client {
	cfg := Opts{
		Timeout:       DefaultTimeout,
		FallbackDelay: DefaultFallbackDelay,
		VerifyWindow:  DefaultVerifyWindow,
		PollInterval:  DefaultPollInterval,
		PollAttempts:  DefaultPollAttempts,
		Now:           time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Pricing == nil {
		cfg.Pricing = DefaultPricingTable()
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	c := &Client{opts: cfg, http: hc, appts: appts}
	if cfg.RateLimit > 0 {
		c.limiter = rate.NewLimiter(cfg.RateLimit, max(1, int(cfg.RateLimit)))
	}
	return c
}

func (c *Client) policy() FallbackPolicy {
	return FallbackPolicy{Primary: c.opts.PrimaryURL, Fallback: c.opts.FallbackURL, Delay: c.opts.FallbackDelay}
}

// postJSON sends body to baseURL+path and decodes a 2xx response into out.
func (c *Client) postJSON(ctx context.Context, baseURL, path, idempotencyKey string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	return c.do(ctx, http.MethodPost, baseURL+path, idempotencyKey, payload, out)
}

// getJSON fetches baseURL+path with query and decodes a 2xx response into out.
func (c *Client) getJSON(ctx context.Context, baseURL, path string, query url.Values, out any) error {
	target := baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	return c.do(ctx, http.MethodGet, target, "", nil, out)
}

func (c *Client) do(ctx context.Context, method, target, idempotencyKey string, payload []byte, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	slog.Debug("tools.Client.do: response", "method", method, "path", req.URL.Path, "status", resp.StatusCode, "elapsed", time.Since(start))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b := string(data)
		if len(b) > maxErrorBody {
			b = b[:maxErrorBody]
		}
		return &HTTPError{StatusCode: resp.StatusCode, Body: b}
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Package nvd implements the upstream page source against the NVD REST API 2.0.
package nvd

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/nvdsync/internal/domain/scap"
	"github.com/ahrav/nvdsync/pkg/common"
	"github.com/ahrav/nvdsync/pkg/common/logger"
)

const (
	DefaultCVEURL      = "https://services.nvd.nist.gov/rest/json/cves/2.0"
	DefaultCPEURL      = "https://services.nvd.nist.gov/rest/json/cpes/2.0"
	DefaultCPEMatchURL = "https://services.nvd.nist.gov/rest/json/cpematch/2.0"

	DefaultCVEPageSize      = 2000
	DefaultCPEPageSize      = 10000
	DefaultCPEMatchPageSize = 500

	// dateLayout is the ISO-8601 form the API accepts for lastMod ranges.
	dateLayout = "2006-01-02T15:04:05.000-07:00"

	// maxErrorBody bounds how much of an error response is kept for messages.
	maxErrorBody = 512
)

// Published request quotas.
var (
	UnkeyedBudget = common.Budget{Requests: 5, Window: 30 * time.Second}
	KeyedBudget   = common.Budget{Requests: 50, Window: 30 * time.Second}
)

// Config configures a Client.
type Config struct {
	CVEURL           string
	CPEURL           string
	CPEMatchURL      string
	APIKey           string
	CVEPageSize      int
	CPEPageSize      int
	CPEMatchPageSize int
	// Budget overrides the quota derived from the presence of APIKey.
	Budget *common.Budget
}

func (c *Config) setDefaults() {
	if c.CVEURL == "" {
		c.CVEURL = DefaultCVEURL
	}
	if c.CPEURL == "" {
		c.CPEURL = DefaultCPEURL
	}
	if c.CPEMatchURL == "" {
		c.CPEMatchURL = DefaultCPEMatchURL
	}
	if c.CVEPageSize <= 0 {
		c.CVEPageSize = DefaultCVEPageSize
	}
	if c.CPEPageSize <= 0 {
		c.CPEPageSize = DefaultCPEPageSize
	}
	if c.CPEMatchPageSize <= 0 {
		c.CPEMatchPageSize = DefaultCPEMatchPageSize
	}
}

// endpoint returns the collection URL and page size for t.
func (c *Config) endpoint(t scap.EntityType) (string, int) {
	switch t {
	case scap.EntityTypeCPE:
		return c.CPEURL, c.CPEPageSize
	case scap.EntityTypeCPEMatch:
		return c.CPEMatchURL, c.CPEMatchPageSize
	default:
		return c.CVEURL, c.CVEPageSize
	}
}

func (c *Config) budget() common.Budget {
	switch {
	case c.Budget != nil:
		return *c.Budget
	case c.APIKey != "":
		return KeyedBudget
	default:
		return UnkeyedBudget
	}
}

// Client fetches CVE, CPE and match string pages. Every request waits on a shared rate
// limiter so concurrent pipelines stay within one quota.
type Client struct {
	httpClient *http.Client
	limiter    *common.RateLimiter
	cfg        Config

	logger *logger.Logger
	tracer trace.Tracer
}

// NewHTTPClient returns an http.Client instrumented with otel spans.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// NewClient creates a client for the given configuration.
func NewClient(cfg Config, httpClient *http.Client, log *logger.Logger, tracer trace.Tracer) *Client {
	cfg.setDefaults()
	if httpClient == nil {
		httpClient = NewHTTPClient(2 * time.Minute)
	}
	return &Client{
		httpClient: httpClient,
		limiter:    common.NewRateLimiter(cfg.budget()),
		cfg:        cfg,
		logger:     log.With("component", "nvd_client"),
		tracer:     tracer,
	}
}

// PageSize returns the page size requested for t.
func (c *Client) PageSize(t scap.EntityType) int {
	_, size := c.cfg.endpoint(t)
	return size
}

// Budget returns the quota currently enforced.
func (c *Client) Budget() common.Budget { return c.limiter.Budget() }

// FetchPage requests the records of window w starting at startIndex.
//
// Failures are typed: *scap.TransientFetchError for anything worth retrying,
// *scap.RejectedRequestError for client errors, and the context error when
// ctx ends.
func (c *Client) FetchPage(ctx context.Context, w scap.SyncWindow, startIndex int) (scap.Page, error) {
	ctx, span := c.tracer.Start(ctx, "nvd.fetch_page",
		trace.WithAttributes(
			attribute.String("entity_type", w.Type.String()),
			attribute.String("since", w.Since.Format(time.RFC3339)),
			attribute.String("until", w.Until.Format(time.RFC3339)),
			attribute.Int("start_index", startIndex),
		))
	defer span.End()

	page, err := c.fetchPage(ctx, w, startIndex)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return scap.Page{}, err
	}

	span.SetAttributes(
		attribute.Int("records", len(page.Records)),
		attribute.Int("total_results", page.TotalResults),
	)
	span.SetStatus(codes.Ok, "page fetched")
	return page, nil
}

func (c *Client) fetchPage(ctx context.Context, w scap.SyncWindow, startIndex int) (scap.Page, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return scap.Page{}, fmt.Errorf("rate limiter wait failed: %w", err)
	}

	req, err := c.newRequest(ctx, w, startIndex)
	if err != nil {
		return scap.Page{}, err
	}

	c.logger.Debug(ctx, "requesting page",
		"entity_type", w.Type,
		"start_index", startIndex,
		"since", w.Since,
		"until", w.Until,
	)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return scap.Page{}, ctx.Err()
		}
		return scap.Page{}, &scap.TransientFetchError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return scap.Page{}, c.statusError(ctx, resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return scap.Page{}, ctx.Err()
		}
		return scap.Page{}, &scap.TransientFetchError{StatusCode: resp.StatusCode, Err: fmt.Errorf("reading body: %w", err)}
	}

	page, err := decodePage(w, body)
	if err != nil {
		return scap.Page{}, &scap.TransientFetchError{StatusCode: resp.StatusCode, Err: err}
	}
	return page, nil
}

func (c *Client) newRequest(ctx context.Context, w scap.SyncWindow, startIndex int) (*http.Request, error) {
	base, size := c.cfg.endpoint(w.Type)
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parsing %s endpoint: %w", w.Type, err)
	}
	q := u.Query()
	q.Set("startIndex", strconv.Itoa(startIndex))
	q.Set("resultsPerPage", strconv.Itoa(size))
	q.Set("lastModStartDate", w.Since.UTC().Format(dateLayout))
	q.Set("lastModEndDate", w.Until.UTC().Format(dateLayout))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("apiKey", c.cfg.APIKey)
	}
	return req, nil
}

// statusError maps a non-200 response to a typed error. An explicit quota
// rejection also drops the limiter to the unkeyed budget since the key is
// evidently not being honored. A rejected API key is a configuration error:
// no retry can fix it.
func (c *Client) statusError(ctx context.Context, resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := resp.Header.Get("message")
	if msg == "" {
		msg = strings.TrimSpace(string(data))
	}
	if msg == "" {
		msg = resp.Status
	}

	switch code := resp.StatusCode; {
	case code != http.StatusTooManyRequests && code < http.StatusInternalServerError && rejectsAPIKey(msg):
		return &scap.ConfigurationError{
			Field: "nvd.api_key",
			Err:   &scap.RejectedRequestError{StatusCode: code, Message: msg},
		}
	case code == http.StatusTooManyRequests || code == http.StatusForbidden:
		if cur := c.limiter.Budget(); cur.Interval() < UnkeyedBudget.Interval() {
			c.limiter.UpdateLimits(UnkeyedBudget)
			c.logger.Warn(ctx, "upstream rejected request for rate limiting, slowing down",
				"status_code", code,
				"budget", UnkeyedBudget.String(),
			)
		}
		return &scap.TransientFetchError{StatusCode: code, Err: fmt.Errorf("rate limited: %s", msg)}
	case code >= http.StatusInternalServerError || code == http.StatusRequestTimeout:
		return &scap.TransientFetchError{StatusCode: code, Err: fmt.Errorf("server error: %s", msg)}
	default:
		return &scap.RejectedRequestError{StatusCode: code, Message: msg}
	}
}

// rejectsAPIKey reports whether an error message blames the API key, as in
// NVD's "Invalid apiKey." response.
func rejectsAPIKey(msg string) bool {
	return strings.Contains(strings.ToLower(msg), "apikey")
}

// decodePage extracts the envelope and the raw per-record objects. Records
// are not decoded here so one malformed record cannot fail the page.
func decodePage(w scap.SyncWindow, body []byte) (scap.Page, error) {
	if !gjson.ValidBytes(body) {
		return scap.Page{}, fmt.Errorf("response body is not valid json")
	}
	env := gjson.ParseBytes(body)

	total := env.Get("totalResults")
	if !total.Exists() {
		return scap.Page{}, fmt.Errorf("response envelope lacks totalResults")
	}

	collection, member := envelope(w.Type)

	page := scap.Page{
		Window:         w,
		StartIndex:     int(env.Get("startIndex").Int()),
		ResultsPerPage: int(env.Get("resultsPerPage").Int()),
		TotalResults:   int(total.Int()),
		Format:         env.Get("format").String(),
		Version:        env.Get("version").String(),
	}
	if ts, err := scap.ParseTimestamp(env.Get("timestamp").String()); err == nil {
		page.Timestamp = ts
	}

	items := env.Get(collection)
	if items.Exists() && !items.IsArray() {
		return scap.Page{}, fmt.Errorf("response %s is not an array", collection)
	}
	items.ForEach(func(_, item gjson.Result) bool {
		raw := item.Raw
		if inner := item.Get(member); inner.Exists() {
			raw = inner.Raw
		}
		page.Records = append(page.Records, []byte(raw))
		return true
	})

	return page, nil
}

// envelope names the array holding the records of t and the key each
// element wraps its record in.
func envelope(t scap.EntityType) (collection, member string) {
	switch t {
	case scap.EntityTypeCPE:
		return "products", "cpe"
	case scap.EntityTypeCPEMatch:
		return "matchStrings", "matchString"
	default:
		return "vulnerabilities", "cve"
	}
}

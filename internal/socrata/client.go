// Package socrata fetches records from a Socrata Open Data (SODA) dataset
// endpoint, paging by offset over a creation-time ordering.
package socrata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Lllllllleong/servicerequestflow/internal/retry"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL   = "https://data.cityofnewyork.us"
	DefaultDatasetID = "erm2-nwe9"

	// MaxPageSize is the provider's hard cap on $limit.
	MaxPageSize = 50000

	// OrderField must be a stable, ascending key for offset paging to be consistent.
	OrderField = "created_date"

	defaultRequestTimeout = 300 * time.Second
)

// Config configures a Client.
type Config struct {
	BaseURL           string
	DatasetID         string
	AppToken          string
	RequestTimeout    time.Duration
	RequestsPerSecond float64
	Retry             retry.Policy
}

// Client is a read-only client for one dataset.
type Client struct {
	httpClient *http.Client
	endpoint   string
	config     Config
	limiter    *rate.Limiter
}

// StatusError is a non-200 provider response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("socrata: http %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the provider signalled it is busy rather than
// rejecting the request.
func (e *StatusError) Retryable() bool {
	switch e.StatusCode {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// FetchResult holds everything fetched by one Fetch call. Interrupted is set
// when paging stopped early because of an error; the records gathered before
// the failure are still returned.
type FetchResult struct {
	Records     []json.RawMessage
	Pages       int
	Retries     int
	Interrupted error
}

// NewClient builds a Client. A nil httpClient gets one whose timeout matches
// the configured per-request timeout.
func NewClient(config Config, httpClient *http.Client) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.DatasetID == "" {
		config.DatasetID = DefaultDatasetID
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = defaultRequestTimeout
	}
	if config.Retry.MaxAttempts <= 0 {
		config.Retry = retry.DefaultPolicy()
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.RequestTimeout}
	}

	limit := rate.Inf
	if config.RequestsPerSecond > 0 {
		limit = rate.Limit(config.RequestsPerSecond)
	}

	return &Client{
		httpClient: httpClient,
		endpoint:   fmt.Sprintf("%s/resource/%s.json", strings.TrimRight(config.BaseURL, "/"), config.DatasetID),
		config:     config,
		limiter:    rate.NewLimiter(limit, 1),
	}
}

// Fetch pages through every record matching where, oldest first, until the
// data runs out or maxRecords have been collected. Page failures end the loop
// but do not fail the call; see FetchResult.Interrupted.
func (c *Client) Fetch(ctx context.Context, where Expr, maxRecords, batchSize int) (FetchResult, error) {
	var res FetchResult
	if maxRecords <= 0 {
		return res, fmt.Errorf("socrata: maxRecords must be positive, got %d", maxRecords)
	}
	if batchSize <= 0 {
		return res, fmt.Errorf("socrata: batchSize must be positive, got %d", batchSize)
	}
	whereClause, err := Render(where)
	if err != nil {
		return res, err
	}

	logCtx := slog.With("endpoint", c.endpoint)
	offset := 0
	for len(res.Records) < maxRecords {
		limit := min(batchSize, maxRecords-len(res.Records), MaxPageSize)
		logCtx.Info("Fetching page.", "offset", offset, "limit", limit, "fetched", len(res.Records))

		page, err := c.fetchPageWithRetry(ctx, logCtx, whereClause, limit, offset, &res)
		if err != nil {
			res.Interrupted = err
			logCtx.Error("Stopping pagination early; keeping records fetched so far.", "offset", offset, "fetched", len(res.Records), "error", err)
			break
		}
		res.Pages++

		if len(page) == 0 {
			logCtx.Info("No more data available.")
			break
		}
		res.Records = append(res.Records, page...)
		logCtx.Info("Retrieved page.", "records", len(page), "total", len(res.Records))

		if len(page) < limit {
			logCtx.Info("Reached end of available data.")
			break
		}
		offset += limit
	}

	if len(res.Records) >= maxRecords {
		logCtx.Info("Reached record limit for this run.", "maxRecords", maxRecords)
	}
	return res, nil
}

func (c *Client) fetchPageWithRetry(ctx context.Context, logCtx *slog.Logger, where string, limit, offset int, res *FetchResult) ([]json.RawMessage, error) {
	var page []json.RawMessage
	op := func(ctx context.Context) error {
		p, err := c.fetchPage(ctx, where, limit, offset)
		if err != nil {
			var se *StatusError
			if errors.As(err, &se) && se.Retryable() {
				return err
			}
			return retry.Permanent(err)
		}
		page = p
		return nil
	}
	notify := func(attempt int, err error, delay time.Duration) {
		res.Retries++
		logCtx.Warn(
			"Provider busy, will retry page.",
			"offset", offset,
			"attempt", attempt,
			"maxAttempts", c.config.Retry.MaxAttempts,
			"backoff", delay.String(),
			"error", err,
		)
	}
	if err := c.config.Retry.Do(ctx, op, notify); err != nil {
		return nil, err
	}
	return page, nil
}

func (c *Client) fetchPage(ctx context.Context, where string, limit, offset int) ([]json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	q := url.Values{}
	q.Set("$limit", strconv.Itoa(limit))
	q.Set("$offset", strconv.Itoa(offset))
	q.Set("$where", where)
	q.Set("$order", OrderField+" ASC")
	if c.config.AppToken != "" {
		q.Set("$$app_token", c.config.AppToken)
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.config.AppToken != "" {
		req.Header.Set("X-App-Token", c.config.AppToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request page at offset %d: %w", offset, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var page []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("decode page at offset %d: %w", offset, err)
	}
	return page, nil
}

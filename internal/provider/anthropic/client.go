package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/opscost/opscost/internal/provider"
)

const (
	defaultBaseURL  = "https://api.anthropic.com"
	apiVersion      = "2023-06-01"
	usageReportPath = "/v1/organizations/usage_report/messages"
	defaultLookback = 30 * 24 * time.Hour
	defaultMaxPages = 10
	bucketsPerPage  = 31
)

// Client fetches the organization messages usage report with an admin key
type Client struct {
	adminKey    string
	baseURL     string
	httpClient  *http.Client
	minInterval time.Duration
	lookback    time.Duration
	maxPages    int
	now         func() time.Time
	requester   *provider.Requester
}

// ClientOption configures the Anthropic client
type ClientOption func(*Client)

// WithBaseURL sets a custom base URL (for testing)
func WithBaseURL(url string) ClientOption {
	return func(c *Client) {
		if url != "" {
			c.baseURL = url
		}
	}
}

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithMinInterval sets the minimum interval between requests
func WithMinInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.minInterval = d
	}
}

// WithLookback sets how far back the report starts
func WithLookback(d time.Duration) ClientOption {
	return func(c *Client) {
		c.lookback = d
	}
}

// WithMaxPages bounds pagination
func WithMaxPages(n int) ClientOption {
	return func(c *Client) {
		c.maxPages = n
	}
}

// WithTimeFunc sets a custom time function (for testing)
func WithTimeFunc(fn func() time.Time) ClientOption {
	return func(c *Client) {
		c.now = fn
	}
}

// NewClient creates a new Anthropic admin usage client
func NewClient(adminKey string, opts ...ClientOption) *Client {
	c := &Client{
		adminKey:    adminKey,
		baseURL:     defaultBaseURL,
		minInterval: provider.DefaultMinInterval,
		lookback:    defaultLookback,
		maxPages:    defaultMaxPages,
		now:         time.Now,
	}

	for _, opt := range opts {
		opt(c)
	}

	c.requester = provider.NewRequester(c.Name(), c.httpClient, c.minInterval)
	return c
}

// Name returns the fetcher identifier
func (c *Client) Name() string {
	return "anthropic"
}

// Fetch returns one document per report page, grouped by model and day
func (c *Client) Fetch(ctx context.Context) (*provider.FetchResult, error) {
	if c.adminKey == "" {
		return nil, provider.ErrMissingCredentials
	}

	startingAt := c.now().UTC().Add(-c.lookback).Truncate(24 * time.Hour)
	result := &provider.FetchResult{Provider: c.Name()}

	page := ""
	for i := 0; i < c.maxPages; i++ {
		body, err := c.fetchPage(ctx, startingAt, page)
		if err != nil {
			if len(result.Documents) > 0 {
				result.Warnings = append(result.Warnings, err.Error())
				return result, nil
			}
			return nil, err
		}
		result.Documents = append(result.Documents, body)

		var report UsageReport
		if err := json.Unmarshal(body, &report); err != nil {
			return nil, provider.NewProviderError(c.Name(), "GetUsageReport", http.StatusOK, err.Error(), provider.ErrInvalidResponse)
		}
		if !report.HasMore || report.NextPage == "" {
			return result, nil
		}
		page = report.NextPage
	}

	result.Warnings = append(result.Warnings, fmt.Sprintf("usage report truncated after %d pages", c.maxPages))
	return result, nil
}

func (c *Client) fetchPage(ctx context.Context, startingAt time.Time, page string) ([]byte, error) {
	q := url.Values{}
	q.Set("starting_at", startingAt.Format(time.RFC3339))
	q.Set("bucket_width", "1d")
	q.Set("limit", fmt.Sprint(bucketsPerPage))
	q.Add("group_by[]", "model")
	if page != "" {
		q.Set("page", page)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+usageReportPath+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("x-api-key", c.adminKey)
	req.Header.Set("anthropic-version", apiVersion)
	req.Header.Set("Accept", "application/json")

	resp, err := c.requester.Do(req, "GetUsageReport")
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

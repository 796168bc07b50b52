package provider

import (
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultTimeout bounds a single provider HTTP call
	DefaultTimeout = 60 * time.Second

	// DefaultMinInterval spaces consecutive calls to one provider
	DefaultMinInterval = 500 * time.Millisecond

	maxResponseBytes = 16 << 20
)

// Response is a fully read provider response
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Requester performs throttled HTTP calls against one provider
type Requester struct {
	provider   string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewRequester creates a requester allowing one call per minInterval
func NewRequester(provider string, httpClient *http.Client, minInterval time.Duration) *Requester {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	limit := rate.Inf
	if minInterval > 0 {
		limit = rate.Every(minInterval)
	}
	return &Requester{
		provider:   provider,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(limit, 1),
	}
}

// Limit returns the configured call rate
func (r *Requester) Limit() rate.Limit {
	return r.limiter.Limit()
}

// Send performs req and reads the body, whatever the status code
func (r *Requester) Send(req *http.Request, operation string) (*Response, error) {
	if err := r.limiter.Wait(req.Context()); err != nil {
		return nil, NewProviderError(r.provider, operation, 0, "rate limiter wait aborted", err)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, NewProviderError(r.provider, operation, 0, "request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, NewProviderError(r.provider, operation, resp.StatusCode, "failed to read response", err)
	}

	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

// Do performs req and requires a 200 response
func (r *Requester) Do(req *http.Request, operation string) (*Response, error) {
	resp, err := r.Send(req, operation)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, StatusError(r.provider, operation, resp.StatusCode, resp.Body)
	}
	return resp, nil
}

package provider

import (
	"context"
	"errors"

	"github.com/opscost/opscost/pkg/models"
)

// Common errors returned by fetchers
var (
	ErrProviderRateLimit  = errors.New("provider rate limit exceeded")
	ErrProviderAuth       = errors.New("provider authentication failed")
	ErrProviderError      = errors.New("provider API error")
	ErrInvalidResponse    = errors.New("invalid provider response")
	ErrMissingCredentials = errors.New("provider credentials not configured")
)

// FetchResult is what one fetcher contributes to a refresh run
type FetchResult struct {
	// Provider is the hint handed to the normalizer for every document
	Provider string

	// Documents are raw usage-shaped JSON bodies, walked by the normalizer
	Documents [][]byte

	// Quota is set by fetchers that report quota percentages instead of usage
	Quota *models.QuotaSnapshot

	// Warnings are non-fatal problems surfaced as payload diagnostics
	Warnings []string
}

// Fetcher retrieves usage data from one provider account
type Fetcher interface {
	// Name returns the fetcher identifier used in logs and the sync log
	Name() string

	// Fetch returns the provider's raw usage. It returns ErrMissingCredentials
	// when the fetcher is not configured, which callers treat as "skipped".
	Fetch(ctx context.Context) (*FetchResult, error)
}

package anthropic

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opscost/opscost/internal/provider"
)

const firstPage = `{"data":[{"starting_at":"2026-03-03T00:00:00Z","ending_at":"2026-03-04T00:00:00Z","results":[
 {"model":"claude-sonnet-4-5-20250929","uncached_input_tokens":1000,"cache_read_input_tokens":200,"output_tokens":300,
  "cache_creation":{"ephemeral_5m_input_tokens":0,"ephemeral_1h_input_tokens":0}}]}],
 "has_more":true,"next_page":"page_2"}`

const secondPage = `{"data":[{"starting_at":"2026-03-04T00:00:00Z","ending_at":"2026-03-05T00:00:00Z","results":[
 {"model":"claude-opus-4-1","uncached_input_tokens":50,"output_tokens":10}]}],
 "has_more":false,"next_page":null}`

func fixedNow() time.Time {
	return time.Date(2026, 3, 5, 15, 30, 0, 0, time.UTC)
}

func TestClient_Fetch_Paginates(t *testing.T) {
	var pages []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/organizations/usage_report/messages", r.URL.Path)
		assert.Equal(t, "admin-key", r.Header.Get("x-api-key"))
		assert.Equal(t, "2023-06-01", r.Header.Get("anthropic-version"))
		assert.Equal(t, "2026-02-03T00:00:00Z", r.URL.Query().Get("starting_at"))
		assert.Equal(t, "model", r.URL.Query().Get("group_by[]"))

		page := r.URL.Query().Get("page")
		pages = append(pages, page)
		if page == "" {
			w.Write([]byte(firstPage))
			return
		}
		w.Write([]byte(secondPage))
	}))
	defer server.Close()

	c := NewClient("admin-key", WithBaseURL(server.URL), WithMinInterval(0), WithTimeFunc(fixedNow))
	res, err := c.Fetch(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "anthropic", res.Provider)
	assert.Len(t, res.Documents, 2)
	assert.Equal(t, []string{"", "page_2"}, pages)
	assert.Empty(t, res.Warnings)
}

func TestClient_Fetch_MissingKey(t *testing.T) {
	_, err := NewClient("").Fetch(context.Background())
	assert.True(t, errors.Is(err, provider.ErrMissingCredentials))
}

func TestClient_Fetch_AuthError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`))
	}))
	defer server.Close()

	c := NewClient("admin-key", WithBaseURL(server.URL), WithMinInterval(0))
	_, err := c.Fetch(context.Background())
	require.Error(t, err)
	assert.True(t, provider.IsAuthError(err))
}

func TestClient_Fetch_LaterPageFailureKeepsEarlierPages(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "" {
			w.Write([]byte(firstPage))
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c := NewClient("admin-key", WithBaseURL(server.URL), WithMinInterval(0))
	res, err := c.Fetch(context.Background())
	require.NoError(t, err)
	assert.Len(t, res.Documents, 1)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "HTTP 500")
}

func TestClient_Fetch_PageLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(firstPage))
	}))
	defer server.Close()

	c := NewClient("admin-key", WithBaseURL(server.URL), WithMinInterval(0), WithMaxPages(3))
	res, err := c.Fetch(context.Background())
	require.NoError(t, err)
	assert.Len(t, res.Documents, 3)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "truncated")
}

package mockprovider

import (
	"sync"
)

// Credentials accepted by the mock endpoints
const (
	OpenRouterKey     = "sk-or-mock"
	AnthropicAdminKey = "sk-ant-admin-mock"
	CodexRefreshToken = "rt-mock"
)

// Provider names used by the failure controls
const (
	ProviderOpenRouter = "openrouter"
	ProviderAnthropic  = "anthropic"
	ProviderCodex      = "codex"
)

// Activity is one OpenRouter activity entry
type Activity struct {
	Date             string  `json:"date"`
	Model            string  `json:"model"`
	Usage            float64 `json:"usage"`
	Requests         int     `json:"requests"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
}

// MessageUsage is one model's usage inside an Anthropic report bucket
type MessageUsage struct {
	Model                    string `json:"model"`
	UncachedInputTokens      int64  `json:"uncached_input_tokens"`
	OutputTokens             int64  `json:"output_tokens"`
	CacheReadInputTokens     int64  `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int64  `json:"cache_creation_input_tokens"`
}

// Bucket is one day of the Anthropic usage report
type Bucket struct {
	StartingAt string         `json:"starting_at"`
	EndingAt   string         `json:"ending_at"`
	Results    []MessageUsage `json:"results"`
}

// Quota is the Codex rate-limit window reported on quota responses
type Quota struct {
	PrimaryUsedPercent     float64
	PrimaryWindowMinutes   int
	PrimaryResetSeconds    int
	SecondaryUsedPercent   float64
	SecondaryWindowMinutes int
}

// State manages the in-memory state for the mock providers
type State struct {
	mu sync.RWMutex

	keyUsage   float64
	activity   []Activity
	buckets    []Bucket
	pageSize   int
	quota      Quota
	tokenCount int

	failures map[string]int
	requests map[string]int
}

// NewState creates a new mock state with default data
func NewState() *State {
	s := &State{}
	s.reset()
	return s
}

func (s *State) reset() {
	s.keyUsage = 4.25
	s.activity = []Activity{
		{Date: "2026-10-01", Model: "openai/gpt-4o", Usage: 1.5, Requests: 12, PromptTokens: 120000, CompletionTokens: 30000},
		{Date: "2026-10-02", Model: "google/gemini-2.5-pro", Usage: 0.75, Requests: 4, PromptTokens: 80000, CompletionTokens: 9000},
	}
	s.buckets = []Bucket{
		{
			StartingAt: "2026-10-01T00:00:00Z",
			EndingAt:   "2026-10-02T00:00:00Z",
			Results: []MessageUsage{
				{Model: "claude-sonnet-4-5", UncachedInputTokens: 50000, OutputTokens: 12000, CacheReadInputTokens: 200000, CacheCreationInputTokens: 10000},
			},
		},
		{
			StartingAt: "2026-10-02T00:00:00Z",
			EndingAt:   "2026-10-03T00:00:00Z",
			Results: []MessageUsage{
				{Model: "claude-sonnet-4-5", UncachedInputTokens: 30000, OutputTokens: 8000},
				{Model: "claude-haiku-4-5", UncachedInputTokens: 90000, OutputTokens: 20000},
			},
		},
	}
	s.pageSize = 1
	s.quota = Quota{
		PrimaryUsedPercent:     42,
		PrimaryWindowMinutes:   300,
		PrimaryResetSeconds:    3600,
		SecondaryUsedPercent:   7.5,
		SecondaryWindowMinutes: 10080,
	}
	s.tokenCount = 0
	s.failures = make(map[string]int)
	s.requests = make(map[string]int)
}

// Reset restores the default data and clears failures and counters
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
}

// SetActivity replaces the OpenRouter activity listing
func (s *State) SetActivity(activity []Activity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activity = activity
}

// SetKeyUsage sets the lifetime usage reported by the OpenRouter key endpoint
func (s *State) SetKeyUsage(usage float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keyUsage = usage
}

// SetBuckets replaces the Anthropic usage report
func (s *State) SetBuckets(buckets []Bucket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buckets = buckets
}

// SetPageSize sets how many buckets each report page carries
func (s *State) SetPageSize(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > 0 {
		s.pageSize = n
	}
}

// SetQuota replaces the Codex quota reported on quota requests
func (s *State) SetQuota(q Quota) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quota = q
}

// SetFailure makes every request to a provider answer with status.
// A zero status clears the failure.
func (s *State) SetFailure(provider string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status == 0 {
		delete(s.failures, provider)
		return
	}
	s.failures[provider] = status
}

// Failure returns the injected status for a provider, or 0
func (s *State) Failure(provider string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.failures[provider]
}

// RequestCount returns how many requests reached an endpoint
func (s *State) RequestCount(endpoint string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.requests[endpoint]
}

func (s *State) countRequest(endpoint string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[endpoint]++
}

func (s *State) getKeyUsage() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.keyUsage
}

func (s *State) listActivity() []Activity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Activity, len(s.activity))
	copy(out, s.activity)
	return out
}

// page returns the buckets starting at offset and whether more remain
func (s *State) page(offset int) ([]Bucket, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if offset >= len(s.buckets) {
		return []Bucket{}, false
	}
	end := offset + s.pageSize
	if end > len(s.buckets) {
		end = len(s.buckets)
	}
	out := make([]Bucket, end-offset)
	copy(out, s.buckets[offset:end])
	return out, end < len(s.buckets)
}

func (s *State) getQuota() Quota {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.quota
}

// issueToken rotates the Codex access token and returns the new one
func (s *State) issueToken() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokenCount++
	return s.tokenCount
}

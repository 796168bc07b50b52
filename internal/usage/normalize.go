// Package usage turns raw provider telemetry and local session logs into
// normalized usage rows.
package usage

import (
	"regexp"
	"strings"

	"github.com/opscost/opscost/pkg/models"
)

// Canonical provider tags
const (
	ProviderGoogleVertex = "google-vertex"
	ProviderGoogle       = "google"
	ProviderOpenAICodex  = "openai-codex"
	ProviderOpenAI       = "openai"
	ProviderAnthropic    = "anthropic"
	ProviderXAI          = "xai"
	ProviderOpenRouter   = "openrouter"
)

// providerRule maps a provider/model pair to a canonical tag.
// Rules are evaluated in order; specific rules must precede general ones.
type providerRule struct {
	tag   string
	match func(provider, model string) bool
}

func providerContains(subs ...string) func(string, string) bool {
	return func(provider, _ string) bool {
		for _, s := range subs {
			if strings.Contains(provider, s) {
				return true
			}
		}
		return false
	}
}

var providerRules = []providerRule{
	{ProviderGoogleVertex, providerContains("vertex")},
	// Antigravity proxies Claude models and bills them at Anthropic rates
	{ProviderAnthropic, func(p, m string) bool {
		return strings.Contains(p, "antigravity") && strings.Contains(m, "claude")
	}},
	{ProviderGoogle, providerContains("google", "gemini", "antigravity")},
	{ProviderOpenAICodex, func(p, m string) bool {
		return strings.Contains(p, "codex") || (strings.Contains(p, "openai") && strings.Contains(m, "codex"))
	}},
	{ProviderOpenAI, providerContains("openai")},
	{ProviderAnthropic, providerContains("anthropic", "claude")},
	{ProviderXAI, providerContains("xai", "grok")},
	{ProviderOpenRouter, providerContains("openrouter")},
}

// modelRules classify a model name when no provider is given
var modelRules = []struct {
	tag  string
	subs []string
}{
	{ProviderGoogle, []string{"gemini"}},
	{ProviderAnthropic, []string{"claude"}},
	{ProviderOpenAICodex, []string{"codex"}},
	{ProviderXAI, []string{"grok"}},
	{ProviderOpenAI, []string{"gpt-", "gpt4", "o1-", "o3-", "o4-"}},
}

// NormalizeProvider resolves provider aliases from different SDKs and services
// into one canonical tag. The model is used as a hint when the provider is
// empty or ambiguous. Unrecognized providers are returned lower-cased.
func NormalizeProvider(rawProvider, modelHint string) string {
	provider := strings.ToLower(strings.TrimSpace(rawProvider))
	model := strings.ToLower(strings.TrimSpace(modelHint))

	if provider == "" {
		for _, rule := range modelRules {
			for _, s := range rule.subs {
				if strings.Contains(model, s) {
					return rule.tag
				}
			}
		}
		return models.UnknownTag
	}

	for _, rule := range providerRules {
		if rule.match(provider, model) {
			return rule.tag
		}
	}
	return provider
}

var (
	publisherPrefix = regexp.MustCompile(`^publishers/[^/]+/models/`)
	dateSuffix      = regexp.MustCompile(`(?:[-@]\d{8}|-\d{4}-\d{2}-\d{2})$`)
)

// NormalizeModel strips path-style prefixes and trailing date stamps from a
// model identifier. Empty input yields "unknown".
func NormalizeModel(rawModel string) string {
	model := strings.TrimSpace(rawModel)
	if model == "" {
		return models.UnknownTag
	}

	model = publisherPrefix.ReplaceAllString(model, "")
	model = strings.TrimPrefix(model, "models/")
	if i := strings.Index(model, "/"); i >= 0 {
		model = model[i+1:]
	}
	model = dateSuffix.ReplaceAllString(model, "")

	if model == "" {
		return models.UnknownTag
	}
	return model
}

// Package catalog loads the models an operator has configured, so that they
// show up in reports before any usage is recorded.
package catalog

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/samber/lo"
	"gopkg.in/yaml.v3"

	"github.com/opscost/opscost/internal/usage"
	"github.com/opscost/opscost/pkg/models"
)

// File is the on-disk catalog format. JSON documents are accepted as well.
//
//	models:
//	  - provider: google-vertex
//	    model: publishers/google/models/gemini-3.1-pro-preview
//	providers:
//	  anthropic: [claude-sonnet-4, claude-opus-4-6]
//	  xai: []
type File struct {
	Models    []models.ConfiguredModelRef `yaml:"models"`
	Providers map[string][]string         `yaml:"providers"`
}

// Load reads the catalog at path. A missing file is not an error and yields
// no configured models.
func Load(path string) ([]models.ConfiguredModelRef, error) {
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}

	return Parse(data)
}

// Parse decodes a catalog document and returns normalized, de-duplicated refs
func Parse(data []byte) ([]models.ConfiguredModelRef, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}

	refs := make([]models.ConfiguredModelRef, 0, len(f.Models))
	for _, m := range f.Models {
		refs = append(refs, normalize(m.Provider, m.Model))
	}

	providers := lo.Keys(f.Providers)
	sort.Strings(providers)
	for _, p := range providers {
		modelNames := f.Providers[p]
		if len(modelNames) == 0 {
			refs = append(refs, models.ConfiguredModelRef{Provider: usage.NormalizeProvider(p, "")})
			continue
		}
		for _, m := range modelNames {
			refs = append(refs, normalize(p, m))
		}
	}

	refs = lo.Filter(refs, func(r models.ConfiguredModelRef, _ int) bool {
		return r.Provider != models.UnknownTag
	})
	return lo.UniqBy(refs, func(r models.ConfiguredModelRef) string {
		return strings.ToLower(r.Provider + "/" + r.Model)
	}), nil
}

func normalize(provider, model string) models.ConfiguredModelRef {
	ref := models.ConfiguredModelRef{Provider: usage.NormalizeProvider(provider, model)}
	if strings.TrimSpace(model) != "" {
		ref.Model = usage.NormalizeModel(model)
	}
	return ref
}

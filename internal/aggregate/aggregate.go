// Package aggregate folds normalized usage rows into the totals and
// per-provider, per-model and per-day views shown on the dashboard.
package aggregate

import (
	"sort"
	"strings"

	"github.com/samber/lo"

	"github.com/opscost/opscost/internal/pricing"
	"github.com/opscost/opscost/pkg/models"
)

// bucketSet is a keyed set of buckets owned by a single Aggregate call
type bucketSet map[string]*models.AggregateBucket

func (s bucketSet) get(key string, seed func() *models.AggregateBucket) *models.AggregateBucket {
	if b, ok := s[key]; ok {
		return b
	}
	b := seed()
	s[key] = b
	return b
}

func providerKey(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}

func modelKey(provider, model string) string {
	return providerKey(provider) + "\x00" + strings.ToLower(strings.TrimSpace(model))
}

// Aggregate is a pure fold of rows into summaries. Every configured model is
// present in the output even without usage. Identical inputs always produce
// identical output.
func Aggregate(rows []models.UsageRow, refs []models.ConfiguredModelRef, table *pricing.Table) models.Aggregate {
	providers := bucketSet{}
	modelsByKey := bucketSet{}
	days := bucketSet{}
	totals := models.AggregateBucket{}

	for _, ref := range refs {
		pk := providerKey(ref.Provider)
		if pk == "" {
			continue
		}
		providers.get(pk, func() *models.AggregateBucket {
			return &models.AggregateBucket{Provider: pk, Estimated: true, Configured: true}
		}).Configured = true

		if strings.TrimSpace(ref.Model) == "" {
			continue
		}
		modelsByKey.get(modelKey(ref.Provider, ref.Model), func() *models.AggregateBucket {
			return &models.AggregateBucket{Provider: pk, Model: strings.TrimSpace(ref.Model), Estimated: true, Configured: true}
		}).Configured = true
	}

	for _, row := range rows {
		cost, key := resolveCost(row, table)
		estimated := row.Cost <= 0

		pk := providerKey(row.Provider)
		p := providers.get(pk, func() *models.AggregateBucket {
			return &models.AggregateBucket{Provider: pk}
		})
		addRow(p, row, cost, estimated)

		m := modelsByKey.get(modelKey(row.Provider, row.Model), func() *models.AggregateBucket {
			return &models.AggregateBucket{Provider: pk, Model: strings.TrimSpace(row.Model)}
		})
		addRow(m, row, cost, estimated)
		if key != "" {
			m.PricingKey = key
		}

		d := days.get(row.Date, func() *models.AggregateBucket {
			return &models.AggregateBucket{Date: row.Date}
		})
		addRow(d, row, cost, estimated)

		addRow(&totals, row, cost, estimated)
	}

	byProvider := sortByCost(providers)
	byModel := sortByCost(modelsByKey)
	byDay := lo.Map(lo.Values(days), func(b *models.AggregateBucket, _ int) models.AggregateBucket { return *b })
	sort.Slice(byDay, func(i, j int) bool { return byDay[i].Date < byDay[j].Date })

	return models.Aggregate{
		Totals:     totals,
		ByProvider: byProvider,
		ByModel:    byModel,
		ByDay:      byDay,
	}
}

// resolveCost prefers the reported cost and falls back to the pricing table.
// The returned key names the table entry used, if any.
func resolveCost(row models.UsageRow, table *pricing.Table) (float64, string) {
	if row.Cost > 0 {
		return row.Cost, ""
	}
	entry, key, ok := pricing.Resolve(table, row.Provider, row.Model)
	if !ok {
		return 0, ""
	}
	return pricing.EstimateCostUSD(row, entry), key
}

// addRow folds a row in. A bucket with rows is estimated when any of its
// cost was not reported by the provider. A configured bucket starts estimated
// and keeps that only until its first row replaces it.
func addRow(b *models.AggregateBucket, row models.UsageRow, cost float64, estimated bool) {
	if b.Rows == 0 {
		b.Estimated = estimated
	} else {
		b.Estimated = b.Estimated || estimated
	}
	b.Add(row, cost)
}

// sortByCost orders buckets by estimated cost, then total tokens, descending.
// Remaining ties fall back to provider and model name for stable output.
func sortByCost(set bucketSet) []models.AggregateBucket {
	out := lo.Map(lo.Values(set), func(b *models.AggregateBucket, _ int) models.AggregateBucket { return *b })
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.EstimatedCost != b.EstimatedCost {
			return a.EstimatedCost > b.EstimatedCost
		}
		if a.TotalTokens != b.TotalTokens {
			return a.TotalTokens > b.TotalTokens
		}
		if a.Provider != b.Provider {
			return a.Provider < b.Provider
		}
		return strings.ToLower(a.Model) < strings.ToLower(b.Model)
	})
	return out
}

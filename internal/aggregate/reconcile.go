package aggregate

import (
	"fmt"
	"math"

	"github.com/samber/lo"

	"github.com/opscost/opscost/pkg/models"
)

// DefaultDriftThreshold is the largest tolerated difference in USD or tokens
const DefaultDriftThreshold = 0.5

// Check is one reconciliation comparison
type Check struct {
	Name     string  `json:"name"`
	Expected float64 `json:"expected"`
	Actual   float64 `json:"actual"`
	Drift    float64 `json:"drift"`
	OK       bool    `json:"ok"`
}

// Report is the outcome of a reconciliation run
type Report struct {
	OK        bool    `json:"ok"`
	Threshold float64 `json:"threshold"`
	Checks    []Check `json:"checks"`
}

// Failed returns the checks that exceeded the threshold
func (r Report) Failed() []Check {
	return lo.Filter(r.Checks, func(c Check, _ int) bool { return !c.OK })
}

// Reconcile verifies that a stored payload is internally consistent and,
// when fresh is non-nil, that its totals match a recomputation from raw rows.
func Reconcile(stored *models.Payload, fresh *models.Aggregate, threshold float64) Report {
	if threshold <= 0 {
		threshold = DefaultDriftThreshold
	}
	report := Report{OK: true, Threshold: threshold}

	add := func(name string, expected, actual float64) {
		drift := math.Abs(expected - actual)
		ok := drift <= threshold
		report.Checks = append(report.Checks, Check{
			Name: name, Expected: expected, Actual: actual, Drift: drift, OK: ok,
		})
		report.OK = report.OK && ok
	}

	totals := stored.Totals
	views := []struct {
		name    string
		buckets []models.AggregateBucket
	}{
		{"byProvider", stored.ByProvider},
		{"byModel", stored.ByModel},
		{"byDay", stored.ByDay},
	}
	for _, v := range views {
		add(fmt.Sprintf("%s.estimatedCost", v.name), totals.EstimatedCost, sumCost(v.buckets))
		add(fmt.Sprintf("%s.totalTokens", v.name), float64(totals.TotalTokens), sumTokens(v.buckets))
	}

	if fresh != nil {
		add("recomputed.estimatedCost", fresh.Totals.EstimatedCost, totals.EstimatedCost)
		add("recomputed.totalTokens", float64(fresh.Totals.TotalTokens), float64(totals.TotalTokens))
	}

	return report
}

func sumCost(buckets []models.AggregateBucket) float64 {
	return lo.SumBy(buckets, func(b models.AggregateBucket) float64 { return b.EstimatedCost })
}

func sumTokens(buckets []models.AggregateBucket) float64 {
	return float64(lo.SumBy(buckets, func(b models.AggregateBucket) int64 { return b.TotalTokens }))
}

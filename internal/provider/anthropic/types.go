package anthropic

// UsageReport is the envelope of the messages usage report. Buckets are
// left to the normalizer; only pagination is read here.
type UsageReport struct {
	HasMore  bool   `json:"has_more"`
	NextPage string `json:"next_page"`
}

package openrouter

import "encoding/json"

// KeyResponse is the body of GET /api/v1/auth/key
type KeyResponse struct {
	Data struct {
		Label          string   `json:"label"`
		Usage          float64  `json:"usage"`
		Limit          *float64 `json:"limit"`
		LimitRemaining *float64 `json:"limit_remaining"`
		IsFreeTier     bool     `json:"is_free_tier"`
	} `json:"data"`
}

// ActivityResponse is the body of GET /api/v1/activity. Items are kept raw
// because the normalizer walks them with its own key aliases.
type ActivityResponse struct {
	Data []json.RawMessage `json:"data"`
}

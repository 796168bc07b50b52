package codex

// AuthFile is the on-disk Codex CLI credential file
type AuthFile struct {
	Tokens      *Tokens `json:"tokens"`
	LastRefresh string  `json:"last_refresh,omitempty"`
}

// Tokens holds the OAuth tokens of a Codex login
type Tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token,omitempty"`
	AccountID    string `json:"account_id,omitempty"`
}

// tokenResponse is the body of a refresh_token grant
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token"`
}

package models

import "time"

// Provider identifies an external integration a caller can connect.
type Provider string

const (
	ProviderGoogle        Provider = "google"
	ProviderSpotify       Provider = "spotify"
	ProviderNotion        Provider = "notion"
	ProviderSlack         Provider = "slack"
	ProviderDiscord       Provider = "discord"
	ProviderTelegram      Provider = "telegram"
	ProviderHomeAssistant Provider = "homeassistant"
	ProviderTwilio        Provider = "twilio"
)

// KnownProviders lists every integration provider in display order.
var KnownProviders = []Provider{
	ProviderGoogle,
	ProviderSpotify,
	ProviderNotion,
	ProviderSlack,
	ProviderDiscord,
	ProviderTelegram,
	ProviderHomeAssistant,
	ProviderTwilio,
}

// Valid reports whether p is a known provider.
func (p Provider) Valid() bool {
	for _, known := range KnownProviders {
		if p == known {
			return true
		}
	}
	return false
}

// ConnectedIntegration is a usable credential resolved for a single turn or
// tick. It is never cached across turns.
type ConnectedIntegration struct {
	Provider Provider          `json:"provider"`
	Token    string            `json:"-"`
	Email    string            `json:"email,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Credential is the persisted form of an integration connection. Tokens are
// stored encrypted; this struct holds plaintext after decryption.
type Credential struct {
	CallerID     string            `json:"caller_id"`
	Provider     Provider          `json:"provider"`
	AccessToken  string            `json:"-"`
	RefreshToken string            `json:"-"`
	ExpiresAt    time.Time         `json:"expires_at,omitempty"`
	Email        string            `json:"email,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// Expiring reports whether the access token expires within buffer of now.
// Credentials without an expiry never expire.
func (c *Credential) Expiring(now time.Time, buffer time.Duration) bool {
	if c == nil || c.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(buffer).Before(c.ExpiresAt)
}

// Connected converts the credential into its per-turn form.
func (c *Credential) Connected() ConnectedIntegration {
	var meta map[string]string
	if len(c.Metadata) > 0 {
		meta = make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			meta[k] = v
		}
	}
	return ConnectedIntegration{
		Provider: c.Provider,
		Token:    c.AccessToken,
		Email:    c.Email,
		Metadata: meta,
	}
}

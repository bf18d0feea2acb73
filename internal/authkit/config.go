package authkit

import (
	"net/http"
	"time"
)

// ServerConfig configures issuers, cookies, TTLs, and collaborator timeouts.
type ServerConfig struct {
	AccessTokenSecret  []byte
	RefreshTokenSecret []byte
	TokenIssuer        string
	CookieDomain       string
	AccessCookieName   string
	RefreshCookieName  string
	AccessTokenTTL     time.Duration
	RefreshTokenTTL    time.Duration
	CacheTTL           time.Duration
	CacheTimeout       time.Duration
	StoreTimeout       time.Duration
	OAuthStateTTL      time.Duration
	Google             GoogleProviderConfig
	SameSiteMode       http.SameSite
	AllowInsecureHTTP  bool
}

// GoogleProviderConfig holds the OAuth client credentials; an empty ClientID disables Google sign-in.
type GoogleProviderConfig struct {
	ClientID     string
	ClientSecret string
	CallbackURL  string
}

// Enabled reports whether Google sign-in is configured.
func (configuration GoogleProviderConfig) Enabled() bool {
	return configuration.ClientID != ""
}

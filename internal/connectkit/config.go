package connectkit

import (
	"net/http"
	"time"
)

// SessionScopeMode selects how the current session is resolved for a request.
type SessionScopeMode string

const (
	// SessionScopeGlobal resolves the most recently created session in the store.
	SessionScopeGlobal SessionScopeMode = "global"
	// SessionScopeBrowser resolves the session bound to the caller's session cookie.
	SessionScopeBrowser SessionScopeMode = "browser"
)

// ServerConfig configures the provider client, cookies, and session scoping.
type ServerConfig struct {
	ProviderClientID     string
	ProviderClientSecret string
	ProviderAPIBase      string
	ProviderAuthorizeURL string
	RedirectURI          string
	CallbackPagePath     string
	CookieDomain         string
	StateCookieName      string
	StateTTL             time.Duration
	SessionScope         SessionScopeMode
	SessionCookieName    string
	SessionSigningKey    []byte
	SessionIssuer        string
	SessionTTL           time.Duration
	SameSiteMode         http.SameSite
	AllowInsecureHTTP    bool
}

// BrowserScoped reports whether sessions are bound to browser cookies.
func (configuration ServerConfig) BrowserScoped() bool {
	return configuration.SessionScope == SessionScopeBrowser
}

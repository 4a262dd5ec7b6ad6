package connectkit

import (
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/vitrin/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const sessionClaimsContextKey = "connect_session"

// MountConnectRoutes registers /login, /callback, /status, /logout, and /products.
func MountConnectRoutes(router gin.IRouter, configuration ServerConfig, connector *Connector, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	group := router.Group("/")
	if configuration.BrowserScoped() {
		validator, validatorErr := sessionvalidator.New(sessionvalidator.Config{
			SigningKey: configuration.SessionSigningKey,
			Issuer:     configuration.SessionIssuer,
			CookieName: configuration.SessionCookieName,
		})
		if validatorErr != nil {
			return validatorErr
		}
		group.Use(validator.GinMiddleware(sessionClaimsContextKey))
	}

	group.GET("/login", func(contextGin *gin.Context) {
		authorization, beginErr := connector.BeginAuthorization(contextGin.Request.Context())
		if beginErr != nil {
			logger.Error("authorization start failed",
				zap.String("code", "connect.login.state_issue_failed"),
				zap.Error(beginErr))
			contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "login unavailable"})
			return
		}
		writeStateCookie(contextGin, configuration, authorization.State)
		contextGin.Redirect(http.StatusFound, authorization.RedirectURL)
	})

	group.GET("/callback", func(contextGin *gin.Context) {
		if providerError := strings.TrimSpace(contextGin.Query("error")); providerError != "" {
			contextGin.Redirect(http.StatusFound, callbackPageURL(configuration, url.Values{"error": {providerError}}))
			return
		}
		code := strings.TrimSpace(contextGin.Query("code"))
		if code == "" {
			contextGin.Redirect(http.StatusFound, callbackPageURL(configuration, url.Values{"error": {"no_code"}}))
			return
		}
		contextGin.Redirect(http.StatusFound, callbackPageURL(configuration, url.Values{
			"code":  {code},
			"state": {contextGin.Query("state")},
		}))
	})

	group.POST("/callback", func(contextGin *gin.Context) {
		var inbound struct {
			Code  string `json:"code"`
			State string `json:"state"`
		}
		if err := contextGin.ShouldBindJSON(&inbound); err != nil || strings.TrimSpace(inbound.Code) == "" {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "No authorization code provided"})
			return
		}
		if !configuration.AllowInsecureHTTP && !isHTTPS(contextGin.Request) {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "https_required"})
			return
		}

		storedState := ""
		if stateCookie, cookieErr := contextGin.Request.Cookie(configuration.StateCookieName); cookieErr == nil && stateCookie != nil {
			storedState = stateCookie.Value
		}

		result, completeErr := connector.CompleteAuthorization(contextGin.Request.Context(), AuthorizationCallback{
			Code:        inbound.Code,
			State:       inbound.State,
			StoredState: storedState,
			BindBrowser: configuration.BrowserScoped(),
		})
		if completeErr != nil {
			status, message, code := describeCallbackFailure(completeErr)
			contextGin.AbortWithStatusJSON(status, gin.H{"error": message, "code": code})
			return
		}

		if configuration.BrowserScoped() {
			sessionToken, expiresAt, mintErr := MintSessionToken(connector.clock, result.SessionKey, configuration.SessionIssuer, configuration.SessionSigningKey, configuration.SessionTTL)
			if mintErr != nil {
				logger.Error("session token mint failed",
					zap.String("code", "connect.callback.session_token_failed"),
					zap.Error(mintErr))
				contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Authentication failed"})
				return
			}
			writeCookie(contextGin, configuration, configuration.SessionCookieName, sessionToken, int(expiresAt.Sub(connector.clock.Now()).Seconds()), configuration.SameSiteMode)
		}
		clearCookie(contextGin, configuration, configuration.StateCookieName, http.SameSiteLaxMode)
		contextGin.JSON(http.StatusOK, gin.H{"success": true})
	})

	group.GET("/status", func(contextGin *gin.Context) {
		status, statusErr := connector.CurrentSession(contextGin.Request.Context(), requestScope(contextGin, configuration))
		if statusErr != nil {
			logger.Warn("status lookup failed",
				zap.String("code", "connect.status.lookup_failed"),
				zap.Error(statusErr))
			contextGin.JSON(http.StatusOK, gin.H{"connected": false})
			return
		}
		if !status.Connected {
			contextGin.JSON(http.StatusOK, gin.H{"connected": false})
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{
			"connected": true,
			"user":      status.User,
			"has_token": status.HasToken,
		})
	})

	group.POST("/logout", func(contextGin *gin.Context) {
		if logoutErr := connector.Logout(contextGin.Request.Context(), requestScope(contextGin, configuration)); logoutErr != nil {
			logger.Warn("logout failed",
				zap.String("code", "connect.logout.failed"),
				zap.Error(logoutErr))
		}
		if configuration.BrowserScoped() {
			clearCookie(contextGin, configuration, configuration.SessionCookieName, configuration.SameSiteMode)
		}
		contextGin.JSON(http.StatusOK, gin.H{"success": true})
	})

	group.GET("/products", func(contextGin *gin.Context) {
		listing, fetchErr := connector.FetchCatalog(contextGin.Request.Context(), requestScope(contextGin, configuration))
		if fetchErr != nil {
			status, message := describeCatalogFailure(fetchErr)
			contextGin.AbortWithStatusJSON(status, gin.H{"error": message})
			return
		}
		contextGin.Header("Cache-Control", "no-store")
		contextGin.Data(http.StatusOK, "application/json; charset=utf-8", listing)
	})

	return nil
}

func requestScope(contextGin *gin.Context, configuration ServerConfig) SessionScope {
	if !configuration.BrowserScoped() {
		return GlobalScope()
	}
	claims, ok := sessionvalidator.ClaimsFromContext(contextGin, sessionClaimsContextKey)
	if !ok {
		return BrowserScope("")
	}
	return BrowserScope(claims.GetSessionKey())
}

func describeCallbackFailure(err error) (int, string, string) {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest, "No authorization code provided", "invalid_request"
	case errors.Is(err, ErrInvalidState):
		return http.StatusBadRequest, "Invalid state parameter", "invalid_state"
	case errors.Is(err, ErrTokenExchangeFailed):
		return http.StatusInternalServerError, "Token exchange failed", "token_exchange_failed"
	case errors.Is(err, ErrProfileFetchFailed):
		return http.StatusInternalServerError, "Failed to fetch user info", "profile_fetch_failed"
	case errors.Is(err, ErrPersistenceFailed):
		return http.StatusInternalServerError, "Failed to store account", "persistence_failed"
	default:
		return http.StatusInternalServerError, "Authentication failed", "authentication_failed"
	}
}

func describeCatalogFailure(err error) (int, string) {
	switch {
	case errors.Is(err, ErrNotAuthenticated):
		return http.StatusUnauthorized, "not authenticated"
	case errors.Is(err, ErrNoVendorAssociated):
		return http.StatusBadRequest, "no vendor associated with account"
	case errors.Is(err, ErrUpstreamFetchFailed):
		if status, ok := ProviderStatus(err); ok {
			return status, "failed to fetch products"
		}
		return http.StatusBadGateway, "failed to fetch products"
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

func callbackPageURL(configuration ServerConfig, query url.Values) string {
	pagePath := configuration.CallbackPagePath
	if strings.TrimSpace(pagePath) == "" {
		pagePath = "/auth/callback"
	}
	return pagePath + "?" + query.Encode()
}

func writeStateCookie(contextGin *gin.Context, configuration ServerConfig, state string) {
	writeCookie(contextGin, configuration, configuration.StateCookieName, state, int(configuration.StateTTL.Seconds()), http.SameSiteLaxMode)
}

func writeCookie(contextGin *gin.Context, configuration ServerConfig, name string, value string, maxAge int, sameSite http.SameSite) {
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   configuration.CookieDomain,
		MaxAge:   maxAge,
		Secure:   !configuration.AllowInsecureHTTP,
		HttpOnly: true,
		SameSite: sameSite,
	})
}

func clearCookie(contextGin *gin.Context, configuration ServerConfig, name string, sameSite http.SameSite) {
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		Domain:   configuration.CookieDomain,
		MaxAge:   -1,
		Secure:   !configuration.AllowInsecureHTTP,
		HttpOnly: true,
		SameSite: sameSite,
	})
}

func isHTTPS(request *http.Request) bool {
	if request.TLS != nil {
		return true
	}
	scheme := request.Header.Get("X-Forwarded-Proto")
	if strings.EqualFold(scheme, "https") {
		return true
	}
	forwarded := request.Header.Get("Forwarded")
	if forwarded != "" && strings.Contains(strings.ToLower(forwarded), "proto=https") {
		return true
	}
	host, _, splitErr := net.SplitHostPort(request.Host)
	if splitErr == nil && host == "localhost" {
		return true
	}
	return false
}

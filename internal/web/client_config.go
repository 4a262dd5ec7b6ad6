package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ClientConfig contains dynamic values exposed to the browser client.
type ClientConfig struct {
	BaseURL      string
	LoginPath    string
	CallbackPath string
	StatusPath   string
	ProductsPath string
	LogoutPath   string
}

// ServeClientConfig emits a JavaScript payload that hydrates window.__VITRIN_CONFIG.
func ServeClientConfig(contextGin *gin.Context, configuration ClientConfig) {
	baseURL := configuration.BaseURL
	if strings.TrimSpace(baseURL) == "" {
		scheme := forwardedProto(contextGin.Request)
		host := contextGin.Request.Host
		if host == "" {
			host = "localhost"
		}
		baseURL = fmt.Sprintf("%s://%s", scheme, host)
	}
	payload := struct {
		BaseURL      string `json:"baseUrl"`
		LoginPath    string `json:"loginPath"`
		CallbackPath string `json:"callbackPath"`
		StatusPath   string `json:"statusPath"`
		ProductsPath string `json:"productsPath"`
		LogoutPath   string `json:"logoutPath"`
	}{
		BaseURL:      baseURL,
		LoginPath:    pathOrDefault(configuration.LoginPath, "/login"),
		CallbackPath: pathOrDefault(configuration.CallbackPath, "/callback"),
		StatusPath:   pathOrDefault(configuration.StatusPath, "/status"),
		ProductsPath: pathOrDefault(configuration.ProductsPath, "/products"),
		LogoutPath:   pathOrDefault(configuration.LogoutPath, "/logout"),
	}

	encoded, encodeErr := json.Marshal(payload)
	if encodeErr != nil {
		contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error": "web.client_config.encode_failed",
		})
		return
	}

	script := fmt.Sprintf(`(function(){window.__VITRIN_CONFIG=Object.freeze(%s);})();`, string(encoded))

	contextGin.Header("Cache-Control", "no-store, no-cache, must-revalidate, private")
	contextGin.Header("Pragma", "no-cache")
	contextGin.Header("X-Content-Type-Options", "nosniff")
	contextGin.Data(http.StatusOK, "application/javascript; charset=utf-8", []byte(script))
}

func pathOrDefault(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

func forwardedProto(request *http.Request) string {
	if request == nil {
		return "https"
	}
	if headerValue := request.Header.Get("X-Forwarded-Proto"); headerValue != "" {
		return headerValue
	}
	if request.TLS != nil {
		return "https"
	}
	if request.URL != nil && request.URL.Scheme != "" {
		return request.URL.Scheme
	}
	return "http"
}

package connectkit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const (
	// DefaultProviderAPIBase is the provider OpenAPI root.
	DefaultProviderAPIBase = "https://openapi.basalam.com"
	// DefaultProviderAuthorizeURL is the provider login page that starts the authorization flow.
	DefaultProviderAuthorizeURL = "https://basalam.com/accounts/sso"

	tokenPath            = "/oauth/token"
	profilePath          = "/v1/users/me"
	vendorProductsFormat = "/v1/vendors/%d/products"

	maxProviderBodyBytes = 16 << 20
	maxDiagnosticBytes   = 4 << 10
)

var errMissingProfileID = errors.New("provider.profile_missing_id")

// Provider is the subset of the marketplace OpenAPI used by the connector.
type Provider interface {
	AuthorizationURL(state string) string
	ExchangeCode(ctx context.Context, code string) (ProviderToken, error)
	FetchProfile(ctx context.Context, accessToken string) (ProviderProfile, error)
	FetchVendorProducts(ctx context.Context, accessToken string, vendorID int64) ([]byte, error)
}

// ProviderToken is the credential issued by the provider token endpoint.
type ProviderToken struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration
}

// ProviderClientConfig configures ProviderClient.
type ProviderClientConfig struct {
	ClientID     string
	ClientSecret string
	APIBase      string
	AuthorizeURL string
	RedirectURI  string
	HTTPClient   *http.Client
}

// ProviderClient talks to the provider token, identity, and catalog endpoints.
type ProviderClient struct {
	oauthConfig oauth2.Config
	apiBase     string
	httpClient  *http.Client
}

// NewProviderClient builds a ProviderClient; an empty APIBase selects DefaultProviderAPIBase.
func NewProviderClient(configuration ProviderClientConfig) *ProviderClient {
	apiBase := strings.TrimRight(strings.TrimSpace(configuration.APIBase), "/")
	if apiBase == "" {
		apiBase = DefaultProviderAPIBase
	}
	authorizeURL := configuration.AuthorizeURL
	if strings.TrimSpace(authorizeURL) == "" {
		authorizeURL = DefaultProviderAuthorizeURL
	}
	httpClient := configuration.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &ProviderClient{
		oauthConfig: oauth2.Config{
			ClientID:     configuration.ClientID,
			ClientSecret: configuration.ClientSecret,
			RedirectURL:  configuration.RedirectURI,
			Endpoint: oauth2.Endpoint{
				AuthURL:   authorizeURL,
				TokenURL:  apiBase + tokenPath,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		apiBase:    apiBase,
		httpClient: httpClient,
	}
}

// ExchangeCode trades a single-use authorization code for provider tokens.
func (client *ProviderClient) ExchangeCode(ctx context.Context, code string) (ProviderToken, error) {
	if strings.TrimSpace(code) == "" {
		return ProviderToken{}, fmt.Errorf("provider.exchange_code: %w", ErrInvalidRequest)
	}
	token, err := client.oauthConfig.Exchange(client.transportContext(ctx), code)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			status := 0
			if retrieveErr.Response != nil {
				status = retrieveErr.Response.StatusCode
			}
			return ProviderToken{}, &ProviderError{
				Kind:   ErrTokenExchangeFailed,
				Status: status,
				Body:   truncateDiagnostic(retrieveErr.Body),
				Err:    err,
			}
		}
		return ProviderToken{}, &ProviderError{Kind: ErrTokenExchangeFailed, Err: err}
	}
	return ProviderToken{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresIn:    tokenLifetime(token),
	}, nil
}

type profilePayload struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Mobile string `json:"mobile"`
	Vendor *struct {
		ID int64 `json:"id"`
	} `json:"vendor"`
}

// FetchProfile resolves the authenticated user behind accessToken.
func (client *ProviderClient) FetchProfile(ctx context.Context, accessToken string) (ProviderProfile, error) {
	body, status, err := client.bearerGet(ctx, accessToken, profilePath)
	if err != nil {
		return ProviderProfile{}, &ProviderError{Kind: ErrProfileFetchFailed, Err: err}
	}
	if status < 200 || status > 299 {
		return ProviderProfile{}, &ProviderError{Kind: ErrProfileFetchFailed, Status: status, Body: truncateDiagnostic(body)}
	}
	var payload profilePayload
	if decodeErr := json.Unmarshal(body, &payload); decodeErr != nil {
		return ProviderProfile{}, &ProviderError{Kind: ErrProfileFetchFailed, Status: status, Err: decodeErr}
	}
	if payload.ID == 0 {
		return ProviderProfile{}, &ProviderError{Kind: ErrProfileFetchFailed, Status: status, Err: errMissingProfileID}
	}
	profile := ProviderProfile{
		ID:     payload.ID,
		Name:   payload.Name,
		Mobile: payload.Mobile,
	}
	if payload.Vendor != nil && payload.Vendor.ID != 0 {
		vendorID := payload.Vendor.ID
		profile.VendorID = &vendorID
	}
	return profile, nil
}

// FetchVendorProducts returns the raw product listing for vendorID.
func (client *ProviderClient) FetchVendorProducts(ctx context.Context, accessToken string, vendorID int64) ([]byte, error) {
	body, status, err := client.bearerGet(ctx, accessToken, fmt.Sprintf(vendorProductsFormat, vendorID))
	if err != nil {
		return nil, &ProviderError{Kind: ErrUpstreamFetchFailed, Err: err}
	}
	if status < 200 || status > 299 {
		return nil, &ProviderError{Kind: ErrUpstreamFetchFailed, Status: status, Body: truncateDiagnostic(body)}
	}
	return body, nil
}

// AuthorizationURL builds the provider login redirect for state.
func (client *ProviderClient) AuthorizationURL(state string) string {
	query := url.Values{
		"client_id":    {client.oauthConfig.ClientID},
		"redirect_uri": {client.oauthConfig.RedirectURL},
		"state":        {state},
	}
	separator := "?"
	if strings.Contains(client.oauthConfig.Endpoint.AuthURL, "?") {
		separator = "&"
	}
	return client.oauthConfig.Endpoint.AuthURL + separator + query.Encode()
}

func (client *ProviderClient) bearerGet(ctx context.Context, accessToken string, path string) ([]byte, int, error) {
	bearerClient := oauth2.NewClient(client.transportContext(ctx), oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
	}))
	bearerClient.Timeout = client.httpClient.Timeout

	request, requestErr := http.NewRequestWithContext(ctx, http.MethodGet, client.apiBase+path, nil)
	if requestErr != nil {
		return nil, 0, requestErr
	}
	request.Header.Set("Accept", "application/json")
	response, doErr := bearerClient.Do(request)
	if doErr != nil {
		return nil, 0, doErr
	}
	defer func() { _ = response.Body.Close() }()
	body, readErr := io.ReadAll(io.LimitReader(response.Body, maxProviderBodyBytes))
	if readErr != nil {
		return nil, response.StatusCode, readErr
	}
	return body, response.StatusCode, nil
}

func (client *ProviderClient) transportContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, client.httpClient)
}

func tokenLifetime(token *oauth2.Token) time.Duration {
	switch value := token.Extra("expires_in").(type) {
	case float64:
		return time.Duration(value) * time.Second
	case int64:
		return time.Duration(value) * time.Second
	case json.Number:
		if seconds, err := value.Int64(); err == nil {
			return time.Duration(seconds) * time.Second
		}
	case string:
		if seconds, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return 0
}

func truncateDiagnostic(body []byte) string {
	if len(body) > maxDiagnosticBytes {
		return string(body[:maxDiagnosticBytes])
	}
	return string(body)
}

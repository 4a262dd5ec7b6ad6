package connectkit

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

var errMissingDependency = errors.New("connector.missing_dependency")

// ConnectorDependencies are the collaborators a Connector orchestrates.
type ConnectorDependencies struct {
	Provider Provider
	Accounts AccountStore
	States   StateStore
	Clock    Clock
	Logger   *zap.Logger
	Metrics  MetricsRecorder
}

// Connector runs the authorization pipeline and answers session and catalog queries.
type Connector struct {
	provider Provider
	accounts AccountStore
	states   StateStore
	clock    Clock
	logger   *zap.Logger
	metrics  MetricsRecorder
}

// NewConnector validates dependencies and fills optional ones with defaults.
func NewConnector(dependencies ConnectorDependencies) (*Connector, error) {
	if dependencies.Provider == nil {
		return nil, fmt.Errorf("%w: provider", errMissingDependency)
	}
	if dependencies.Accounts == nil {
		return nil, fmt.Errorf("%w: account store", errMissingDependency)
	}
	if dependencies.States == nil {
		return nil, fmt.Errorf("%w: state store", errMissingDependency)
	}
	connector := &Connector{
		provider: dependencies.Provider,
		accounts: dependencies.Accounts,
		states:   dependencies.States,
		clock:    dependencies.Clock,
		logger:   dependencies.Logger,
		metrics:  dependencies.Metrics,
	}
	if connector.clock == nil {
		connector.clock = NewSystemClock()
	}
	if connector.logger == nil {
		connector.logger = zap.NewNop()
	}
	if connector.metrics == nil {
		connector.metrics = noopMetrics{}
	}
	return connector, nil
}

// SessionScope selects which stored session a request refers to.
type SessionScope struct {
	Mode           SessionScopeMode
	SessionKeyHash string
}

// GlobalScope selects the most recently created session.
func GlobalScope() SessionScope {
	return SessionScope{Mode: SessionScopeGlobal}
}

// BrowserScope selects the session bound to sessionKey; an empty key selects nothing.
func BrowserScope(sessionKey string) SessionScope {
	return SessionScope{Mode: SessionScopeBrowser, SessionKeyHash: HashSessionKey(sessionKey)}
}

// AuthorizationRequest is the redirect that starts a provider login.
type AuthorizationRequest struct {
	State       string
	RedirectURL string
}

// AuthorizationCallback is what the browser brings back from the provider.
type AuthorizationCallback struct {
	Code string
	// State is the value echoed by the provider.
	State string
	// StoredState is the value the browser kept since BeginAuthorization; empty when absent.
	StoredState string
	// BindBrowser requests a session key so the session can be resolved per browser.
	BindBrowser bool
}

// AuthorizationResult describes the committed identity and session.
type AuthorizationResult struct {
	User       User
	Session    Session
	SessionKey string
}

// PublicUser is the subset of User exposed to presentation layers.
type PublicUser struct {
	BasalamUserID int64  `json:"basalam_user_id"`
	Name          string `json:"name"`
	Mobile        string `json:"mobile"`
	VendorID      *int64 `json:"vendor_id"`
}

// SessionStatus answers whether an account is connected.
type SessionStatus struct {
	Connected bool
	User      *PublicUser
	HasToken  bool
}

// BeginAuthorization issues a state token and the provider redirect carrying it.
func (connector *Connector) BeginAuthorization(ctx context.Context) (AuthorizationRequest, error) {
	state, err := connector.states.Issue(ctx)
	if err != nil {
		return AuthorizationRequest{}, fmt.Errorf("connect.begin_authorization: %w", err)
	}
	connector.metrics.Increment(metricLoginStarted)
	return AuthorizationRequest{
		State:       state,
		RedirectURL: connector.provider.AuthorizationURL(state),
	}, nil
}

// CompleteAuthorization exchanges the code, resolves the identity, and commits
// the user and session. Any failure aborts the remaining steps.
func (connector *Connector) CompleteAuthorization(ctx context.Context, callback AuthorizationCallback) (AuthorizationResult, error) {
	if strings.TrimSpace(callback.Code) == "" {
		connector.metrics.Increment(metricLoginFailure)
		return AuthorizationResult{}, fmt.Errorf("connect.complete_authorization: %w", ErrInvalidRequest)
	}
	if callback.StoredState != "" {
		if subtle.ConstantTimeCompare([]byte(callback.StoredState), []byte(callback.State)) != 1 {
			connector.metrics.Increment(metricLoginInvalidState)
			connector.logger.Warn("authorization state mismatch",
				zap.String("code", "connect.callback.invalid_state"))
			return AuthorizationResult{}, fmt.Errorf("connect.complete_authorization: %w", ErrInvalidState)
		}
		if consumeErr := connector.states.Consume(ctx, callback.StoredState); consumeErr != nil {
			connector.metrics.Increment(metricLoginInvalidState)
			connector.logger.Warn("authorization state rejected",
				zap.String("code", "connect.callback.state_rejected"),
				zap.Error(consumeErr))
			return AuthorizationResult{}, fmt.Errorf("connect.complete_authorization: %w: %w", ErrInvalidState, consumeErr)
		}
	}

	token, exchangeErr := connector.provider.ExchangeCode(ctx, callback.Code)
	if exchangeErr != nil {
		connector.logProviderFailure("token exchange failed", "connect.callback.token_exchange_failed", exchangeErr)
		connector.metrics.Increment(metricLoginFailure)
		return AuthorizationResult{}, fmt.Errorf("connect.complete_authorization: %w", exchangeErr)
	}

	profile, profileErr := connector.provider.FetchProfile(ctx, token.AccessToken)
	if profileErr != nil {
		connector.logProviderFailure("profile fetch failed", "connect.callback.profile_fetch_failed", profileErr)
		connector.metrics.Increment(metricLoginFailure)
		return AuthorizationResult{}, fmt.Errorf("connect.complete_authorization: %w", profileErr)
	}

	user, upsertErr := connector.accounts.UpsertUser(ctx, profile)
	if upsertErr != nil {
		connector.logger.Error("user upsert failed",
			zap.String("code", "connect.callback.upsert_failed"),
			zap.Int64("basalam_user_id", profile.ID),
			zap.Error(upsertErr))
		connector.metrics.Increment(metricLoginFailure)
		return AuthorizationResult{}, fmt.Errorf("connect.complete_authorization: %w: %w", ErrPersistenceFailed, upsertErr)
	}

	grant := SessionGrant{
		UserID:      user.ID,
		AccessToken: token.AccessToken,
		CreatedAt:   connector.clock.Now().UTC(),
	}
	if token.RefreshToken != "" {
		refreshToken := token.RefreshToken
		grant.RefreshToken = &refreshToken
	}
	if token.ExpiresIn > 0 {
		expiresAt := grant.CreatedAt.Add(token.ExpiresIn)
		grant.ExpiresAt = &expiresAt
	}
	var sessionKey string
	if callback.BindBrowser {
		generatedKey, keyHash, keyErr := generateSessionKey()
		if keyErr != nil {
			connector.metrics.Increment(metricLoginFailure)
			return AuthorizationResult{}, fmt.Errorf("connect.complete_authorization: %w", keyErr)
		}
		sessionKey = generatedKey
		grant.SessionKeyHash = keyHash
	}

	session, commitErr := connector.accounts.CommitSession(ctx, grant)
	if commitErr != nil {
		connector.logger.Error("session commit failed",
			zap.String("code", "connect.callback.commit_failed"),
			zap.String("user_id", user.ID),
			zap.Error(commitErr))
		connector.metrics.Increment(metricLoginFailure)
		return AuthorizationResult{}, fmt.Errorf("connect.complete_authorization: %w: %w", ErrPersistenceFailed, commitErr)
	}

	connector.metrics.Increment(metricLoginSuccess)
	connector.logger.Info("marketplace account connected",
		zap.String("user_id", user.ID),
		zap.Int64("basalam_user_id", user.BasalamUserID),
		zap.Bool("vendor", user.VendorID != nil))
	return AuthorizationResult{User: user, Session: session, SessionKey: sessionKey}, nil
}

// CurrentSession reports the connected account for scope. A missing session is
// reported as not connected rather than as an error.
func (connector *Connector) CurrentSession(ctx context.Context, scope SessionScope) (SessionStatus, error) {
	snapshot, err := connector.lookup(ctx, scope)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			connector.metrics.Increment(metricStatusDisconnected)
			return SessionStatus{Connected: false}, nil
		}
		return SessionStatus{}, fmt.Errorf("connect.current_session: %w: %w", ErrPersistenceFailed, err)
	}
	connector.metrics.Increment(metricStatusConnected)
	return SessionStatus{
		Connected: true,
		User: &PublicUser{
			BasalamUserID: snapshot.User.BasalamUserID,
			Name:          snapshot.User.Name,
			Mobile:        snapshot.User.Mobile,
			VendorID:      snapshot.User.VendorID,
		},
		HasToken: snapshot.Session.AccessToken != "",
	}, nil
}

// FetchCatalog returns the raw provider product listing for the session's vendor.
func (connector *Connector) FetchCatalog(ctx context.Context, scope SessionScope) ([]byte, error) {
	snapshot, err := connector.lookup(ctx, scope)
	if err != nil {
		connector.metrics.Increment(metricCatalogFailure)
		if errors.Is(err, ErrSessionNotFound) {
			return nil, fmt.Errorf("connect.fetch_catalog: %w", ErrNotAuthenticated)
		}
		return nil, fmt.Errorf("connect.fetch_catalog: %w: %w", ErrPersistenceFailed, err)
	}
	if snapshot.Session.AccessToken == "" {
		connector.metrics.Increment(metricCatalogFailure)
		return nil, fmt.Errorf("connect.fetch_catalog: %w", ErrNotAuthenticated)
	}
	if snapshot.User.VendorID == nil {
		connector.metrics.Increment(metricCatalogNoVendor)
		return nil, fmt.Errorf("connect.fetch_catalog: %w", ErrNoVendorAssociated)
	}
	listing, fetchErr := connector.provider.FetchVendorProducts(ctx, snapshot.Session.AccessToken, *snapshot.User.VendorID)
	if fetchErr != nil {
		connector.logProviderFailure("catalog fetch failed", "connect.products.upstream_failed", fetchErr)
		connector.metrics.Increment(metricCatalogFailure)
		return nil, fmt.Errorf("connect.fetch_catalog: %w", fetchErr)
	}
	connector.metrics.Increment(metricCatalogSuccess)
	return listing, nil
}

// Logout destroys the sessions selected by scope: every session for the
// global scope, the caller's own session for the browser scope.
func (connector *Connector) Logout(ctx context.Context, scope SessionScope) error {
	if scope.Mode == SessionScopeBrowser {
		if err := connector.accounts.DeleteSessionByKey(ctx, scope.SessionKeyHash); err != nil {
			return fmt.Errorf("connect.logout: %w: %w", ErrPersistenceFailed, err)
		}
		connector.metrics.Increment(metricLogoutSuccess)
		return nil
	}
	removed, err := connector.accounts.DeleteAllSessions(ctx)
	if err != nil {
		return fmt.Errorf("connect.logout: %w: %w", ErrPersistenceFailed, err)
	}
	connector.metrics.Increment(metricLogoutSuccess)
	connector.logger.Info("sessions destroyed", zap.Int64("removed", removed))
	return nil
}

func (connector *Connector) lookup(ctx context.Context, scope SessionScope) (SessionSnapshot, error) {
	if scope.Mode == SessionScopeBrowser {
		if scope.SessionKeyHash == "" {
			return SessionSnapshot{}, ErrSessionNotFound
		}
		return connector.accounts.SessionByKey(ctx, scope.SessionKeyHash)
	}
	return connector.accounts.LatestSession(ctx)
}

func (connector *Connector) logProviderFailure(message string, code string, err error) {
	fields := []zap.Field{zap.String("code", code), zap.Error(err)}
	var providerError *ProviderError
	if errors.As(err, &providerError) {
		fields = append(fields, zap.Int("provider_status", providerError.Status))
		if providerError.Body != "" {
			fields = append(fields, zap.String("provider_body", providerError.Body))
		}
	}
	connector.logger.Error(message, fields...)
}

package connectkit

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

type controllableClock struct {
	mutex   sync.Mutex
	current time.Time
}

func (clock *controllableClock) Now() time.Time {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	return clock.current
}

func (clock *controllableClock) Advance(duration time.Duration) {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	clock.current = clock.current.Add(duration)
}

type stubProvider struct {
	mutex         sync.Mutex
	token         ProviderToken
	profile       ProviderProfile
	exchangeErr   error
	profileErr    error
	listing       []byte
	listingErr    error
	exchangeCalls int
	profileCalls  int
	productCalls  int
	lastCode      string
	lastToken     string
	lastVendorID  int64
}

func newStubProvider() *stubProvider {
	vendorID := int64(7)
	return &stubProvider{
		token:   ProviderToken{AccessToken: "tok1", ExpiresIn: 3600 * time.Second},
		profile: ProviderProfile{ID: 42, Name: "Shop A", VendorID: &vendorID},
		listing: []byte(`{"data":[]}`),
	}
}

func (provider *stubProvider) AuthorizationURL(state string) string {
	return "https://provider.example/sso?state=" + state
}

func (provider *stubProvider) ExchangeCode(ctx context.Context, code string) (ProviderToken, error) {
	provider.mutex.Lock()
	defer provider.mutex.Unlock()
	provider.exchangeCalls++
	provider.lastCode = code
	if provider.exchangeErr != nil {
		return ProviderToken{}, provider.exchangeErr
	}
	return provider.token, nil
}

func (provider *stubProvider) FetchProfile(ctx context.Context, accessToken string) (ProviderProfile, error) {
	provider.mutex.Lock()
	defer provider.mutex.Unlock()
	provider.profileCalls++
	provider.lastToken = accessToken
	if provider.profileErr != nil {
		return ProviderProfile{}, provider.profileErr
	}
	return provider.profile, nil
}

func (provider *stubProvider) FetchVendorProducts(ctx context.Context, accessToken string, vendorID int64) ([]byte, error) {
	provider.mutex.Lock()
	defer provider.mutex.Unlock()
	provider.productCalls++
	provider.lastToken = accessToken
	provider.lastVendorID = vendorID
	if provider.listingErr != nil {
		return nil, provider.listingErr
	}
	return provider.listing, nil
}

func (provider *stubProvider) calls() int {
	provider.mutex.Lock()
	defer provider.mutex.Unlock()
	return provider.exchangeCalls + provider.profileCalls + provider.productCalls
}

type failingAccountStore struct {
	*MemoryAccountStore
	upsertErr error
	commitErr error
}

func (store *failingAccountStore) UpsertUser(ctx context.Context, profile ProviderProfile) (User, error) {
	if store.upsertErr != nil {
		return User{}, store.upsertErr
	}
	return store.MemoryAccountStore.UpsertUser(ctx, profile)
}

func (store *failingAccountStore) CommitSession(ctx context.Context, grant SessionGrant) (Session, error) {
	if store.commitErr != nil {
		return Session{}, store.commitErr
	}
	return store.MemoryAccountStore.CommitSession(ctx, grant)
}

type connectorHarness struct {
	connector *Connector
	provider  *stubProvider
	accounts  *MemoryAccountStore
	states    *MemoryStateStore
	clock     *controllableClock
	metrics   *countingMetrics
}

func newConnectorHarness(t *testing.T) *connectorHarness {
	t.Helper()
	clock := &controllableClock{current: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	harness := &connectorHarness{
		provider: newStubProvider(),
		accounts: NewMemoryAccountStore(),
		states:   NewMemoryStateStore(StateStoreConfig{TTL: 10 * time.Minute, Clock: clock}),
		clock:    clock,
		metrics:  newCountingMetrics(),
	}
	connector, err := NewConnector(ConnectorDependencies{
		Provider: harness.provider,
		Accounts: harness.accounts,
		States:   harness.states,
		Clock:    harness.clock,
		Logger:   zaptest.NewLogger(t),
		Metrics:  harness.metrics,
	})
	if err != nil {
		t.Fatalf("new connector: %v", err)
	}
	harness.connector = connector
	return harness
}

func (harness *connectorHarness) login(t *testing.T, code string) AuthorizationResult {
	t.Helper()
	authorization, err := harness.connector.BeginAuthorization(context.Background())
	if err != nil {
		t.Fatalf("begin authorization: %v", err)
	}
	result, err := harness.connector.CompleteAuthorization(context.Background(), AuthorizationCallback{
		Code:        code,
		State:       authorization.State,
		StoredState: authorization.State,
	})
	if err != nil {
		t.Fatalf("complete authorization: %v", err)
	}
	return result
}

func TestNewConnectorRequiresDependencies(t *testing.T) {
	testCases := []struct {
		name         string
		dependencies ConnectorDependencies
	}{
		{name: "provider", dependencies: ConnectorDependencies{Accounts: NewMemoryAccountStore(), States: NewMemoryStateStore(StateStoreConfig{TTL: time.Minute})}},
		{name: "accounts", dependencies: ConnectorDependencies{Provider: newStubProvider(), States: NewMemoryStateStore(StateStoreConfig{TTL: time.Minute})}},
		{name: "states", dependencies: ConnectorDependencies{Provider: newStubProvider(), Accounts: NewMemoryAccountStore()}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if _, err := NewConnector(testCase.dependencies); !errors.Is(err, errMissingDependency) {
				t.Fatalf("expected missing dependency error, got %v", err)
			}
		})
	}
}

func TestBeginAuthorizationIssuesDistinctStates(t *testing.T) {
	harness := newConnectorHarness(t)

	first, err := harness.connector.BeginAuthorization(context.Background())
	if err != nil {
		t.Fatalf("begin authorization: %v", err)
	}
	second, err := harness.connector.BeginAuthorization(context.Background())
	if err != nil {
		t.Fatalf("begin authorization: %v", err)
	}
	if first.State == "" || first.State == second.State {
		t.Fatalf("expected distinct non-empty states, got %q and %q", first.State, second.State)
	}
	if first.RedirectURL != "https://provider.example/sso?state="+first.State {
		t.Fatalf("unexpected redirect %s", first.RedirectURL)
	}
	if harness.metrics.Count(metricLoginStarted) != 2 {
		t.Fatalf("expected two login starts recorded")
	}
}

func TestCompleteAuthorizationConnectsVendor(t *testing.T) {
	harness := newConnectorHarness(t)

	result := harness.login(t, "abc123")

	if harness.provider.lastCode != "abc123" || harness.provider.lastToken != "tok1" {
		t.Fatalf("expected code exchange then profile fetch with tok1, got code=%q token=%q", harness.provider.lastCode, harness.provider.lastToken)
	}
	if result.User.BasalamUserID != 42 || result.User.Name != "Shop A" {
		t.Fatalf("unexpected user %+v", result.User)
	}
	if result.User.VendorID == nil || *result.User.VendorID != 7 {
		t.Fatalf("expected vendor 7, got %v", result.User.VendorID)
	}
	expectedExpiry := harness.clock.Now().Add(3600 * time.Second)
	if result.Session.ExpiresAt == nil || !result.Session.ExpiresAt.Equal(expectedExpiry) {
		t.Fatalf("expected expiry %s, got %v", expectedExpiry, result.Session.ExpiresAt)
	}
	if result.Session.RefreshToken != nil {
		t.Fatalf("expected no refresh token")
	}
	if result.SessionKey != "" || result.Session.SessionKeyHash != "" {
		t.Fatalf("expected no browser binding in the global scope")
	}

	users, _ := harness.accounts.countUsers(context.Background())
	if users != 1 {
		t.Fatalf("expected one user, got %d", users)
	}
	status, err := harness.connector.CurrentSession(context.Background(), GlobalScope())
	if err != nil {
		t.Fatalf("current session: %v", err)
	}
	if !status.Connected || !status.HasToken || status.User == nil || status.User.BasalamUserID != 42 {
		t.Fatalf("unexpected status %+v", status)
	}
	if harness.metrics.Count(metricLoginSuccess) != 1 {
		t.Fatalf("expected login success recorded")
	}
}

func TestCompleteAuthorizationWithoutExpiry(t *testing.T) {
	harness := newConnectorHarness(t)
	harness.provider.token = ProviderToken{AccessToken: "tok1", RefreshToken: "ref1"}

	result := harness.login(t, "abc123")

	if result.Session.ExpiresAt != nil {
		t.Fatalf("expected no expiry, got %v", result.Session.ExpiresAt)
	}
	if result.Session.RefreshToken == nil || *result.Session.RefreshToken != "ref1" {
		t.Fatalf("expected refresh token ref1, got %v", result.Session.RefreshToken)
	}
}

func TestCompleteAuthorizationStateMismatchMakesNoProviderCalls(t *testing.T) {
	harness := newConnectorHarness(t)
	authorization, err := harness.connector.BeginAuthorization(context.Background())
	if err != nil {
		t.Fatalf("begin authorization: %v", err)
	}

	_, err = harness.connector.CompleteAuthorization(context.Background(), AuthorizationCallback{
		Code:        "abc123",
		State:       "forged",
		StoredState: authorization.State,
	})
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	if harness.provider.calls() != 0 {
		t.Fatalf("expected zero provider calls, got %d", harness.provider.calls())
	}
	if users, _ := harness.accounts.countUsers(context.Background()); users != 0 {
		t.Fatalf("expected no users persisted, got %d", users)
	}
	if harness.metrics.Count(metricLoginInvalidState) != 1 {
		t.Fatalf("expected invalid state recorded")
	}
}

func TestCompleteAuthorizationRejectsReplayedState(t *testing.T) {
	harness := newConnectorHarness(t)
	authorization, err := harness.connector.BeginAuthorization(context.Background())
	if err != nil {
		t.Fatalf("begin authorization: %v", err)
	}
	callback := AuthorizationCallback{Code: "abc123", State: authorization.State, StoredState: authorization.State}
	if _, err := harness.connector.CompleteAuthorization(context.Background(), callback); err != nil {
		t.Fatalf("first completion: %v", err)
	}

	_, err = harness.connector.CompleteAuthorization(context.Background(), callback)
	if !errors.Is(err, ErrInvalidState) || !errors.Is(err, ErrStateNotFound) {
		t.Fatalf("expected replay to be rejected, got %v", err)
	}
	if harness.provider.exchangeCalls != 1 {
		t.Fatalf("expected a single exchange, got %d", harness.provider.exchangeCalls)
	}
}

func TestCompleteAuthorizationRejectsStateAfterTTL(t *testing.T) {
	harness := newConnectorHarness(t)
	authorization, err := harness.connector.BeginAuthorization(context.Background())
	if err != nil {
		t.Fatalf("begin authorization: %v", err)
	}
	harness.clock.Advance(11 * time.Minute)

	_, err = harness.connector.CompleteAuthorization(context.Background(), AuthorizationCallback{
		Code:        "abc123",
		State:       authorization.State,
		StoredState: authorization.State,
	})
	if !errors.Is(err, ErrInvalidState) || !errors.Is(err, ErrStateExpired) {
		t.Fatalf("expected expired state to be rejected, got %v", err)
	}
	if harness.provider.exchangeCalls != 0 {
		t.Fatalf("expected no exchange after an expired state, got %d", harness.provider.exchangeCalls)
	}
	if harness.states.Outstanding() != 0 {
		t.Fatalf("expected the expired state to be consumed, got %d pending", harness.states.Outstanding())
	}
}

func TestCompleteAuthorizationRejectsUnknownState(t *testing.T) {
	harness := newConnectorHarness(t)

	_, err := harness.connector.CompleteAuthorization(context.Background(), AuthorizationCallback{
		Code:        "abc123",
		State:       "xyz",
		StoredState: "xyz",
	})
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for a state never issued, got %v", err)
	}
	if harness.provider.calls() != 0 {
		t.Fatalf("expected zero provider calls")
	}
}

func TestCompleteAuthorizationWithoutStoredStateProceeds(t *testing.T) {
	harness := newConnectorHarness(t)

	result, err := harness.connector.CompleteAuthorization(context.Background(), AuthorizationCallback{
		Code:  "abc123",
		State: "xyz",
	})
	if err != nil {
		t.Fatalf("complete authorization: %v", err)
	}
	if result.User.BasalamUserID != 42 {
		t.Fatalf("unexpected user %+v", result.User)
	}
}

func TestCompleteAuthorizationRequiresCode(t *testing.T) {
	harness := newConnectorHarness(t)

	_, err := harness.connector.CompleteAuthorization(context.Background(), AuthorizationCallback{Code: " "})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
	if harness.provider.calls() != 0 {
		t.Fatalf("expected zero provider calls")
	}
}

func TestCompleteAuthorizationProviderFailuresPersistNothing(t *testing.T) {
	testCases := []struct {
		name     string
		mutate   func(*stubProvider)
		expected error
	}{
		{
			name: "exchange",
			mutate: func(provider *stubProvider) {
				provider.exchangeErr = &ProviderError{Kind: ErrTokenExchangeFailed, Status: http.StatusBadRequest}
			},
			expected: ErrTokenExchangeFailed,
		},
		{
			name: "profile",
			mutate: func(provider *stubProvider) {
				provider.profileErr = &ProviderError{Kind: ErrProfileFetchFailed, Status: http.StatusUnauthorized}
			},
			expected: ErrProfileFetchFailed,
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			harness := newConnectorHarness(t)
			testCase.mutate(harness.provider)

			_, err := harness.connector.CompleteAuthorization(context.Background(), AuthorizationCallback{Code: "abc123"})
			if !errors.Is(err, testCase.expected) {
				t.Fatalf("expected %v, got %v", testCase.expected, err)
			}
			if users, _ := harness.accounts.countUsers(context.Background()); users != 0 {
				t.Fatalf("expected no users persisted, got %d", users)
			}
			status, _ := harness.connector.CurrentSession(context.Background(), GlobalScope())
			if status.Connected {
				t.Fatalf("expected no session after failure")
			}
			if harness.metrics.Count(metricLoginFailure) != 1 {
				t.Fatalf("expected login failure recorded")
			}
		})
	}
}

func TestCompleteAuthorizationPersistenceFailures(t *testing.T) {
	storageErr := errors.New("disk full")
	testCases := []struct {
		name  string
		store func() *failingAccountStore
	}{
		{name: "upsert", store: func() *failingAccountStore {
			return &failingAccountStore{MemoryAccountStore: NewMemoryAccountStore(), upsertErr: storageErr}
		}},
		{name: "commit", store: func() *failingAccountStore {
			return &failingAccountStore{MemoryAccountStore: NewMemoryAccountStore(), commitErr: storageErr}
		}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			accounts := testCase.store()
			connector, err := NewConnector(ConnectorDependencies{
				Provider: newStubProvider(),
				Accounts: accounts,
				States:   NewMemoryStateStore(StateStoreConfig{TTL: time.Minute}),
				Logger:   zaptest.NewLogger(t),
			})
			if err != nil {
				t.Fatalf("new connector: %v", err)
			}
			_, err = connector.CompleteAuthorization(context.Background(), AuthorizationCallback{Code: "abc123"})
			if !errors.Is(err, ErrPersistenceFailed) || !errors.Is(err, storageErr) {
				t.Fatalf("expected persistence failure wrapping the cause, got %v", err)
			}
		})
	}
}

func TestRepeatedLoginUpdatesUserAndReplacesSession(t *testing.T) {
	harness := newConnectorHarness(t)
	first := harness.login(t, "code-1")

	harness.clock.Advance(time.Minute)
	vendorID := int64(8)
	harness.provider.token = ProviderToken{AccessToken: "tok2", ExpiresIn: time.Hour}
	harness.provider.profile = ProviderProfile{ID: 42, Name: "Shop A Renamed", VendorID: &vendorID}
	second := harness.login(t, "code-2")

	if first.User.ID != second.User.ID {
		t.Fatalf("expected the same user row, got %s and %s", first.User.ID, second.User.ID)
	}
	if users, _ := harness.accounts.countUsers(context.Background()); users != 1 {
		t.Fatalf("expected one user, got %d", users)
	}
	stored, err := harness.accounts.userByProviderID(context.Background(), 42)
	if err != nil {
		t.Fatalf("user by provider id: %v", err)
	}
	if stored.Name != "Shop A Renamed" || stored.VendorID == nil || *stored.VendorID != 8 {
		t.Fatalf("expected refreshed profile, got %+v", stored)
	}
	sessions, _ := harness.accounts.sessionsForUser(context.Background(), second.User.ID)
	if len(sessions) != 1 || sessions[0].AccessToken != "tok2" {
		t.Fatalf("expected only the tok2 session, got %+v", sessions)
	}
}

func TestRepeatedLoginClearsVendor(t *testing.T) {
	harness := newConnectorHarness(t)
	harness.login(t, "code-1")

	harness.provider.profile = ProviderProfile{ID: 42, Name: "Shop A"}
	result := harness.login(t, "code-2")

	if result.User.VendorID != nil {
		t.Fatalf("expected vendor cleared, got %d", *result.User.VendorID)
	}
}

func TestCurrentSessionFollowsMostRecentLogin(t *testing.T) {
	harness := newConnectorHarness(t)
	harness.login(t, "code-a")

	harness.clock.Advance(time.Minute)
	harness.provider.token = ProviderToken{AccessToken: "tok-b"}
	harness.provider.profile = ProviderProfile{ID: 99, Name: "Shop B"}
	harness.login(t, "code-b")

	status, err := harness.connector.CurrentSession(context.Background(), GlobalScope())
	if err != nil {
		t.Fatalf("current session: %v", err)
	}
	if status.User == nil || status.User.BasalamUserID != 99 {
		t.Fatalf("expected the latest user 99, got %+v", status.User)
	}
	if users, _ := harness.accounts.countUsers(context.Background()); users != 2 {
		t.Fatalf("expected two users, got %d", users)
	}
}

func TestCurrentSessionWithoutLogin(t *testing.T) {
	harness := newConnectorHarness(t)

	status, err := harness.connector.CurrentSession(context.Background(), GlobalScope())
	if err != nil {
		t.Fatalf("current session: %v", err)
	}
	if status.Connected || status.User != nil {
		t.Fatalf("expected disconnected status, got %+v", status)
	}
}

func TestFetchCatalogUsesVendorAndToken(t *testing.T) {
	harness := newConnectorHarness(t)
	harness.login(t, "abc123")

	listing, err := harness.connector.FetchCatalog(context.Background(), GlobalScope())
	if err != nil {
		t.Fatalf("fetch catalog: %v", err)
	}
	if string(listing) != `{"data":[]}` {
		t.Fatalf("unexpected listing %s", listing)
	}
	if harness.provider.lastVendorID != 7 || harness.provider.lastToken != "tok1" {
		t.Fatalf("expected vendor 7 with tok1, got vendor=%d token=%q", harness.provider.lastVendorID, harness.provider.lastToken)
	}
	if harness.metrics.Count(metricCatalogSuccess) != 1 {
		t.Fatalf("expected catalog success recorded")
	}
}

func TestFetchCatalogWithoutVendorSkipsProvider(t *testing.T) {
	harness := newConnectorHarness(t)
	harness.provider.profile = ProviderProfile{ID: 43, Name: "Buyer"}
	harness.login(t, "abc123")

	_, err := harness.connector.FetchCatalog(context.Background(), GlobalScope())
	if !errors.Is(err, ErrNoVendorAssociated) {
		t.Fatalf("expected ErrNoVendorAssociated, got %v", err)
	}
	if harness.provider.productCalls != 0 {
		t.Fatalf("expected no catalog request, got %d", harness.provider.productCalls)
	}
}

func TestFetchCatalogWithoutSession(t *testing.T) {
	harness := newConnectorHarness(t)

	_, err := harness.connector.FetchCatalog(context.Background(), GlobalScope())
	if !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
	if harness.provider.calls() != 0 {
		t.Fatalf("expected zero provider calls")
	}
}

func TestFetchCatalogPropagatesUpstreamStatus(t *testing.T) {
	harness := newConnectorHarness(t)
	harness.login(t, "abc123")
	harness.provider.listingErr = &ProviderError{Kind: ErrUpstreamFetchFailed, Status: http.StatusTooManyRequests}

	_, err := harness.connector.FetchCatalog(context.Background(), GlobalScope())
	if !errors.Is(err, ErrUpstreamFetchFailed) {
		t.Fatalf("expected ErrUpstreamFetchFailed, got %v", err)
	}
	if status, ok := ProviderStatus(err); !ok || status != http.StatusTooManyRequests {
		t.Fatalf("expected upstream status 429, got %d", status)
	}
}

func TestLogoutDisconnectsEverySession(t *testing.T) {
	harness := newConnectorHarness(t)
	harness.login(t, "code-a")
	harness.provider.profile = ProviderProfile{ID: 99, Name: "Shop B"}
	harness.login(t, "code-b")

	if err := harness.connector.Logout(context.Background(), GlobalScope()); err != nil {
		t.Fatalf("logout: %v", err)
	}
	status, _ := harness.connector.CurrentSession(context.Background(), GlobalScope())
	if status.Connected {
		t.Fatalf("expected disconnected after logout")
	}
	if users, _ := harness.accounts.countUsers(context.Background()); users != 2 {
		t.Fatalf("expected users to survive logout, got %d", users)
	}
	if err := harness.connector.Logout(context.Background(), GlobalScope()); err != nil {
		t.Fatalf("logout without sessions: %v", err)
	}
}

func TestBrowserScopeIsolatesSessions(t *testing.T) {
	harness := newConnectorHarness(t)
	firstResult, err := harness.connector.CompleteAuthorization(context.Background(), AuthorizationCallback{Code: "code-a", BindBrowser: true})
	if err != nil {
		t.Fatalf("first login: %v", err)
	}
	harness.clock.Advance(time.Minute)
	harness.provider.profile = ProviderProfile{ID: 99, Name: "Shop B"}
	secondResult, err := harness.connector.CompleteAuthorization(context.Background(), AuthorizationCallback{Code: "code-b", BindBrowser: true})
	if err != nil {
		t.Fatalf("second login: %v", err)
	}
	if firstResult.SessionKey == "" || firstResult.SessionKey == secondResult.SessionKey {
		t.Fatalf("expected distinct session keys")
	}
	if firstResult.Session.SessionKeyHash != HashSessionKey(firstResult.SessionKey) {
		t.Fatalf("expected only the key hash to be stored")
	}

	firstStatus, _ := harness.connector.CurrentSession(context.Background(), BrowserScope(firstResult.SessionKey))
	if firstStatus.User == nil || firstStatus.User.BasalamUserID != 42 {
		t.Fatalf("expected the first browser to see user 42, got %+v", firstStatus.User)
	}
	anonymous, _ := harness.connector.CurrentSession(context.Background(), BrowserScope(""))
	if anonymous.Connected {
		t.Fatalf("expected an anonymous browser to be disconnected")
	}

	if err := harness.connector.Logout(context.Background(), BrowserScope(firstResult.SessionKey)); err != nil {
		t.Fatalf("logout: %v", err)
	}
	firstStatus, _ = harness.connector.CurrentSession(context.Background(), BrowserScope(firstResult.SessionKey))
	if firstStatus.Connected {
		t.Fatalf("expected the first browser to be logged out")
	}
	secondStatus, _ := harness.connector.CurrentSession(context.Background(), BrowserScope(secondResult.SessionKey))
	if !secondStatus.Connected || secondStatus.User.BasalamUserID != 99 {
		t.Fatalf("expected the second browser to stay connected, got %+v", secondStatus)
	}
}

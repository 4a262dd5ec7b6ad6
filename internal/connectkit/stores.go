package connectkit

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrSessionNotFound indicates no session row matched the lookup.
	ErrSessionNotFound = errors.New("account_store.session_not_found")
	// ErrUserNotFound indicates no user row matched the lookup.
	ErrUserNotFound = errors.New("account_store.user_not_found")
)

// ProviderProfile is the identity returned by the provider for an access token.
type ProviderProfile struct {
	ID       int64
	Name     string
	Mobile   string
	VendorID *int64
}

// User is the locally persisted account keyed by the provider user id.
type User struct {
	ID            string
	BasalamUserID int64
	Name          string
	Mobile        string
	VendorID      *int64
}

// Session is the stored provider credential for a user.
type Session struct {
	ID             string
	UserID         string
	SessionKeyHash string
	AccessToken    string
	RefreshToken   *string
	ExpiresAt      *time.Time
	CreatedAt      time.Time
}

// SessionGrant describes the session to commit after a successful exchange.
type SessionGrant struct {
	UserID         string
	SessionKeyHash string
	AccessToken    string
	RefreshToken   *string
	ExpiresAt      *time.Time
	CreatedAt      time.Time
}

// SessionSnapshot pairs a session with its owning user.
type SessionSnapshot struct {
	Session Session
	User    User
}

// AccountStore persists users and their provider sessions.
type AccountStore interface {
	// UpsertUser inserts the profile's user or overwrites name, mobile and vendor.
	UpsertUser(ctx context.Context, profile ProviderProfile) (User, error)
	// CommitSession replaces every session of grant.UserID with one new session.
	CommitSession(ctx context.Context, grant SessionGrant) (Session, error)
	// LatestSession returns the newest session across all users.
	LatestSession(ctx context.Context) (SessionSnapshot, error)
	// SessionByKey returns the session whose key hash matches.
	SessionByKey(ctx context.Context, sessionKeyHash string) (SessionSnapshot, error)
	// DeleteAllSessions removes every session and reports how many were removed.
	DeleteAllSessions(ctx context.Context) (int64, error)
	// DeleteSessionByKey removes the session whose key hash matches.
	DeleteSessionByKey(ctx context.Context, sessionKeyHash string) error
}

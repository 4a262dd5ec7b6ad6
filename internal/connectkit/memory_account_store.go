package connectkit

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemoryAccountStore is an in-memory AccountStore intended for tests and local runs.
type MemoryAccountStore struct {
	mutex           sync.Mutex
	usersByID       map[string]User
	userIDByBasalam map[int64]string
	sessions        map[string]Session
}

// NewMemoryAccountStore creates an empty in-memory store.
func NewMemoryAccountStore() *MemoryAccountStore {
	return &MemoryAccountStore{
		usersByID:       make(map[string]User),
		userIDByBasalam: make(map[int64]string),
		sessions:        make(map[string]Session),
	}
}

// UpsertUser inserts or updates a user keyed by provider user id.
func (store *MemoryAccountStore) UpsertUser(ctx context.Context, profile ProviderProfile) (User, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	userID, exists := store.userIDByBasalam[profile.ID]
	if !exists {
		userID = uuid.NewString()
		store.userIDByBasalam[profile.ID] = userID
	}
	user := User{
		ID:            userID,
		BasalamUserID: profile.ID,
		Name:          profile.Name,
		Mobile:        profile.Mobile,
		VendorID:      copyInt64(profile.VendorID),
	}
	store.usersByID[userID] = user
	return user, nil
}

// CommitSession replaces the user's sessions with a single new one.
func (store *MemoryAccountStore) CommitSession(ctx context.Context, grant SessionGrant) (Session, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	if _, ok := store.usersByID[grant.UserID]; !ok {
		return Session{}, fmt.Errorf("account_store.commit_session.memory: %w", ErrUserNotFound)
	}
	for sessionID, existing := range store.sessions {
		if existing.UserID == grant.UserID {
			delete(store.sessions, sessionID)
		}
	}
	session := Session{
		ID:             uuid.NewString(),
		UserID:         grant.UserID,
		SessionKeyHash: grant.SessionKeyHash,
		AccessToken:    grant.AccessToken,
		RefreshToken:   grant.RefreshToken,
		ExpiresAt:      utcPointer(grant.ExpiresAt),
		CreatedAt:      grant.CreatedAt.UTC(),
	}
	store.sessions[session.ID] = session
	return session, nil
}

// LatestSession returns the newest session across all users.
func (store *MemoryAccountStore) LatestSession(ctx context.Context) (SessionSnapshot, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	if len(store.sessions) == 0 {
		return SessionSnapshot{}, fmt.Errorf("account_store.latest_session.memory: %w", ErrSessionNotFound)
	}
	ordered := make([]Session, 0, len(store.sessions))
	for _, session := range store.sessions {
		ordered = append(ordered, session)
	}
	sort.Slice(ordered, func(left, right int) bool {
		if ordered[left].CreatedAt.Equal(ordered[right].CreatedAt) {
			return ordered[left].ID > ordered[right].ID
		}
		return ordered[left].CreatedAt.After(ordered[right].CreatedAt)
	})
	return store.snapshotLocked(ordered[0], "latest_session")
}

// SessionByKey returns the session bound to the given key hash.
func (store *MemoryAccountStore) SessionByKey(ctx context.Context, sessionKeyHash string) (SessionSnapshot, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	if sessionKeyHash != "" {
		for _, session := range store.sessions {
			if session.SessionKeyHash == sessionKeyHash {
				return store.snapshotLocked(session, "session_by_key")
			}
		}
	}
	return SessionSnapshot{}, fmt.Errorf("account_store.session_by_key.memory: %w", ErrSessionNotFound)
}

// DeleteAllSessions removes every session.
func (store *MemoryAccountStore) DeleteAllSessions(ctx context.Context) (int64, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	removed := int64(len(store.sessions))
	store.sessions = make(map[string]Session)
	return removed, nil
}

// DeleteSessionByKey removes the session bound to the given key hash.
func (store *MemoryAccountStore) DeleteSessionByKey(ctx context.Context, sessionKeyHash string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	if sessionKeyHash == "" {
		return nil
	}
	for sessionID, session := range store.sessions {
		if session.SessionKeyHash == sessionKeyHash {
			delete(store.sessions, sessionID)
		}
	}
	return nil
}

func (store *MemoryAccountStore) snapshotLocked(session Session, operation string) (SessionSnapshot, error) {
	user, ok := store.usersByID[session.UserID]
	if !ok {
		return SessionSnapshot{}, fmt.Errorf("account_store.%s.memory: %w", operation, ErrUserNotFound)
	}
	return SessionSnapshot{Session: session, User: user}, nil
}

func copyInt64(value *int64) *int64 {
	if value == nil {
		return nil
	}
	copied := *value
	return &copied
}

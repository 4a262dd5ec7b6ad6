package connectkit

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

type countingMetrics struct {
	mutex  sync.Mutex
	counts map[string]int64
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{counts: make(map[string]int64)}
}

func (recorder *countingMetrics) Increment(event string) {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	recorder.counts[event]++
}

func (recorder *countingMetrics) Count(event string) int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	return recorder.counts[event]
}

// inspectableAccountStore exposes stored rows to assertions.
type inspectableAccountStore interface {
	AccountStore
	userByProviderID(ctx context.Context, basalamUserID int64) (User, error)
	sessionsForUser(ctx context.Context, userID string) ([]Session, error)
	countUsers(ctx context.Context) (int64, error)
}

func (store *MemoryAccountStore) userByProviderID(ctx context.Context, basalamUserID int64) (User, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	userID, ok := store.userIDByBasalam[basalamUserID]
	if !ok {
		return User{}, fmt.Errorf("memory: %w", ErrUserNotFound)
	}
	return store.usersByID[userID], nil
}

func (store *MemoryAccountStore) sessionsForUser(ctx context.Context, userID string) ([]Session, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	sessions := make([]Session, 0, 1)
	for _, session := range store.sessions {
		if session.UserID == userID {
			sessions = append(sessions, session)
		}
	}
	sort.Slice(sessions, func(left, right int) bool {
		return sessions[left].CreatedAt.After(sessions[right].CreatedAt)
	})
	return sessions, nil
}

func (store *MemoryAccountStore) countUsers(ctx context.Context) (int64, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return int64(len(store.usersByID)), nil
}

func (store *DatabaseAccountStore) userByProviderID(ctx context.Context, basalamUserID int64) (User, error) {
	var records []userRecord
	if err := store.db.WithContext(ctx).Where("basalam_user_id = ?", basalamUserID).Limit(1).Find(&records).Error; err != nil {
		return User{}, err
	}
	if len(records) == 0 {
		return User{}, fmt.Errorf("%s: %w", store.driverLabel, ErrUserNotFound)
	}
	return records[0].toUser(), nil
}

func (store *DatabaseAccountStore) sessionsForUser(ctx context.Context, userID string) ([]Session, error) {
	var records []sessionRecord
	if err := store.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC").Find(&records).Error; err != nil {
		return nil, err
	}
	sessions := make([]Session, 0, len(records))
	for _, record := range records {
		sessions = append(sessions, record.toSession())
	}
	return sessions, nil
}

func (store *DatabaseAccountStore) countUsers(ctx context.Context) (int64, error) {
	var count int64
	err := store.db.WithContext(ctx).Model(&userRecord{}).Count(&count).Error
	return count, err
}

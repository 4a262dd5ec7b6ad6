package connectkit

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"
)

const (
	stateTokenBytes = 32

	// DefaultStateTTL is how long a login redirect may take to come back.
	DefaultStateTTL = 10 * time.Minute

	// DefaultMaxOutstandingStates bounds how many unconsumed login redirects are remembered.
	DefaultMaxOutstandingStates = 10000
)

var (
	// ErrStateNotFound indicates the state was never issued, was already consumed, or was evicted.
	ErrStateNotFound = errors.New("state_store.not_found")
	// ErrStateExpired indicates the state outlived its TTL before the callback arrived.
	ErrStateExpired = errors.New("state_store.expired")
)

// StateStore issues single-use anti-forgery values for authorization redirects.
type StateStore interface {
	// Issue creates a new state value that stays valid for the configured TTL.
	Issue(ctx context.Context) (string, error)
	// Consume validates and invalidates an issued state value.
	Consume(ctx context.Context, state string) error
}

// StateStoreConfig configures NewMemoryStateStore.
type StateStoreConfig struct {
	TTL            time.Duration
	Clock          Clock
	MaxOutstanding int
}

type pendingState struct {
	issuedAt  time.Time
	expiresAt time.Time
}

// MemoryStateStore keeps pending states in process memory, keyed by digest so
// raw values never sit in the map. When full, the oldest pending state is evicted.
type MemoryStateStore struct {
	mutex          sync.Mutex
	pending        map[[sha256.Size]byte]pendingState
	ttl            time.Duration
	clock          Clock
	maxOutstanding int
}

// NewMemoryStateStore constructs an in-memory StateStore.
func NewMemoryStateStore(config StateStoreConfig) *MemoryStateStore {
	if config.TTL <= 0 {
		config.TTL = DefaultStateTTL
	}
	if config.Clock == nil {
		config.Clock = NewSystemClock()
	}
	if config.MaxOutstanding <= 0 {
		config.MaxOutstanding = DefaultMaxOutstandingStates
	}
	return &MemoryStateStore{
		pending:        make(map[[sha256.Size]byte]pendingState),
		ttl:            config.TTL,
		clock:          config.Clock,
		maxOutstanding: config.MaxOutstanding,
	}
}

// Issue mints a 32-byte base64url state.
func (store *MemoryStateStore) Issue(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("state_store.issue: %w", err)
	}
	buffer := make([]byte, stateTokenBytes)
	if _, err := rand.Read(buffer); err != nil {
		return "", fmt.Errorf("state_store.issue: %w", err)
	}
	state := base64.RawURLEncoding.EncodeToString(buffer)

	now := store.clock.Now()
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.dropExpiredLocked(now)
	for len(store.pending) >= store.maxOutstanding {
		store.evictOldestLocked()
	}
	store.pending[sha256.Sum256([]byte(state))] = pendingState{issuedAt: now, expiresAt: now.Add(store.ttl)}
	return state, nil
}

// Consume removes the state; it succeeds at most once per issued value.
func (store *MemoryStateStore) Consume(ctx context.Context, state string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("state_store.consume: %w", err)
	}
	digest := sha256.Sum256([]byte(state))
	now := store.clock.Now()

	store.mutex.Lock()
	defer store.mutex.Unlock()
	entry, ok := store.pending[digest]
	if !ok {
		return ErrStateNotFound
	}
	delete(store.pending, digest)
	if now.After(entry.expiresAt) {
		return ErrStateExpired
	}
	return nil
}

// Outstanding reports how many issued states are still pending.
func (store *MemoryStateStore) Outstanding() int {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return len(store.pending)
}

func (store *MemoryStateStore) dropExpiredLocked(now time.Time) {
	for digest, entry := range store.pending {
		if now.After(entry.expiresAt) {
			delete(store.pending, digest)
		}
	}
}

func (store *MemoryStateStore) evictOldestLocked() {
	var oldestDigest [sha256.Size]byte
	var oldest time.Time
	found := false
	for digest, entry := range store.pending {
		if !found || entry.issuedAt.Before(oldest) {
			oldestDigest, oldest, found = digest, entry.issuedAt, true
		}
	}
	if found {
		delete(store.pending, oldestDigest)
	}
}

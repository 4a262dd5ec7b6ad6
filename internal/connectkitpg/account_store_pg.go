package connectkitpg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tyemirov/vitrin/internal/connectkit"
)

const selectSnapshotColumns = `
SELECT s.id, s.user_id, COALESCE(s.session_key_hash, ''), s.access_token, s.refresh_token, s.expires_at, s.created_at,
       u.id, u.basalam_user_id, u.name, u.mobile, u.vendor_id
FROM sessions s
JOIN users u ON u.id = s.user_id
`

// PostgresAccountStore persists users and sessions in PostgreSQL through pgx.
type PostgresAccountStore struct {
	pool *pgxpool.Pool
}

// NewPostgresAccountStore constructs a Postgres store.
func NewPostgresAccountStore(pool *pgxpool.Pool) *PostgresAccountStore {
	return &PostgresAccountStore{pool: pool}
}

// UpsertUser inserts the user or refreshes name, mobile, and vendor in one statement.
func (store *PostgresAccountStore) UpsertUser(ctx context.Context, profile connectkit.ProviderProfile) (connectkit.User, error) {
	var user connectkit.User
	row := store.pool.QueryRow(ctx, `
INSERT INTO users (id, basalam_user_id, name, mobile, vendor_id)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (basalam_user_id) DO UPDATE
SET name = EXCLUDED.name, mobile = EXCLUDED.mobile, vendor_id = EXCLUDED.vendor_id
RETURNING id, basalam_user_id, name, mobile, vendor_id
`, uuid.NewString(), profile.ID, profile.Name, profile.Mobile, profile.VendorID)
	if err := row.Scan(&user.ID, &user.BasalamUserID, &user.Name, &user.Mobile, &user.VendorID); err != nil {
		return connectkit.User{}, fmt.Errorf("account_store.upsert_user.pgx: %w", err)
	}
	return user, nil
}

// CommitSession replaces the user's sessions inside one transaction.
func (store *PostgresAccountStore) CommitSession(ctx context.Context, grant connectkit.SessionGrant) (connectkit.Session, error) {
	session := connectkit.Session{
		ID:             uuid.NewString(),
		UserID:         grant.UserID,
		SessionKeyHash: grant.SessionKeyHash,
		AccessToken:    grant.AccessToken,
		RefreshToken:   grant.RefreshToken,
		ExpiresAt:      grant.ExpiresAt,
		CreatedAt:      grant.CreatedAt.UTC(),
	}
	var sessionKeyHash *string
	if grant.SessionKeyHash != "" {
		sessionKeyHash = &session.SessionKeyHash
	}
	err := pgx.BeginFunc(ctx, store.pool, func(tx pgx.Tx) error {
		if _, execErr := tx.Exec(ctx, `DELETE FROM sessions WHERE user_id = $1`, grant.UserID); execErr != nil {
			return execErr
		}
		_, execErr := tx.Exec(ctx, `
INSERT INTO sessions (id, user_id, session_key_hash, access_token, refresh_token, expires_at, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`, session.ID, session.UserID, sessionKeyHash, session.AccessToken, session.RefreshToken, session.ExpiresAt, session.CreatedAt)
		return execErr
	})
	if err != nil {
		return connectkit.Session{}, fmt.Errorf("account_store.commit_session.pgx: %w", err)
	}
	return session, nil
}

// LatestSession returns the newest session across all users.
func (store *PostgresAccountStore) LatestSession(ctx context.Context) (connectkit.SessionSnapshot, error) {
	row := store.pool.QueryRow(ctx, selectSnapshotColumns+`ORDER BY s.created_at DESC, s.id DESC LIMIT 1`)
	return scanSnapshot(row, "latest_session")
}

// SessionByKey returns the session bound to a browser session key hash.
func (store *PostgresAccountStore) SessionByKey(ctx context.Context, sessionKeyHash string) (connectkit.SessionSnapshot, error) {
	if sessionKeyHash == "" {
		return connectkit.SessionSnapshot{}, fmt.Errorf("account_store.session_by_key.pgx: %w", connectkit.ErrSessionNotFound)
	}
	row := store.pool.QueryRow(ctx, selectSnapshotColumns+`WHERE s.session_key_hash = $1 LIMIT 1`, sessionKeyHash)
	return scanSnapshot(row, "session_by_key")
}

// DeleteAllSessions removes every session.
func (store *PostgresAccountStore) DeleteAllSessions(ctx context.Context) (int64, error) {
	tag, err := store.pool.Exec(ctx, `DELETE FROM sessions`)
	if err != nil {
		return 0, fmt.Errorf("account_store.delete_all_sessions.pgx: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteSessionByKey removes the session bound to a browser session key hash.
func (store *PostgresAccountStore) DeleteSessionByKey(ctx context.Context, sessionKeyHash string) error {
	if sessionKeyHash == "" {
		return nil
	}
	if _, err := store.pool.Exec(ctx, `DELETE FROM sessions WHERE session_key_hash = $1`, sessionKeyHash); err != nil {
		return fmt.Errorf("account_store.delete_session.pgx: %w", err)
	}
	return nil
}

func scanSnapshot(row pgx.Row, operation string) (connectkit.SessionSnapshot, error) {
	var snapshot connectkit.SessionSnapshot
	var expiresAt *time.Time
	err := row.Scan(
		&snapshot.Session.ID,
		&snapshot.Session.UserID,
		&snapshot.Session.SessionKeyHash,
		&snapshot.Session.AccessToken,
		&snapshot.Session.RefreshToken,
		&expiresAt,
		&snapshot.Session.CreatedAt,
		&snapshot.User.ID,
		&snapshot.User.BasalamUserID,
		&snapshot.User.Name,
		&snapshot.User.Mobile,
		&snapshot.User.VendorID,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return connectkit.SessionSnapshot{}, fmt.Errorf("account_store.%s.pgx: %w", operation, connectkit.ErrSessionNotFound)
		}
		return connectkit.SessionSnapshot{}, fmt.Errorf("account_store.%s.pgx: %w", operation, err)
	}
	snapshot.Session.ExpiresAt = expiresAt
	snapshot.Session.CreatedAt = snapshot.Session.CreatedAt.UTC()
	return snapshot, nil
}

package connectkit

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sqliteDialector "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	// ErrUnsupportedDialect indicates that no GORM dialector is available for the scheme.
	ErrUnsupportedDialect = errors.New("account_store.unsupported_dialect")

	errEmptyDatabaseURL    = errors.New("account_store.empty_database_url")
	errSQLiteEmptyPath     = errors.New("account_store.sqlite.empty_path")
	errSQLiteInvalidURL    = errors.New("account_store.sqlite.invalid_url")
	errUnsupportedNoScheme = errors.New("account_store.unsupported_no_scheme")
)

// DatabaseAccountStore persists users and sessions using GORM.
type DatabaseAccountStore struct {
	db          *gorm.DB
	driverLabel string
}

// Driver exposes the selected database driver label.
func (store *DatabaseAccountStore) Driver() string {
	return store.driverLabel
}

type userRecord struct {
	ID            string `gorm:"column:id;primaryKey"`
	BasalamUserID int64  `gorm:"column:basalam_user_id;uniqueIndex;not null"`
	Name          string `gorm:"column:name;not null;default:''"`
	Mobile        string `gorm:"column:mobile;not null;default:''"`
	VendorID      *int64 `gorm:"column:vendor_id"`
}

func (userRecord) TableName() string {
	return "users"
}

type sessionRecord struct {
	ID             string     `gorm:"column:id;primaryKey"`
	UserID         string     `gorm:"column:user_id;index;not null"`
	SessionKeyHash *string    `gorm:"column:session_key_hash;index"`
	AccessToken    string     `gorm:"column:access_token;not null"`
	RefreshToken   *string    `gorm:"column:refresh_token"`
	ExpiresAt      *time.Time `gorm:"column:expires_at"`
	CreatedAt      time.Time  `gorm:"column:created_at;index;not null"`
}

func (sessionRecord) TableName() string {
	return "sessions"
}

// NewDatabaseAccountStore opens the database behind databaseURL and migrates the schema.
func NewDatabaseAccountStore(ctx context.Context, databaseURL string) (*DatabaseAccountStore, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("account_store.open: %w", errEmptyDatabaseURL)
	}
	dialector, driverLabel, err := resolveDialector(databaseURL)
	if err != nil {
		return nil, err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if openErr != nil {
		return nil, fmt.Errorf("account_store.open.%s: %w", driverLabel, openErr)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&userRecord{}, &sessionRecord{}); migrateErr != nil {
		return nil, fmt.Errorf("account_store.migrate.%s: %w", driverLabel, migrateErr)
	}
	return &DatabaseAccountStore{
		db:          gormDB,
		driverLabel: driverLabel,
	}, nil
}

// UpsertUser inserts a user for a new provider id or refreshes the stored profile fields.
func (store *DatabaseAccountStore) UpsertUser(ctx context.Context, profile ProviderProfile) (User, error) {
	var record userRecord
	findErr := store.db.WithContext(ctx).Where("basalam_user_id = ?", profile.ID).Take(&record).Error
	if errors.Is(findErr, gorm.ErrRecordNotFound) {
		record = userRecord{
			ID:            uuid.NewString(),
			BasalamUserID: profile.ID,
			Name:          profile.Name,
			Mobile:        profile.Mobile,
			VendorID:      profile.VendorID,
		}
		if createErr := store.db.WithContext(ctx).Create(&record).Error; createErr != nil {
			return User{}, fmt.Errorf("account_store.upsert_user.%s: %w", store.driverLabel, createErr)
		}
		return record.toUser(), nil
	}
	if findErr != nil {
		return User{}, fmt.Errorf("account_store.upsert_user.%s: %w", store.driverLabel, findErr)
	}
	updateErr := store.db.WithContext(ctx).Model(&userRecord{}).
		Where("id = ?", record.ID).
		Updates(map[string]any{
			"name":      profile.Name,
			"mobile":    profile.Mobile,
			"vendor_id": profile.VendorID,
		}).Error
	if updateErr != nil {
		return User{}, fmt.Errorf("account_store.upsert_user.%s: %w", store.driverLabel, updateErr)
	}
	record.Name = profile.Name
	record.Mobile = profile.Mobile
	record.VendorID = profile.VendorID
	return record.toUser(), nil
}

// CommitSession deletes the user's sessions and inserts the new one in a single transaction.
func (store *DatabaseAccountStore) CommitSession(ctx context.Context, grant SessionGrant) (Session, error) {
	record := sessionRecord{
		ID:             uuid.NewString(),
		UserID:         grant.UserID,
		SessionKeyHash: optionalString(grant.SessionKeyHash),
		AccessToken:    grant.AccessToken,
		RefreshToken:   grant.RefreshToken,
		ExpiresAt:      utcPointer(grant.ExpiresAt),
		CreatedAt:      grant.CreatedAt.UTC(),
	}
	transactionErr := store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var owner userRecord
		if err := tx.Select("id").Where("id = ?", grant.UserID).Take(&owner).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrUserNotFound
			}
			return err
		}
		if err := tx.Where("user_id = ?", grant.UserID).Delete(&sessionRecord{}).Error; err != nil {
			return err
		}
		return tx.Create(&record).Error
	})
	if transactionErr != nil {
		return Session{}, fmt.Errorf("account_store.commit_session.%s: %w", store.driverLabel, transactionErr)
	}
	return record.toSession(), nil
}

// LatestSession returns the most recently created session and its user.
func (store *DatabaseAccountStore) LatestSession(ctx context.Context) (SessionSnapshot, error) {
	var record sessionRecord
	err := store.db.WithContext(ctx).Order("created_at DESC").Order("id DESC").Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return SessionSnapshot{}, fmt.Errorf("account_store.latest_session.%s: %w", store.driverLabel, ErrSessionNotFound)
		}
		return SessionSnapshot{}, fmt.Errorf("account_store.latest_session.%s: %w", store.driverLabel, err)
	}
	return store.snapshot(ctx, record, "latest_session")
}

// SessionByKey returns the session bound to a browser session key hash.
func (store *DatabaseAccountStore) SessionByKey(ctx context.Context, sessionKeyHash string) (SessionSnapshot, error) {
	if strings.TrimSpace(sessionKeyHash) == "" {
		return SessionSnapshot{}, fmt.Errorf("account_store.session_by_key.%s: %w", store.driverLabel, ErrSessionNotFound)
	}
	var record sessionRecord
	err := store.db.WithContext(ctx).Where("session_key_hash = ?", sessionKeyHash).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return SessionSnapshot{}, fmt.Errorf("account_store.session_by_key.%s: %w", store.driverLabel, ErrSessionNotFound)
		}
		return SessionSnapshot{}, fmt.Errorf("account_store.session_by_key.%s: %w", store.driverLabel, err)
	}
	return store.snapshot(ctx, record, "session_by_key")
}

// DeleteAllSessions removes every stored session.
func (store *DatabaseAccountStore) DeleteAllSessions(ctx context.Context) (int64, error) {
	result := store.db.WithContext(ctx).Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&sessionRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("account_store.delete_all_sessions.%s: %w", store.driverLabel, result.Error)
	}
	return result.RowsAffected, nil
}

// DeleteSessionByKey removes the session bound to a browser session key hash.
func (store *DatabaseAccountStore) DeleteSessionByKey(ctx context.Context, sessionKeyHash string) error {
	if strings.TrimSpace(sessionKeyHash) == "" {
		return nil
	}
	if err := store.db.WithContext(ctx).Where("session_key_hash = ?", sessionKeyHash).Delete(&sessionRecord{}).Error; err != nil {
		return fmt.Errorf("account_store.delete_session.%s: %w", store.driverLabel, err)
	}
	return nil
}

func (store *DatabaseAccountStore) snapshot(ctx context.Context, record sessionRecord, operation string) (SessionSnapshot, error) {
	var owner userRecord
	err := store.db.WithContext(ctx).Where("id = ?", record.UserID).Take(&owner).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return SessionSnapshot{}, fmt.Errorf("account_store.%s.%s: %w", operation, store.driverLabel, ErrUserNotFound)
		}
		return SessionSnapshot{}, fmt.Errorf("account_store.%s.%s: %w", operation, store.driverLabel, err)
	}
	return SessionSnapshot{Session: record.toSession(), User: owner.toUser()}, nil
}

func (record userRecord) toUser() User {
	return User{
		ID:            record.ID,
		BasalamUserID: record.BasalamUserID,
		Name:          record.Name,
		Mobile:        record.Mobile,
		VendorID:      record.VendorID,
	}
}

func (record sessionRecord) toSession() Session {
	session := Session{
		ID:           record.ID,
		UserID:       record.UserID,
		AccessToken:  record.AccessToken,
		RefreshToken: record.RefreshToken,
		ExpiresAt:    utcPointer(record.ExpiresAt),
		CreatedAt:    record.CreatedAt.UTC(),
	}
	if record.SessionKeyHash != nil {
		session.SessionKeyHash = *record.SessionKeyHash
	}
	return session
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func utcPointer(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	converted := value.UTC()
	return &converted
}

func resolveDialector(databaseURL string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("account_store.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("account_store.dialect: %w", errUnsupportedNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(databaseURL), "postgres", nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := buildSQLiteDSN(parsed)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("account_store.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil
	default:
		return nil, "", fmt.Errorf("account_store.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedDialect)
	}
}

func buildSQLiteDSN(parsed *url.URL) (string, error) {
	if parsed == nil {
		return "", errSQLiteInvalidURL
	}
	var builder strings.Builder
	switch {
	case parsed.Opaque != "":
		builder.WriteString(parsed.Opaque)
	case parsed.Host != "":
		builder.WriteString(parsed.Host)
		if parsed.Path != "" {
			if !strings.HasPrefix(parsed.Path, "/") {
				builder.WriteString("/")
			}
			builder.WriteString(parsed.Path)
		}
	default:
		builder.WriteString(parsed.Path)
	}
	if builder.Len() == 0 {
		return "", errSQLiteEmptyPath
	}
	if parsed.RawQuery != "" {
		builder.WriteString("?")
		builder.WriteString(parsed.RawQuery)
	}
	return builder.String(), nil
}

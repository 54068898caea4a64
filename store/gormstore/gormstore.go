// Package gormstore persists users and challenge sessions in a
// relational database through GORM. Tested against Postgres; any dialect
// GORM supports should work.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/climatehealth/authcore"
)

// userRecord is the users table row.
type userRecord struct {
	ID           string   `gorm:"primaryKey;size:36"`
	Username     string   `gorm:"uniqueIndex;size:64;not null"`
	Email        string   `gorm:"uniqueIndex;size:255;not null"`
	PasswordHash string   `gorm:"size:100"`
	FullName     string   `gorm:"size:255"`
	Roles        []string `gorm:"serializer:json"`

	Active   bool `gorm:"not null;default:true"`
	Verified bool `gorm:"not null;default:false"`

	MFAEnabled  bool     `gorm:"column:mfa_enabled;not null;default:false"`
	MFASecret   string   `gorm:"column:mfa_secret;size:64"`
	BackupCodes []string `gorm:"serializer:json"`

	FailedLoginAttempts int       `gorm:"not null;default:0"`
	LockedUntil         time.Time
	LastLogin           time.Time

	SSOProvider string `gorm:"column:sso_provider;size:32;index:idx_users_sso,priority:1"`
	SSOSubject  string `gorm:"column:sso_subject;size:255;index:idx_users_sso,priority:2"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (userRecord) TableName() string { return "users" }

// mfaSessionRecord is the mfa_sessions table row.
type mfaSessionRecord struct {
	SessionToken string    `gorm:"primaryKey;size:36"`
	UserID       string    `gorm:"size:36;index;not null"`
	Verified     bool      `gorm:"not null;default:false"`
	Attempts     int       `gorm:"not null;default:0"`
	MaxAttempts  int       `gorm:"not null"`
	ExpiresAt    time.Time `gorm:"index;not null"`
	VerifiedAt   time.Time
	IPAddress    string `gorm:"size:45"`
	UserAgent    string `gorm:"size:255"`
	CreatedAt    time.Time
}

func (mfaSessionRecord) TableName() string { return "mfa_sessions" }

// ssoSessionRecord is the sso_sessions table row.
type ssoSessionRecord struct {
	StateToken   string `gorm:"primaryKey;size:36"`
	Provider     string `gorm:"size:32;not null"`
	Nonce        string `gorm:"size:36;not null"`
	CodeVerifier string `gorm:"size:128;not null"`

	Completed   bool      `gorm:"not null;default:false"`
	CompletedAt time.Time
	ExpiresAt   time.Time `gorm:"index;not null"`

	AccessToken  string `gorm:"type:text"`
	RefreshToken string `gorm:"type:text"`
	IDToken      string `gorm:"column:id_token;type:text"`

	UserID    string `gorm:"size:36;index"`
	IPAddress string `gorm:"size:45"`
	UserAgent string `gorm:"size:255"`
	CreatedAt time.Time
}

func (ssoSessionRecord) TableName() string { return "sso_sessions" }

// Store bundles the three repositories over one GORM connection.
type Store struct {
	Users       *UserStore
	MfaSessions *MfaSessionStore
	SsoSessions *SsoSessionStore

	db *gorm.DB
}

// NewStore wraps an open GORM connection.
func NewStore(db *gorm.DB) *Store {
	return &Store{
		Users:       &UserStore{db: db},
		MfaSessions: &MfaSessionStore{db: db},
		SsoSessions: &SsoSessionStore{db: db},
		db:          db,
	}
}

// AutoMigrate creates or updates the three tables.
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(&userRecord{}, &mfaSessionRecord{}, &ssoSessionRecord{})
}

// UserStore implements authcore.UserRepository.
type UserStore struct {
	db *gorm.DB
}

func (s *UserStore) FindByUsernameOrEmail(ctx context.Context, identifier string) (*authcore.User, error) {
	var rec userRecord
	err := s.db.WithContext(ctx).
		Where("username = ? OR email = ?", identifier, identifier).
		First(&rec).Error
	if err != nil {
		return nil, mapError(err, "find user by identifier")
	}
	return userFromRecord(&rec), nil
}

func (s *UserStore) FindByID(ctx context.Context, id string) (*authcore.User, error) {
	var rec userRecord
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		return nil, mapError(err, "find user by id")
	}
	return userFromRecord(&rec), nil
}

func (s *UserStore) FindByEmail(ctx context.Context, email string) (*authcore.User, error) {
	var rec userRecord
	if err := s.db.WithContext(ctx).First(&rec, "email = ?", email).Error; err != nil {
		return nil, mapError(err, "find user by email")
	}
	return userFromRecord(&rec), nil
}

func (s *UserStore) FindBySSOSubject(ctx context.Context, provider, subject string) (*authcore.User, error) {
	var rec userRecord
	err := s.db.WithContext(ctx).
		First(&rec, "sso_provider = ? AND sso_subject = ?", provider, subject).Error
	if err != nil {
		return nil, mapError(err, "find user by sso subject")
	}
	return userFromRecord(&rec), nil
}

func (s *UserStore) ExistsByUsername(ctx context.Context, username string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&userRecord{}).
		Where("username = ?", username).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("count users by username: %w", err)
	}
	return count > 0, nil
}

func (s *UserStore) ExistsByEmail(ctx context.Context, email string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&userRecord{}).
		Where("email = ?", email).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("count users by email: %w", err)
	}
	return count > 0, nil
}

func (s *UserStore) Create(ctx context.Context, user *authcore.User) error {
	if err := s.db.WithContext(ctx).Create(userToRecord(user)).Error; err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *UserStore) Save(ctx context.Context, user *authcore.User) error {
	if err := s.db.WithContext(ctx).Save(userToRecord(user)).Error; err != nil {
		return fmt.Errorf("save user: %w", err)
	}
	return nil
}

// MfaSessionStore implements authcore.MfaSessionRepository.
type MfaSessionStore struct {
	db *gorm.DB
}

func (s *MfaSessionStore) Create(ctx context.Context, session *authcore.MfaSession) error {
	if err := s.db.WithContext(ctx).Create(mfaToRecord(session)).Error; err != nil {
		return fmt.Errorf("create mfa session: %w", err)
	}
	return nil
}

func (s *MfaSessionStore) FindByToken(ctx context.Context, token string) (*authcore.MfaSession, error) {
	var rec mfaSessionRecord
	if err := s.db.WithContext(ctx).First(&rec, "session_token = ?", token).Error; err != nil {
		return nil, mapError(err, "find mfa session")
	}
	return mfaFromRecord(&rec), nil
}

func (s *MfaSessionStore) Save(ctx context.Context, session *authcore.MfaSession) error {
	if err := s.db.WithContext(ctx).Save(mfaToRecord(session)).Error; err != nil {
		return fmt.Errorf("save mfa session: %w", err)
	}
	return nil
}

func (s *MfaSessionStore) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("expires_at < ?", before).
		Delete(&mfaSessionRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete expired mfa sessions: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// SsoSessionStore implements authcore.SsoSessionRepository.
type SsoSessionStore struct {
	db *gorm.DB
}

func (s *SsoSessionStore) Create(ctx context.Context, session *authcore.SsoSession) error {
	if err := s.db.WithContext(ctx).Create(ssoToRecord(session)).Error; err != nil {
		return fmt.Errorf("create sso session: %w", err)
	}
	return nil
}

func (s *SsoSessionStore) FindByState(ctx context.Context, state string) (*authcore.SsoSession, error) {
	var rec ssoSessionRecord
	if err := s.db.WithContext(ctx).First(&rec, "state_token = ?", state).Error; err != nil {
		return nil, mapError(err, "find sso session")
	}
	return ssoFromRecord(&rec), nil
}

func (s *SsoSessionStore) Save(ctx context.Context, session *authcore.SsoSession) error {
	if err := s.db.WithContext(ctx).Save(ssoToRecord(session)).Error; err != nil {
		return fmt.Errorf("save sso session: %w", err)
	}
	return nil
}

func (s *SsoSessionStore) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("expires_at < ?", before).
		Delete(&ssoSessionRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete expired sso sessions: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func mapError(err error, op string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return authcore.ErrNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}

func userFromRecord(rec *userRecord) *authcore.User {
	return &authcore.User{
		ID:                  rec.ID,
		Username:            rec.Username,
		Email:               rec.Email,
		PasswordHash:        rec.PasswordHash,
		FullName:            rec.FullName,
		Roles:               rec.Roles,
		Active:              rec.Active,
		Verified:            rec.Verified,
		MFAEnabled:          rec.MFAEnabled,
		MFASecret:           rec.MFASecret,
		BackupCodes:         rec.BackupCodes,
		FailedLoginAttempts: rec.FailedLoginAttempts,
		LockedUntil:         rec.LockedUntil,
		LastLogin:           rec.LastLogin,
		SSOProvider:         rec.SSOProvider,
		SSOSubject:          rec.SSOSubject,
		CreatedAt:           rec.CreatedAt,
		UpdatedAt:           rec.UpdatedAt,
	}
}

func userToRecord(user *authcore.User) *userRecord {
	return &userRecord{
		ID:                  user.ID,
		Username:            user.Username,
		Email:               user.Email,
		PasswordHash:        user.PasswordHash,
		FullName:            user.FullName,
		Roles:               user.Roles,
		Active:              user.Active,
		Verified:            user.Verified,
		MFAEnabled:          user.MFAEnabled,
		MFASecret:           user.MFASecret,
		BackupCodes:         user.BackupCodes,
		FailedLoginAttempts: user.FailedLoginAttempts,
		LockedUntil:         user.LockedUntil,
		LastLogin:           user.LastLogin,
		SSOProvider:         user.SSOProvider,
		SSOSubject:          user.SSOSubject,
		CreatedAt:           user.CreatedAt,
		UpdatedAt:           user.UpdatedAt,
	}
}

func mfaFromRecord(rec *mfaSessionRecord) *authcore.MfaSession {
	return &authcore.MfaSession{
		SessionToken: rec.SessionToken,
		UserID:       rec.UserID,
		Verified:     rec.Verified,
		Attempts:     rec.Attempts,
		MaxAttempts:  rec.MaxAttempts,
		ExpiresAt:    rec.ExpiresAt,
		VerifiedAt:   rec.VerifiedAt,
		IPAddress:    rec.IPAddress,
		UserAgent:    rec.UserAgent,
		CreatedAt:    rec.CreatedAt,
	}
}

func mfaToRecord(session *authcore.MfaSession) *mfaSessionRecord {
	return &mfaSessionRecord{
		SessionToken: session.SessionToken,
		UserID:       session.UserID,
		Verified:     session.Verified,
		Attempts:     session.Attempts,
		MaxAttempts:  session.MaxAttempts,
		ExpiresAt:    session.ExpiresAt,
		VerifiedAt:   session.VerifiedAt,
		IPAddress:    session.IPAddress,
		UserAgent:    session.UserAgent,
		CreatedAt:    session.CreatedAt,
	}
}

func ssoFromRecord(rec *ssoSessionRecord) *authcore.SsoSession {
	return &authcore.SsoSession{
		Provider:     rec.Provider,
		StateToken:   rec.StateToken,
		Nonce:        rec.Nonce,
		CodeVerifier: rec.CodeVerifier,
		Completed:    rec.Completed,
		CompletedAt:  rec.CompletedAt,
		ExpiresAt:    rec.ExpiresAt,
		AccessToken:  rec.AccessToken,
		RefreshToken: rec.RefreshToken,
		IDToken:      rec.IDToken,
		UserID:       rec.UserID,
		IPAddress:    rec.IPAddress,
		UserAgent:    rec.UserAgent,
		CreatedAt:    rec.CreatedAt,
	}
}

func ssoToRecord(session *authcore.SsoSession) *ssoSessionRecord {
	return &ssoSessionRecord{
		Provider:     session.Provider,
		StateToken:   session.StateToken,
		Nonce:        session.Nonce,
		CodeVerifier: session.CodeVerifier,
		Completed:    session.Completed,
		CompletedAt:  session.CompletedAt,
		ExpiresAt:    session.ExpiresAt,
		AccessToken:  session.AccessToken,
		RefreshToken: session.RefreshToken,
		IDToken:      session.IDToken,
		UserID:       session.UserID,
		IPAddress:    session.IPAddress,
		UserAgent:    session.UserAgent,
		CreatedAt:    session.CreatedAt,
	}
}

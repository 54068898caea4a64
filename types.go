package authcore

import (
	"context"
	"time"
)

// User is the identity record the engine reads and writes through
// [UserRepository]. A user has either a password hash or an SSO binding
// (or both); MFASecret and BackupCodes are set only while MFAEnabled is
// true.
type User struct {
	ID           string
	Username     string
	Email        string
	PasswordHash string
	FullName     string
	Roles        []string

	Active   bool
	Verified bool

	MFAEnabled  bool
	MFASecret   string
	BackupCodes []string

	FailedLoginAttempts int
	LockedUntil         time.Time
	LastLogin           time.Time

	SSOProvider string
	SSOSubject  string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Locked reports whether the account's failed-login lock window is still
// open at now.
func (u *User) Locked(now time.Time) bool {
	return !u.LockedUntil.IsZero() && now.Before(u.LockedUntil)
}

// MfaSession is a short-lived second-factor challenge: the password was
// verified and the engine is waiting for a TOTP or backup code. The
// session is terminal once verified, exhausted, or expired.
type MfaSession struct {
	SessionToken string
	UserID       string
	Verified     bool
	Attempts     int
	MaxAttempts  int
	ExpiresAt    time.Time
	VerifiedAt   time.Time
	IPAddress    string
	UserAgent    string
	CreatedAt    time.Time
}

// Expired reports whether the session is past its expiry at now.
func (s *MfaSession) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// CanAttempt reports whether another verification attempt is accepted.
func (s *MfaSession) CanAttempt(now time.Time) bool {
	return !s.Verified && !s.Expired(now) && s.Attempts < s.MaxAttempts
}

// SsoSession holds the state of one Authorization-Code+PKCE handshake.
// The code verifier is generated exactly once at creation; the session is
// consumable exactly once (Completed flips on the first successful
// callback, later callbacks with the same state are rejected).
type SsoSession struct {
	Provider     string
	StateToken   string
	Nonce        string
	CodeVerifier string

	Completed   bool
	CompletedAt time.Time
	ExpiresAt   time.Time

	// Provider-issued tokens, stored after a completed callback for audit
	// and debugging. Never used to authorize local requests.
	AccessToken  string
	RefreshToken string
	IDToken      string

	UserID    string
	IPAddress string
	UserAgent string
	CreatedAt time.Time
}

// Expired reports whether the handshake window has closed at now.
func (s *SsoSession) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Consumable reports whether a callback for this session is still accepted.
func (s *SsoSession) Consumable(now time.Time) bool {
	return !s.Completed && !s.Expired(now)
}

// LoginResult is returned by Login, VerifyMfaAndLogin, RefreshTokens, and
// HandleSsoCallback. Either the token pair is set, or MFARequired is true
// and MFASessionToken identifies the pending challenge.
type LoginResult struct {
	AccessToken  string
	RefreshToken string

	MFARequired     bool
	MFASessionToken string

	User *User
}

// MfaEnableResult carries everything the caller needs to hand the user
// after enabling MFA. The secret and backup codes are shown exactly once.
type MfaEnableResult struct {
	Secret      string
	OtpauthURL  string
	QRCodePNG   string
	BackupCodes []string
}

// RegisterRequest is the input for [Engine.Register].
type RegisterRequest struct {
	Username string
	Email    string
	Password string
	FullName string
}

// UserRepository is the credential-store interface callers must implement
// to integrate the engine with their user database.
type UserRepository interface {
	FindByUsernameOrEmail(ctx context.Context, identifier string) (*User, error)
	FindByID(ctx context.Context, id string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	FindBySSOSubject(ctx context.Context, provider, subject string) (*User, error)
	ExistsByUsername(ctx context.Context, username string) (bool, error)
	ExistsByEmail(ctx context.Context, email string) (bool, error)
	Create(ctx context.Context, user *User) error
	Save(ctx context.Context, user *User) error
}

// MfaSessionRepository persists second-factor challenge sessions.
// DeleteExpired removes sessions whose expiry precedes before, regardless
// of completion state, and returns how many were removed.
type MfaSessionRepository interface {
	Create(ctx context.Context, session *MfaSession) error
	FindByToken(ctx context.Context, token string) (*MfaSession, error)
	Save(ctx context.Context, session *MfaSession) error
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// SsoSessionRepository persists PKCE handshake sessions, keyed by state
// token.
type SsoSessionRepository interface {
	Create(ctx context.Context, session *SsoSession) error
	FindByState(ctx context.Context, state string) (*SsoSession, error)
	Save(ctx context.Context, session *SsoSession) error
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// Package jwt issues and validates the signed bearer tokens the engine
// hands to callers.
//
// Tokens are HS256-signed compact JWTs. Validity is determined entirely
// by signature and expiry; there is no server-side token table. Parsing
// fails closed: any signature mismatch, malformed structure, or expired
// timestamp yields [ErrInvalidToken], never a panic or a partially
// populated claim set.
package jwt

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token type discriminator values carried in the "type" claim.
const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"
)

// ErrInvalidToken is returned for every token that fails validation.
var ErrInvalidToken = errors.New("invalid token")

// Config carries the signing key and token lifetimes. The key is
// injected explicitly so tests can swap it without process restart.
type Config struct {
	Secret     []byte
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// UserClaims is the identity payload embedded into access tokens.
type UserClaims struct {
	UserID     string
	Username   string
	Email      string
	Roles      []string
	MFAEnabled bool
}

// Claims is the full claim set of an issued token. Refresh tokens carry
// only UserID and TokenType besides the registered claims.
type Claims struct {
	UserID     string   `json:"userId"`
	Username   string   `json:"username,omitempty"`
	Email      string   `json:"email,omitempty"`
	Roles      []string `json:"roles,omitempty"`
	MFAEnabled bool     `json:"mfaEnabled,omitempty"`
	TokenType  string   `json:"type"`
	jwt.RegisteredClaims
}

// Manager issues and parses tokens with a single symmetric key.
type Manager struct {
	config Config
}

// NewManager validates the configuration and returns a Manager.
func NewManager(cfg Config) (*Manager, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("hs256 requires a signing secret")
	}
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, errors.New("invalid TTL configuration")
	}
	return &Manager{config: cfg}, nil
}

// IssueAccess mints a short-lived access token carrying the full user
// claim set.
func (m *Manager) IssueAccess(user UserClaims) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:     user.UserID,
		Username:   user.Username,
		Email:      user.Email,
		Roles:      user.Roles,
		MFAEnabled: user.MFAEnabled,
		TokenType:  TypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.Username,
			Issuer:    m.config.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.config.AccessTTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.config.Secret)
}

// IssueRefresh mints a longer-lived refresh token carrying only the user
// id and type discriminator.
func (m *Manager) IssueRefresh(user UserClaims) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:    user.UserID,
		TokenType: TypeRefresh,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.Username,
			Issuer:    m.config.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.config.RefreshTTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.config.Secret)
}

// Parse verifies signature and registered claims and returns the claim
// set. All failure modes map to [ErrInvalidToken].
func (m *Manager) Parse(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (interface{}, error) {
		return m.config.Secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.UserID == "" || claims.TokenType == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Validate reports whether the token passes all checks.
func (m *Manager) Validate(tokenStr string) bool {
	_, err := m.Parse(tokenStr)
	return err == nil
}

// UserID extracts the user id claim from a valid token.
func (m *Manager) UserID(tokenStr string) (string, error) {
	claims, err := m.Parse(tokenStr)
	if err != nil {
		return "", err
	}
	return claims.UserID, nil
}

// TokenType extracts the type discriminator from a valid token.
func (m *Manager) TokenType(tokenStr string) (string, error) {
	claims, err := m.Parse(tokenStr)
	if err != nil {
		return "", err
	}
	return claims.TokenType, nil
}

// Package authcore implements the authentication and federated identity
// engine behind the platform's user-facing services.
//
// The engine is storage-agnostic: callers supply repositories for users
// and challenge sessions (see store/gormstore and store/redisstore for
// ready-made implementations) and receive password login with lockout,
// stateless JWT issuance, TOTP second factors with backup codes, and
// Authorization-Code+PKCE sign-in against external identity providers.
//
// Construct an engine with the [Builder]:
//
//	engine, err := authcore.New().
//		WithConfig(cfg).
//		WithUsers(users).
//		WithMfaSessions(mfaSessions).
//		WithSsoSessions(ssoSessions).
//		WithProvider(authcore.NewGoogleProvider(creds)).
//		Build()
package authcore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/climatehealth/authcore/jwt"
	"github.com/climatehealth/authcore/password"
)

// Engine is the authentication core. All methods are safe for concurrent
// use once Build returns.
type Engine struct {
	config Config

	users       UserRepository
	mfaSessions MfaSessionRepository
	ssoSessions SsoSessionRepository
	providers   map[string]Provider

	tokens *jwt.Manager
	hasher *password.Hasher

	audit   *auditDispatcher
	metrics *Metrics
	logger  *zap.Logger
}

// Login verifies an identifier/password pair. Unknown identifiers and
// wrong passwords both come back as [ErrInvalidCredentials]. When the
// account has MFA enabled the result carries a challenge session token
// instead of the token pair.
func (e *Engine) Login(ctx context.Context, identifier, pwd string) (*LoginResult, error) {
	user, err := e.users.FindByUsernameOrEmail(ctx, identifier)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			e.metrics.Inc(MetricLoginFailure)
			e.emitAudit(ctx, auditEventLoginFailure, false, "", ErrInvalidCredentials, func() map[string]string {
				return map[string]string{"identifier": identifier}
			})
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("login lookup: %w", err)
	}

	now := time.Now()

	if !user.Active {
		e.metrics.Inc(MetricLoginFailure)
		e.emitAudit(ctx, auditEventLoginFailure, false, user.ID, ErrAccountDeactivated, nil)
		return nil, ErrAccountDeactivated
	}
	if user.Locked(now) {
		e.metrics.Inc(MetricLoginFailure)
		e.emitAudit(ctx, auditEventLoginFailure, false, user.ID, ErrAccountLocked, nil)
		return nil, ErrAccountLocked
	}

	ok, err := e.hasher.Verify(pwd, user.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("password verify: %w", err)
	}
	if !ok {
		if err := e.recordFailedLogin(ctx, user, now); err != nil {
			return nil, err
		}
		e.metrics.Inc(MetricLoginFailure)
		e.emitAudit(ctx, auditEventLoginFailure, false, user.ID, ErrInvalidCredentials, nil)
		return nil, ErrInvalidCredentials
	}

	// The password matched, so the failure streak ends here even when a
	// second factor is still pending.
	if user.FailedLoginAttempts > 0 || !user.LockedUntil.IsZero() {
		user.FailedLoginAttempts = 0
		user.LockedUntil = time.Time{}
		user.UpdatedAt = now
		if err := e.users.Save(ctx, user); err != nil {
			return nil, fmt.Errorf("reset failed logins: %w", err)
		}
	}

	if user.MFAEnabled {
		return e.startMfaChallenge(ctx, user, now)
	}

	result, err := e.finalizeLogin(ctx, user, now)
	if err != nil {
		return nil, err
	}
	e.metrics.Inc(MetricLoginSuccess)
	e.emitAudit(ctx, auditEventLoginSuccess, true, user.ID, nil, nil)
	return result, nil
}

// recordFailedLogin bumps the consecutive-failure counter and opens the
// lock window once the threshold is crossed.
func (e *Engine) recordFailedLogin(ctx context.Context, user *User, now time.Time) error {
	user.FailedLoginAttempts++
	if user.FailedLoginAttempts >= e.config.Lockout.MaxFailedAttempts {
		user.LockedUntil = now.Add(e.config.Lockout.LockDuration)
		e.metrics.Inc(MetricAccountLocked)
		e.emitAudit(ctx, auditEventAccountLocked, false, user.ID, ErrAccountLocked, func() map[string]string {
			return map[string]string{"failed_attempts": fmt.Sprint(user.FailedLoginAttempts)}
		})
		e.logger.Warn("account locked after repeated login failures",
			zap.String("user_id", user.ID),
			zap.Int("failed_attempts", user.FailedLoginAttempts),
		)
	}
	user.UpdatedAt = now
	if err := e.users.Save(ctx, user); err != nil {
		return fmt.Errorf("record failed login: %w", err)
	}
	return nil
}

// finalizeLogin clears lockout state, stamps the login time, and issues
// the token pair. Shared by password, MFA, and SSO login paths.
func (e *Engine) finalizeLogin(ctx context.Context, user *User, now time.Time) (*LoginResult, error) {
	user.FailedLoginAttempts = 0
	user.LockedUntil = time.Time{}
	user.LastLogin = now
	user.UpdatedAt = now
	if err := e.users.Save(ctx, user); err != nil {
		return nil, fmt.Errorf("finalize login: %w", err)
	}
	return e.issueTokens(user)
}

func (e *Engine) issueTokens(user *User) (*LoginResult, error) {
	claims := userClaims(user)

	access, err := e.tokens.IssueAccess(claims)
	if err != nil {
		return nil, fmt.Errorf("issue access token: %w", err)
	}
	refresh, err := e.tokens.IssueRefresh(claims)
	if err != nil {
		return nil, fmt.Errorf("issue refresh token: %w", err)
	}

	return &LoginResult{
		AccessToken:  access,
		RefreshToken: refresh,
		User:         user,
	}, nil
}

func userClaims(user *User) jwt.UserClaims {
	return jwt.UserClaims{
		UserID:     user.ID,
		Username:   user.Username,
		Email:      user.Email,
		Roles:      user.Roles,
		MFAEnabled: user.MFAEnabled,
	}
}

// RefreshTokens exchanges a valid refresh token for a fresh pair. Access
// tokens presented here are rejected with [ErrWrongTokenType]. The user
// record is re-read so revoked or deactivated accounts stop refreshing
// immediately.
func (e *Engine) RefreshTokens(ctx context.Context, refreshToken string) (*LoginResult, error) {
	claims, err := e.tokens.Parse(refreshToken)
	if err != nil {
		e.metrics.Inc(MetricRefreshFailure)
		e.emitAudit(ctx, auditEventTokenRefresh, false, "", ErrInvalidToken, nil)
		return nil, ErrInvalidToken
	}
	if claims.TokenType != jwt.TypeRefresh {
		e.metrics.Inc(MetricRefreshFailure)
		e.emitAudit(ctx, auditEventTokenRefresh, false, claims.UserID, ErrWrongTokenType, nil)
		return nil, ErrWrongTokenType
	}

	user, err := e.users.FindByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			e.metrics.Inc(MetricRefreshFailure)
			e.emitAudit(ctx, auditEventTokenRefresh, false, claims.UserID, ErrUserNotFound, nil)
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("refresh lookup: %w", err)
	}
	if !user.Active {
		e.metrics.Inc(MetricRefreshFailure)
		e.emitAudit(ctx, auditEventTokenRefresh, false, user.ID, ErrAccountDeactivated, nil)
		return nil, ErrAccountDeactivated
	}

	result, err := e.issueTokens(user)
	if err != nil {
		return nil, err
	}
	e.metrics.Inc(MetricRefreshSuccess)
	e.emitAudit(ctx, auditEventTokenRefresh, true, user.ID, nil, nil)
	return result, nil
}

// ValidateAccess parses and validates an access token, returning its
// claims. Refresh tokens are rejected with [ErrWrongTokenType].
func (e *Engine) ValidateAccess(tokenStr string) (*jwt.Claims, error) {
	claims, err := e.tokens.Parse(tokenStr)
	if err != nil {
		return nil, ErrInvalidToken
	}
	if claims.TokenType != jwt.TypeAccess {
		return nil, ErrWrongTokenType
	}
	return claims, nil
}

// GetUser loads a user by id.
func (e *Engine) GetUser(ctx context.Context, id string) (*User, error) {
	user, err := e.users.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return user, nil
}

// MetricsSnapshot returns a point-in-time copy of the engine counters.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	return e.metrics.Snapshot()
}

// AuditDropped reports how many audit events were discarded because the
// dispatch buffer was full.
func (e *Engine) AuditDropped() uint64 {
	return e.audit.Dropped()
}

// Close flushes and stops the audit dispatcher. The engine must not be
// used after Close.
func (e *Engine) Close() {
	e.audit.Close()
	e.logger.Debug("engine closed")
}

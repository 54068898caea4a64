package authcore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// CreateSsoSession opens an Authorization-Code+PKCE handshake against the
// named provider. State, nonce, and the PKCE verifier are generated here
// and only here; the verifier never leaves the server side.
func (e *Engine) CreateSsoSession(ctx context.Context, providerName string) (*SsoSession, error) {
	if _, ok := e.providers[providerName]; !ok {
		return nil, ErrUnknownProvider
	}

	now := time.Now()
	session := &SsoSession{
		Provider:     providerName,
		StateToken:   uuid.NewString(),
		Nonce:        uuid.NewString(),
		CodeVerifier: oauth2.GenerateVerifier(),
		ExpiresAt:    now.Add(e.config.SSO.SessionTTL),
		IPAddress:    clientIPFromContext(ctx),
		UserAgent:    userAgentFromContext(ctx),
		CreatedAt:    now,
	}
	if err := e.ssoSessions.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("create sso session: %w", err)
	}

	e.metrics.Inc(MetricSSOStarted)
	e.emitAudit(ctx, auditEventSSOStarted, true, "", nil, func() map[string]string {
		return map[string]string{"provider": providerName}
	})
	return session, nil
}

// AuthorizationURL builds the provider authorize URL for a handshake
// session, carrying its state, nonce, and the S256 challenge derived
// from its verifier.
func (e *Engine) AuthorizationURL(session *SsoSession) (string, error) {
	provider, ok := e.providers[session.Provider]
	if !ok {
		return "", ErrUnknownProvider
	}
	return provider.AuthCodeURL(session.StateToken, session.Nonce, session.CodeVerifier), nil
}

// HandleSsoCallback completes the handshake: it validates state, redeems
// the authorization code with the stored PKCE verifier, fetches the
// provider identity, resolves it to a local account, and issues tokens.
//
// Unknown state yields [ErrInvalidSsoState]; expired or already completed
// sessions yield [ErrSsoSessionExpired]. Provider failures leave the
// session incomplete so the caller may retry within the window.
func (e *Engine) HandleSsoCallback(ctx context.Context, state, code string) (*LoginResult, error) {
	session, err := e.ssoSessions.FindByState(ctx, state)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			e.metrics.Inc(MetricSSOFailure)
			e.emitAudit(ctx, auditEventSSOFailure, false, "", ErrInvalidSsoState, nil)
			return nil, ErrInvalidSsoState
		}
		return nil, fmt.Errorf("sso session lookup: %w", err)
	}

	now := time.Now()
	if !session.Consumable(now) {
		e.metrics.Inc(MetricSSOFailure)
		e.emitAudit(ctx, auditEventSSOFailure, false, session.UserID, ErrSsoSessionExpired, func() map[string]string {
			return map[string]string{"provider": session.Provider}
		})
		return nil, ErrSsoSessionExpired
	}

	provider, ok := e.providers[session.Provider]
	if !ok {
		return nil, ErrUnknownProvider
	}

	tokens, err := provider.Exchange(ctx, code, session.CodeVerifier)
	if err != nil {
		e.metrics.Inc(MetricSSOFailure)
		e.emitAudit(ctx, auditEventSSOFailure, false, "", err, func() map[string]string {
			return map[string]string{"provider": session.Provider}
		})
		return nil, err
	}

	claims, err := provider.FetchUserInfo(ctx, tokens.AccessToken)
	if err != nil {
		e.metrics.Inc(MetricSSOFailure)
		e.emitAudit(ctx, auditEventSSOFailure, false, "", err, func() map[string]string {
			return map[string]string{"provider": session.Provider}
		})
		return nil, err
	}

	user, err := e.resolveSsoUser(ctx, session.Provider, claims, now)
	if err != nil {
		return nil, err
	}

	session.Completed = true
	session.CompletedAt = now
	session.AccessToken = tokens.AccessToken
	session.RefreshToken = tokens.RefreshToken
	session.IDToken = tokens.IDToken
	session.UserID = user.ID
	if err := e.ssoSessions.Save(ctx, session); err != nil {
		return nil, fmt.Errorf("save sso session: %w", err)
	}

	result, err := e.finalizeLogin(ctx, user, now)
	if err != nil {
		return nil, err
	}

	e.metrics.Inc(MetricSSOSuccess)
	e.metrics.Inc(MetricLoginSuccess)
	e.emitAudit(ctx, auditEventSSOLogin, true, user.ID, nil, func() map[string]string {
		return map[string]string{"provider": session.Provider}
	})
	return result, nil
}

// resolveSsoUser maps a provider identity to a local account, in
// priority order: an existing provider+subject binding, then an existing
// account with the same email (which gets linked), then a fresh account.
func (e *Engine) resolveSsoUser(ctx context.Context, providerName string, claims *ProviderClaims, now time.Time) (*User, error) {
	user, err := e.users.FindBySSOSubject(ctx, providerName, claims.Subject)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("sso subject lookup: %w", err)
	}

	if claims.Email != "" {
		user, err = e.users.FindByEmail(ctx, strings.ToLower(claims.Email))
		if err == nil {
			user.SSOProvider = providerName
			user.SSOSubject = claims.Subject
			user.Verified = true
			user.UpdatedAt = now
			if err := e.users.Save(ctx, user); err != nil {
				return nil, fmt.Errorf("link sso identity: %w", err)
			}
			e.logger.Info("linked sso identity to existing account",
				zap.String("user_id", user.ID),
				zap.String("provider", providerName),
			)
			return user, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("sso email lookup: %w", err)
		}
	}

	return e.createSsoUser(ctx, providerName, claims, now)
}

// createSsoUser provisions an account for a first-time federated login.
// The account has no password; the provider vouched for the email, so it
// starts verified.
func (e *Engine) createSsoUser(ctx context.Context, providerName string, claims *ProviderClaims, now time.Time) (*User, error) {
	username, err := e.availableUsername(ctx, ssoUsernameBase(providerName, claims))
	if err != nil {
		return nil, err
	}

	user := &User{
		ID:          uuid.NewString(),
		Username:    username,
		Email:       strings.ToLower(claims.Email),
		FullName:    claims.Name,
		Roles:       []string{"user"},
		Active:      true,
		Verified:    true,
		SSOProvider: providerName,
		SSOSubject:  claims.Subject,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.users.Create(ctx, user); err != nil {
		return nil, fmt.Errorf("create sso user: %w", err)
	}

	e.metrics.Inc(MetricRegistration)
	e.emitAudit(ctx, auditEventRegistration, true, user.ID, nil, func() map[string]string {
		return map[string]string{"provider": providerName}
	})
	return user, nil
}

// ssoUsernameBase derives the preferred username: the email local part,
// falling back to provider and subject when the provider reported none.
func ssoUsernameBase(providerName string, claims *ProviderClaims) string {
	if at := strings.Index(claims.Email, "@"); at > 0 {
		return strings.ToLower(claims.Email[:at])
	}
	return providerName + "-" + claims.Subject
}

// availableUsername returns base, or base with a numeric suffix when
// taken.
func (e *Engine) availableUsername(ctx context.Context, base string) (string, error) {
	candidate := base
	for i := 1; ; i++ {
		taken, err := e.users.ExistsByUsername(ctx, candidate)
		if err != nil {
			return "", fmt.Errorf("sso username check: %w", err)
		}
		if !taken {
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s%d", base, i)
	}
}

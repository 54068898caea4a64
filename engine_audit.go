package authcore

import (
	"context"
	"errors"
	"time"
)

const (
	auditEventRegistration  = "registration"
	auditEventLoginSuccess  = "login_success"
	auditEventLoginFailure  = "login_failure"
	auditEventAccountLocked = "account_locked"
	auditEventTokenRefresh  = "token_refresh"
	auditEventMFARequired   = "mfa_required"
	auditEventMFASuccess    = "mfa_success"
	auditEventMFAFailure    = "mfa_failure"
	auditEventMFAEnabled    = "mfa_enabled"
	auditEventMFADisabled   = "mfa_disabled"
	auditEventSSOStarted    = "sso_started"
	auditEventSSOLogin      = "sso_login"
	auditEventSSOFailure    = "sso_failure"
)

func (e *Engine) emitAudit(
	ctx context.Context,
	eventType string,
	success bool,
	userID string,
	err error,
	metadataBuilder func() map[string]string,
) {
	if e == nil || e.audit == nil {
		return
	}

	var metadata map[string]string
	if metadataBuilder != nil {
		metadata = metadataBuilder()
	}

	event := AuditEvent{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		UserID:    userID,
		IP:        clientIPFromContext(ctx),
		UserAgent: userAgentFromContext(ctx),
		Success:   success,
		Metadata:  metadata,
	}
	if code := auditErrorCode(err); code != "" {
		event.Error = code
	}

	e.audit.Emit(ctx, event)
}

func auditErrorCode(err error) string {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, ErrAccountDeactivated):
		return "account_deactivated"
	case errors.Is(err, ErrAccountLocked):
		return "account_locked"
	case errors.Is(err, ErrUsernameTaken), errors.Is(err, ErrEmailTaken):
		return "duplicate"
	case errors.Is(err, ErrUserNotFound):
		return "user_not_found"
	case errors.Is(err, ErrMfaSessionInvalid):
		return "mfa_session_invalid"
	case errors.Is(err, ErrMfaSessionExhausted):
		return "mfa_session_exhausted"
	case errors.Is(err, ErrMfaCodeInvalid):
		return "mfa_code_invalid"
	case errors.Is(err, ErrInvalidSsoState):
		return "sso_state_invalid"
	case errors.Is(err, ErrSsoSessionExpired):
		return "sso_session_expired"
	case errors.Is(err, ErrProviderUnavailable):
		return "provider_unavailable"
	case errors.Is(err, ErrUnknownProvider):
		return "unknown_provider"
	case errors.Is(err, ErrInvalidToken):
		return "invalid_token"
	case errors.Is(err, ErrWrongTokenType):
		return "wrong_token_type"
	default:
		return "internal_error"
	}
}

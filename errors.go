package authcore

import "errors"

var (
	// ErrInvalidCredentials is returned for unknown identifiers and wrong
	// passwords alike, so callers cannot enumerate accounts.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrAccountDeactivated is returned when the account's active flag is off.
	ErrAccountDeactivated = errors.New("account deactivated")
	// ErrAccountLocked is returned while a failed-login lock window is open.
	ErrAccountLocked = errors.New("account locked")
	// ErrUsernameTaken is returned by Register when the username exists.
	ErrUsernameTaken = errors.New("username already exists")
	// ErrEmailTaken is returned by Register when the email exists.
	ErrEmailTaken = errors.New("email already exists")
	// ErrUserNotFound is returned when a user referenced by id is absent.
	ErrUserNotFound = errors.New("user not found")

	// ErrMfaSessionInvalid is returned when an MFA session token is unknown.
	ErrMfaSessionInvalid = errors.New("mfa session invalid")
	// ErrMfaSessionExhausted is returned once an MFA session is expired,
	// already verified, or out of attempts. Terminal for that session.
	ErrMfaSessionExhausted = errors.New("mfa session expired or attempts exhausted")
	// ErrMfaCodeInvalid is returned when neither TOTP nor a backup code
	// matched and the session still has attempts left.
	ErrMfaCodeInvalid = errors.New("invalid mfa code")
	// ErrMfaNotEnabled is returned by DisableMfa for users without MFA.
	ErrMfaNotEnabled = errors.New("mfa not enabled")
	// ErrMfaAlreadyEnabled is returned by EnableMfa for users with MFA.
	ErrMfaAlreadyEnabled = errors.New("mfa already enabled")

	// ErrInvalidSsoState is returned when a callback state token is unknown.
	ErrInvalidSsoState = errors.New("invalid sso state")
	// ErrSsoSessionExpired is returned when the SSO session is past its
	// expiry or was already completed (replay).
	ErrSsoSessionExpired = errors.New("sso session expired or already used")
	// ErrProviderUnavailable is returned when the identity provider cannot
	// be reached or answers with a transport-level failure. Retryable.
	ErrProviderUnavailable = errors.New("identity provider unavailable")
	// ErrUnknownProvider is returned for provider names not registered on
	// the engine.
	ErrUnknownProvider = errors.New("unknown sso provider")

	// ErrInvalidToken is returned for any token that fails signature,
	// structure, or expiry checks.
	ErrInvalidToken = errors.New("invalid token")
	// ErrWrongTokenType is returned when a refresh operation receives an
	// access token instead of a refresh token.
	ErrWrongTokenType = errors.New("wrong token type")

	// ErrNotFound is the generic absence sentinel repositories return.
	ErrNotFound = errors.New("record not found")
	// ErrEngineNotReady is returned when the engine is missing a required
	// dependency.
	ErrEngineNotReady = errors.New("engine not initialized")
)

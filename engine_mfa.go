package authcore

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"image/png"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"
)

// startMfaChallenge opens a second-factor session after a successful
// password check and returns a result carrying its token instead of the
// token pair.
func (e *Engine) startMfaChallenge(ctx context.Context, user *User, now time.Time) (*LoginResult, error) {
	session := &MfaSession{
		SessionToken: uuid.NewString(),
		UserID:       user.ID,
		MaxAttempts:  e.config.MFA.MaxAttempts,
		ExpiresAt:    now.Add(e.config.MFA.SessionTTL),
		IPAddress:    clientIPFromContext(ctx),
		UserAgent:    userAgentFromContext(ctx),
		CreatedAt:    now,
	}
	if err := e.mfaSessions.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("create mfa session: %w", err)
	}

	e.metrics.Inc(MetricMFARequired)
	e.emitAudit(ctx, auditEventMFARequired, true, user.ID, nil, nil)

	return &LoginResult{
		MFARequired:     true,
		MFASessionToken: session.SessionToken,
		User:            user,
	}, nil
}

// VerifyMfaAndLogin completes a pending second-factor challenge with a
// TOTP code or a single-use backup code and issues the token pair.
//
// Unknown tokens yield [ErrMfaSessionInvalid]. Expired, already verified,
// or out-of-attempts sessions yield [ErrMfaSessionExhausted]; that state
// is terminal, a correct code no longer helps. A wrong code while
// attempts remain yields [ErrMfaCodeInvalid] and burns one attempt.
func (e *Engine) VerifyMfaAndLogin(ctx context.Context, sessionToken, code string) (*LoginResult, error) {
	session, err := e.mfaSessions.FindByToken(ctx, sessionToken)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			e.metrics.Inc(MetricMFAFailure)
			e.emitAudit(ctx, auditEventMFAFailure, false, "", ErrMfaSessionInvalid, nil)
			return nil, ErrMfaSessionInvalid
		}
		return nil, fmt.Errorf("mfa session lookup: %w", err)
	}

	now := time.Now()
	if !session.CanAttempt(now) {
		e.metrics.Inc(MetricMFAExhausted)
		e.emitAudit(ctx, auditEventMFAFailure, false, session.UserID, ErrMfaSessionExhausted, nil)
		return nil, ErrMfaSessionExhausted
	}

	user, err := e.users.FindByID(ctx, session.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("mfa user lookup: %w", err)
	}
	if !user.MFAEnabled {
		return nil, ErrMfaNotEnabled
	}

	matched, usedBackup := e.verifySecondFactor(user, code, now)
	if !matched {
		session.Attempts++
		if err := e.mfaSessions.Save(ctx, session); err != nil {
			return nil, fmt.Errorf("save mfa session: %w", err)
		}
		e.metrics.Inc(MetricMFAFailure)
		e.emitAudit(ctx, auditEventMFAFailure, false, user.ID, ErrMfaCodeInvalid, func() map[string]string {
			return map[string]string{"attempts": fmt.Sprint(session.Attempts)}
		})
		return nil, ErrMfaCodeInvalid
	}

	session.Verified = true
	session.VerifiedAt = now
	if err := e.mfaSessions.Save(ctx, session); err != nil {
		return nil, fmt.Errorf("save mfa session: %w", err)
	}

	// A consumed backup code is persisted by finalizeLogin's user save.
	result, err := e.finalizeLogin(ctx, user, now)
	if err != nil {
		return nil, err
	}

	if usedBackup {
		e.metrics.Inc(MetricBackupCodeUsed)
	}
	e.metrics.Inc(MetricMFASuccess)
	e.metrics.Inc(MetricLoginSuccess)
	e.emitAudit(ctx, auditEventMFASuccess, true, user.ID, nil, func() map[string]string {
		return map[string]string{"backup_code": fmt.Sprint(usedBackup)}
	})
	return result, nil
}

// verifySecondFactor checks the code against TOTP first, then the backup
// codes. A matching backup code is blanked in place so it cannot be
// replayed.
func (e *Engine) verifySecondFactor(user *User, code string, now time.Time) (matched, usedBackup bool) {
	ok, err := totp.ValidateCustom(code, user.MFASecret, now, totp.ValidateOpts{
		Period:    e.config.MFA.Period,
		Skew:      e.config.MFA.Skew,
		Digits:    otp.Digits(e.config.MFA.Digits),
		Algorithm: otp.AlgorithmSHA1,
	})
	if err == nil && ok {
		return true, false
	}

	codeBytes := []byte(code)
	for i, backup := range user.BackupCodes {
		if backup == "" || len(backup) != len(code) {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(backup), codeBytes) == 1 {
			user.BackupCodes[i] = ""
			return true, true
		}
	}
	return false, false
}

// EnableMfa provisions TOTP for an account. The caller must re-prove the
// password. The returned secret, otpauth URL, QR image, and backup codes
// are shown to the user exactly once and never retrievable afterwards.
func (e *Engine) EnableMfa(ctx context.Context, userID, pwd string) (*MfaEnableResult, error) {
	user, err := e.users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("enable mfa lookup: %w", err)
	}
	if user.MFAEnabled {
		return nil, ErrMfaAlreadyEnabled
	}

	ok, err := e.hasher.Verify(pwd, user.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("enable mfa password verify: %w", err)
	}
	if !ok {
		e.emitAudit(ctx, auditEventMFAEnabled, false, user.ID, ErrInvalidCredentials, nil)
		return nil, ErrInvalidCredentials
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      e.config.MFA.Issuer,
		AccountName: user.Username,
		SecretSize:  uint(e.config.MFA.SecretSize),
		Period:      e.config.MFA.Period,
		Digits:      otp.Digits(e.config.MFA.Digits),
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("generate totp key: %w", err)
	}

	backupCodes, err := generateBackupCodes(e.config.MFA.BackupCodeCount)
	if err != nil {
		return nil, fmt.Errorf("generate backup codes: %w", err)
	}

	qr, err := qrCodeDataURI(key, e.config.MFA.QRCodeSize)
	if err != nil {
		return nil, fmt.Errorf("render qr code: %w", err)
	}

	now := time.Now()
	user.MFAEnabled = true
	user.MFASecret = key.Secret()
	user.BackupCodes = backupCodes
	user.UpdatedAt = now
	if err := e.users.Save(ctx, user); err != nil {
		return nil, fmt.Errorf("enable mfa save: %w", err)
	}

	e.emitAudit(ctx, auditEventMFAEnabled, true, user.ID, nil, nil)
	e.logger.Info("mfa enabled", zap.String("user_id", user.ID))

	return &MfaEnableResult{
		Secret:      key.Secret(),
		OtpauthURL:  key.URL(),
		QRCodePNG:   qr,
		BackupCodes: append([]string(nil), backupCodes...),
	}, nil
}

// DisableMfa turns the second factor off after re-proving the password.
// The secret and remaining backup codes are discarded.
func (e *Engine) DisableMfa(ctx context.Context, userID, pwd string) error {
	user, err := e.users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrUserNotFound
		}
		return fmt.Errorf("disable mfa lookup: %w", err)
	}
	if !user.MFAEnabled {
		return ErrMfaNotEnabled
	}

	ok, err := e.hasher.Verify(pwd, user.PasswordHash)
	if err != nil {
		return fmt.Errorf("disable mfa password verify: %w", err)
	}
	if !ok {
		e.emitAudit(ctx, auditEventMFADisabled, false, user.ID, ErrInvalidCredentials, nil)
		return ErrInvalidCredentials
	}

	user.MFAEnabled = false
	user.MFASecret = ""
	user.BackupCodes = nil
	user.UpdatedAt = time.Now()
	if err := e.users.Save(ctx, user); err != nil {
		return fmt.Errorf("disable mfa save: %w", err)
	}

	e.emitAudit(ctx, auditEventMFADisabled, true, user.ID, nil, nil)
	e.logger.Info("mfa disabled", zap.String("user_id", user.ID))
	return nil
}

// generateBackupCodes returns n random six-digit codes, each usable once.
func generateBackupCodes(n int) ([]string, error) {
	codes := make([]string, 0, n)
	limit := big.NewInt(1_000_000)
	for i := 0; i < n; i++ {
		v, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return nil, err
		}
		codes = append(codes, fmt.Sprintf("%06d", v.Int64()))
	}
	return codes, nil
}

// qrCodeDataURI renders the enrollment key as a PNG data URI suitable for
// an <img> tag.
func qrCodeDataURI(key *otp.Key, size int) (string, error) {
	img, err := key.Image(size, size)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

package authcore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/climatehealth/authcore/jwt"
)

func TestRegisterAndLogin(t *testing.T) {
	h := newTestEngine(t, nil)
	ctx := context.Background()

	user := h.register(t, "alice", "alice@example.com", "s3cret-pw")
	if user.ID == "" {
		t.Fatal("expected generated user id")
	}
	if !user.Active || user.Verified {
		t.Fatalf("new account should be active and unverified, got active=%v verified=%v", user.Active, user.Verified)
	}
	if len(user.Roles) != 1 || user.Roles[0] != "user" {
		t.Fatalf("unexpected roles: %v", user.Roles)
	}

	result, err := h.engine.Login(ctx, "alice", "s3cret-pw")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if result.MFARequired {
		t.Fatal("mfa should not be required")
	}
	if result.AccessToken == "" || result.RefreshToken == "" {
		t.Fatal("expected a token pair")
	}

	claims, err := h.engine.ValidateAccess(result.AccessToken)
	if err != nil {
		t.Fatalf("ValidateAccess: %v", err)
	}
	if claims.UserID != user.ID || claims.Username != "alice" || claims.Email != "alice@example.com" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if claims.TokenType != jwt.TypeAccess {
		t.Fatalf("token type = %q, want %q", claims.TokenType, jwt.TypeAccess)
	}
	if result.User.LastLogin.IsZero() {
		t.Fatal("last login not stamped")
	}
}

func TestLoginByEmail(t *testing.T) {
	h := newTestEngine(t, nil)

	h.register(t, "alice", "alice@example.com", "s3cret-pw")
	if _, err := h.engine.Login(context.Background(), "alice@example.com", "s3cret-pw"); err != nil {
		t.Fatalf("Login by email: %v", err)
	}
}

func TestRegisterDuplicates(t *testing.T) {
	h := newTestEngine(t, nil)
	ctx := context.Background()

	h.register(t, "alice", "alice@example.com", "s3cret-pw")

	_, err := h.engine.Register(ctx, RegisterRequest{Username: "alice", Email: "other@example.com", Password: "x-pw-123"})
	if !errors.Is(err, ErrUsernameTaken) {
		t.Fatalf("err = %v, want ErrUsernameTaken", err)
	}

	_, err = h.engine.Register(ctx, RegisterRequest{Username: "alice2", Email: "alice@example.com", Password: "x-pw-123"})
	if !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("err = %v, want ErrEmailTaken", err)
	}
}

// Unknown identifiers and wrong passwords must be indistinguishable.
func TestLoginFailuresDoNotRevealAccounts(t *testing.T) {
	h := newTestEngine(t, nil)
	ctx := context.Background()

	h.register(t, "alice", "alice@example.com", "s3cret-pw")

	_, errUnknown := h.engine.Login(ctx, "nobody", "whatever")
	_, errWrongPw := h.engine.Login(ctx, "alice", "wrong-pw")

	if !errors.Is(errUnknown, ErrInvalidCredentials) {
		t.Fatalf("unknown user err = %v", errUnknown)
	}
	if !errors.Is(errWrongPw, ErrInvalidCredentials) {
		t.Fatalf("wrong password err = %v", errWrongPw)
	}
}

func TestLoginDeactivatedAccount(t *testing.T) {
	h := newTestEngine(t, nil)
	ctx := context.Background()

	user := h.register(t, "alice", "alice@example.com", "s3cret-pw")
	h.users.mutate(user.ID, func(u *User) { u.Active = false })

	_, err := h.engine.Login(ctx, "alice", "s3cret-pw")
	if !errors.Is(err, ErrAccountDeactivated) {
		t.Fatalf("err = %v, want ErrAccountDeactivated", err)
	}
}

// Deactivation outranks the lock window when both apply.
func TestDeactivatedAccountReportedBeforeLock(t *testing.T) {
	h := newTestEngine(t, nil)
	ctx := context.Background()

	user := h.register(t, "alice", "alice@example.com", "s3cret-pw")
	h.users.mutate(user.ID, func(u *User) {
		u.Active = false
		u.LockedUntil = time.Now().Add(time.Hour)
	})

	_, err := h.engine.Login(ctx, "alice", "s3cret-pw")
	if !errors.Is(err, ErrAccountDeactivated) {
		t.Fatalf("err = %v, want ErrAccountDeactivated", err)
	}
}

func TestLockoutAfterRepeatedFailures(t *testing.T) {
	h := newTestEngine(t, nil)
	ctx := context.Background()

	h.register(t, "alice", "alice@example.com", "s3cret-pw")

	// Threshold is 3 in the test config.
	for i := 0; i < 3; i++ {
		if _, err := h.engine.Login(ctx, "alice", "wrong-pw"); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d err = %v", i, err)
		}
	}

	// Even the correct password is refused while the lock window is open.
	_, err := h.engine.Login(ctx, "alice", "s3cret-pw")
	if !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("err = %v, want ErrAccountLocked", err)
	}
}

func TestLockExpiryReopensAccount(t *testing.T) {
	h := newTestEngine(t, nil)
	ctx := context.Background()

	user := h.register(t, "alice", "alice@example.com", "s3cret-pw")
	for i := 0; i < 3; i++ {
		h.engine.Login(ctx, "alice", "wrong-pw")
	}

	// Rewind the lock window as if it elapsed.
	h.users.mutate(user.ID, func(u *User) {
		u.LockedUntil = u.LockedUntil.Add(-2 * testConfig().Lockout.LockDuration)
	})

	result, err := h.engine.Login(ctx, "alice", "s3cret-pw")
	if err != nil {
		t.Fatalf("Login after lock expiry: %v", err)
	}
	if result.AccessToken == "" {
		t.Fatal("expected tokens after lock expiry")
	}

	got, _ := h.engine.GetUser(ctx, user.ID)
	if got.FailedLoginAttempts != 0 || !got.LockedUntil.IsZero() {
		t.Fatalf("lockout state not cleared: attempts=%d lockedUntil=%v", got.FailedLoginAttempts, got.LockedUntil)
	}
}

func TestSuccessfulLoginResetsFailureCounter(t *testing.T) {
	h := newTestEngine(t, nil)
	ctx := context.Background()

	user := h.register(t, "alice", "alice@example.com", "s3cret-pw")

	h.engine.Login(ctx, "alice", "wrong-pw")
	h.engine.Login(ctx, "alice", "wrong-pw")
	if _, err := h.engine.Login(ctx, "alice", "s3cret-pw"); err != nil {
		t.Fatalf("Login: %v", err)
	}

	got, _ := h.engine.GetUser(ctx, user.ID)
	if got.FailedLoginAttempts != 0 {
		t.Fatalf("failure counter = %d, want 0", got.FailedLoginAttempts)
	}
}

func TestRefreshTokens(t *testing.T) {
	h := newTestEngine(t, nil)
	ctx := context.Background()

	h.register(t, "alice", "alice@example.com", "s3cret-pw")
	login, err := h.engine.Login(ctx, "alice", "s3cret-pw")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	refreshed, err := h.engine.RefreshTokens(ctx, login.RefreshToken)
	if err != nil {
		t.Fatalf("RefreshTokens: %v", err)
	}
	if refreshed.AccessToken == "" || refreshed.RefreshToken == "" {
		t.Fatal("expected a fresh token pair")
	}
	if _, err := h.engine.ValidateAccess(refreshed.AccessToken); err != nil {
		t.Fatalf("ValidateAccess on refreshed token: %v", err)
	}
}

func TestRefreshRejectsAccessToken(t *testing.T) {
	h := newTestEngine(t, nil)
	ctx := context.Background()

	h.register(t, "alice", "alice@example.com", "s3cret-pw")
	login, _ := h.engine.Login(ctx, "alice", "s3cret-pw")

	_, err := h.engine.RefreshTokens(ctx, login.AccessToken)
	if !errors.Is(err, ErrWrongTokenType) {
		t.Fatalf("err = %v, want ErrWrongTokenType", err)
	}
}

func TestRefreshRejectsGarbage(t *testing.T) {
	h := newTestEngine(t, nil)

	_, err := h.engine.RefreshTokens(context.Background(), "not-a-token")
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("err = %v, want ErrInvalidToken", err)
	}
}

func TestRefreshStopsForDeactivatedAccount(t *testing.T) {
	h := newTestEngine(t, nil)
	ctx := context.Background()

	user := h.register(t, "alice", "alice@example.com", "s3cret-pw")
	login, _ := h.engine.Login(ctx, "alice", "s3cret-pw")

	h.users.mutate(user.ID, func(u *User) { u.Active = false })

	_, err := h.engine.RefreshTokens(ctx, login.RefreshToken)
	if !errors.Is(err, ErrAccountDeactivated) {
		t.Fatalf("err = %v, want ErrAccountDeactivated", err)
	}
}

func TestValidateAccessRejectsRefreshToken(t *testing.T) {
	h := newTestEngine(t, nil)
	ctx := context.Background()

	h.register(t, "alice", "alice@example.com", "s3cret-pw")
	login, _ := h.engine.Login(ctx, "alice", "s3cret-pw")

	_, err := h.engine.ValidateAccess(login.RefreshToken)
	if !errors.Is(err, ErrWrongTokenType) {
		t.Fatalf("err = %v, want ErrWrongTokenType", err)
	}
}

func TestMetricsCountLogins(t *testing.T) {
	h := newTestEngine(t, nil)
	ctx := context.Background()

	h.register(t, "alice", "alice@example.com", "s3cret-pw")
	h.engine.Login(ctx, "alice", "s3cret-pw")
	h.engine.Login(ctx, "alice", "wrong-pw")

	snap := h.engine.MetricsSnapshot()
	if snap.Counters[MetricLoginSuccess] != 1 {
		t.Fatalf("login success counter = %d, want 1", snap.Counters[MetricLoginSuccess])
	}
	if snap.Counters[MetricLoginFailure] != 1 {
		t.Fatalf("login failure counter = %d, want 1", snap.Counters[MetricLoginFailure])
	}
	if snap.Counters[MetricRegistration] != 1 {
		t.Fatalf("registration counter = %d, want 1", snap.Counters[MetricRegistration])
	}
}

package jwt

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(Config{
		Secret:     []byte(strings.Repeat("k", 32)),
		Issuer:     "authcore-test",
		AccessTTL:  time.Hour,
		RefreshTTL: 24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

var testUser = UserClaims{
	UserID:     "user-1",
	Username:   "alice",
	Email:      "alice@example.com",
	Roles:      []string{"user", "admin"},
	MFAEnabled: true,
}

func TestAccessTokenRoundTrip(t *testing.T) {
	m := newTestManager(t)

	token, err := m.IssueAccess(testUser)
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}

	claims, err := m.Parse(token)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if claims.UserID != "user-1" || claims.Username != "alice" || claims.Email != "alice@example.com" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if len(claims.Roles) != 2 {
		t.Fatalf("roles = %v", claims.Roles)
	}
	if !claims.MFAEnabled {
		t.Fatal("mfa flag lost")
	}
	if claims.TokenType != TypeAccess {
		t.Fatalf("type = %q, want %q", claims.TokenType, TypeAccess)
	}
	if claims.Issuer != "authcore-test" || claims.Subject != "alice" {
		t.Fatalf("registered claims: issuer=%q subject=%q", claims.Issuer, claims.Subject)
	}
}

func TestRefreshTokenCarriesMinimalClaims(t *testing.T) {
	m := newTestManager(t)

	token, err := m.IssueRefresh(testUser)
	if err != nil {
		t.Fatalf("IssueRefresh: %v", err)
	}

	claims, err := m.Parse(token)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if claims.TokenType != TypeRefresh {
		t.Fatalf("type = %q, want %q", claims.TokenType, TypeRefresh)
	}
	if claims.UserID != "user-1" {
		t.Fatalf("user id = %q", claims.UserID)
	}
	if claims.Email != "" || len(claims.Roles) != 0 {
		t.Fatal("refresh token must not carry the identity payload")
	}
}

func TestParseRejectsTamperedToken(t *testing.T) {
	m := newTestManager(t)

	token, _ := m.IssueAccess(testUser)
	tampered := token + "x"

	if _, err := m.Parse(tampered); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("err = %v, want ErrInvalidToken", err)
	}
}

func TestParseRejectsForeignKey(t *testing.T) {
	m := newTestManager(t)
	other, _ := NewManager(Config{
		Secret:     []byte(strings.Repeat("x", 32)),
		AccessTTL:  time.Hour,
		RefreshTTL: 24 * time.Hour,
	})

	token, _ := other.IssueAccess(testUser)
	if _, err := m.Parse(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("err = %v, want ErrInvalidToken", err)
	}
}

func TestParseRejectsExpiredToken(t *testing.T) {
	short, err := NewManager(Config{
		Secret:     []byte(strings.Repeat("k", 32)),
		AccessTTL:  time.Nanosecond,
		RefreshTTL: time.Nanosecond,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	token, _ := short.IssueAccess(testUser)
	time.Sleep(10 * time.Millisecond)

	if _, err := short.Parse(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("err = %v, want ErrInvalidToken", err)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	m := newTestManager(t)

	for _, input := range []string{"", "abc", "a.b.c", "...."} {
		if _, err := m.Parse(input); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("Parse(%q) err = %v, want ErrInvalidToken", input, err)
		}
	}
}

func TestValidateAndAccessors(t *testing.T) {
	m := newTestManager(t)
	token, _ := m.IssueRefresh(testUser)

	if !m.Validate(token) {
		t.Fatal("valid token reported invalid")
	}
	if m.Validate("garbage") {
		t.Fatal("garbage reported valid")
	}

	id, err := m.UserID(token)
	if err != nil || id != "user-1" {
		t.Fatalf("UserID = %q, %v", id, err)
	}
	typ, err := m.TokenType(token)
	if err != nil || typ != TypeRefresh {
		t.Fatalf("TokenType = %q, %v", typ, err)
	}
}

func TestNewManagerRejectsBadConfig(t *testing.T) {
	if _, err := NewManager(Config{AccessTTL: time.Hour, RefreshTTL: time.Hour}); err == nil {
		t.Fatal("expected error without secret")
	}
	if _, err := NewManager(Config{Secret: []byte("k"), AccessTTL: 0, RefreshTTL: time.Hour}); err == nil {
		t.Fatal("expected error for zero access TTL")
	}
}

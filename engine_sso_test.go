package authcore

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"
)

func oauthEndpoint(base string) oauth2.Endpoint {
	return oauth2.Endpoint{
		AuthURL:  base + "/auth",
		TokenURL: base + "/token",
	}
}

// fakeIdentityProvider is an httptest-backed token and userinfo endpoint.
type fakeIdentityProvider struct {
	server *httptest.Server

	mu           sync.Mutex
	claims       map[string]any
	lastVerifier string
	lastCode     string
	failExchange bool
}

func newFakeIdentityProvider(t *testing.T) *fakeIdentityProvider {
	t.Helper()

	p := &fakeIdentityProvider{
		claims: map[string]any{
			"sub":   "subject-1",
			"email": "bob@example.com",
			"name":  "Bob Builder",
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		fail := p.failExchange
		p.mu.Unlock()
		if fail {
			http.Error(w, `{"error":"temporarily_unavailable"}`, http.StatusServiceUnavailable)
			return
		}

		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		p.mu.Lock()
		p.lastVerifier = r.PostFormValue("code_verifier")
		p.lastCode = r.PostFormValue("code")
		p.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "provider-access-token",
			"refresh_token": "provider-refresh-token",
			"id_token":      "provider-id-token",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer provider-access-token" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		p.mu.Lock()
		claims := p.claims
		p.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(claims)
	})

	p.server = httptest.NewServer(mux)
	t.Cleanup(p.server.Close)
	return p
}

func (p *fakeIdentityProvider) provider() *OIDCProvider {
	oidc := NewOIDCProvider("test", ProviderCredentials{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		RedirectURI:  "https://app.example.com/callback",
	}, oauthEndpoint(p.server.URL), p.server.URL+"/userinfo")
	oidc.HTTPClient = p.server.Client()
	return oidc
}

func (p *fakeIdentityProvider) setClaims(claims map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.claims = claims
}

func (p *fakeIdentityProvider) setFailExchange(fail bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failExchange = fail
}

func (p *fakeIdentityProvider) sentVerifier() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastVerifier
}

func newSsoHarness(t *testing.T) (*testHarness, *fakeIdentityProvider) {
	t.Helper()
	idp := newFakeIdentityProvider(t)
	h := newTestEngine(t, nil, idp.provider())
	return h, idp
}

func TestCreateSsoSessionUnknownProvider(t *testing.T) {
	h, _ := newSsoHarness(t)

	_, err := h.engine.CreateSsoSession(context.Background(), "nope")
	if !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("err = %v, want ErrUnknownProvider", err)
	}
}

func TestAuthorizationURLCarriesHandshakeParams(t *testing.T) {
	h, _ := newSsoHarness(t)
	ctx := context.Background()

	session, err := h.engine.CreateSsoSession(ctx, "test")
	if err != nil {
		t.Fatalf("CreateSsoSession: %v", err)
	}
	if session.StateToken == "" || session.Nonce == "" || session.CodeVerifier == "" {
		t.Fatal("handshake material missing")
	}

	rawURL, err := h.engine.AuthorizationURL(session)
	if err != nil {
		t.Fatalf("AuthorizationURL: %v", err)
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	q := parsed.Query()

	if q.Get("state") != session.StateToken {
		t.Fatalf("state = %q, want %q", q.Get("state"), session.StateToken)
	}
	if q.Get("nonce") != session.Nonce {
		t.Fatalf("nonce = %q, want %q", q.Get("nonce"), session.Nonce)
	}
	if q.Get("code_challenge_method") != "S256" {
		t.Fatalf("code_challenge_method = %q", q.Get("code_challenge_method"))
	}

	sum := sha256.Sum256([]byte(session.CodeVerifier))
	wantChallenge := base64.RawURLEncoding.EncodeToString(sum[:])
	if q.Get("code_challenge") != wantChallenge {
		t.Fatalf("code_challenge = %q, want %q", q.Get("code_challenge"), wantChallenge)
	}

	scope := q.Get("scope")
	for _, want := range []string{"openid", "profile", "email"} {
		if !strings.Contains(scope, want) {
			t.Fatalf("scope %q missing %q", scope, want)
		}
	}
	if q.Get("client_id") != "client-id" {
		t.Fatalf("client_id = %q", q.Get("client_id"))
	}
}

func TestSsoCallbackCreatesUser(t *testing.T) {
	h, idp := newSsoHarness(t)
	ctx := context.Background()

	session, _ := h.engine.CreateSsoSession(ctx, "test")
	result, err := h.engine.HandleSsoCallback(ctx, session.StateToken, "auth-code")
	if err != nil {
		t.Fatalf("HandleSsoCallback: %v", err)
	}
	if result.AccessToken == "" || result.RefreshToken == "" {
		t.Fatal("expected a token pair")
	}

	// The PKCE verifier must reach the token endpoint unchanged.
	if idp.sentVerifier() != session.CodeVerifier {
		t.Fatalf("verifier sent = %q, want %q", idp.sentVerifier(), session.CodeVerifier)
	}

	user := result.User
	if user.Username != "bob" {
		t.Fatalf("username = %q, want bob", user.Username)
	}
	if user.Email != "bob@example.com" || user.FullName != "Bob Builder" {
		t.Fatalf("unexpected identity: %+v", user)
	}
	if !user.Verified {
		t.Fatal("provider-vouched account should start verified")
	}
	if user.SSOProvider != "test" || user.SSOSubject != "subject-1" {
		t.Fatalf("sso binding = %q/%q", user.SSOProvider, user.SSOSubject)
	}
	if user.PasswordHash != "" {
		t.Fatal("federated account must not carry a password hash")
	}

	stored, err := h.ssoSessions.FindByState(ctx, session.StateToken)
	if err != nil {
		t.Fatalf("FindByState: %v", err)
	}
	if !stored.Completed || stored.UserID != user.ID {
		t.Fatalf("session not completed: %+v", stored)
	}
	if stored.AccessToken != "provider-access-token" || stored.IDToken != "provider-id-token" {
		t.Fatal("provider tokens not recorded")
	}
}

func TestSsoCallbackLinksExistingEmail(t *testing.T) {
	h, _ := newSsoHarness(t)
	ctx := context.Background()

	existing := h.register(t, "bobby", "bob@example.com", "s3cret-pw")

	session, _ := h.engine.CreateSsoSession(ctx, "test")
	result, err := h.engine.HandleSsoCallback(ctx, session.StateToken, "auth-code")
	if err != nil {
		t.Fatalf("HandleSsoCallback: %v", err)
	}

	if result.User.ID != existing.ID {
		t.Fatalf("resolved user %q, want existing %q", result.User.ID, existing.ID)
	}
	got, _ := h.engine.GetUser(ctx, existing.ID)
	if got.SSOProvider != "test" || got.SSOSubject != "subject-1" {
		t.Fatal("existing account not linked")
	}
	if !got.Verified {
		t.Fatal("linking should mark the email verified")
	}
}

func TestSsoSubjectBindingWinsOverEmail(t *testing.T) {
	h, idp := newSsoHarness(t)
	ctx := context.Background()

	// First login binds subject-1 to a new account.
	session, _ := h.engine.CreateSsoSession(ctx, "test")
	first, err := h.engine.HandleSsoCallback(ctx, session.StateToken, "auth-code")
	if err != nil {
		t.Fatalf("first callback: %v", err)
	}

	// Same subject, changed email: still the bound account.
	idp.setClaims(map[string]any{
		"sub":   "subject-1",
		"email": "renamed@example.com",
		"name":  "Bob Builder",
	})
	session, _ = h.engine.CreateSsoSession(ctx, "test")
	second, err := h.engine.HandleSsoCallback(ctx, session.StateToken, "auth-code")
	if err != nil {
		t.Fatalf("second callback: %v", err)
	}
	if second.User.ID != first.User.ID {
		t.Fatalf("resolved %q, want bound account %q", second.User.ID, first.User.ID)
	}
}

func TestSsoUsernameCollisionGetsSuffix(t *testing.T) {
	h, _ := newSsoHarness(t)
	ctx := context.Background()

	h.register(t, "bob", "other@example.com", "s3cret-pw")

	session, _ := h.engine.CreateSsoSession(ctx, "test")
	result, err := h.engine.HandleSsoCallback(ctx, session.StateToken, "auth-code")
	if err != nil {
		t.Fatalf("HandleSsoCallback: %v", err)
	}
	if result.User.Username != "bob1" {
		t.Fatalf("username = %q, want bob1", result.User.Username)
	}
}

func TestSsoCallbackUnknownState(t *testing.T) {
	h, _ := newSsoHarness(t)

	_, err := h.engine.HandleSsoCallback(context.Background(), "no-such-state", "auth-code")
	if !errors.Is(err, ErrInvalidSsoState) {
		t.Fatalf("err = %v, want ErrInvalidSsoState", err)
	}
}

func TestSsoCallbackReplayRejected(t *testing.T) {
	h, _ := newSsoHarness(t)
	ctx := context.Background()

	session, _ := h.engine.CreateSsoSession(ctx, "test")
	if _, err := h.engine.HandleSsoCallback(ctx, session.StateToken, "auth-code"); err != nil {
		t.Fatalf("first callback: %v", err)
	}

	_, err := h.engine.HandleSsoCallback(ctx, session.StateToken, "auth-code")
	if !errors.Is(err, ErrSsoSessionExpired) {
		t.Fatalf("err = %v, want ErrSsoSessionExpired", err)
	}
}

func TestSsoCallbackExpiredSession(t *testing.T) {
	h, _ := newSsoHarness(t)
	ctx := context.Background()

	session, _ := h.engine.CreateSsoSession(ctx, "test")
	h.ssoSessions.mutate(session.StateToken, func(s *SsoSession) {
		s.ExpiresAt = s.ExpiresAt.Add(-time.Hour)
	})

	_, err := h.engine.HandleSsoCallback(ctx, session.StateToken, "auth-code")
	if !errors.Is(err, ErrSsoSessionExpired) {
		t.Fatalf("err = %v, want ErrSsoSessionExpired", err)
	}
}

// A provider outage must not consume the handshake; the caller can retry
// within the session window.
func TestSsoProviderOutageLeavesSessionRetryable(t *testing.T) {
	h, idp := newSsoHarness(t)
	ctx := context.Background()

	session, _ := h.engine.CreateSsoSession(ctx, "test")

	idp.setFailExchange(true)
	_, err := h.engine.HandleSsoCallback(ctx, session.StateToken, "auth-code")
	if !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("err = %v, want ErrProviderUnavailable", err)
	}

	stored, _ := h.ssoSessions.FindByState(ctx, session.StateToken)
	if stored.Completed {
		t.Fatal("failed exchange must not complete the session")
	}

	idp.setFailExchange(false)
	if _, err := h.engine.HandleSsoCallback(ctx, session.StateToken, "auth-code"); err != nil {
		t.Fatalf("retry after outage: %v", err)
	}
}

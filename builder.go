package authcore

import (
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/climatehealth/authcore/jwt"
	"github.com/climatehealth/authcore/password"
)

// Builder assembles an [Engine]. Repositories for users and both session
// kinds are required; everything else has a default.
type Builder struct {
	cfg    Config
	cfgSet bool

	users       UserRepository
	mfaSessions MfaSessionRepository
	ssoSessions SsoSessionRepository
	providers   map[string]Provider

	sinks      []AuditSink
	logger     *zap.Logger
	httpClient *http.Client
}

// New starts a builder with default configuration.
func New() *Builder {
	return &Builder{
		providers: make(map[string]Provider),
	}
}

// WithConfig replaces the entire configuration. Start from
// [DefaultConfig] and override fields rather than building one from
// scratch.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.cfg = cfg
	b.cfgSet = true
	return b
}

// WithUsers sets the credential store. Required.
func (b *Builder) WithUsers(repo UserRepository) *Builder {
	b.users = repo
	return b
}

// WithMfaSessions sets the second-factor challenge store. Required.
func (b *Builder) WithMfaSessions(repo MfaSessionRepository) *Builder {
	b.mfaSessions = repo
	return b
}

// WithSsoSessions sets the PKCE handshake store. Required.
func (b *Builder) WithSsoSessions(repo SsoSessionRepository) *Builder {
	b.ssoSessions = repo
	return b
}

// WithProvider registers an identity provider under its Name. Later
// registrations with the same name win.
func (b *Builder) WithProvider(p Provider) *Builder {
	b.providers[p.Name()] = p
	return b
}

// WithAuditSink adds a destination for audit events. May be called more
// than once; every sink receives every event. Defaults to a no-op sink.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.sinks = append(b.sinks, sink)
	return b
}

// WithLogger sets the structured logger. Defaults to a no-op logger.
func (b *Builder) WithLogger(logger *zap.Logger) *Builder {
	b.logger = logger
	return b
}

// WithHTTPClient sets the client used for outbound provider calls.
// Defaults to a client bounded by the configured SSO timeout.
func (b *Builder) WithHTTPClient(client *http.Client) *Builder {
	b.httpClient = client
	return b
}

// Build validates the configuration and dependencies and returns a ready
// engine.
func (b *Builder) Build() (*Engine, error) {
	cfg := b.cfg
	if !b.cfgSet {
		cfg = DefaultConfig()
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEngineNotReady, err)
	}
	if b.users == nil {
		return nil, fmt.Errorf("%w: user repository is required", ErrEngineNotReady)
	}
	if b.mfaSessions == nil {
		return nil, fmt.Errorf("%w: mfa session repository is required", ErrEngineNotReady)
	}
	if b.ssoSessions == nil {
		return nil, fmt.Errorf("%w: sso session repository is required", ErrEngineNotReady)
	}

	cfg = cloneConfig(cfg)

	tokens, err := jwt.NewManager(jwt.Config{
		Secret:     cfg.JWT.Secret,
		Issuer:     cfg.JWT.Issuer,
		AccessTTL:  cfg.JWT.AccessTTL,
		RefreshTTL: cfg.JWT.RefreshTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEngineNotReady, err)
	}

	hasher, err := password.NewHasher(cfg.Password.Cost)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEngineNotReady, err)
	}

	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	httpClient := b.httpClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.SSO.HTTPTimeout}
	}

	providers := make(map[string]Provider, len(b.providers))
	for name, p := range b.providers {
		if oidc, ok := p.(*OIDCProvider); ok && oidc.HTTPClient == nil {
			oidc.HTTPClient = httpClient
		}
		providers[name] = p
	}

	return &Engine{
		config:      cfg,
		users:       b.users,
		mfaSessions: b.mfaSessions,
		ssoSessions: b.ssoSessions,
		providers:   providers,
		tokens:      tokens,
		hasher:      hasher,
		audit:       newAuditDispatcher(cfg.Audit, b.sinks),
		metrics:     newMetrics(cfg.Metrics),
		logger:      logger,
	}, nil
}

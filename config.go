package authcore

import (
	"errors"
	"time"
)

// Config is the process-wide engine configuration. Configure once at
// initialization and treat as immutable afterwards.
type Config struct {
	JWT      JWTConfig
	Password PasswordConfig
	Lockout  LockoutConfig
	MFA      MFAConfig
	SSO      SSOConfig
	Sweeper  SweeperConfig
	Audit    AuditConfig
	Metrics  MetricsConfig
}

/*
====================================
JWT CONFIG
====================================
*/

// JWTConfig configures the symmetric token signing key and token
// lifetimes. The secret is injected here rather than read from a global
// so tests can swap keys without process restart.
type JWTConfig struct {
	Secret     []byte
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

/*
====================================
PASSWORD CONFIG
====================================
*/

// PasswordConfig holds bcrypt parameters.
type PasswordConfig struct {
	Cost int
}

// LockoutConfig controls the consecutive-failure account lock policy.
// After MaxFailedAttempts consecutive failed logins the account is locked
// for LockDuration.
type LockoutConfig struct {
	MaxFailedAttempts int
	LockDuration      time.Duration
}

/*
====================================
MFA CONFIG
====================================
*/

// MFAConfig holds TOTP parameters and the second-factor challenge bounds.
type MFAConfig struct {
	Issuer          string
	SecretSize      int
	Digits          int
	Period          uint
	Skew            uint
	BackupCodeCount int
	SessionTTL      time.Duration
	MaxAttempts     int
	QRCodeSize      int
}

/*
====================================
SSO CONFIG
====================================
*/

// SSOConfig bounds the PKCE handshake window and the outbound calls to
// identity providers. Provider credentials live on the registered
// [Provider] values, not here.
type SSOConfig struct {
	SessionTTL  time.Duration
	HTTPTimeout time.Duration
}

/*
====================================
SWEEPER CONFIG
====================================
*/

// SweeperConfig controls the periodic purge of expired MFA/SSO sessions.
type SweeperConfig struct {
	Interval time.Duration
}

/*
====================================
AUDIT / METRICS CONFIG
====================================
*/

// AuditConfig controls the async audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// MetricsConfig toggles in-process counters.
type MetricsConfig struct {
	Enabled bool
}

// DefaultConfig returns the recommended configuration. Callers must set
// JWT.Secret; everything else works as-is.
func DefaultConfig() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	return Config{
		JWT: JWTConfig{
			Issuer:     "authcore",
			AccessTTL:  time.Hour,
			RefreshTTL: 24 * time.Hour,
		},
		Password: PasswordConfig{
			Cost: 12,
		},
		Lockout: LockoutConfig{
			MaxFailedAttempts: 5,
			LockDuration:      30 * time.Minute,
		},
		MFA: MFAConfig{
			Issuer:          "ClimateHealthMapper",
			SecretSize:      20,
			Digits:          6,
			Period:          30,
			Skew:            1,
			BackupCodeCount: 10,
			SessionTTL:      5 * time.Minute,
			MaxAttempts:     3,
			QRCodeSize:      300,
		},
		SSO: SSOConfig{
			SessionTTL:  10 * time.Minute,
			HTTPTimeout: 10 * time.Second,
		},
		Sweeper: SweeperConfig{
			Interval: time.Hour,
		},
		Audit: AuditConfig{
			Enabled:    true,
			BufferSize: 256,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

func (c *Config) validate() error {
	if len(c.JWT.Secret) < 32 {
		return errors.New("jwt secret must be at least 32 bytes")
	}
	if c.JWT.AccessTTL <= 0 || c.JWT.RefreshTTL <= 0 {
		return errors.New("token TTLs must be positive")
	}
	if c.JWT.RefreshTTL < c.JWT.AccessTTL {
		return errors.New("refresh TTL must not be shorter than access TTL")
	}
	if c.Password.Cost < 10 || c.Password.Cost > 31 {
		return errors.New("bcrypt cost out of range")
	}
	if c.Lockout.MaxFailedAttempts <= 0 {
		return errors.New("lockout threshold must be positive")
	}
	if c.Lockout.LockDuration <= 0 {
		return errors.New("lockout duration must be positive")
	}
	if c.MFA.SecretSize < 16 {
		return errors.New("mfa secret size must be at least 16 bytes")
	}
	if c.MFA.Digits != 6 && c.MFA.Digits != 8 {
		return errors.New("mfa digits must be 6 or 8")
	}
	if c.MFA.Period == 0 {
		return errors.New("mfa period must be positive")
	}
	if c.MFA.BackupCodeCount <= 0 {
		return errors.New("backup code count must be positive")
	}
	if c.MFA.SessionTTL <= 0 {
		return errors.New("mfa session TTL must be positive")
	}
	if c.MFA.MaxAttempts <= 0 {
		return errors.New("mfa max attempts must be positive")
	}
	if c.SSO.SessionTTL <= 0 {
		return errors.New("sso session TTL must be positive")
	}
	if c.SSO.HTTPTimeout <= 0 {
		return errors.New("sso http timeout must be positive")
	}
	if c.Sweeper.Interval <= 0 {
		return errors.New("sweeper interval must be positive")
	}
	return nil
}

func cloneConfig(cfg Config) Config {
	out := cfg
	if cfg.JWT.Secret != nil {
		out.JWT.Secret = append([]byte(nil), cfg.JWT.Secret...)
	}
	return out
}

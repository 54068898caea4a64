// Package redisstore persists MFA and SSO challenge sessions in Redis.
//
// Sessions are JSON values under prefixed keys with a TTL matching their
// expiry, so Redis reclaims abandoned handshakes on its own; DeleteExpired
// exists for parity with other stores and for sessions whose clocks
// outlive their TTL.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/climatehealth/authcore"
)

const (
	mfaKeyPrefix = "authcore:mfa:"
	ssoKeyPrefix = "authcore:sso:"

	scanBatch = 128
)

// MfaSessionStore implements authcore.MfaSessionRepository.
type MfaSessionStore struct {
	client *redis.Client
}

// SsoSessionStore implements authcore.SsoSessionRepository.
type SsoSessionStore struct {
	client *redis.Client
}

func NewMfaSessionStore(client *redis.Client) *MfaSessionStore {
	return &MfaSessionStore{client: client}
}

func NewSsoSessionStore(client *redis.Client) *SsoSessionStore {
	return &SsoSessionStore{client: client}
}

func (s *MfaSessionStore) Create(ctx context.Context, session *authcore.MfaSession) error {
	return createSession(ctx, s.client, mfaKeyPrefix+session.SessionToken, session, session.ExpiresAt)
}

func (s *MfaSessionStore) FindByToken(ctx context.Context, token string) (*authcore.MfaSession, error) {
	var session authcore.MfaSession
	if err := getSession(ctx, s.client, mfaKeyPrefix+token, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *MfaSessionStore) Save(ctx context.Context, session *authcore.MfaSession) error {
	return saveSession(ctx, s.client, mfaKeyPrefix+session.SessionToken, session)
}

func (s *MfaSessionStore) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	return deleteExpired(ctx, s.client, mfaKeyPrefix, before, func(data []byte) (time.Time, error) {
		var session authcore.MfaSession
		if err := json.Unmarshal(data, &session); err != nil {
			return time.Time{}, err
		}
		return session.ExpiresAt, nil
	})
}

func (s *SsoSessionStore) Create(ctx context.Context, session *authcore.SsoSession) error {
	return createSession(ctx, s.client, ssoKeyPrefix+session.StateToken, session, session.ExpiresAt)
}

func (s *SsoSessionStore) FindByState(ctx context.Context, state string) (*authcore.SsoSession, error) {
	var session authcore.SsoSession
	if err := getSession(ctx, s.client, ssoKeyPrefix+state, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *SsoSessionStore) Save(ctx context.Context, session *authcore.SsoSession) error {
	return saveSession(ctx, s.client, ssoKeyPrefix+session.StateToken, session)
}

func (s *SsoSessionStore) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	return deleteExpired(ctx, s.client, ssoKeyPrefix, before, func(data []byte) (time.Time, error) {
		var session authcore.SsoSession
		if err := json.Unmarshal(data, &session); err != nil {
			return time.Time{}, err
		}
		return session.ExpiresAt, nil
	})
}

func createSession(ctx context.Context, client *redis.Client, key string, session any, expiresAt time.Time) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return errors.New("session already expired")
	}
	if err := client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("store session: %w", err)
	}
	return nil
}

func getSession(ctx context.Context, client *redis.Client, key string, dest any) error {
	data, err := client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return authcore.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("decode session: %w", err)
	}
	return nil
}

func saveSession(ctx context.Context, client *redis.Client, key string, session any) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	// KeepTTL preserves the expiry set at creation.
	if err := client.Set(ctx, key, data, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("store session: %w", err)
	}
	return nil
}

func deleteExpired(
	ctx context.Context,
	client *redis.Client,
	prefix string,
	before time.Time,
	expiryOf func([]byte) (time.Time, error),
) (int64, error) {
	var removed int64
	var cursor uint64

	for {
		keys, next, err := client.Scan(ctx, cursor, prefix+"*", scanBatch).Result()
		if err != nil {
			return removed, fmt.Errorf("scan sessions: %w", err)
		}

		for _, key := range keys {
			data, err := client.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				return removed, fmt.Errorf("load session: %w", err)
			}

			expiresAt, err := expiryOf(data)
			if err != nil {
				// Unreadable value: drop it rather than scan it forever.
				expiresAt = time.Time{}
			}
			if expiresAt.After(before) {
				continue
			}

			n, err := client.Del(ctx, key).Result()
			if err != nil {
				return removed, fmt.Errorf("delete session: %w", err)
			}
			removed += n
		}

		cursor = next
		if cursor == 0 {
			return removed, nil
		}
	}
}

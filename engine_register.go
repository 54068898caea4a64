package authcore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Register creates a password-based account. Username and email must be
// unique; violations come back as [ErrUsernameTaken] or [ErrEmailTaken].
// New accounts are active, unverified, and carry the "user" role.
func (e *Engine) Register(ctx context.Context, req RegisterRequest) (*User, error) {
	username := strings.TrimSpace(req.Username)
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if username == "" || email == "" || req.Password == "" {
		return nil, fmt.Errorf("%w: username, email, and password are required", ErrInvalidCredentials)
	}

	taken, err := e.users.ExistsByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("register username check: %w", err)
	}
	if taken {
		e.emitAudit(ctx, auditEventRegistration, false, "", ErrUsernameTaken, func() map[string]string {
			return map[string]string{"username": username}
		})
		return nil, ErrUsernameTaken
	}

	taken, err = e.users.ExistsByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("register email check: %w", err)
	}
	if taken {
		e.emitAudit(ctx, auditEventRegistration, false, "", ErrEmailTaken, func() map[string]string {
			return map[string]string{"email": email}
		})
		return nil, ErrEmailTaken
	}

	hash, err := e.hasher.Hash(req.Password)
	if err != nil {
		return nil, fmt.Errorf("register password hash: %w", err)
	}

	now := time.Now()
	user := &User{
		ID:           uuid.NewString(),
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		FullName:     strings.TrimSpace(req.FullName),
		Roles:        []string{"user"},
		Active:       true,
		Verified:     false,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.users.Create(ctx, user); err != nil {
		return nil, fmt.Errorf("register create: %w", err)
	}

	e.metrics.Inc(MetricRegistration)
	e.emitAudit(ctx, auditEventRegistration, true, user.ID, nil, func() map[string]string {
		return map[string]string{"username": username}
	})
	e.logger.Info("user registered",
		zap.String("user_id", user.ID),
		zap.String("username", username),
	)
	return user, nil
}

package authcore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SweepExpiredSessions purges MFA and SSO sessions whose expiry has
// passed, regardless of completion state, and returns how many were
// removed. Active sessions are untouched. Safe to call concurrently with
// logins; a session that expires mid-sweep is simply caught next round.
func (e *Engine) SweepExpiredSessions(ctx context.Context) (int64, error) {
	now := time.Now()

	mfaSwept, err := e.mfaSessions.DeleteExpired(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("sweep mfa sessions: %w", err)
	}
	ssoSwept, err := e.ssoSessions.DeleteExpired(ctx, now)
	if err != nil {
		return mfaSwept, fmt.Errorf("sweep sso sessions: %w", err)
	}

	total := mfaSwept + ssoSwept
	if total > 0 {
		e.metrics.Inc(MetricSessionsSwept)
		e.logger.Info("swept expired sessions",
			zap.Int64("mfa", mfaSwept),
			zap.Int64("sso", ssoSwept),
		)
	}
	return total, nil
}

// Sweeper runs SweepExpiredSessions on a fixed interval until closed.
type Sweeper struct {
	engine   *Engine
	interval time.Duration
	logger   *zap.Logger

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewSweeper builds a sweeper for the engine. The interval defaults to
// the engine's configured one when zero.
func NewSweeper(engine *Engine, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = engine.config.Sweeper.Interval
	}
	return &Sweeper{
		engine:   engine,
		interval: interval,
		logger:   engine.logger,
		done:     make(chan struct{}),
	}
}

// Start launches the background loop. Call Close to stop it.
func (s *Sweeper) Start() {
	s.wg.Add(1)
	go s.run()
}

func (s *Sweeper) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := s.engine.SweepExpiredSessions(context.Background()); err != nil {
				s.logger.Error("session sweep failed", zap.Error(err))
			}
		case <-s.done:
			return
		}
	}
}

// Close stops the loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
}

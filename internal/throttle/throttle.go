// File: internal/throttle/throttle.go
package throttle

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/xkilldash9x/atlas-cli/api/schemas"
	"github.com/xkilldash9x/atlas-cli/internal/config"
)

// CaptureFunc performs a single raw capture of the environment.
// It must return schemas.ErrCaptureQuota (or wrap it) when the host rate limits it.
type CaptureFunc func(ctx context.Context) (*schemas.Observation, error)

// Budget is a snapshot of the throttler's pacing state.
type Budget struct {
	LastCaptureAt        time.Time
	BackoffMultiplier    int
	MinInterval          time.Duration
	BaseBackoff          time.Duration
	MaxBackoffMultiplier int
	MaxBytes             int
}

// Throttler spaces captures to respect the host's capture rate limit and
// backs off exponentially when that limit is hit anyway.
type Throttler struct {
	mu         sync.Mutex
	budget     Budget
	quotaDelay *backoff.ExponentialBackOff
	logger     *zap.Logger

	// now and sleep are swapped out in tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a throttler for the given capture budget.
func New(cfg config.CaptureConfig, logger *zap.Logger) *Throttler {
	maxMult := cfg.MaxBackoffMultiplier
	if maxMult < 1 {
		maxMult = 1
	}
	t := &Throttler{
		budget: Budget{
			BackoffMultiplier:    1,
			MinInterval:          cfg.MinInterval,
			BaseBackoff:          cfg.BaseBackoff,
			MaxBackoffMultiplier: maxMult,
			MaxBytes:             cfg.MaxBytes,
		},
		quotaDelay: newQuotaBackoff(cfg.BaseBackoff, maxMult),
		logger:     logger.Named("capture_throttler"),
		now:        time.Now,
		sleep:      sleepContext,
	}
	return t
}

// newQuotaBackoff yields base, 2*base, 4*base ... capped at base*maxMult, with no jitter
// and no overall deadline.
func newQuotaBackoff(base time.Duration, maxMult int) *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     base,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         base * time.Duration(maxMult),
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

// Acquire waits for the next capture opportunity and performs the capture.
// It returns nil when no observation is available for this step, which is
// never fatal: rate limits, capture failures, oversize observations and an
// interrupted wait all end up here.
func (t *Throttler) Acquire(ctx context.Context, capture CaptureFunc) *schemas.Observation {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.budget.LastCaptureAt.IsZero() {
		elapsed := t.now().Sub(t.budget.LastCaptureAt)
		if wait := t.budget.MinInterval - elapsed; wait > 0 {
			t.logger.Debug("Waiting for capture interval", zap.Duration("wait", wait))
			if err := t.sleep(ctx, wait); err != nil {
				return nil
			}
		}
	}

	obs, err := capture(ctx)
	if err != nil {
		if errors.Is(err, schemas.ErrCaptureQuota) {
			t.onQuota(ctx)
			return nil
		}
		t.logger.Warn("Capture failed, continuing without observation", zap.Error(err))
		return nil
	}
	if obs == nil {
		t.logger.Warn("Capture returned an empty result")
		return nil
	}

	t.budget.LastCaptureAt = t.now()
	t.budget.BackoffMultiplier = 1
	t.quotaDelay.Reset()

	if obs.Size > t.budget.MaxBytes {
		t.logger.Info("Observation too large, omitting",
			zap.Int("size", obs.Size), zap.Int("max_bytes", t.budget.MaxBytes))
		return nil
	}
	return obs
}

// onQuota sleeps for base*multiplier, doubles the multiplier up to its cap and
// records the attempt so the next capture also respects the minimum interval.
func (t *Throttler) onQuota(ctx context.Context) {
	delay := t.quotaDelay.NextBackOff()
	t.logger.Warn("Capture quota hit, backing off",
		zap.Duration("backoff", delay), zap.Int("multiplier", t.budget.BackoffMultiplier))

	// An interrupted backoff still counts as an attempt.
	_ = t.sleep(ctx, delay)

	t.budget.BackoffMultiplier *= 2
	if t.budget.BackoffMultiplier > t.budget.MaxBackoffMultiplier {
		t.budget.BackoffMultiplier = t.budget.MaxBackoffMultiplier
	}
	t.budget.LastCaptureAt = t.now()
}

// Budget returns a copy of the current pacing state.
func (t *Throttler) Budget() Budget {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.budget
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

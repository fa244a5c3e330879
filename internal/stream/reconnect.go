package stream

import (
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/alanyoungcy/polyclob/internal/domain"
)

// BackoffConfig shapes the retry schedule and the retry budget. A zero
// MaxAttempts or MaxElapsed disables that limit; with both zero the
// session retries forever.
type BackoffConfig struct {
	InitialInterval     time.Duration
	Multiplier          float64
	MaxInterval         time.Duration
	RandomizationFactor float64
	MaxAttempts         int
	MaxElapsed          time.Duration

	// A connection becomes stable once it has stayed up for StableAfter or
	// delivered a data frame. Only a stable connection resets the schedule
	// and the budget; an earlier drop is a failed attempt.
	StableAfter time.Duration
}

// DefaultBackoff returns the schedule used when none is configured.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		InitialInterval:     500 * time.Millisecond,
		Multiplier:          1.5,
		MaxInterval:         30 * time.Second,
		RandomizationFactor: 0.5,
		MaxAttempts:         0,
		MaxElapsed:          10 * time.Minute,
		StableAfter:         5 * time.Second,
	}
}

// reconnector decides how long to wait before the next connection attempt
// and when to give up. It is owned by the session goroutine.
type reconnector struct {
	cfg      BackoffConfig
	bo       *backoff.ExponentialBackOff
	now      func() time.Time
	attempts int
	since    time.Time
	lastErr  error
}

func newReconnector(cfg BackoffConfig, now func() time.Time) *reconnector {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.InitialInterval
	bo.Multiplier = cfg.Multiplier
	bo.MaxInterval = cfg.MaxInterval
	bo.RandomizationFactor = cfg.RandomizationFactor
	bo.Reset()
	return &reconnector{cfg: cfg, bo: bo, now: now}
}

// lost records that a stable connection dropped and returns the delay
// before the first reconnect. It is not a failed attempt.
func (r *reconnector) lost(err error) time.Duration {
	if r.since.IsZero() {
		r.since = r.now()
	}
	r.lastErr = err
	return r.bo.NextBackOff()
}

// failed records a failed connection attempt. It returns the delay before
// the next one, or a *domain.StreamUnavailableError once the budget is
// spent.
func (r *reconnector) failed(err error) (time.Duration, error) {
	now := r.now()
	if r.since.IsZero() {
		r.since = now
	}
	r.attempts++
	r.lastErr = err
	elapsed := now.Sub(r.since)

	if (r.cfg.MaxAttempts > 0 && r.attempts >= r.cfg.MaxAttempts) ||
		(r.cfg.MaxElapsed > 0 && elapsed >= r.cfg.MaxElapsed) {
		return 0, &domain.StreamUnavailableError{Attempts: r.attempts, Elapsed: elapsed, LastErr: err}
	}

	wait := r.bo.NextBackOff()
	if wait == backoff.Stop {
		return 0, &domain.StreamUnavailableError{Attempts: r.attempts, Elapsed: elapsed, LastErr: err}
	}
	if r.cfg.MaxElapsed > 0 && elapsed+wait > r.cfg.MaxElapsed {
		wait = r.cfg.MaxElapsed - elapsed
	}
	return wait, nil
}

// succeeded resets the schedule and the budget. The session calls it once
// a connection is stable, not when the dial returns.
func (r *reconnector) succeeded() {
	r.bo.Reset()
	r.attempts = 0
	r.since = time.Time{}
	r.lastErr = nil
}

// attempt is the 1-based number of the next connection attempt.
func (r *reconnector) attempt() int {
	return r.attempts + 1
}

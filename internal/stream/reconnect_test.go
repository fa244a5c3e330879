package stream

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyclob/internal/domain"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func fixedBackoff() BackoffConfig {
	return BackoffConfig{
		InitialInterval:     100 * time.Millisecond,
		Multiplier:          2,
		MaxInterval:         time.Second,
		RandomizationFactor: 0,
	}
}

func TestReconnectorGrowsAndCapsDelay(t *testing.T) {
	clk := &fakeClock{t: time.Unix(0, 0)}
	r := newReconnector(fixedBackoff(), clk.now)

	var got []time.Duration
	for range 6 {
		wait, err := r.failed(errors.New("refused"))
		require.NoError(t, err)
		got = append(got, wait)
	}
	assert.Equal(t, []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}, got)
	assert.Equal(t, 7, r.attempt())
}

func TestReconnectorGivesUpAfterMaxAttempts(t *testing.T) {
	clk := &fakeClock{t: time.Unix(0, 0)}
	cfg := fixedBackoff()
	cfg.MaxAttempts = 3
	r := newReconnector(cfg, clk.now)

	cause := errors.New("refused")
	for range 2 {
		_, err := r.failed(cause)
		require.NoError(t, err)
	}
	_, err := r.failed(cause)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrStreamUnavailable)
	assert.ErrorIs(t, err, cause)

	var unavailable *domain.StreamUnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, 3, unavailable.Attempts)
}

func TestReconnectorGivesUpAfterMaxElapsed(t *testing.T) {
	clk := &fakeClock{t: time.Unix(0, 0)}
	cfg := fixedBackoff()
	cfg.MaxElapsed = 500 * time.Millisecond
	r := newReconnector(cfg, clk.now)

	wait, err := r.failed(errors.New("x"))
	require.NoError(t, err)
	assert.Equal(t, 100*time.Millisecond, wait)

	clk.advance(450 * time.Millisecond)
	wait, err = r.failed(errors.New("x"))
	require.NoError(t, err)
	assert.Equal(t, 50*time.Millisecond, wait, "wait is capped to the remaining budget")

	clk.advance(50 * time.Millisecond)
	_, err = r.failed(errors.New("x"))
	assert.ErrorIs(t, err, domain.ErrStreamUnavailable)
}

func TestReconnectorSuccessResetsBudget(t *testing.T) {
	clk := &fakeClock{t: time.Unix(0, 0)}
	cfg := fixedBackoff()
	cfg.MaxAttempts = 2
	r := newReconnector(cfg, clk.now)

	_, err := r.failed(errors.New("x"))
	require.NoError(t, err)
	r.succeeded()
	assert.Equal(t, 1, r.attempt())

	wait, err := r.failed(errors.New("x"))
	require.NoError(t, err)
	assert.Equal(t, 100*time.Millisecond, wait)
}

func TestReconnectorLostAfterStableConnection(t *testing.T) {
	clk := &fakeClock{t: time.Unix(0, 0)}
	cfg := fixedBackoff()
	cfg.MaxAttempts = 2
	r := newReconnector(cfg, clk.now)

	wait, err := r.failed(errors.New("eof"))
	require.NoError(t, err)
	assert.Equal(t, 100*time.Millisecond, wait)
	_, err = r.failed(errors.New("eof"))
	assert.ErrorIs(t, err, domain.ErrStreamUnavailable, "unstable drops spend the budget")

	r = newReconnector(cfg, clk.now)
	_, err = r.failed(errors.New("eof"))
	require.NoError(t, err)
	r.succeeded()
	assert.Equal(t, 100*time.Millisecond, r.lost(errors.New("eof")))
	assert.Equal(t, 1, r.attempt(), "a stable connection's drop is not an attempt")

	wait, err = r.failed(errors.New("refused"))
	require.NoError(t, err)
	assert.Equal(t, 200*time.Millisecond, wait)
}

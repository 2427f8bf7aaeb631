package retry

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/offlinesync/internal/config"
	apperrors "github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/models"
)

// TestShouldRetry_StatusCodes verifies the 4xx/5xx/transport classification.
func TestShouldRetry_StatusCodes(t *testing.T) {
	p := Default()
	tests := []struct {
		status int
		want   bool
	}{
		{400, false},
		{401, false},
		{403, false},
		{404, false},
		{408, true},
		{409, true},
		{422, false},
		{429, true},
		{500, true},
		{502, true},
		{503, true},
		{StatusTransportFailure, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.ShouldRetry(0, errors.New("request failed"), tt.status), "status %d", tt.status)
	}
}

// TestShouldRetry_Messages verifies classification when no status is known.
func TestShouldRetry_Messages(t *testing.T) {
	p := Default()
	tests := []struct {
		msg  string
		want bool
	}{
		{"i/o timeout", true},
		{"dial tcp: Connection refused", true},
		{"network is unreachable", true},
		{"host unreachable", true},
		{"database is locked", true},
		{"UNIQUE constraint failed", true},
		{"invalid payload", false},
		{"permission denied", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.ShouldRetry(0, errors.New(tt.msg), 0), tt.msg)
	}
	assert.False(t, p.ShouldRetry(0, nil, 0), "no error and no status is not retryable")
	assert.True(t, p.ShouldRetry(0, apperrors.New(apperrors.ErrSyncTimeout, "deadline"), 0))
	assert.False(t, p.ShouldRetry(0, apperrors.New(apperrors.ErrInvalid, "sign token: connection key missing"), 0),
		"invalid input is never transient")
}

// TestShouldRetry_Exhausted verifies the attempt ceiling overrides classification.
func TestShouldRetry_Exhausted(t *testing.T) {
	p := Default()
	assert.True(t, p.ShouldRetry(4, nil, 503))
	assert.False(t, p.ShouldRetry(5, nil, 503))
	assert.False(t, p.ShouldRetry(6, nil, 503))
}

// TestBaseDelay verifies exponential growth capped at MaxDelay.
func TestBaseDelay(t *testing.T) {
	p := Default()
	assert.Equal(t, time.Second, p.BaseDelay(0))
	assert.Equal(t, 2*time.Second, p.BaseDelay(1))
	assert.Equal(t, 4*time.Second, p.BaseDelay(2))
	assert.Equal(t, 16*time.Second, p.BaseDelay(4))

	capped := New(50, time.Second, 2, 5*time.Minute)
	assert.Equal(t, 5*time.Minute, capped.BaseDelay(20))
	assert.Equal(t, 5*time.Minute, capped.BaseDelay(2000), "overflow is capped")

	prev := time.Duration(0)
	for i := 0; i < 30; i++ {
		d := capped.BaseDelay(i)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", i)
		prev = d
	}
}

// TestCalculateDelay_Bounds verifies jitter stays within ±25% and below the ceiling.
func TestCalculateDelay_Bounds(t *testing.T) {
	p := New(100, time.Second, 2, 5*time.Minute).WithRand(rand.New(rand.NewSource(42)))
	maxAllowed := time.Duration(float64(p.MaxDelay) * 1.25)

	for attempt := 0; attempt < 100; attempt++ {
		base := p.BaseDelay(attempt)
		for i := 0; i < 20; i++ {
			d := p.CalculateDelay(attempt)
			require.GreaterOrEqual(t, d, time.Duration(float64(base)*0.75)-1)
			require.LessOrEqual(t, d, time.Duration(float64(base)*1.25)+1)
			require.LessOrEqual(t, d, maxAllowed)
		}
	}
}

// TestCalculateDelay_NoJitter verifies a zero jitter yields the base delay.
func TestCalculateDelay_NoJitter(t *testing.T) {
	p := Default()
	p.Jitter = 0
	assert.Equal(t, 4*time.Second, p.CalculateDelay(2))
}

// TestCalculateDelay_Exhausted verifies the sentinel once attempts run out.
func TestCalculateDelay_Exhausted(t *testing.T) {
	p := Default()
	assert.Equal(t, NoRetry, p.CalculateDelay(5))
	assert.NotEqual(t, NoRetry, p.CalculateDelay(4))
}

// TestCalculateDelay_Deterministic verifies seeded sources reproduce delays.
func TestCalculateDelay_Deterministic(t *testing.T) {
	a := Default().WithRand(rand.New(rand.NewSource(7)))
	b := Default().WithRand(rand.New(rand.NewSource(7)))
	for i := 0; i < 5; i++ {
		assert.Equal(t, a.CalculateDelay(i), b.CalculateDelay(i))
	}
}

// TestPriorityPresets verifies the derived high and low classes.
func TestPriorityPresets(t *testing.T) {
	base := Default()

	high := ForHigh(base)
	assert.Equal(t, 7, high.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, high.InitialDelay)
	assert.Equal(t, 1.5, high.Multiplier)
	assert.Equal(t, 150*time.Second, high.MaxDelay)

	low := ForLow(base)
	assert.Equal(t, 4, low.MaxAttempts)
	assert.Equal(t, 2*time.Second, low.InitialDelay)
	assert.Equal(t, 2.0, low.Multiplier)
	assert.Equal(t, 5*time.Minute, low.MaxDelay)

	assert.Equal(t, 5, base.MaxAttempts, "presets do not mutate the base")
}

// TestSet verifies priority lookup.
func TestSet(t *testing.T) {
	s := DefaultSet()
	assert.Equal(t, 7, s.For(models.PriorityHigh).MaxAttempts)
	assert.Equal(t, 5, s.For(models.PriorityMedium).MaxAttempts)
	assert.Equal(t, 4, s.For(models.PriorityLow).MaxAttempts)
	assert.Same(t, s.Medium, s.For(models.Priority(99)))
}

// TestSetFromConfig verifies configuration defaults match the built-in set.
func TestSetFromConfig(t *testing.T) {
	fromCfg := SetFromConfig(config.Default().Retry)
	def := DefaultSet()
	for _, p := range []models.Priority{models.PriorityHigh, models.PriorityMedium, models.PriorityLow} {
		a, b := fromCfg.For(p), def.For(p)
		assert.Equal(t, b.MaxAttempts, a.MaxAttempts, p.String())
		assert.Equal(t, b.InitialDelay, a.InitialDelay, p.String())
		assert.Equal(t, b.Multiplier, a.Multiplier, p.String())
		assert.Equal(t, b.MaxDelay, a.MaxDelay, p.String())
		assert.Equal(t, 0.25, a.Jitter)
	}
}

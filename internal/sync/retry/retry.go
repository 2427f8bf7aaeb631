// Package retry implements the exponential backoff policy applied to failed
// queue entries. Policies are pure: the same inputs always produce the same
// decision, except for the jitter drawn from the injected random source.
package retry

import (
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/kimhsiao/offlinesync/internal/config"
	apperrors "github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/models"
)

// NoRetry is returned by CalculateDelay once attempts are exhausted.
const NoRetry time.Duration = -1

// StatusTransportFailure marks an outcome that never reached the server.
const StatusTransportFailure = -1

// Default medium-priority parameters.
const (
	DefaultMaxAttempts  = 5
	DefaultInitialDelay = time.Second
	DefaultMultiplier   = 2.0
	DefaultMaxDelay     = 5 * time.Minute
	DefaultJitter       = 0.25
)

// transientMarkers are lowercase substrings of failure messages worth retrying.
var transientMarkers = []string{
	"timeout",
	"connection",
	"network",
	"unreachable",
	"database",
	"constraint",
	"lock",
}

// Policy decides whether and when a failed attempt is retried.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	// Jitter is the symmetric fraction applied to each delay; 0 disables it.
	Jitter float64

	rnd *lockedRand
}

// New creates a policy with the given parameters and default jitter.
func New(maxAttempts int, initialDelay time.Duration, multiplier float64, maxDelay time.Duration) *Policy {
	return &Policy{
		MaxAttempts:  maxAttempts,
		InitialDelay: initialDelay,
		Multiplier:   multiplier,
		MaxDelay:     maxDelay,
		Jitter:       DefaultJitter,
	}
}

// Default returns the medium-priority policy.
func Default() *Policy {
	return New(DefaultMaxAttempts, DefaultInitialDelay, DefaultMultiplier, DefaultMaxDelay)
}

// ForHigh derives the high-priority policy from base: two more attempts,
// a 500ms first delay, gentler 1.5x growth and half the ceiling.
func ForHigh(base *Policy) *Policy {
	p := base.clone()
	p.MaxAttempts = base.MaxAttempts + 2
	p.InitialDelay = 500 * time.Millisecond
	p.Multiplier = 1.5
	p.MaxDelay = base.MaxDelay / 2
	return p
}

// ForMedium returns a copy of base.
func ForMedium(base *Policy) *Policy {
	return base.clone()
}

// ForLow derives the low-priority policy from base: one fewer attempt and
// twice the first delay.
func ForLow(base *Policy) *Policy {
	p := base.clone()
	p.MaxAttempts = base.MaxAttempts - 1
	p.InitialDelay = base.InitialDelay * 2
	return p
}

// FromConfig builds a policy from configuration values.
func FromConfig(c config.PolicyConfig, jitter float64) *Policy {
	p := New(c.MaxAttempts, c.InitialDelay, c.Multiplier, c.MaxDelay)
	p.Jitter = jitter
	return p
}

// WithRand returns a copy of p that draws jitter from r.
func (p *Policy) WithRand(r *rand.Rand) *Policy {
	c := p.clone()
	c.rnd = &lockedRand{r: r}
	return c
}

func (p *Policy) clone() *Policy {
	c := *p
	return &c
}

// Exhausted reports whether attempt has used up the budget.
func (p *Policy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}

// ShouldRetry classifies a failure. statusCode is the HTTP status, -1 for a
// transport failure, or 0 when no status is known.
func (p *Policy) ShouldRetry(attempt int, err error, statusCode int) bool {
	if p.Exhausted(attempt) {
		return false
	}
	return IsRetryable(err, statusCode)
}

// IsRetryable classifies a failure independent of the attempt budget.
func IsRetryable(err error, statusCode int) bool {
	switch {
	case statusCode >= 400 && statusCode < 500:
		switch statusCode {
		case 408, 409, 429:
			return true
		}
		return false
	case statusCode >= 500, statusCode == StatusTransportFailure:
		return true
	}

	if err == nil || apperrors.CodeOf(err) == apperrors.ErrInvalid {
		return false
	}
	if apperrors.IsRetryable(err) {
		return true
	}
	return IsTransientMessage(err.Error())
}

// IsTransientMessage matches msg against the known transient failure categories.
func IsTransientMessage(msg string) bool {
	msg = strings.ToLower(msg)
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// BaseDelay returns the un-jittered delay for attempt (0-based).
func (p *Policy) BaseDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt))
	if d > float64(p.MaxDelay) || math.IsInf(d, 1) {
		d = float64(p.MaxDelay)
	}
	return time.Duration(d)
}

// CalculateDelay returns the jittered delay before retrying attempt, or
// NoRetry once attempts are exhausted. The result never exceeds
// MaxDelay*(1+Jitter).
func (p *Policy) CalculateDelay(attempt int) time.Duration {
	if p.Exhausted(attempt) {
		return NoRetry
	}
	d := float64(p.BaseDelay(attempt))
	if p.Jitter > 0 {
		d += p.Jitter * d * (2*p.randFloat() - 1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

func (p *Policy) randFloat() float64 {
	if p.rnd != nil {
		return p.rnd.Float64()
	}
	return rand.Float64()
}

type lockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

func (l *lockedRand) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Float64()
}

// Set maps each priority class to its policy.
type Set struct {
	High   *Policy
	Medium *Policy
	Low    *Policy
}

// DefaultSet derives all three classes from the medium defaults.
func DefaultSet() *Set {
	base := Default()
	return &Set{
		High:   ForHigh(base),
		Medium: ForMedium(base),
		Low:    ForLow(base),
	}
}

// SetFromConfig builds a Set from configuration.
func SetFromConfig(c config.RetryConfig) *Set {
	return &Set{
		High:   FromConfig(c.High, c.Jitter),
		Medium: FromConfig(c.Medium, c.Jitter),
		Low:    FromConfig(c.Low, c.Jitter),
	}
}

// For returns the policy for priority. Unknown priorities use Medium.
func (s *Set) For(priority models.Priority) *Policy {
	switch priority {
	case models.PriorityHigh:
		return s.High
	case models.PriorityLow:
		return s.Low
	default:
		return s.Medium
	}
}

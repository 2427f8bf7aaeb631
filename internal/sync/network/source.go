package network

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// StaticSource reports a signal set by the host application.
type StaticSource struct {
	mu  sync.RWMutex
	sig Signal
}

// NewStaticSource creates a source that initially reports sig.
func NewStaticSource(sig Signal) *StaticSource {
	return &StaticSource{sig: sig}
}

// Set replaces the reported signal.
func (s *StaticSource) Set(sig Signal) {
	s.mu.Lock()
	s.sig = sig
	s.mu.Unlock()
}

// Current implements Source.
func (s *StaticSource) Current(ctx context.Context) (Signal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sig, nil
}

// HTTPProbe infers connectivity by timing a request to a known endpoint.
// Any response below 500 counts as connected; the measured round trip
// feeds the latency downgrade.
type HTTPProbe struct {
	URL     string
	Type    Type
	Metered bool
	Client  *http.Client
}

// NewHTTPProbe creates a probe with a bounded timeout.
func NewHTTPProbe(url string, t Type, timeout time.Duration) *HTTPProbe {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPProbe{
		URL:    url,
		Type:   t,
		Client: &http.Client{Timeout: timeout},
	}
}

// Current implements Source.
func (p *HTTPProbe) Current(ctx context.Context) (Signal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return Offline(), fmt.Errorf("build probe request: %w", err)
	}

	start := time.Now()
	resp, err := p.Client.Do(req)
	if err != nil {
		return Offline(), fmt.Errorf("probe %s: %w", p.URL, err)
	}
	resp.Body.Close()
	latency := time.Since(start)

	if resp.StatusCode >= 500 {
		return Offline(), fmt.Errorf("probe %s: HTTP %d", p.URL, resp.StatusCode)
	}

	t := p.Type
	if t == "" || t == TypeNone {
		t = TypeOther
	}
	return Signal{
		Type:      t,
		Connected: true,
		Metered:   p.Metered,
		Strength:  UnknownStrength,
		Latency:   latency,
	}, nil
}

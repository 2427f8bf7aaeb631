package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/kimhsiao/offlinesync/internal/logging"
	"github.com/kimhsiao/offlinesync/internal/uuid"
)

// DefaultTimeout bounds every remote call.
const DefaultTimeout = 10 * time.Second

const maxResponseBytes = 8 << 20

// HTTPConfig configures an HTTPClient.
type HTTPConfig struct {
	// BaseURL is the REST root, for example https://project.example.co/rest/v1.
	BaseURL string
	// APIKey is sent as the apikey header, and as the bearer token when no JWTSecret is set.
	APIKey string
	// JWTSecret enables minting short-lived HS256 bearer tokens.
	JWTSecret string
	// Role is the role claim of minted tokens.
	Role    string
	Timeout time.Duration
	// HTTPClient overrides the underlying client.
	HTTPClient *http.Client
}

// HTTPClient talks to a PostgREST-compatible backend.
type HTTPClient struct {
	base    string
	apiKey  string
	secret  []byte
	role    string
	timeout time.Duration
	http    *http.Client
	now     func() time.Time

	tokenMu  sync.Mutex
	token    string
	tokenExp time.Time
}

// NewHTTPClient creates a client for cfg.
func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}
	role := cfg.Role
	if role == "" {
		role = "service_role"
	}
	c := &HTTPClient{
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		role:    role,
		timeout: timeout,
		http:    hc,
		now:     time.Now,
	}
	if cfg.JWTSecret != "" {
		c.secret = []byte(cfg.JWTSecret)
	}
	return c
}

// Create inserts a record.
func (c *HTTPClient) Create(ctx context.Context, table string, payload []byte) Outcome {
	return c.do(ctx, http.MethodPost, c.tableURL(table, ""), payload)
}

// Update patches the record with id.
func (c *HTTPClient) Update(ctx context.Context, table, id string, payload []byte) Outcome {
	return c.do(ctx, http.MethodPatch, c.tableURL(table, "id=eq."+url.QueryEscape(id)), payload)
}

// Delete removes the record with id.
func (c *HTTPClient) Delete(ctx context.Context, table, id string) Outcome {
	return c.do(ctx, http.MethodDelete, c.tableURL(table, "id=eq."+url.QueryEscape(id)), nil)
}

// Fetch reads records matching a PostgREST filter such as "id=eq.42".
func (c *HTTPClient) Fetch(ctx context.Context, table, filter string) Outcome {
	return c.do(ctx, http.MethodGet, c.tableURL(table, filter), nil)
}

// Ping checks that the REST root answers.
func (c *HTTPClient) Ping(ctx context.Context) error {
	out := c.do(ctx, http.MethodGet, c.base+"/", nil)
	if out.IsTransportFailure() || out.StatusCode == StatusLocalFailure || out.StatusCode >= 500 {
		return out.Err()
	}
	return nil
}

func (c *HTTPClient) tableURL(table, query string) string {
	u := c.base + "/" + url.PathEscape(table)
	if query != "" {
		u += "?" + query
	}
	return u
}

func (c *HTTPClient) do(ctx context.Context, method, target string, body []byte) Outcome {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return LocalFailure(fmt.Errorf("build request: %w", err))
	}

	token, err := c.bearer()
	if err != nil {
		return LocalFailure(fmt.Errorf("sign token: %w", err))
	}
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if method == http.MethodPost || method == http.MethodPatch {
		req.Header.Set("Prefer", "return=representation")
	}
	requestID := uuid.New()
	req.Header.Set("X-Request-ID", requestID)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		logging.Warn("Remote request failed", map[string]interface{}{
			"method":     method,
			"url":        target,
			"request_id": requestID,
			"error":      err.Error(),
		})
		return TransportFailure(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return TransportFailure(fmt.Errorf("read response: %w", err))
	}

	logging.Debug("Remote request completed", map[string]interface{}{
		"method":      method,
		"url":         target,
		"status":      resp.StatusCode,
		"request_id":  requestID,
		"duration_ms": time.Since(start).Milliseconds(),
	})

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return Succeeded(data, resp.StatusCode)
	}
	msg := strings.TrimSpace(string(data))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return Failed(msg, resp.StatusCode)
}

// bearer returns the cached token, minting a new one close to expiry.
func (c *HTTPClient) bearer() (string, error) {
	if c.secret == nil {
		return c.apiKey, nil
	}

	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	now := c.now()
	if c.token != "" && now.Add(time.Minute).Before(c.tokenExp) {
		return c.token, nil
	}

	exp := now.Add(time.Hour)
	claims := jwt.MapClaims{
		"role": c.role,
		"iss":  "offlinesync",
		"iat":  now.Unix(),
		"exp":  exp.Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", err
	}
	c.token = signed
	c.tokenExp = exp
	return signed, nil
}

var (
	_ Client = (*HTTPClient)(nil)
	_ Pinger = (*HTTPClient)(nil)
)

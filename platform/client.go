// Package platform talks to the external chat platform API.
package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var (
	ErrMissingToken = errors.New("platform token is required")
	ErrUnauthorized = errors.New("platform rejected credentials")
	ErrRateLimited  = errors.New("platform rate limit exceeded")
)

// Config holds API client parameters.
type Config struct {
	BaseURL string        `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Token   string        `json:"-" yaml:"-"`
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// DefaultConfig returns the API defaults. Token has no default.
func DefaultConfig() Config {
	return Config{
		BaseURL: "https://discord.com/api/v10",
		Timeout: 5 * time.Second,
	}
}

func (c *Config) Merge(source *Config) {
	if source.BaseURL != "" {
		c.BaseURL = source.BaseURL
	}
	if source.Token != "" {
		c.Token = source.Token
	}
	if source.Timeout > 0 {
		c.Timeout = source.Timeout
	}
}

// Identity is the authenticated bot account.
type Identity struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Bot      bool   `json:"bot"`
}

// Client is a minimal API client.
type Client struct {
	cfg  Config
	http *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default *http.Client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// New creates a client. Zero config fields fall back to DefaultConfig.
func New(cfg Config, opts ...Option) *Client {
	merged := DefaultConfig()
	merged.Merge(&cfg)

	c := &Client{
		cfg:  merged,
		http: &http.Client{Timeout: merged.Timeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Identity fetches the bot's own account. It is the cheapest authenticated
// call the API offers and doubles as a liveness probe.
func (c *Client) Identity(ctx context.Context) (Identity, error) {
	if c.cfg.Token == "" {
		return Identity{}, ErrMissingToken
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/users/@me"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Identity{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bot "+c.cfg.Token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Identity{}, fmt.Errorf("identity request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Identity{}, fmt.Errorf("%w: status %d", ErrUnauthorized, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		return Identity{}, fmt.Errorf("%w: retry after %s", ErrRateLimited, resp.Header.Get("Retry-After"))
	case resp.StatusCode >= 300:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Identity{}, fmt.Errorf("identity request: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var id Identity
	if err := json.NewDecoder(resp.Body).Decode(&id); err != nil {
		return Identity{}, fmt.Errorf("decode identity: %w", err)
	}
	return id, nil
}

// Probe adapts Identity to a liveness check.
func (c *Client) Probe(ctx context.Context) error {
	_, err := c.Identity(ctx)
	return err
}

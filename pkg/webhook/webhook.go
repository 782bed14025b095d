// Package webhook notifies HTTP endpoints about finished backup runs.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/cassnap-project/cassnap/internal/retry"
)

// EventType represents the type of run event that can trigger webhooks.
type EventType string

const (
	EventBackupCompleted EventType = "backup.completed"
	EventBackupFailed    EventType = "backup.failed"
)

// Event is the JSON payload posted to webhooks.
type Event struct {
	Event     EventType      `json:"event"`
	Timestamp string         `json:"timestamp"`
	RunID     string         `json:"run_id,omitempty"`
	Cluster   string         `json:"cluster,omitempty"`
	Host      string         `json:"host,omitempty"`
	Tag       string         `json:"tag,omitempty"`
	Error     string         `json:"error,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// HookConfig represents a single webhook endpoint.
type HookConfig struct {
	URL     string        `json:"url" yaml:"url"`
	Secret  string        `json:"secret,omitempty" yaml:"secret,omitempty"`
	Events  []EventType   `json:"events" yaml:"events"`
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
	Enabled bool          `json:"enabled" yaml:"enabled"`
}

// Config represents the webhook configuration.
type Config struct {
	Hooks      []HookConfig  `json:"hooks" yaml:"hooks"`
	Enabled    bool          `json:"enabled" yaml:"enabled"`
	Attempts   int           `json:"attempts" yaml:"attempts"`
	RetryDelay time.Duration `json:"retry_delay" yaml:"retry_delay"`
}

// DefaultConfig returns the default webhook configuration.
func DefaultConfig() *Config {
	return &Config{
		Enabled:    true,
		Attempts:   3,
		RetryDelay: 5 * time.Second,
	}
}

// Client posts events to the configured hooks.
type Client struct {
	config *Config
	http   *http.Client
}

// NewClient creates a new webhook client.
func NewClient(cfg *Config) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Client{
		config: cfg,
		http:   &http.Client{Timeout: 30 * time.Second},
	}
}

// Send posts event to every enabled hook subscribed to it. Each hook is
// retried independently; the joined errors of failed hooks are returned.
func (c *Client) Send(ctx context.Context, event Event) error {
	if !c.config.Enabled {
		return nil
	}
	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	policy := retry.Policy{
		Attempts:   c.config.Attempts,
		Delay:      c.config.RetryDelay,
		MaxDelay:   c.config.RetryDelay * 4,
		Multiplier: 2,
	}

	var errs []error
	for _, hook := range c.config.Hooks {
		if !hook.Enabled || !matchesEvent(hook, event.Event) {
			continue
		}
		_, err := retry.Do(ctx, policy, "webhook", func(ctx context.Context, _ int) error {
			return c.post(ctx, hook, event.Event, payload)
		})
		if err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("url", hook.URL).Str("event", string(event.Event)).Msg("webhook delivery failed")
			errs = append(errs, fmt.Errorf("%s: %w", hook.URL, err))
		}
	}
	return errors.Join(errs...)
}

func (c *Client) post(ctx context.Context, hook HookConfig, event EventType, payload []byte) error {
	if hook.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, hook.Timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "cassnap-webhook/1.0")
	req.Header.Set("X-Cassnap-Event", string(event))
	if hook.Secret != "" {
		req.Header.Set("X-Cassnap-Signature", Sign(payload, hook.Secret))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("http %d: %s", resp.StatusCode, body)
	default:
		return retry.Permanent(fmt.Errorf("http %d: %s", resp.StatusCode, body))
	}
}

// Sign returns the HMAC-SHA256 signature header value for payload.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func matchesEvent(hook HookConfig, event EventType) bool {
	for _, e := range hook.Events {
		if e == event || e == "*" {
			return true
		}
	}
	return false
}

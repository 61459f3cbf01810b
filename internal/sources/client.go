package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"mobility_hub/internal/config"
)

// Defaults for adapters whose config leaves retry settings unset.
const (
	defaultAttempts = 5
	defaultBackoff  = 4 * time.Second
	requestTimeout  = 120 * time.Second
)

// Client is the retrying HTTP client the pull adapters share. Transient
// failures (network errors, 5xx) are retried a bounded number of times
// with a fixed pause; client errors are not retried.
type Client struct {
	http     *http.Client
	attempts int
	backoff  time.Duration
	log      zerolog.Logger
}

// NewClient builds a client from a source's retry configuration.
func NewClient(cfg config.Source, log zerolog.Logger) *Client {
	attempts := cfg.MaxRetries
	if attempts <= 0 {
		attempts = defaultAttempts
	}
	backoff := cfg.RetryBackoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	return &Client{
		http:     &http.Client{Timeout: requestTimeout},
		attempts: attempts,
		backoff:  backoff,
		log:      log,
	}
}

// BasicAuth carries credentials for sources that require them.
type BasicAuth struct {
	User     string
	Password string
}

// Get fetches url and returns the response body. Retries are attempted on
// network errors and server-side status codes; a 4xx response fails
// immediately.
func (c *Client) Get(ctx context.Context, url string, auth *BasicAuth) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.backoff):
			}
		}

		body, retry, err := c.get(ctx, url, auth)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !retry {
			return nil, err
		}
		c.log.Warn().Err(err).Int("attempt", attempt).Int("max", c.attempts).Str("url", url).Msg("request failed")
	}
	return nil, fmt.Errorf("request failed after %d attempts: %w", c.attempts, lastErr)
}

func (c *Client) get(ctx context.Context, url string, auth *BasicAuth) (body []byte, retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json, text/csv, */*")
	if auth != nil {
		req.SetBasicAuth(auth.User, auth.Password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		return nil, true, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, true, fmt.Errorf("server returned %s", resp.Status)
	}
	if resp.StatusCode >= 400 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, false, fmt.Errorf("server returned %s", resp.Status)
	}

	body, err = io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, fmt.Errorf("read response: %w", err)
	}
	return body, false, nil
}

// GetJSON fetches url and decodes the JSON response into v.
func (c *Client) GetJSON(ctx context.Context, url string, auth *BasicAuth, v any) error {
	body, err := c.Get(ctx, url, auth)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode response from %s: %w", url, err)
	}
	return nil
}

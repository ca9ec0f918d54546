package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rendis/engageflow/pkg/schema"
)

// HTTPConfig holds settings shared by the HTTP-backed collaborators.
type HTTPConfig struct {
	BaseURL         string
	APIKey          string
	Timeout         time.Duration
	MaxResponseBody int64
	// Client overrides the default client (tests).
	Client *http.Client
}

// DefaultHTTPConfig returns sensible defaults.
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		Timeout:         30 * time.Second,
		MaxResponseBody: 1 << 20,
	}
}

type httpClient struct {
	cfg    HTTPConfig
	client *http.Client
}

func newHTTPClient(cfg HTTPConfig) *httpClient {
	defaults := DefaultHTTPConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaults.MaxResponseBody
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &httpClient{cfg: cfg, client: client}
}

// postJSON sends body as JSON to BaseURL+path and decodes a JSON reply into out
// (when out is non-nil). Transport failures, 429 and 5xx come back as plain
// errors so callers treat them as transient; other 4xx replies are
// VALIDATION_ERROR and never retried.
func (c *httpClient) postJSON(ctx context.Context, path string, headers map[string]string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "marshal request for %s", path).WithCause(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "build request for %s", path).WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	for k, v := range headers {
		if v != "" {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxResponseBody))
	if err != nil {
		return fmt.Errorf("read %s response: %w", path, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("POST %s: server returned %d: %s", path, resp.StatusCode, snippet(data))
	case resp.StatusCode >= 400:
		return schema.NewErrorf(schema.ErrCodeValidation, "POST %s: rejected with %d: %s", path, resp.StatusCode, snippet(data)).
			WithDetails(map[string]any{"status_code": resp.StatusCode})
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func snippet(b []byte) string {
	const max = 200
	s := strings.TrimSpace(string(b))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}

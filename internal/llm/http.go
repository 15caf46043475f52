package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	app_errors "relaychat/internal/errors"
)

const (
	maxErrorBody    = 4096
	maxResponseBody = 32 << 20
)

// Option configures a provider client.
type Option func(*client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *client) { c.httpClient = hc }
}

// WithBaseURL overrides the provider endpoint.
func WithBaseURL(baseURL string) Option {
	return func(c *client) { c.baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/") }
}

// client holds the HTTP plumbing shared by the providers. Streaming requests
// rely on ctx for cancellation, so the default client has no overall timeout.
type client struct {
	baseURL    string
	httpClient *http.Client
	keys       KeySource
}

func newClient(baseURL string, keys KeySource, opts []Option) *client {
	c := &client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Transport: &http.Transport{ResponseHeaderTimeout: 60 * time.Second, Proxy: http.ProxyFromEnvironment}},
		keys:       keys,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// open sends a request and returns the response once a 2xx status arrived.
// The caller owns the body.
func (c *client) open(ctx context.Context, method, path string, payload interface{}) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("llm: marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("llm: create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.keys != nil {
		key, err := c.keys.APIKey(ctx)
		if err != nil {
			return nil, &app_errors.GatewayError{Err: fmt.Errorf("resolve api key: %w", err)}
		}
		if key != "" {
			req.Header.Set("Authorization", "Bearer "+key)
		}
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &app_errors.GatewayError{Err: fmt.Errorf("%s %s: %w", method, path, err)}
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		_ = res.Body.Close()
		return nil, &app_errors.GatewayError{StatusCode: res.StatusCode, Body: strings.TrimSpace(string(buf))}
	}
	return res, nil
}

// doJSON sends payload and decodes a JSON response into out.
func (c *client) doJSON(ctx context.Context, method, path string, payload, out interface{}) error {
	res, err := c.open(ctx, method, path, payload)
	if err != nil {
		return err
	}
	defer func() { _ = res.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBody))
	if err != nil {
		return &app_errors.GatewayError{StatusCode: res.StatusCode, Err: fmt.Errorf("read response body: %w", err)}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &app_errors.GatewayError{StatusCode: res.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// send delivers v on ch unless ctx is done first.
func send(ctx context.Context, ch chan<- StreamResponse, v StreamResponse) bool {
	select {
	case ch <- v:
		return true
	case <-ctx.Done():
		return false
	}
}

// Package wallet holds the plumbing shared by the chain adapters: throttled
// HTTP access to explorers and fee oracles and the mapping of provider
// failures onto the escrow error taxonomy.
package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"p2pescrow/native/escrow"
)

const maxErrorBody = 512

// HTTPDoer abstracts http.Client for ease of testing.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// StatusError is returned when a provider answers with a non-2xx status.
type StatusError struct {
	Provider string
	Status   int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.Status, e.Body)
}

// Retryable reports whether the status indicates a temporary condition.
func (e *StatusError) Retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// NewHTTPClient returns an instrumented client with the given timeout.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// Client performs JSON requests against one provider, throttled by a token
// bucket. Transport failures and retryable statuses are reported as
// escrow.ErrProviderTransient.
type Client struct {
	name    string
	doer    HTTPDoer
	limiter *rate.Limiter
	headers http.Header
}

// NewClient constructs a provider client. A non-positive rps disables
// throttling; a nil doer uses http.DefaultClient.
func NewClient(name string, doer HTTPDoer, rps float64, burst int) *Client {
	if doer == nil {
		doer = http.DefaultClient
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if rps > 0 {
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return &Client{name: name, doer: doer, limiter: limiter, headers: make(http.Header)}
}

// Name returns the provider label used in errors and metrics.
func (c *Client) Name() string { return c.name }

// SetHeader adds a header sent with every request, e.g. an API key.
func (c *Client) SetHeader(key, value string) {
	if strings.TrimSpace(value) == "" {
		return
	}
	c.headers.Set(key, value)
}

// GetJSON issues a GET and decodes the JSON response into out.
func (c *Client) GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", c.name, err)
	}
	body, err := c.do(req)
	if err != nil {
		return err
	}
	return c.decode(body, out)
}

// PostJSON marshals in, posts it and decodes the JSON response into out when
// out is non-nil.
func (c *Client) PostJSON(ctx context.Context, url string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("%s: encode request: %w", c.name, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%s: build request: %w", c.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	body, err := c.do(req)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return c.decode(body, out)
}

// PostText posts a raw text body and returns the trimmed response text.
func (c *Client) PostText(ctx context.Context, url, text string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(text))
	if err != nil {
		return "", fmt.Errorf("%s: build request: %w", c.name, err)
	}
	req.Header.Set("Content-Type", "text/plain")
	body, err := c.do(req)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return nil, escrow.Transient(fmt.Errorf("%s: throttled: %w", c.name, err))
	}
	for key, values := range c.headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.doer.Do(req)
	if err != nil {
		return nil, escrow.Transient(fmt.Errorf("%s: %w", c.name, err))
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		statusErr := &StatusError{Provider: c.name, Status: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
		if statusErr.Retryable() {
			return nil, escrow.Transient(statusErr)
		}
		return nil, statusErr
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, escrow.Transient(fmt.Errorf("%s: read body: %w", c.name, err))
	}
	return body, nil
}

func (c *Client) decode(body []byte, out any) error {
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()
	if err := decoder.Decode(out); err != nil {
		return escrow.Transient(fmt.Errorf("%s: decode: %w", c.name, err))
	}
	return nil
}

// IsStatus reports whether err carries a provider status equal to code.
func IsStatus(err error, code int) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.Status == code
}

// Package upstream provides the HTTP clients used to talk to the Planet Radio
// services: a paced, short-timeout client for API calls and an untimed client
// for long-lived audio responses.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// UserAgent is sent on every upstream request.
const UserAgent = "planetradio-go/1.0 (+volumio)"

const (
	defaultAPITimeout            = 10 * time.Second
	defaultDialTimeout           = 5 * time.Second
	defaultResponseHeaderTimeout = 10 * time.Second
	defaultIdleConnTimeout       = 30 * time.Second
	defaultMaxIdleConnsPerHost   = 4

	// API calls are paced so a restart loop can't hammer the login or
	// station endpoints.
	defaultAPIRate  = 5
	defaultAPIBurst = 10

	maxAPIBody = 1 << 20
)

// Client bundles the two upstream HTTP clients.
type Client struct {
	api     *http.Client
	stream  *http.Client
	limiter *rate.Limiter
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the API client; tests use it to inject a cookie-less
// or instrumented client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.api = c }
}

// WithRate sets the API pacing. A non-positive limit disables pacing.
func WithRate(perSec float64, burst int) Option {
	return func(cl *Client) {
		if perSec <= 0 {
			cl.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		cl.limiter = rate.NewLimiter(rate.Limit(perSec), burst)
	}
}

// New returns a Client with hardened transports.
func New(opts ...Option) *Client {
	c := &Client{
		api:     &http.Client{Timeout: defaultAPITimeout, Transport: newTransport()},
		stream:  &http.Client{Transport: newTransport()}, // no total timeout for live audio
		limiter: rate.NewLimiter(rate.Limit(defaultAPIRate), defaultAPIBurst),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func newTransport() *http.Transport {
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: defaultDialTimeout, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConnsPerHost:   defaultMaxIdleConnsPerHost,
		IdleConnTimeout:       defaultIdleConnTimeout,
		TLSHandshakeTimeout:   defaultDialTimeout,
		ResponseHeaderTimeout: defaultResponseHeaderTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		DisableCompression:    true,
	}
}

// Do sends an API request after waiting for the pacing limiter.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	setDefaultHeaders(req)
	return c.api.Do(req)
}

// OpenStream issues a GET for a long-lived audio or segment body. The caller
// owns the returned body. Non-2xx responses are closed and reported as errors.
func (c *Client) OpenStream(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	setDefaultHeaders(req)
	req.Header.Set("Accept", "*/*")

	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, &StatusError{URL: url, StatusCode: resp.StatusCode}
	}
	return resp, nil
}

// GetJSON fetches url through the paced API client and decodes the body into v.
func (c *Client) GetJSON(ctx context.Context, url string, v interface{}) error {
	body, err := c.GetBody(ctx, url)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("parse json from %s: %w", url, err)
	}
	return nil
}

// GetBody fetches url through the paced API client and returns the body.
func (c *Client) GetBody(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{URL: url, StatusCode: resp.StatusCode}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIBody))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

func setDefaultHeaders(req *http.Request) {
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Cache-Control", "no-store")
}

// StatusError is returned for unexpected upstream HTTP status codes.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.StatusCode, e.URL)
}

// Package http is the request/response abstraction the load engine drives.
//
// A call never aborts its caller: transport failures and timeouts come back
// as a Response with status 0 and Err set, so they can feed the retry policy
// and the metric sinks like any other outcome.
package http

import (
	"context"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Observer is notified once per HTTP attempt, including retries and failed
// transports (status 0).
type Observer interface {
	ObserveRequest(name string, status int, duration time.Duration)
}

// Client represents an HTTP client bound to one target.
type Client struct {
	httpClient *http.Client
	baseURL    string
	headers    map[string]string
	observer   Observer
	logger     *zap.Logger
}

// ClientOption is a function that configures a Client
type ClientOption func(*Client)

// NewClient creates a new HTTP client with the given options
func NewClient(options ...ClientOption) *Client {
	client := &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		headers: make(map[string]string),
		logger:  zap.NewNop(),
	}

	for _, option := range options {
		option(client)
	}

	return client
}

// WithBaseURL sets the base URL for the client
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = baseURL
	}
}

// WithTimeout sets the per-request transport timeout
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithHeader adds a header sent on every request
func WithHeader(key, value string) ClientOption {
	return func(c *Client) {
		c.headers[key] = value
	}
}

// WithObserver reports every attempt made through Call.
func WithObserver(o Observer) ClientOption {
	return func(c *Client) {
		c.observer = o
	}
}

// WithLogger sets the logger used for transport failures.
func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithTransport replaces the underlying round tripper.
func WithTransport(rt http.RoundTripper) ClientOption {
	return func(c *Client) {
		c.httpClient.Transport = rt
	}
}

// BaseURL returns the target base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Call executes req and always returns a Response. A transport failure is
// reported as status 0 with Err set. The observer, when configured, sees the
// attempt under name.
func (c *Client) Call(ctx context.Context, name string, req *Request) *Response {
	start := time.Now()
	resp, err := c.Do(ctx, req)
	if err != nil {
		c.logger.Debug("request failed",
			zap.String("call", name),
			zap.String("method", req.Method),
			zap.String("path", req.Path),
			zap.Error(err))
		resp = &Response{
			Err:    err,
			Timing: TimingInfo{StartTime: start, TotalTime: time.Since(start)},
		}
	}
	if c.observer != nil {
		c.observer.ObserveRequest(name, resp.StatusCode, resp.Duration())
	}
	return resp
}

// Do executes an HTTP request. The body is read fully before Do returns and
// counts toward the attempt's duration.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	httpReq, err := req.Build(c.baseURL)
	if err != nil {
		return nil, err
	}

	for key, value := range c.headers {
		if httpReq.Header.Get(key) == "" {
			httpReq.Header.Set(key, value)
		}
	}

	start := time.Now()
	httpResp, err := c.httpClient.Do(httpReq.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, err
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Status:     httpResp.Status,
		Headers:    httpResp.Header,
		Body:       body,
		Timing:     TimingInfo{StartTime: start, TotalTime: time.Since(start)},
	}, nil
}

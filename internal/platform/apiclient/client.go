// Package apiclient holds the HTTP clients the source and subscriber
// services use to reach the broker, the identity-proofing issuer and each
// other.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// APIError is a non-2xx response. Code and Description are filled from an
// OAuth error body or an OperationOutcome when the body has that shape.
type APIError struct {
	StatusCode  int
	Code        string
	Description string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("status %d: %s: %s", e.StatusCode, e.Code, e.Description)
	}
	return fmt.Sprintf("status %d: %s", e.StatusCode, e.Description)
}

// Option configures a Client.
type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// Client is a small JSON-over-HTTP client bound to one base URL.
type Client struct {
	baseURL    string
	httpClient *http.Client
	userAgent  string
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		userAgent:  "notification-broker/1.0",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the URL requests are resolved against.
func (c *Client) BaseURL() string {
	return c.baseURL
}

type request struct {
	method string
	path   string
	body   io.Reader
	ctype  string
	bearer string
}

func jsonRequest(method, path string, v interface{}) (request, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return request{}, fmt.Errorf("encode %s body: %w", path, err)
	}
	return request{method: method, path: path, body: bytes.NewReader(raw), ctype: "application/json"}, nil
}

func formRequest(path string, form url.Values) request {
	return request{
		method: http.MethodPost,
		path:   path,
		body:   strings.NewReader(form.Encode()),
		ctype:  "application/x-www-form-urlencoded",
	}
}

// PostJSON posts in as JSON to path and decodes the response into out.
func (c *Client) PostJSON(ctx context.Context, path string, in, out interface{}) error {
	r, err := jsonRequest(http.MethodPost, path, in)
	if err != nil {
		return err
	}
	return c.do(ctx, r, out)
}

// GetJSON reads path and decodes the response into out.
func (c *Client) GetJSON(ctx context.Context, path string, out interface{}) error {
	return c.do(ctx, request{method: http.MethodGet, path: path}, out)
}

// do sends r and decodes a 2xx JSON body into out (which may be nil).
func (c *Client) do(ctx context.Context, r request, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, r.method, c.baseURL+r.path, r.body)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", r.method, r.path, err)
	}
	if r.ctype != "" {
		req.Header.Set("Content-Type", r.ctype)
	}
	if r.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+r.bearer)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", r.method, r.path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read %s response: %w", r.path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp.StatusCode, body)
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s response: %w", r.path, err)
	}
	return nil
}

func decodeError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status}

	var shaped struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
		Issue            []struct {
			Code        string `json:"code"`
			Diagnostics string `json:"diagnostics"`
		} `json:"issue"`
	}
	if json.Unmarshal(body, &shaped) == nil {
		switch {
		case shaped.Error != "":
			apiErr.Code = shaped.Error
			apiErr.Description = shaped.ErrorDescription
			return apiErr
		case len(shaped.Issue) > 0:
			apiErr.Code = shaped.Issue[0].Code
			apiErr.Description = shaped.Issue[0].Diagnostics
			return apiErr
		}
	}
	apiErr.Description = strings.TrimSpace(string(body))
	if apiErr.Description == "" {
		apiErr.Description = http.StatusText(status)
	}
	return apiErr
}

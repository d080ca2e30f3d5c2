// Package client is a typed HTTP client for the analysis API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/JakeFAU/site-analyzer/internal/analysis"
	"github.com/JakeFAU/site-analyzer/internal/api"
	"github.com/JakeFAU/site-analyzer/internal/auth"
)

const defaultTimeout = 10 * time.Second

// APIError is a non-2xx response. It unwraps to the matching domain sentinel
// so callers can use errors.Is with analysis.ErrConflict and friends.
type APIError struct {
	StatusCode int
	Message    string
	JobID      string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api error: status %d", e.StatusCode)
	}
	return fmt.Sprintf("api error: status %d: %s", e.StatusCode, e.Message)
}

// Unwrap maps the status code to a sentinel.
func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusBadRequest:
		return analysis.ErrValidation
	case http.StatusUnauthorized:
		return auth.ErrUnauthenticated
	case http.StatusForbidden:
		return analysis.ErrForbidden
	case http.StatusNotFound:
		return analysis.ErrNotFound
	case http.StatusConflict:
		return analysis.ErrConflict
	default:
		return nil
	}
}

// ActiveJob returns the job holding the URL when the error is a conflict.
func (e *APIError) ActiveJob() string {
	if e.StatusCode != http.StatusConflict {
		return ""
	}
	return e.JobID
}

// Temporary reports whether retrying the request may succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Client calls the analysis API as one owner.
type Client struct {
	base *url.URL
	http *http.Client
}

// Option customizes a Client.
type Option func(*options)

type options struct {
	httpClient *http.Client
	timeout    time.Duration
}

// WithHTTPClient sets the transport-level client wrapped with the bearer
// token source.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithTimeout bounds each request.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// New builds a Client for baseURL authenticating with token.
func New(baseURL, token string, opts ...Option) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", baseURL)
	}
	if token == "" {
		return nil, errors.New("client: token is required")
	}
	o := options{httpClient: http.DefaultClient, timeout: defaultTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, o.httpClient)
	hc := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}))
	hc.Timeout = o.timeout
	return &Client{base: base, http: hc}, nil
}

type startBody struct {
	WebsiteURL string `json:"websiteUrl"`
}

type startReply struct {
	Success bool   `json:"success"`
	JobID   string `json:"jobId"`
	Message string `json:"message"`
}

type analysisReply struct {
	Success  bool             `json:"success"`
	Message  string           `json:"message"`
	JobID    string           `json:"jobId"`
	Analysis api.AnalysisView `json:"analysis"`
}

// Start requests a new analysis and returns its job id. A conflict returns
// an *APIError carrying the active job id.
func (c *Client) Start(ctx context.Context, websiteURL string) (string, error) {
	var reply startReply
	if err := c.do(ctx, http.MethodPost, "/v1/analyses", startBody{WebsiteURL: websiteURL}, &reply); err != nil {
		return "", err
	}
	return reply.JobID, nil
}

// Get returns the analysis with jobID.
func (c *Client) Get(ctx context.Context, jobID string) (api.AnalysisView, error) {
	var reply analysisReply
	err := c.do(ctx, http.MethodGet, "/v1/analyses/"+url.PathEscape(jobID), nil, &reply)
	return reply.Analysis, err
}

// Status returns the latest analysis for websiteURL.
func (c *Client) Status(ctx context.Context, websiteURL string) (api.AnalysisView, error) {
	var reply analysisReply
	err := c.do(ctx, http.MethodGet, "/v1/analyses/by-url/"+url.PathEscape(websiteURL), nil, &reply)
	return reply.Analysis, err
}

// Cancel fails the analysis with jobID.
func (c *Client) Cancel(ctx context.Context, jobID string) (api.AnalysisView, error) {
	var reply analysisReply
	err := c.do(ctx, http.MethodPost, "/v1/analyses/"+url.PathEscape(jobID)+"/cancel", nil, &reply)
	return reply.Analysis, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	// path is already escaped; keep it out of url.URL.Path re-encoding.
	endpoint := c.base.String() + path
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var failure struct {
			Message string `json:"message"`
			JobID   string `json:"jobId"`
		}
		if json.Unmarshal(data, &failure) == nil {
			apiErr.Message = failure.Message
			apiErr.JobID = failure.JobID
		}
		return apiErr
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

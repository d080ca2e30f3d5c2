package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"

	"github.com/JakeFAU/site-analyzer/internal/analysis"
)

const defaultPostTimeout = 20 * time.Second

// HTTPPoster posts JSON to a platform endpoint as the account, using the
// account's OAuth2 access token.
type HTTPPoster struct {
	endpoint string
	timeout  time.Duration
	base     *http.Client
}

type postRequest struct {
	AccountID string `json:"accountId"`
	Handle    string `json:"handle,omitempty"`
	Text      string `json:"text"`
}

type postResponse struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// NewHTTPPoster validates endpoint. base, when set, is the transport-level
// client wrapped by the oauth2 client.
func NewHTTPPoster(endpoint string, timeout time.Duration, base *http.Client) (*HTTPPoster, error) {
	u, err := url.Parse(endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid endpoint %q", endpoint)
	}
	if timeout <= 0 {
		timeout = defaultPostTimeout
	}
	if base == nil {
		base = http.DefaultClient
	}
	return &HTTPPoster{endpoint: endpoint, timeout: timeout, base: base}, nil
}

// Post sends one post.
func (p *HTTPPoster) Post(ctx context.Context, account analysis.ConnectedAccount, post analysis.SocialPost) (Posted, error) {
	if account.AccessToken == "" {
		return Posted{}, errors.New("account has no access token")
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	payload, err := json.Marshal(postRequest{AccountID: account.ID, Handle: account.Handle, Text: post.Text})
	if err != nil {
		return Posted{}, fmt.Errorf("encode post: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(payload))
	if err != nil {
		return Posted{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := oauth2.NewClient(
		context.WithValue(ctx, oauth2.HTTPClient, p.base),
		oauth2.StaticTokenSource(&oauth2.Token{AccessToken: account.AccessToken, TokenType: "Bearer"}),
	)
	resp, err := client.Do(req)
	if err != nil {
		return Posted{}, fmt.Errorf("post to %s: %w", account.Platform, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return Posted{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Posted{}, fmt.Errorf("post to %s: status %d: %s", account.Platform, resp.StatusCode, bytes.TrimSpace(body))
	}
	var out postResponse
	if len(body) > 0 {
		if err := json.Unmarshal(body, &out); err != nil {
			return Posted{}, fmt.Errorf("decode response: %w", err)
		}
	}
	return Posted{ID: out.ID, URL: out.URL}, nil
}

// Package fetch defines the page retrieval contract shared by the scan stage
// and its fetcher backends.
package fetch

import (
	"context"
	"net/http"
	"time"
)

// RobotsStatus records what a fetcher learned about robots.txt.
type RobotsStatus string

const (
	RobotsStatusUnknown       RobotsStatus = ""
	RobotsStatusIndeterminate RobotsStatus = "indeterminate"
)

// Request captures everything needed to fetch a URL.
type Request struct {
	URL     string
	Headers http.Header
	// RespectRobots overrides the fetcher default when non-nil.
	RespectRobots *bool
}

// Response is the result returned by a Fetcher implementation.
type Response struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
	RobotsStatus RobotsStatus
	RobotsReason string
}

// ContentType returns the response Content-Type header, if any.
func (r Response) ContentType() string {
	if r.Headers == nil {
		return ""
	}
	return r.Headers.Get("Content-Type")
}

// Fetcher retrieves a single page.
type Fetcher interface {
	Fetch(ctx context.Context, request Request) (Response, error)
}

// Detector decides whether a plain fetch should be re-done with a headless
// browser.
type Detector interface {
	ShouldPromote(probe Response) bool
}

// Limiter paces requests per host. target may be a URL or a bare host.
type Limiter interface {
	Wait(ctx context.Context, target string) error
}
